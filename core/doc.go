// Package core defines the shared data model of the Waypoint workflow
// interpreter: behaviour graphs and their actionlets, the per-session
// knowledge store, the extension contract, response payloads and streaming
// values, and the small interfaces (message buses, timers) that the rest of
// the system implements.
//
// Everything in this package is session-scoped and carries no goroutine of
// its own. Higher layers (activity, engine) own the locking and scheduling.
package core
