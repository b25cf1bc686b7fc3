package core

import "errors"

var (
	// ErrBusy is returned when an operation is attempted on a session that
	// still has running or lined-up actions.
	ErrBusy = errors.New("session is busy")

	// ErrScript indicates a malformed behaviour graph, an invalid actionlet
	// shape, or an unknown command or index. Script errors fail the operation
	// but never take the session down.
	ErrScript = errors.New("behaviour script error")
)
