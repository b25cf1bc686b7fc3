package service

import (
	"time"

	"github.com/waypointhq/waypoint/core"
)

// Base carries the timer bookkeeping shared by remote services. A service
// embeds it, registers the timers it needs, and cancels them all on Fini.
type Base struct {
	timers core.TimerService
	ids    []string
}

// NewServiceBase wraps a timer service; timers may be nil for services that
// never schedule anything.
func NewServiceBase(timers core.TimerService) *Base {
	return &Base{timers: timers}
}

// RegisterTimer schedules a periodic callback on the embedding service.
func (b *Base) RegisterTimer(client core.TimerClient, interval time.Duration) string {
	if b.timers == nil || interval <= 0 {
		return ""
	}
	id := b.timers.AddTimer(client, interval, interval, -1)
	b.ids = append(b.ids, id)
	return id
}

// CancelTimer removes one registered timer.
func (b *Base) CancelTimer(id string) {
	if b.timers == nil {
		return
	}
	for i, known := range b.ids {
		if known == id {
			b.timers.RemoveTimer(id)
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return
		}
	}
}

// CancelTimers removes every registered timer.
func (b *Base) CancelTimers() {
	if b.timers == nil {
		b.ids = nil
		return
	}
	for _, id := range b.ids {
		b.timers.RemoveTimer(id)
	}
	b.ids = nil
}
