// Package timer implements the background scheduler behind periodic
// callbacks: idle-session purging and extension-driven polling. Each timer
// runs on its own goroutine and posts notifications to its client; clients
// that feed session state must hand off into the session's own locking
// rather than mutate it directly.
package timer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
)

// Service schedules periodic timers. It implements core.TimerService.
type Service struct {
	mu     sync.Mutex
	timers map[string]chan struct{}
	logger logging.Logger
	closed bool
}

// New creates a timer service.
func New(logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Service{
		timers: make(map[string]chan struct{}),
		logger: logger,
	}
}

// AddTimer schedules a timer for the client. The first firing happens after
// initial (immediately when zero); repeats counts additional firings after
// the first, with -1 meaning forever. When the repeat budget runs out the
// client receives OnTimerLapsed once.
func (s *Service) AddTimer(client core.TimerClient, initial, interval time.Duration, repeats int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}

	id := uuid.NewString()
	stop := make(chan struct{})
	s.timers[id] = stop

	go s.run(id, client, initial, interval, repeats, stop)
	return id
}

func (s *Service) run(id string, client core.TimerClient, initial, interval time.Duration, repeats int, stop chan struct{}) {
	if initial > 0 {
		select {
		case <-time.After(initial):
		case <-stop:
			return
		}
	}
	client.OnTimer(id)

	for repeats != 0 {
		select {
		case <-time.After(interval):
		case <-stop:
			return
		}
		client.OnTimer(id)
		if repeats > 0 {
			repeats--
		}
	}

	client.OnTimerLapsed(id)
	s.RemoveTimer(id)
}

// RemoveTimer cancels a timer. Unknown ids are ignored.
func (s *Service) RemoveTimer(id string) {
	s.mu.Lock()
	stop, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Close cancels every timer and rejects new registrations.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timers := s.timers
	s.timers = make(map[string]chan struct{})
	s.mu.Unlock()

	for _, stop := range timers {
		close(stop)
	}
	s.logger.Debug("timer service closed", "cancelled", len(timers))
}
