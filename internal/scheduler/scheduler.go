// Package scheduler arms one single-shot deadline per poll.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler holds at most one armed timer per poll. A callback runs at most once per
// Schedule call and never after Cancel or Stop returned for that poll.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	timers  map[uuid.UUID]*entry
	stopped bool
}

type entry struct {
	timer  *clock.Timer
	fireAt time.Time
}

// New creates a scheduler on clk. A nil clk uses the wall clock.
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger,
		timers: make(map[uuid.UUID]*entry),
	}
}

// Schedule arms fn to run at fireAt, replacing any timer already armed for pollID.
// Returns false if the scheduler has been stopped.
func (s *Scheduler) Schedule(pollID uuid.UUID, fireAt time.Time, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old, ok := s.timers[pollID]; ok {
		old.timer.Stop()
	}
	e := &entry{fireAt: fireAt}
	s.timers[pollID] = e
	// the callback takes mu, so it cannot observe e before timer is assigned
	e.timer = s.clock.AfterFunc(fireAt.Sub(s.clock.Now()), func() {
		s.fire(pollID, e, fn)
	})
	s.logger.Debug("deadline armed", zap.String("poll_id", pollID.String()), zap.Time("fire_at", fireAt))
	return true
}

func (s *Scheduler) fire(pollID uuid.UUID, e *entry, fn func()) {
	s.mu.Lock()
	if s.stopped || s.timers[pollID] != e {
		// cancelled or re-armed while the timer was firing
		s.mu.Unlock()
		return
	}
	delete(s.timers, pollID)
	s.mu.Unlock()

	s.logger.Debug("deadline fired", zap.String("poll_id", pollID.String()))
	fn()
}

// Cancel disarms the timer for pollID. Returns whether one was armed.
func (s *Scheduler) Cancel(pollID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[pollID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, pollID)
	return true
}

// Pending returns the fire time armed for pollID.
func (s *Scheduler) Pending(pollID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[pollID]
	if !ok {
		return time.Time{}, false
	}
	return e.fireAt, true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer and rejects further Schedule calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("scheduler stopped")
}

// Now returns the scheduler's clock time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}
