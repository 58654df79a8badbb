package timer

import (
	"sync"
	"time"
)

// Slot holds at most one armed timer.
//
// Arm replaces the pending timer: the old one is stopped and the generation
// bumped under the same lock before the new one is armed. A callback from an
// older generation that already left the runtime's timer heap sees the
// mismatch and returns without calling f.
type Slot struct {
	clock Clock

	mu         sync.Mutex
	timer      Timer
	generation uint64
	deadline   time.Time
}

// NewSlot returns an empty slot on clock
func NewSlot(clock Clock) *Slot {
	return &Slot{clock: clock}
}

// Arm schedules f after d, cancelling whatever was pending
func (s *Slot) Arm(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.generation++
	gen := s.generation
	s.deadline = s.clock.Now().Add(d)

	s.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.deadline = time.Time{}
		s.mu.Unlock()
		f()
	})
}

// Cancel disarms the slot. It reports whether a timer was pending.
func (s *Slot) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.timer != nil
	s.stopLocked()
	s.generation++
	return pending
}

// Deadline returns when the pending timer fires, false when nothing is armed
func (s *Slot) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, s.timer != nil
}

func (s *Slot) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}
