package schedule

import "time"

// OneOff fires exactly once, at RunAtAndAfter.
type OneOff struct {
	runAtAndAfter time.Time
	runUntil      *time.Time
}

// NewOneOff returns a schedule that is due once at runAtAndAfter.
// runUntil is optional and must not precede runAtAndAfter.
func NewOneOff(runAtAndAfter time.Time, runUntil *time.Time) (*OneOff, error) {
	if err := validateBounds(runAtAndAfter, runUntil); err != nil {
		return nil, err
	}
	return &OneOff{
		runAtAndAfter: runAtAndAfter,
		runUntil:      copyTime(runUntil),
	}, nil
}

// NextRun returns RunAtAndAfter until a run at or after it has completed
func (s *OneOff) NextRun(lastCompleted *time.Time) *time.Time {
	if lastCompleted != nil && !lastCompleted.Before(s.runAtAndAfter) {
		return nil
	}
	if pastUntil(s.runAtAndAfter, s.runUntil) {
		return nil
	}
	next := s.runAtAndAfter
	return &next
}

func (s *OneOff) Kind() Kind               { return KindOneOff }
func (s *OneOff) RunAtAndAfter() time.Time { return s.runAtAndAfter }
func (s *OneOff) RunUntil() *time.Time     { return copyTime(s.runUntil) }
func (s *OneOff) sealed()                  {}

func (s *OneOff) String() string {
	return "once at " + s.runAtAndAfter.Format(time.RFC3339)
}
