package schedule

import (
	"fmt"
	"time"

	"github.com/teranos/portal/errors"
)

// PeriodicConfig describes a repeating schedule
type PeriodicConfig struct {
	RunAtAndAfter time.Time
	RunUntil      *time.Time
	Period        Period
	Zone          string        // IANA zone name, empty means UTC
	Offset        time.Duration // Added to every period boundary, 0 <= Offset < Period.Nominal()
}

// Periodic fires at every period boundary plus offset, where boundaries
// follow the calendar of the schedule's zone.
type Periodic struct {
	runAtAndAfter time.Time
	runUntil      *time.Time
	period        Period
	zone          *time.Location
	offset        time.Duration
}

// NewPeriodic validates cfg and builds the schedule
func NewPeriodic(cfg PeriodicConfig) (*Periodic, error) {
	if err := validateBounds(cfg.RunAtAndAfter, cfg.RunUntil); err != nil {
		return nil, err
	}

	period, err := ParsePeriod(string(cfg.Period))
	if err != nil {
		return nil, err
	}

	zoneName := cfg.Zone
	if zoneName == "" {
		zoneName = "UTC"
	}
	zone, err := time.LoadLocation(zoneName)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.NewConfigurationError("unknown zone %q", cfg.Zone), err)
	}

	if cfg.Offset < 0 || cfg.Offset >= period.Nominal() {
		return nil, errors.NewConfigurationError("offset %s must be within [0, %s) for period %s",
			cfg.Offset, period.Nominal(), period)
	}

	return &Periodic{
		runAtAndAfter: cfg.RunAtAndAfter,
		runUntil:      copyTime(cfg.RunUntil),
		period:        period,
		zone:          zone,
		offset:        cfg.Offset,
	}, nil
}

// NextRun returns the earliest boundary+offset strictly after lastCompleted.
// Before anything has completed (or when lastCompleted predates the anchor)
// the first candidate at or after RunAtAndAfter is returned.
func (s *Periodic) NextRun(lastCompleted *time.Time) *time.Time {
	lower := s.runAtAndAfter
	inclusive := true
	if lastCompleted != nil && !lastCompleted.Before(s.runAtAndAfter) {
		lower = *lastCompleted
		inclusive = false
	}

	// Start one period early: with a long offset on a short DST day the
	// previous boundary's candidate can still land after lower.
	boundary := s.period.step(s.period.truncate(lower.In(s.zone)), -1)
	candidate := boundary.Add(s.offset)
	for candidate.Before(lower) || (!inclusive && candidate.Equal(lower)) {
		boundary = s.period.step(boundary, 1)
		candidate = boundary.Add(s.offset)
	}

	if pastUntil(candidate, s.runUntil) {
		return nil
	}
	return &candidate
}

func (s *Periodic) Kind() Kind               { return KindPeriodic }
func (s *Periodic) RunAtAndAfter() time.Time { return s.runAtAndAfter }
func (s *Periodic) RunUntil() *time.Time     { return copyTime(s.runUntil) }
func (s *Periodic) Period() Period           { return s.period }
func (s *Periodic) Zone() *time.Location     { return s.zone }
func (s *Periodic) Offset() time.Duration    { return s.offset }
func (s *Periodic) sealed()                  {}

func (s *Periodic) String() string {
	str := fmt.Sprintf("every %s in %s", s.period, s.zone)
	if s.offset > 0 {
		str += fmt.Sprintf(" +%s", s.offset)
	}
	return str
}
