// Package schedule computes when a job is next due.
//
// A Schedule is an immutable value. NextRun answers "given the last run
// that completed, when is the next one due?" and returns nil once the
// schedule has nothing left to run. Every validation happens in the
// constructors; NextRun never fails.
package schedule

import (
	"time"

	"github.com/teranos/portal/errors"
)

// Kind tags the schedule variant in storage and on the wire
type Kind string

const (
	KindOneOff   Kind = "one_off"
	KindPeriodic Kind = "periodic"
)

// Schedule is implemented by OneOff and Periodic only.
type Schedule interface {
	// NextRun returns the next due instant strictly after lastCompleted
	// (or at/after RunAtAndAfter when nothing has run yet), nil when none.
	NextRun(lastCompleted *time.Time) *time.Time

	Kind() Kind
	RunAtAndAfter() time.Time
	RunUntil() *time.Time
	String() string

	sealed()
}

// validateBounds enforces the window shared by every variant
func validateBounds(runAtAndAfter time.Time, runUntil *time.Time) error {
	if runAtAndAfter.IsZero() {
		return errors.NewConfigurationError("run_at_and_after is required")
	}
	if runUntil != nil && runUntil.Before(runAtAndAfter) {
		return errors.NewConfigurationError("run_until %s is before run_at_and_after %s",
			runUntil.Format(time.RFC3339), runAtAndAfter.Format(time.RFC3339))
	}
	return nil
}

// copyTime returns a pointer the caller may keep without aliasing ours
func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// pastUntil reports whether t falls after the optional end of the window
func pastUntil(t time.Time, runUntil *time.Time) bool {
	return runUntil != nil && t.After(*runUntil)
}
