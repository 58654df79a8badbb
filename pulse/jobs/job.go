// Package jobs runs scheduled work: the job model, the repository that
// tracks which slots already ran, and the ticker that executes due jobs.
package jobs

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/pulse/schedule"
)

// Job is a unit of recurring or one-shot work owned by one organization.
// IDs are unique only within the organization.
type Job struct {
	ID          uuid.UUID
	Name        string            // Display name (optional)
	HandlerName string            // Registered handler to invoke (e.g., "rollup.dispatch")
	Payload     []byte            // Handler-specific JSON, passed through untouched
	Schedule    schedule.Schedule // Replaced whole on update, never edited in place
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate rejects jobs that could never be scheduled
func (j *Job) Validate() error {
	if j == nil {
		return errors.NewConfigurationError("job is nil")
	}
	if j.ID == uuid.Nil {
		return errors.NewConfigurationError("job id is required")
	}
	if j.HandlerName == "" {
		return errors.NewConfigurationError("job %s has no handler", j.ID)
	}
	if j.Schedule == nil {
		return errors.NewConfigurationError("job %s has no schedule", j.ID)
	}
	return nil
}

// Clone returns a deep copy. Schedules are immutable and shared.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = bytes.Clone(j.Payload)
	}
	return &c
}

// DisplayName returns Name, or the ID when the job is unnamed
func (j *Job) DisplayName() string {
	if j.Name != "" {
		return j.Name
	}
	return j.ID.String()
}
