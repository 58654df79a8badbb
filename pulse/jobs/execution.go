package jobs

import (
	"time"

	"github.com/google/uuid"
	id "github.com/teranos/vanity-id"

	"github.com/teranos/portal/internal/util"
)

// timestampLayout is fixed width so stored timestamps sort as text
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Execution represents a single run of a job.
//
// Each time a job runs, an Execution record tracks:
// - Timing (scheduled slot, started_at, completed_at, duration)
// - Status (running, completed, failed)
// - Output (result summary or error)
//
// The repository only remembers that a slot ran; executions remember how.
type Execution struct {
	// Identity
	ID           string `json:"id"` // PX... vanity ID
	JobID        string `json:"job_id"`
	Organization string `json:"org_id"`
	HandlerName  string `json:"handler_name"`

	// The slot this run executes (RFC3339)
	ScheduledAt string `json:"scheduled_at"`

	// Execution status
	Status string `json:"status"` // "running", "completed", "failed"

	// Timing
	StartedAt   string  `json:"started_at"`             // RFC3339 timestamp
	CompletedAt *string `json:"completed_at,omitempty"` // RFC3339 timestamp (null if running)
	DurationMs  *int    `json:"duration_ms,omitempty"`  // Milliseconds (null if running)

	// Output capture
	ResultSummary *string `json:"result_summary,omitempty"` // Brief summary
	ErrorMessage  *string `json:"error_message,omitempty"`  // Error if failed

	// Metadata
	CreatedAt string `json:"created_at"` // RFC3339 timestamp
	UpdatedAt string `json:"updated_at"` // RFC3339 timestamp
}

// Execution status constants for type safety
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
)

// NewExecution starts a running execution record for one slot of job
func NewExecution(job *Job, org uuid.UUID, scheduled, startedAt time.Time) *Execution {
	started := formatTime(startedAt)
	return &Execution{
		ID:           id.GenerateExecutionID(),
		JobID:        job.ID.String(),
		Organization: org.String(),
		HandlerName:  job.HandlerName,
		ScheduledAt:  formatTime(scheduled),
		Status:       ExecutionStatusRunning,
		StartedAt:    started,
		CreatedAt:    started,
		UpdatedAt:    started,
	}
}

// Complete marks the execution successful
func (e *Execution) Complete(completedAt time.Time, summary string) {
	e.finish(completedAt, ExecutionStatusCompleted)
	if summary != "" {
		e.ResultSummary = util.Ptr(summary)
	}
}

// Fail marks the execution failed with cause
func (e *Execution) Fail(completedAt time.Time, cause error) {
	e.finish(completedAt, ExecutionStatusFailed)
	e.ErrorMessage = util.Ptr(cause.Error())
}

func (e *Execution) finish(completedAt time.Time, status string) {
	completed := formatTime(completedAt)
	e.Status = status
	e.CompletedAt = util.Ptr(completed)
	e.UpdatedAt = completed

	if started, err := parseTime(e.StartedAt); err == nil {
		e.DurationMs = util.Ptr(int(completedAt.Sub(started).Milliseconds()))
	}
}

// Failed reports whether the execution ended in failure
func (e *Execution) Failed() bool {
	return e.Status == ExecutionStatusFailed
}
