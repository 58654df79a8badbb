package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository stores jobs per organization together with each job's run
// record, the latest scheduled instant for which a run was claimed.
//
// A repository starts closed. Every method other than Open returns an error
// wrapping errors.ErrIllegalState unless the repository is open, and Open
// on an open repository (or Close on a closed one) fails the same way.
//
// JobStarted, JobSucceeded and JobFailed all move the run record to
// max(lastRun, scheduled). Outcome detail belongs to the ResultSink.
// Implementations differ in how they treat two claims of the same
// (id, org, scheduled): MapRepository merges them, SQLStore lets exactly
// one win and fails the other with errors.ErrConflict.
type Repository interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// AddOrUpdateJob validates and upserts job. An existing job with the
	// same (id, org) is replaced whole and keeps its position and CreatedAt.
	AddOrUpdateJob(ctx context.Context, job *Job, org uuid.UUID) error
	// RemoveJob deletes the job. Its run record is kept, so re-adding the
	// same id does not replay slots that already ran.
	RemoveJob(ctx context.Context, id, org uuid.UUID) error
	// GetJob returns an error wrapping errors.ErrNotFound for unknown jobs
	GetJob(ctx context.Context, id, org uuid.UUID) (*Job, error)
	// GetLastRun returns nil when no run was ever recorded
	GetLastRun(ctx context.Context, id, org uuid.UUID) (*time.Time, error)

	JobStarted(ctx context.Context, id, org uuid.UUID, scheduled time.Time) error
	JobSucceeded(ctx context.Context, id, org uuid.UUID, scheduled time.Time, result any) error
	JobFailed(ctx context.Context, id, org uuid.UUID, scheduled time.Time, cause error) error

	// Query returns jobs in insertion order
	Query(ctx context.Context, q JobQuery) (*QueryResult, error)
	// Organizations lists every organization that has jobs
	Organizations(ctx context.Context) ([]uuid.UUID, error)
}
