package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/logger"
	"github.com/teranos/portal/pulse/schedule"
)

// defaultWriteRetries bounds retries of a write that hit SQLITE_BUSY or SQLITE_LOCKED
const defaultWriteRetries = 5

// SQLStore is the SQLite-backed Repository.
//
// JobStarted inserts a claim keyed on (org, job, scheduled) in the same
// transaction as the run record update. A second claim of the same slot
// hits the primary key and fails with errors.ErrConflict, so a slot runs
// once even when two schedulers share the database.
type SQLStore struct {
	db     *sql.DB
	open   atomic.Bool
	logger *zap.SugaredLogger
	now    func() time.Time

	// newBackOff builds the retry policy for one write
	newBackOff func() backoff.BackOff
}

// NewSQLStore returns a closed store over a migrated database
func NewSQLStore(db *sql.DB, log *zap.SugaredLogger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger.AddDBSymbol(log),
		now:    time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return backoff.WithMaxRetries(b, defaultWriteRetries)
		},
	}
}

func (s *SQLStore) Open(ctx context.Context) error {
	if !s.open.CompareAndSwap(false, true) {
		return errors.NewIllegalStateError("repository is already open")
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.open.Store(false)
		return errors.Wrap(err, "failed to reach job database")
	}
	s.logger.Debugw("Job repository opened")
	return nil
}

func (s *SQLStore) Close(ctx context.Context) error {
	if !s.open.CompareAndSwap(true, false) {
		return errors.NewIllegalStateError("repository is not open")
	}
	s.logger.Debugw("Job repository closed")
	return nil
}

func (s *SQLStore) assertOpen() error {
	if !s.open.Load() {
		return errors.NewIllegalStateError("repository is not open")
	}
	return nil
}

// withRetry runs a write, retrying while SQLite reports the database busy
func (s *SQLStore) withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			s.logger.Debugw("Database busy, retrying",
				"op", op,
				"attempt", attempt,
				logger.FieldError, err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(s.newBackOff(), ctx))
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func (s *SQLStore) AddOrUpdateJob(ctx context.Context, job *Job, org uuid.UUID) error {
	if err := s.assertOpen(); err != nil {
		return err
	}
	if err := job.Validate(); err != nil {
		return err
	}

	sched, err := schedule.Marshal(job.Schedule)
	if err != nil {
		return err
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var payload interface{}
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}

	query := `
		INSERT INTO portal_jobs (org_id, id, name, handler_name, payload, schedule, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, id) DO UPDATE SET
			name = excluded.name,
			handler_name = excluded.handler_name,
			payload = excluded.payload,
			schedule = excluded.schedule,
			created_at = CASE WHEN ? THEN excluded.created_at ELSE portal_jobs.created_at END,
			updated_at = excluded.updated_at
	`

	err = s.withRetry(ctx, "upsert job", func() error {
		_, err := s.db.ExecContext(ctx, query,
			org.String(),
			job.ID.String(),
			job.Name,
			job.HandlerName,
			payload,
			string(sched),
			formatTime(createdAt),
			formatTime(job.UpdatedAt),
			!job.CreatedAt.IsZero(),
		)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upsert job %s", job.ID)
	}
	return nil
}

func (s *SQLStore) RemoveJob(ctx context.Context, id, org uuid.UUID) error {
	if err := s.assertOpen(); err != nil {
		return err
	}

	var affected int64
	err := s.withRetry(ctx, "remove job", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM portal_jobs WHERE org_id = ? AND id = ?`, org.String(), id.String())
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to remove job %s", id)
	}
	if affected == 0 {
		return errors.NewNotFoundError("job %s in organization %s", id, org)
	}
	return nil
}

const jobColumns = `id, name, handler_name, payload, schedule, created_at, updated_at`

func (s *SQLStore) GetJob(ctx context.Context, id, org uuid.UUID) (*Job, error) {
	if err := s.assertOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM portal_jobs WHERE org_id = ? AND id = ?`,
		org.String(), id.String())

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job %s in organization %s", id, org)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

func (s *SQLStore) GetLastRun(ctx context.Context, id, org uuid.UUID) (*time.Time, error) {
	if err := s.assertOpen(); err != nil {
		return nil, err
	}

	var nanos int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run FROM portal_job_runs WHERE org_id = ? AND job_id = ?`,
		org.String(), id.String()).Scan(&nanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to get last run for job %s", id)
	}

	last := time.Unix(0, nanos).UTC()
	return &last, nil
}

// JobStarted claims the slot. A slot claimed before fails with ErrConflict.
func (s *SQLStore) JobStarted(ctx context.Context, id, org uuid.UUID, scheduled time.Time) error {
	if err := s.assertOpen(); err != nil {
		return err
	}

	var claimed bool
	err := s.withRetry(ctx, "claim slot", func() error {
		claimed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO portal_job_claims (org_id, job_id, scheduled, claimed_at) VALUES (?, ?, ?, ?)`,
			org.String(), id.String(), scheduled.UnixNano(), formatTime(s.now()))
		if err != nil {
			tx.Rollback()
			if isConstraint(err) {
				claimed = true
				return backoff.Permanent(err)
			}
			return err
		}

		if err := mergeRun(ctx, tx, id, org, scheduled, s.now()); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if claimed {
		return errors.NewConflictError("job %s slot %s already claimed", id, scheduled.Format(time.RFC3339))
	}
	if err != nil {
		return errors.Wrapf(err, "failed to record start of job %s", id)
	}
	return nil
}

// PruneClaims deletes slot claims scheduled before cutoff. Every claim is
// written together with a run record at or past its slot, so the record
// alone keeps the slot from being dispatched again.
func (s *SQLStore) PruneClaims(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.assertOpen(); err != nil {
		return 0, err
	}

	var deleted int64
	err := s.withRetry(ctx, "prune claims", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM portal_job_claims WHERE scheduled < ?`, cutoff.UnixNano())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune slot claims")
	}
	return int(deleted), nil
}

func (s *SQLStore) JobSucceeded(ctx context.Context, id, org uuid.UUID, scheduled time.Time, result any) error {
	return s.recordRun(ctx, id, org, scheduled, "success")
}

func (s *SQLStore) JobFailed(ctx context.Context, id, org uuid.UUID, scheduled time.Time, cause error) error {
	return s.recordRun(ctx, id, org, scheduled, "failure")
}

func (s *SQLStore) recordRun(ctx context.Context, id, org uuid.UUID, scheduled time.Time, outcome string) error {
	if err := s.assertOpen(); err != nil {
		return err
	}

	err := s.withRetry(ctx, "record "+outcome, func() error {
		return mergeRun(ctx, s.db, id, org, scheduled, s.now())
	})
	if err != nil {
		return errors.Wrapf(err, "failed to record %s of job %s", outcome, id)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// mergeRun applies last_run = max(last_run, scheduled)
func mergeRun(ctx context.Context, db execer, id, org uuid.UUID, scheduled, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO portal_job_runs (org_id, job_id, last_run, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(org_id, job_id) DO UPDATE SET
			last_run = MAX(portal_job_runs.last_run, excluded.last_run),
			updated_at = excluded.updated_at
	`, org.String(), id.String(), scheduled.UnixNano(), formatTime(now))
	return err
}

func (s *SQLStore) Query(ctx context.Context, q JobQuery) (*QueryResult, error) {
	if err := s.assertOpen(); err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	where := `WHERE org_id = ?`
	args := []interface{}{q.Organization.String()}
	if q.HandlerName != "" {
		where += ` AND handler_name = ?`
		args = append(args, q.HandlerName)
	}

	// Count and page read one snapshot so Total matches the page
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin job query")
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM portal_jobs `+where, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	limit := q.Limit
	if limit == 0 {
		limit = -1 // SQLite: no limit
	}
	found, err := queryJobs(ctx, tx,
		`SELECT `+jobColumns+` FROM portal_jobs `+where+` ORDER BY rowid LIMIT ? OFFSET ?`,
		append(args, limit, q.Offset)...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to finish job query")
	}
	return &QueryResult{Jobs: found, Total: total, Offset: q.Offset}, nil
}

func queryJobs(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]*Job, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	found := []*Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		found = append(found, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return found, nil
}

func (s *SQLStore) Organizations(ctx context.Context) ([]uuid.UUID, error) {
	if err := s.assertOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT org_id FROM portal_jobs GROUP BY org_id ORDER BY MIN(rowid)`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list organizations")
	}
	defer rows.Close()

	var orgs []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "failed to scan organization")
		}
		org, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed organization id %q", raw)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		rawID, createdAt, updatedAt, sched string
		payload                            sql.NullString
		job                                Job
	)
	if err := row.Scan(&rawID, &job.Name, &job.HandlerName, &payload, &sched, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed job id %q", rawID)
	}
	job.ID = id

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}

	job.Schedule, err = schedule.Unmarshal([]byte(sched))
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", rawID)
	}

	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "job %s created_at", rawID)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "job %s updated_at", rawID)
	}
	return &job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
