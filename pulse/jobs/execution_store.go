package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/portal/errors"
)

// ExecutionStore handles persistence of job execution history.
// It is the ResultSink used when portal runs against SQLite.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `
	id, org_id, job_id, handler_name, scheduled_at, status,
	started_at, completed_at, duration_ms,
	result_summary, error_message,
	created_at, updated_at`

// RunStarted records a new running execution
func (s *ExecutionStore) RunStarted(ctx context.Context, exec *Execution) error {
	return s.CreateExecution(ctx, exec)
}

// RunFinished records the execution's outcome
func (s *ExecutionStore) RunFinished(ctx context.Context, exec *Execution) error {
	return s.UpdateExecution(ctx, exec)
}

// CreateExecution creates a new execution record
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `INSERT INTO portal_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	completedAt, durationMs, resultSummary, errorMessage := nullableOutcome(exec)

	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.Organization,
		exec.JobID,
		exec.HandlerName,
		exec.ScheduledAt,
		exec.Status,
		exec.StartedAt,
		completedAt,
		durationMs,
		resultSummary,
		errorMessage,
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// UpdateExecution updates an existing execution record
func (s *ExecutionStore) UpdateExecution(ctx context.Context, exec *Execution) error {
	query := `
		UPDATE portal_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    result_summary = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?
	`

	completedAt, durationMs, resultSummary, errorMessage := nullableOutcome(exec)

	result, err := s.db.ExecContext(ctx, query,
		exec.Status,
		completedAt,
		durationMs,
		resultSummary,
		errorMessage,
		exec.UpdatedAt,
		exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("execution %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(ctx context.Context, execID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM portal_executions WHERE id = ?`, execID)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("execution %s", execID)
		}
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// ListExecutions returns a job's executions, newest first, with the total count.
// statusFilter is optional.
func (s *ExecutionStore) ListExecutions(ctx context.Context, org, jobID uuid.UUID, limit, offset int, statusFilter string) ([]*Execution, int, error) {
	baseQuery := `
		FROM portal_executions
		WHERE org_id = ? AND job_id = ?
	`
	args := []interface{}{org.String(), jobID.String()}

	if statusFilter != "" {
		baseQuery += " AND status = ?"
		args = append(args, statusFilter)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*)"+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count executions")
	}

	query := `SELECT ` + executionColumns + baseQuery + `
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating executions")
	}

	return executions, total, nil
}

// LastExecution returns the job's most recent execution, which answers
// whether its last run failed. Unknown jobs wrap errors.ErrNotFound.
func (s *ExecutionStore) LastExecution(ctx context.Context, org, jobID uuid.UUID) (*Execution, error) {
	executions, _, err := s.ListExecutions(ctx, org, jobID, 1, 0, "")
	if err != nil {
		return nil, err
	}
	if len(executions) == 0 {
		return nil, errors.NewNotFoundError("no executions for job %s", jobID)
	}
	return executions[0], nil
}

// CleanupOldExecutions deletes execution records that started before the
// retention period. Returns the number of executions deleted.
func (s *ExecutionStore) CleanupOldExecutions(ctx context.Context, now time.Time, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, errors.NewConfigurationError("retention must be at least one day, got %d", retentionDays)
	}
	cutoff := formatTime(now.AddDate(0, 0, -retentionDays))

	result, err := s.db.ExecContext(ctx, `DELETE FROM portal_executions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

func nullableOutcome(exec *Execution) (completedAt, durationMs, resultSummary, errorMessage interface{}) {
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}
	if exec.ResultSummary != nil {
		resultSummary = *exec.ResultSummary
	}
	if exec.ErrorMessage != nil {
		errorMessage = *exec.ErrorMessage
	}
	return
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var completedAt, resultSummary, errorMessage sql.NullString
	var durationMs sql.NullInt64

	err := row.Scan(
		&exec.ID,
		&exec.Organization,
		&exec.JobID,
		&exec.HandlerName,
		&exec.ScheduledAt,
		&exec.Status,
		&exec.StartedAt,
		&completedAt,
		&durationMs,
		&resultSummary,
		&errorMessage,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		exec.CompletedAt = &completedAt.String
	}
	if durationMs.Valid {
		duration := int(durationMs.Int64)
		exec.DurationMs = &duration
	}
	if resultSummary.Valid {
		exec.ResultSummary = &resultSummary.String
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	return &exec, nil
}
