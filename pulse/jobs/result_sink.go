package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/portal/logger"
)

// ResultSink receives execution records as runs start and finish.
// A sink error is logged by the ticker and never affects the run.
type ResultSink interface {
	RunStarted(ctx context.Context, exec *Execution) error
	RunFinished(ctx context.Context, exec *Execution) error
}

// LogSink reports executions to the structured log only
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink that writes to log
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger.AddPulseSymbol(log)}
}

func (s *LogSink) RunStarted(ctx context.Context, exec *Execution) error {
	s.logger.Debugw("Execution started",
		logger.FieldExecutionID, exec.ID,
		logger.FieldJobID, exec.JobID,
		logger.FieldOrganization, exec.Organization,
		logger.FieldScheduled, exec.ScheduledAt)
	return nil
}

func (s *LogSink) RunFinished(ctx context.Context, exec *Execution) error {
	fields := []interface{}{
		logger.FieldExecutionID, exec.ID,
		logger.FieldJobID, exec.JobID,
		logger.FieldOrganization, exec.Organization,
		logger.FieldStatus, exec.Status,
	}
	if exec.DurationMs != nil {
		fields = append(fields, logger.FieldDurationMS, *exec.DurationMs)
	}

	if exec.Failed() {
		if exec.ErrorMessage != nil {
			fields = append(fields, logger.FieldError, *exec.ErrorMessage)
		}
		s.logger.Warnw("Execution failed", fields...)
		return nil
	}
	if exec.ResultSummary != nil {
		fields = append(fields, "result", *exec.ResultSummary)
	}
	s.logger.Infow("Execution completed", fields...)
	return nil
}

// MultiSink fans records out to every sink, returning the first error
type MultiSink []ResultSink

func (m MultiSink) RunStarted(ctx context.Context, exec *Execution) error {
	var first error
	for _, s := range m {
		if err := s.RunStarted(ctx, exec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) RunFinished(ctx context.Context, exec *Execution) error {
	var first error
	for _, s := range m {
		if err := s.RunFinished(ctx, exec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
