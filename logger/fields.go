package logger

import (
	"context"

	"go.uber.org/zap"
)

// Structured field keys. Every component logs the same concept under the
// same key so one query finds a run across ticker, sink and handler.
const (
	FieldOrganization = "org_id"
	FieldJobID        = "job_id"
	FieldExecutionID  = "execution_id"
	FieldHandler      = "handler"
	FieldMetric       = "metric"
	FieldComponent    = "component"
	FieldSymbol       = "symbol"

	FieldScheduled  = "scheduled"
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"
	FieldDeadline   = "refresh_deadline"

	FieldStatus = "status"
	FieldCount  = "count"
	FieldError  = "error"
)

type runKey struct{}

// RunFields identifies the job run a context belongs to.
type RunFields struct {
	Organization string
	JobID        string
	ExecutionID  string
}

// WithRun attaches run identity to ctx. Handlers receive this context, so
// anything they log through FromContext is tied to the run.
func WithRun(ctx context.Context, run RunFields) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// FromContext returns base with the run identity carried by ctx, or base
// unchanged outside a run.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	run, ok := ctx.Value(runKey{}).(RunFields)
	if !ok {
		return base
	}
	var kv []interface{}
	if run.Organization != "" {
		kv = append(kv, FieldOrganization, run.Organization)
	}
	if run.JobID != "" {
		kv = append(kv, FieldJobID, run.JobID)
	}
	if run.ExecutionID != "" {
		kv = append(kv, FieldExecutionID, run.ExecutionID)
	}
	return base.With(kv...)
}

// ComponentLogger returns the global logger named for one component, e.g.
// logger.ComponentLogger("pulse").
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name).With(FieldComponent, name)
}
