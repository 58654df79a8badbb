package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/logger"
	"github.com/teranos/portal/pulse/jobs"
)

// DispatchHandlerName is the handler that feeds discovered metrics to rollup workers
const DispatchHandlerName = "rollup.dispatch"

// Dispenser hands out metric names one at a time
type Dispenser interface {
	Next(ctx context.Context) (Dispense, error)
}

// Submitter accepts a metric for rollup computation
type Submitter interface {
	Submit(ctx context.Context, org uuid.UUID, metric string) error
}

// DispatchPayload is the JSON payload of a dispatch job
type DispatchPayload struct {
	Batch int `json:"batch"`
}

type dispatchHandler struct {
	source       Dispenser
	submitter    Submitter
	defaultBatch int
}

// NewDispatchHandler returns the job handler that pulls up to a batch of
// metrics from source per run and submits each one
func NewDispatchHandler(source Dispenser, submitter Submitter, defaultBatch int) jobs.Handler {
	return &dispatchHandler{source: source, submitter: submitter, defaultBatch: defaultBatch}
}

func (h *dispatchHandler) Name() string { return DispatchHandlerName }

func (h *dispatchHandler) Execute(ctx context.Context, run jobs.Run) (string, error) {
	payload := DispatchPayload{Batch: h.defaultBatch}
	if len(run.Payload) > 0 {
		if err := json.Unmarshal(run.Payload, &payload); err != nil {
			return "", errors.Wrapf(errors.ErrInvalidRequest, "malformed dispatch payload: %v", err)
		}
	}
	if payload.Batch < 1 {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "dispatch batch must be at least 1, got %d", payload.Batch)
	}

	dispatched := 0
	for dispatched < payload.Batch {
		next, err := h.source.Next(ctx)
		if err != nil {
			return "", errors.Wrapf(err, "dispatched %d metrics before discovery failed", dispatched)
		}
		if next.Exhausted {
			return fmt.Sprintf("dispatched %d metrics, pool exhausted until %s",
				dispatched, next.RefreshDeadline.UTC().Format(time.RFC3339)), nil
		}
		if err := h.submitter.Submit(ctx, run.Organization, next.Metric); err != nil {
			return "", errors.Wrapf(err, "failed to submit %s", next.Metric)
		}
		dispatched++
	}
	return fmt.Sprintf("dispatched %d metrics", dispatched), nil
}

// LogSubmitter records submissions in the log only
type LogSubmitter struct {
	logger *zap.SugaredLogger
}

// NewLogSubmitter creates a submitter that writes to log
func NewLogSubmitter(log *zap.SugaredLogger) *LogSubmitter {
	return &LogSubmitter{logger: logger.AddRollupSymbol(log)}
}

func (s *LogSubmitter) Submit(ctx context.Context, org uuid.UUID, metric string) error {
	// Inside a dispatch run the context already names the org
	log := logger.FromContext(ctx, s.logger)
	if log == s.logger {
		log = log.With(logger.FieldOrganization, org)
	}
	log.Infow("Metric submitted for rollup", logger.FieldMetric, metric)
	return nil
}
