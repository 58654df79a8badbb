package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/pulse/timer"
)

// PruneHandlerName is the handler that trims execution history
const PruneHandlerName = "pulse.prune-executions"

// DefaultRetentionDays applies when the payload names no retention
const DefaultRetentionDays = 30

// PrunePayload is the JSON payload of a prune job
type PrunePayload struct {
	RetentionDays int `json:"retention_days"`
}

// ClaimPruner drops slot claims older than a cutoff
type ClaimPruner interface {
	PruneClaims(ctx context.Context, cutoff time.Time) (int, error)
}

type pruneHandler struct {
	store  *ExecutionStore
	claims ClaimPruner
	clock  timer.Clock
}

// NewPruneHandler returns the handler that deletes executions, and slot
// claims when claims is not nil, older than the payload's retention
func NewPruneHandler(store *ExecutionStore, claims ClaimPruner, clock timer.Clock) Handler {
	return &pruneHandler{store: store, claims: claims, clock: clock}
}

func (h *pruneHandler) Name() string { return PruneHandlerName }

func (h *pruneHandler) Execute(ctx context.Context, run Run) (string, error) {
	payload := PrunePayload{RetentionDays: DefaultRetentionDays}
	if len(run.Payload) > 0 {
		if err := json.Unmarshal(run.Payload, &payload); err != nil {
			return "", errors.Wrapf(errors.ErrInvalidRequest, "malformed prune payload: %v", err)
		}
	}

	now := h.clock.Now()
	deleted, err := h.store.CleanupOldExecutions(ctx, now, payload.RetentionDays)
	if err != nil {
		return "", err
	}
	if h.claims == nil {
		return fmt.Sprintf("deleted %d executions older than %d days", deleted, payload.RetentionDays), nil
	}

	claims, err := h.claims.PruneClaims(ctx, now.AddDate(0, 0, -payload.RetentionDays))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted %d executions and %d slot claims older than %d days",
		deleted, claims, payload.RetentionDays), nil
}
