package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	portaltest "github.com/teranos/portal/internal/testing"
	"github.com/teranos/portal/pulse/schedule"
)

var anchor = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newMapRepo(t *testing.T) *MapRepository {
	t.Helper()
	repo := NewMapRepository(zaptest.NewLogger(t).Sugar())
	require.NoError(t, repo.Open(context.Background()))
	return repo
}

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	store := NewSQLStore(portaltest.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
	require.NoError(t, store.Open(context.Background()))
	return store
}

// forEachRepository runs fn against every Repository implementation
func forEachRepository(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("map", func(t *testing.T) { fn(t, newMapRepo(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLStore(t)) })
}

func oneOffAt(t *testing.T, at time.Time) schedule.Schedule {
	t.Helper()
	s, err := schedule.NewOneOff(at, nil)
	require.NoError(t, err)
	return s
}

func hourlyFrom(t *testing.T, at time.Time) schedule.Schedule {
	t.Helper()
	s, err := schedule.NewPeriodic(schedule.PeriodicConfig{RunAtAndAfter: at, Period: schedule.PeriodHour})
	require.NoError(t, err)
	return s
}

func newJob(handler string, sched schedule.Schedule) *Job {
	return &Job{
		ID:          uuid.New(),
		HandlerName: handler,
		Schedule:    sched,
		CreatedAt:   anchor.Add(-24 * time.Hour),
	}
}

// recordingHandler records every run it receives
type recordingHandler struct {
	name string
	fn   func(ctx context.Context, run Run) (string, error)

	mu   sync.Mutex
	runs []Run

	active    atomic.Int32
	maxActive atomic.Int32
}

func newRecordingHandler(name string, fn func(ctx context.Context, run Run) (string, error)) *recordingHandler {
	if fn == nil {
		fn = func(context.Context, Run) (string, error) { return "ok", nil }
	}
	return &recordingHandler{name: name, fn: fn}
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Execute(ctx context.Context, run Run) (string, error) {
	n := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		max := h.maxActive.Load()
		if n <= max || h.maxActive.CompareAndSwap(max, n) {
			break
		}
	}

	h.mu.Lock()
	h.runs = append(h.runs, run)
	h.mu.Unlock()
	return h.fn(ctx, run)
}

func (h *recordingHandler) Runs() []Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Run(nil), h.runs...)
}

// recordingSink keeps finished executions in memory
type recordingSink struct {
	mu       sync.Mutex
	started  []*Execution
	finished []*Execution
}

func (s *recordingSink) RunStarted(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *exec
	s.started = append(s.started, &c)
	return nil
}

func (s *recordingSink) RunFinished(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *exec
	s.finished = append(s.finished, &c)
	return nil
}

func (s *recordingSink) Finished() []*Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Execution(nil), s.finished...)
}

func (s *recordingSink) ByJob(id uuid.UUID) []*Execution {
	var out []*Execution
	for _, e := range s.Finished() {
		if e.JobID == id.String() {
			out = append(out, e)
		}
	}
	return out
}

func requireTimeEqual(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got, "expected %s, got nil", want)
	require.True(t, want.Equal(*got), "expected %s, got %s", want, *got)
}
