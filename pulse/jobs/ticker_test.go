package jobs

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/internal/telemetry"
	portaltest "github.com/teranos/portal/internal/testing"
	"github.com/teranos/portal/pulse/timer"
)

func testTickerConfig() TickerConfig {
	cfg := DefaultTickerConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.JobTimeout = 5 * time.Second
	return cfg
}

func newTestTicker(t *testing.T, repo Repository, sink ResultSink, cfg TickerConfig, handlers ...Handler) *Ticker {
	t.Helper()
	registry := NewRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}
	ticker, err := NewTicker(repo, registry, sink, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return ticker
}

func TestTicker_OneOffRunsOnce(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		handler := newRecordingHandler("noop", nil)
		sink := &recordingSink{}
		ticker := newTestTicker(t, repo, sink, testTickerConfig(), handler)

		job := newJob("noop", oneOffAt(t, anchor))
		job.Payload = []byte(`{"batch":3}`)
		require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

		n, err := ticker.Tick(ctx, anchor.Add(-time.Second))
		require.NoError(t, err)
		assert.Zero(t, n, "not due before its run time")

		n, err = ticker.Tick(ctx, anchor)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		ticker.Wait()

		runs := handler.Runs()
		require.Len(t, runs, 1)
		assert.Equal(t, job.ID, runs[0].JobID)
		assert.Equal(t, org, runs[0].Organization)
		assert.True(t, anchor.Equal(runs[0].Scheduled))
		assert.Equal(t, `{"batch":3}`, string(runs[0].Payload))
		assert.NotEmpty(t, runs[0].ExecutionID)

		last, err := repo.GetLastRun(ctx, job.ID, org)
		require.NoError(t, err)
		requireTimeEqual(t, anchor, last)

		n, err = ticker.Tick(ctx, anchor.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n, "one-off never fires twice")
		ticker.Wait()
		assert.Len(t, handler.Runs(), 1)

		finished := sink.ByJob(job.ID)
		require.Len(t, finished, 1)
		assert.Equal(t, ExecutionStatusCompleted, finished[0].Status)
		require.NotNil(t, finished[0].ResultSummary)
		assert.Equal(t, "ok", *finished[0].ResultSummary)
		assert.Equal(t, runs[0].ExecutionID, finished[0].ID)
	})
}

func TestTicker_PeriodicCatchesUpOneSlotPerTick(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		handler := newRecordingHandler("noop", nil)
		ticker := newTestTicker(t, repo, &recordingSink{}, testTickerConfig(), handler)

		job := newJob("noop", hourlyFrom(t, anchor))
		require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

		now := anchor.Add(3*time.Hour + 30*time.Minute)
		for i := 0; i < 4; i++ {
			n, err := ticker.Tick(ctx, now)
			require.NoError(t, err)
			require.Equal(t, 1, n, "tick %d", i)
			ticker.Wait()
		}

		n, err := ticker.Tick(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, n, "caught up")

		runs := handler.Runs()
		require.Len(t, runs, 4)
		for i, run := range runs {
			assert.True(t, anchor.Add(time.Duration(i)*time.Hour).Equal(run.Scheduled), "run %d scheduled %s", i, run.Scheduled)
		}

		last, err := repo.GetLastRun(ctx, job.ID, org)
		require.NoError(t, err)
		requireTimeEqual(t, anchor.Add(3*time.Hour), last)
	})
}

func TestTicker_FailuresAreIsolated(t *testing.T) {
	forEachRepository(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		org := uuid.New()
		sink := &recordingSink{}

		ok := newRecordingHandler("ok", nil)
		failing := newRecordingHandler("failing", func(context.Context, Run) (string, error) {
			return "", errors.New("upstream returned 503")
		})
		panicking := newRecordingHandler("panicking", func(context.Context, Run) (string, error) {
			panic("nil pointer in handler")
		})
		ticker := newTestTicker(t, repo, sink, testTickerConfig(), ok, failing, panicking)

		okJob := newJob("ok", oneOffAt(t, anchor))
		failingJob := newJob("failing", oneOffAt(t, anchor))
		panicJob := newJob("panicking", oneOffAt(t, anchor))
		orphanJob := newJob("unregistered", oneOffAt(t, anchor))
		for _, job := range []*Job{failingJob, panicJob, orphanJob, okJob} {
			require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))
		}

		n, err := ticker.Tick(ctx, anchor)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		ticker.Wait()

		assert.Len(t, ok.Runs(), 1)

		for _, job := range []*Job{okJob, failingJob, panicJob, orphanJob} {
			last, err := repo.GetLastRun(ctx, job.ID, org)
			require.NoError(t, err)
			requireTimeEqual(t, anchor, last)
		}

		expectFailure := func(job *Job, fragment string) {
			finished := sink.ByJob(job.ID)
			require.Len(t, finished, 1)
			assert.Equal(t, ExecutionStatusFailed, finished[0].Status)
			require.NotNil(t, finished[0].ErrorMessage)
			assert.Contains(t, *finished[0].ErrorMessage, fragment)
		}
		expectFailure(failingJob, "upstream returned 503")
		expectFailure(panicJob, "panicked")
		expectFailure(orphanJob, `no handler registered for "unregistered"`)

		finished := sink.ByJob(okJob.ID)
		require.Len(t, finished, 1)
		assert.Equal(t, ExecutionStatusCompleted, finished[0].Status)
	})
}

func TestTicker_SameJobNeverRunsConcurrently(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	handler := newRecordingHandler("slow", func(ctx context.Context, run Run) (string, error) {
		entered <- struct{}{}
		<-release
		return "done", nil
	})
	ticker := newTestTicker(t, repo, &recordingSink{}, testTickerConfig(), handler)

	job := newJob("slow", hourlyFrom(t, anchor))
	require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

	n, err := ticker.Tick(ctx, anchor.Add(5*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	<-entered

	// The next slot is due but the first run still holds the job
	n, err = ticker.Tick(ctx, anchor.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, ticker.Stats().InFlight)

	close(release)
	ticker.Wait()
	assert.Equal(t, int32(1), handler.maxActive.Load())
	assert.Zero(t, ticker.Stats().InFlight)

	n, err = ticker.Tick(ctx, anchor.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "next slot runs once the job is free")
	ticker.Wait()
}

// gatedRepo holds the first claim until released. A run-record read that
// arrives while the claim is held lets the run finish before answering, the
// interleaving in which a stale read could dispatch the same slot again.
type gatedRepo struct {
	*MapRepository
	ticker *Ticker

	claimed     chan struct{}
	release     chan struct{}
	claimOnce   sync.Once
	releaseOnce sync.Once
}

func newGatedRepo(inner *MapRepository) *gatedRepo {
	return &gatedRepo{MapRepository: inner, claimed: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedRepo) JobStarted(ctx context.Context, id, org uuid.UUID, scheduled time.Time) error {
	r.claimOnce.Do(func() { close(r.claimed) })
	<-r.release
	return r.MapRepository.JobStarted(ctx, id, org, scheduled)
}

func (r *gatedRepo) GetLastRun(ctx context.Context, id, org uuid.UUID) (*time.Time, error) {
	last, err := r.MapRepository.GetLastRun(ctx, id, org)
	select {
	case <-r.claimed:
	default:
		return last, err
	}
	select {
	case <-r.release:
	default:
		r.open()
		deadline := time.Now().Add(2 * time.Second)
		for r.ticker.Stats().InFlight > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	return last, err
}

func (r *gatedRepo) open() { r.releaseOnce.Do(func() { close(r.release) }) }

func TestTicker_OverlappingTicksRunSlotOnce(t *testing.T) {
	ctx := context.Background()
	org := uuid.New()
	repo := newGatedRepo(newMapRepo(t))
	handler := newRecordingHandler("noop", nil)
	ticker := newTestTicker(t, repo, &recordingSink{}, testTickerConfig(), handler)
	repo.ticker = ticker

	job := newJob("noop", oneOffAt(t, anchor))
	require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

	n, err := ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-repo.claimed

	// A RunNow poke landing while the first run is still claiming
	n, err = ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	assert.Zero(t, n, "slot already being run")

	repo.open()
	ticker.Wait()

	n, err = ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	assert.Zero(t, n)
	ticker.Wait()

	assert.Len(t, handler.Runs(), 1, "one-off slot executed more than once")
}

func TestTicker_WorkerBound(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()

	handler := newRecordingHandler("sleepy", func(ctx context.Context, run Run) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "", nil
	})
	cfg := testTickerConfig()
	cfg.Workers = 2
	ticker := newTestTicker(t, repo, &recordingSink{}, cfg, handler)

	for i := 0; i < 6; i++ {
		require.NoError(t, repo.AddOrUpdateJob(ctx, newJob("sleepy", oneOffAt(t, anchor)), org))
	}

	n, err := ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	ticker.Wait()

	assert.Len(t, handler.Runs(), 6)
	assert.LessOrEqual(t, handler.maxActive.Load(), int32(2))
}

func TestTicker_PagesThroughJobs(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()
	handler := newRecordingHandler("noop", nil)

	cfg := testTickerConfig()
	cfg.PageSize = 2
	ticker := newTestTicker(t, repo, &recordingSink{}, cfg, handler)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.AddOrUpdateJob(ctx, newJob("noop", oneOffAt(t, anchor)), org))
	}

	n, err := ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	ticker.Wait()
	assert.Len(t, handler.Runs(), 5)
}

func TestTicker_JobTimeout(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()
	sink := &recordingSink{}

	handler := newRecordingHandler("stuck", func(ctx context.Context, run Run) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cfg := testTickerConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	ticker := newTestTicker(t, repo, sink, cfg, handler)

	job := newJob("stuck", oneOffAt(t, anchor))
	require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

	_, err := ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	ticker.Wait()

	finished := sink.ByJob(job.ID)
	require.Len(t, finished, 1)
	assert.Equal(t, ExecutionStatusFailed, finished[0].Status)
	require.NotNil(t, finished[0].ErrorMessage)
	assert.Contains(t, *finished[0].ErrorMessage, "deadline exceeded")
}

func TestTicker_StartStop(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()
	sink := &recordingSink{}
	handler := newRecordingHandler("noop", nil)
	ticker := newTestTicker(t, repo, sink, testTickerConfig(), handler)

	job := newJob("noop", oneOffAt(t, time.Now().Add(-time.Minute)))
	require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

	require.NoError(t, ticker.Start(ctx))
	assert.True(t, errors.IsIllegalStateError(ticker.Start(ctx)), "a ticker starts once")

	assert.Eventually(t, func() bool {
		return len(sink.ByJob(job.ID)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ticker.RunNow()
	ticker.RunNow() // never blocks
	assert.Eventually(t, func() bool {
		return ticker.Stats().Ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)

	ticker.Stop()
	stats := ticker.Stats()
	assert.False(t, stats.LastTickAt.IsZero())
	assert.Len(t, handler.Runs(), 1)
}

func TestTicker_StopCancelsRunningHandlers(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()
	sink := &recordingSink{}

	entered := make(chan struct{})
	handler := newRecordingHandler("blocking", func(ctx context.Context, run Run) (string, error) {
		close(entered)
		<-ctx.Done()
		return "", ctx.Err()
	})
	ticker := newTestTicker(t, repo, sink, testTickerConfig(), handler)

	job := newJob("blocking", oneOffAt(t, time.Now().Add(-time.Minute)))
	require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

	require.NoError(t, ticker.Start(ctx))
	<-entered
	ticker.Stop()

	// The cancelled run is still recorded
	finished := sink.ByJob(job.ID)
	require.Len(t, finished, 1)
	assert.Equal(t, ExecutionStatusFailed, finished[0].Status)

	last, err := repo.GetLastRun(ctx, job.ID, org)
	require.NoError(t, err)
	assert.NotNil(t, last)
}

// conflictRepo behaves as if another scheduler claimed every slot first
type conflictRepo struct {
	Repository
}

func (r conflictRepo) JobStarted(ctx context.Context, id, org uuid.UUID, scheduled time.Time) error {
	return errors.NewConflictError("slot %s taken", scheduled)
}

func TestTicker_ClaimLost(t *testing.T) {
	ctx := context.Background()
	inner := newMapRepo(t)
	org := uuid.New()
	sink := &recordingSink{}
	handler := newRecordingHandler("noop", nil)

	reg := prometheus.NewRegistry()
	registry := NewRegistry()
	registry.Register(handler)
	ticker, err := NewTicker(conflictRepo{inner}, registry, sink, testTickerConfig(),
		zaptest.NewLogger(t).Sugar(), WithMetrics(telemetry.NewMetrics(reg)))
	require.NoError(t, err)

	require.NoError(t, inner.AddOrUpdateJob(ctx, newJob("noop", oneOffAt(t, anchor)), org))

	n, err := ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ticker.Wait()

	assert.Empty(t, handler.Runs())
	assert.Empty(t, sink.Finished())

	expected := `
# HELP portal_pulse_claims_lost_total Count of due slots skipped because another scheduler claimed them first.
# TYPE portal_pulse_claims_lost_total counter
portal_pulse_claims_lost_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "portal_pulse_claims_lost_total"))
}

func TestTicker_RecordsRunMetrics(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()

	reg := prometheus.NewRegistry()
	registry := NewRegistry()
	registry.Register(newRecordingHandler("ok", nil))
	registry.Register(newRecordingHandler("failing", func(context.Context, Run) (string, error) {
		return "", errors.New("boom")
	}))
	ticker, err := NewTicker(repo, registry, nil, testTickerConfig(),
		zaptest.NewLogger(t).Sugar(), WithMetrics(telemetry.NewMetrics(reg)))
	require.NoError(t, err)

	require.NoError(t, repo.AddOrUpdateJob(ctx, newJob("ok", oneOffAt(t, anchor)), org))
	require.NoError(t, repo.AddOrUpdateJob(ctx, newJob("failing", oneOffAt(t, anchor)), org))

	_, err = ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	ticker.Wait()

	expected := `
# HELP portal_pulse_job_runs_total Count of job executions by outcome.
# TYPE portal_pulse_job_runs_total counter
portal_pulse_job_runs_total{outcome="completed"} 1
portal_pulse_job_runs_total{outcome="failed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "portal_pulse_job_runs_total"))
}

// brokenOrgRepo fails every query for one organization
type brokenOrgRepo struct {
	Repository
	broken uuid.UUID
}

func (r brokenOrgRepo) Query(ctx context.Context, q JobQuery) (*QueryResult, error) {
	if q.Organization == r.broken {
		return nil, errors.New("shard unavailable")
	}
	return r.Repository.Query(ctx, q)
}

func TestTicker_OrganizationFailureDoesNotStarveOthers(t *testing.T) {
	ctx := context.Background()
	inner := newMapRepo(t)
	broken, healthy := uuid.New(), uuid.New()
	handler := newRecordingHandler("noop", nil)

	registry := NewRegistry()
	registry.Register(handler)
	ticker, err := NewTicker(brokenOrgRepo{Repository: inner, broken: broken}, registry, &recordingSink{},
		testTickerConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, inner.AddOrUpdateJob(ctx, newJob("noop", oneOffAt(t, anchor)), broken))
	require.NoError(t, inner.AddOrUpdateJob(ctx, newJob("noop", oneOffAt(t, anchor)), healthy))

	n, err := ticker.Tick(ctx, anchor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ticker.Wait()

	runs := handler.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, healthy, runs[0].Organization)
}

func TestNewTicker_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TickerConfig)
	}{
		{"zero interval", func(c *TickerConfig) { c.Interval = 0 }},
		{"no workers", func(c *TickerConfig) { c.Workers = 0 }},
		{"zero timeout", func(c *TickerConfig) { c.JobTimeout = 0 }},
		{"zero page size", func(c *TickerConfig) { c.PageSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTickerConfig()
			tt.mutate(&cfg)
			_, err := NewTicker(newMapRepo(t), NewRegistry(), nil, cfg, zaptest.NewLogger(t).Sugar())
			assert.True(t, errors.IsConfigurationError(err))
		})
	}
}

func TestTicker_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	conn := portaltest.CreateFileDB(t)
	log := zaptest.NewLogger(t).Sugar()
	org := uuid.New()

	storeA := NewSQLStore(conn, log)
	require.NoError(t, storeA.Open(ctx))
	storeB := NewSQLStore(conn, log)
	require.NoError(t, storeB.Open(ctx))
	executions := NewExecutionStore(conn)

	var calls atomic.Int32
	handler := HandlerFunc("count", func(ctx context.Context, run Run) (string, error) {
		calls.Add(1)
		return "counted", nil
	})

	// Two schedulers over one database
	tickerA := newTestTicker(t, storeA, executions, testTickerConfig(), handler)
	tickerB := newTestTicker(t, storeB, executions, testTickerConfig(), handler)

	job := newJob("count", oneOffAt(t, anchor))
	job.Name = "count once"
	require.NoError(t, storeA.AddOrUpdateJob(ctx, job, org))

	var wg sync.WaitGroup
	for _, ticker := range []*Ticker{tickerA, tickerB} {
		wg.Add(1)
		go func(ticker *Ticker) {
			defer wg.Done()
			_, err := ticker.Tick(ctx, anchor)
			assert.NoError(t, err)
			ticker.Wait()
		}(ticker)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "a slot runs once across schedulers")

	last, err := storeB.GetLastRun(ctx, job.ID, org)
	require.NoError(t, err)
	requireTimeEqual(t, anchor, last)

	exec, err := executions.LastExecution(ctx, org, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "count", exec.HandlerName)
	assert.Equal(t, formatTime(anchor), exec.ScheduledAt)
	require.NotNil(t, exec.ResultSummary)
	assert.Equal(t, "counted", *exec.ResultSummary)
}

func TestTicker_UsesInjectedClockForExecutionTimes(t *testing.T) {
	ctx := context.Background()
	repo := newMapRepo(t)
	org := uuid.New()
	sink := &recordingSink{}

	registry := NewRegistry()
	registry.Register(newRecordingHandler("noop", nil))
	clock := timer.NewFakeClock(anchor.Add(90 * time.Second))
	ticker, err := NewTicker(repo, registry, sink, testTickerConfig(), zaptest.NewLogger(t).Sugar(), WithClock(clock))
	require.NoError(t, err)

	job := newJob("noop", oneOffAt(t, anchor))
	require.NoError(t, repo.AddOrUpdateJob(ctx, job, org))

	_, err = ticker.Tick(ctx, clock.Now())
	require.NoError(t, err)
	ticker.Wait()

	finished := sink.ByJob(job.ID)
	require.Len(t, finished, 1)
	assert.Equal(t, formatTime(anchor.Add(90*time.Second)), finished[0].StartedAt)
	require.NotNil(t, finished[0].DurationMs)
	assert.Zero(t, *finished[0].DurationMs)
}
