package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/internal/telemetry"
	"github.com/teranos/portal/logger"
	"github.com/teranos/portal/pulse/timer"
)

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval   time.Duration // How often to poll for due jobs
	Workers    int           // Maximum concurrent executions
	JobTimeout time.Duration // Deadline handed to each handler
	PageSize   int           // Jobs read per repository query
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:   time.Second,
		Workers:    4,
		JobTimeout: 5 * time.Minute,
		PageSize:   100,
	}
}

// Validate rejects intervals and limits the ticker cannot run with
func (c TickerConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.NewConfigurationError("ticker interval must be positive, got %s", c.Interval)
	}
	if c.Workers < 1 {
		return errors.NewConfigurationError("ticker needs at least one worker, got %d", c.Workers)
	}
	if c.JobTimeout <= 0 {
		return errors.NewConfigurationError("job timeout must be positive, got %s", c.JobTimeout)
	}
	if c.PageSize <= 0 {
		return errors.NewConfigurationError("page size must be positive, got %d", c.PageSize)
	}
	return nil
}

// TickerOption customizes a Ticker
type TickerOption func(*Ticker)

// WithClock replaces the wall clock used to decide what is due
func WithClock(c timer.Clock) TickerOption {
	return func(t *Ticker) { t.clock = c }
}

// WithMetrics records runs and ticks on m
func WithMetrics(m *telemetry.Metrics) TickerOption {
	return func(t *Ticker) { t.metrics = m }
}

type runKey struct {
	org uuid.UUID
	id  uuid.UUID
}

// Ticker polls the repository and executes due jobs.
//
// Every tick walks each organization's jobs page by page and computes
// NextRun from the job's run record. A due job runs in its own goroutine,
// bounded by Workers, and a job never runs twice at once. A job that missed
// several slots catches up one slot per tick.
type Ticker struct {
	repo     Repository
	registry *Registry
	sink     ResultSink
	clock    timer.Clock
	metrics  *telemetry.Metrics
	cfg      TickerConfig

	sem      *semaphore.Weighted
	inFlight sync.Map // runKey -> struct{}, held from due check to recorded outcome
	started  atomic.Bool
	runNow   chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup // loop goroutine
	runs   sync.WaitGroup // executions

	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// TickerStats is a snapshot of the ticker's progress
type TickerStats struct {
	LastTickAt time.Time
	Ticks      int64
	InFlight   int
}

// NewTicker creates a ticker. A nil sink logs executions.
func NewTicker(repo Repository, registry *Registry, sink ResultSink, cfg TickerConfig, log *zap.SugaredLogger, opts ...TickerOption) (*Ticker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NewLogSink(log)
	}

	t := &Ticker{
		repo:     repo,
		registry: registry,
		sink:     sink,
		clock:    timer.Real(),
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		runNow:   make(chan struct{}, 1),
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start begins the ticker loop. The first poll happens immediately.
// A ticker cannot be restarted.
func (t *Ticker) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.NewIllegalStateError("ticker already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go t.run(loopCtx)
	t.pulseLog.Infow("Pulse ticker started",
		logger.FieldInterval, t.cfg.Interval,
		"workers", t.cfg.Workers)
	return nil
}

// Stop cancels the loop and waits for running executions to return.
// Handlers see their context cancelled.
func (t *Ticker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.runs.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// RunNow requests a poll without waiting for the next interval
func (t *Ticker) RunNow() {
	// Do not block on writing to runNow chan
	select {
	case t.runNow <- struct{}{}:
	default:
	}
}

// Wait blocks until every dispatched execution has finished
func (t *Ticker) Wait() {
	t.runs.Wait()
}

// Stats returns a snapshot of ticker progress
func (t *Ticker) Stats() TickerStats {
	inFlight := 0
	t.inFlight.Range(func(_, _ any) bool {
		inFlight++
		return true
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	return TickerStats{
		LastTickAt: t.lastTickAt,
		Ticks:      t.ticksSinceStart,
		InFlight:   inFlight,
	}
}

// run is the main ticker loop
func (t *Ticker) run(ctx context.Context) {
	defer t.wg.Done()

	tm := time.NewTimer(0)
	defer tm.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.C:
		case <-t.runNow:
		}

		now := t.clock.Now()
		t.mu.Lock()
		t.lastTickAt = now
		t.ticksSinceStart++
		ticks := t.ticksSinceStart
		t.mu.Unlock()

		if _, err := t.Tick(ctx, now); err != nil && ctx.Err() == nil {
			// Don't spam logs - log errors at warn level
			t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", ticks)
		}
		tm.Reset(t.cfg.Interval)
	}
}

// Tick dispatches every job due at now and returns how many were started.
// Executions continue in the background; see Wait.
func (t *Ticker) Tick(ctx context.Context, now time.Time) (int, error) {
	begin := time.Now()
	defer func() { t.metrics.Tick(time.Since(begin)) }()

	orgs, err := t.repo.Organizations(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list organizations")
	}

	dispatched := 0
	for _, org := range orgs {
		n, err := t.tickOrganization(ctx, org, now)
		dispatched += n
		if err != nil {
			if ctx.Err() != nil {
				return dispatched, ctx.Err()
			}
			// One organization's failure must not starve the rest
			t.pulseLog.Warnw("Failed to scan organization",
				logger.FieldOrganization, org,
				logger.FieldError, err)
		}
	}
	return dispatched, nil
}

func (t *Ticker) tickOrganization(ctx context.Context, org uuid.UUID, now time.Time) (int, error) {
	dispatched := 0
	q := JobQuery{Organization: org, Limit: t.cfg.PageSize}
	for {
		page, err := q.Execute(ctx, t.repo)
		if err != nil {
			return dispatched, err
		}

		for _, job := range page.Jobs {
			if ctx.Err() != nil {
				return dispatched, ctx.Err()
			}
			if t.dispatchIfDue(ctx, org, job, now) {
				dispatched++
			}
		}

		next, more := page.NextOffset()
		if !more {
			return dispatched, nil
		}
		q.Offset = next
	}
}

// dispatchIfDue starts job when its next slot is at or before now.
//
// The in-flight key is taken before the run record is read and released
// only after the outcome is recorded, so a second tick either sees the job
// running or reads the record the first run already advanced.
func (t *Ticker) dispatchIfDue(ctx context.Context, org uuid.UUID, job *Job, now time.Time) bool {
	key := runKey{org: org, id: job.ID}
	if _, loaded := t.inFlight.LoadOrStore(key, struct{}{}); loaded {
		t.pulseLog.Debugw("Job still running, not starting another",
			logger.FieldJobID, job.ID,
			logger.FieldOrganization, org)
		return false
	}

	last, err := t.repo.GetLastRun(ctx, job.ID, org)
	if err != nil {
		t.inFlight.Delete(key)
		t.pulseLog.Warnw("Failed to read last run",
			logger.FieldJobID, job.ID,
			logger.FieldOrganization, org,
			logger.FieldError, err)
		return false
	}

	next := job.Schedule.NextRun(last)
	if next == nil || next.After(now) {
		t.inFlight.Delete(key)
		return false
	}
	scheduled := *next

	if err := t.sem.Acquire(ctx, 1); err != nil {
		t.inFlight.Delete(key)
		return false
	}

	t.runs.Add(1)
	go func() {
		defer t.runs.Done()
		defer t.sem.Release(1)
		defer t.inFlight.Delete(key)
		t.execute(ctx, org, job, scheduled)
	}()
	return true
}

// execute claims the slot, runs the handler and records the outcome.
// Nothing here propagates past the ticker: failures are recorded and logged.
func (t *Ticker) execute(ctx context.Context, org uuid.UUID, job *Job, scheduled time.Time) {
	log := t.pulseLog.With(
		logger.FieldJobID, job.ID,
		logger.FieldOrganization, org,
		logger.FieldHandler, job.HandlerName,
		logger.FieldScheduled, scheduled)

	// Bookkeeping outlives cancellation so a stopped run is still recorded
	record := context.WithoutCancel(ctx)

	if err := t.repo.JobStarted(record, job.ID, org, scheduled); err != nil {
		if errors.IsConflictError(err) {
			t.metrics.ClaimLost()
			log.Debugw("Slot already claimed, skipping")
			return
		}
		log.Warnw("Failed to claim slot", logger.FieldError, err)
		return
	}

	exec := NewExecution(job, org, scheduled, t.clock.Now())
	log = log.With(logger.FieldExecutionID, exec.ID)
	if err := t.sink.RunStarted(record, exec); err != nil {
		log.Warnw("Failed to record execution start", logger.FieldError, err)
	}

	summary, runErr := t.invoke(ctx, job, Run{
		JobID:        job.ID,
		Organization: org,
		Scheduled:    scheduled,
		ExecutionID:  exec.ID,
		Payload:      job.Payload,
	})
	completed := t.clock.Now()

	if runErr != nil {
		runErr = errors.Mark(errors.Wrapf(runErr, "job %s", job.DisplayName()), errors.ErrJobExecution)
		exec.Fail(completed, runErr)
		if err := t.repo.JobFailed(record, job.ID, org, scheduled, runErr); err != nil {
			log.Errorw("Failed to record job failure", logger.FieldError, err)
		}
		log.Warnw("Job failed", logger.FieldError, runErr)
	} else {
		exec.Complete(completed, summary)
		if err := t.repo.JobSucceeded(record, job.ID, org, scheduled, summary); err != nil {
			log.Errorw("Failed to record job success", logger.FieldError, err)
		}
		log.Debugw("Job completed", "result", summary)
	}

	if err := t.sink.RunFinished(record, exec); err != nil {
		log.Warnw("Failed to record execution outcome", logger.FieldError, err)
	}

	var duration time.Duration
	if exec.DurationMs != nil {
		duration = time.Duration(*exec.DurationMs) * time.Millisecond
	}
	t.metrics.JobRun(exec.Status, duration)
}

// invoke runs the handler under the job timeout, turning a panic into an error
func (t *Ticker) invoke(ctx context.Context, job *Job, run Run) (summary string, err error) {
	handler := t.registry.Get(job.HandlerName)
	if handler == nil {
		return "", errors.Newf("no handler registered for %q", job.HandlerName)
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler %s panicked: %v", job.HandlerName, r)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.JobTimeout)
	defer cancel()
	runCtx = logger.WithRun(runCtx, logger.RunFields{
		Organization: run.Organization.String(),
		JobID:        run.JobID.String(),
		ExecutionID:  run.ExecutionID,
	})
	return handler.Execute(runCtx, run)
}
