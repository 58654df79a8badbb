// Package rollup discovers raw metrics that need rollups and hands them
// out to the jobs that compute them.
package rollup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/internal/telemetry"
	"github.com/teranos/portal/logger"
	"github.com/teranos/portal/pulse/timer"
)

// MetricSource lists every metric name the backing store knows about
type MetricSource interface {
	QueryMetricNames(ctx context.Context) ([]string, error)
}

// MetricSourceFunc adapts a function to MetricSource
type MetricSourceFunc func(ctx context.Context) ([]string, error)

func (f MetricSourceFunc) QueryMetricNames(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// DiscoveryConfig controls how often the catalog is refetched
type DiscoveryConfig struct {
	FetchInterval time.Duration
	FetchTimeout  time.Duration // 0 means FetchInterval
}

// Validate rejects intervals discovery cannot run with
func (c DiscoveryConfig) Validate() error {
	if c.FetchInterval <= 0 {
		return errors.NewConfigurationError("fetch interval must be positive, got %s", c.FetchInterval)
	}
	if c.FetchTimeout < 0 {
		return errors.NewConfigurationError("fetch timeout must not be negative, got %s", c.FetchTimeout)
	}
	return nil
}

func (c DiscoveryConfig) fetchTimeout() time.Duration {
	if c.FetchTimeout == 0 {
		return c.FetchInterval
	}
	return c.FetchTimeout
}

// Dispense answers one request for work. When Exhausted is set Metric is
// empty and RefreshDeadline says when the pool is next refilled.
type Dispense struct {
	Metric          string
	Exhausted       bool
	RefreshDeadline time.Time
}

type fetchResult struct {
	names []string
	err   error
}

// Discovery owns the pool of metric names awaiting rollup.
//
// A single goroutine owns the pool: requests, timer fires and fetch
// results all arrive as messages on channels, so the pool needs no lock.
// Fetches run in their own goroutine and report back by message, and
// requests arriving meanwhile are served from the previous pool.
type Discovery struct {
	source  MetricSource
	clock   timer.Clock
	slot    *timer.Slot
	logger  *zap.SugaredLogger
	metrics *telemetry.Metrics

	inbox   chan func()
	fire    chan uint64
	results chan fetchResult

	started  atomic.Bool
	done     chan struct{}
	loopCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	poolSize atomic.Int64

	// Owned by the actor goroutine
	cfg             DiscoveryConfig
	pool            []string
	refreshDeadline time.Time
	fetching        bool
	armed           uint64 // generation of the live refresh timer
}

// NewDiscovery creates a stopped discovery actor. metrics may be nil.
func NewDiscovery(source MetricSource, cfg DiscoveryConfig, clock timer.Clock, log *zap.SugaredLogger, metrics *telemetry.Metrics) (*Discovery, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.NewConfigurationError("discovery needs a metric source")
	}
	if clock == nil {
		clock = timer.Real()
	}

	return &Discovery{
		source:          source,
		clock:           clock,
		slot:            timer.NewSlot(clock),
		logger:          logger.AddRollupSymbol(log),
		metrics:         metrics,
		inbox:           make(chan func()),
		fire:            make(chan uint64, 1),
		results:         make(chan fetchResult, 1),
		done:            make(chan struct{}),
		cfg:             cfg,
		refreshDeadline: clock.Now(),
	}, nil
}

// Start launches the actor and its first fetch. Discovery cannot be restarted.
func (d *Discovery) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.NewIllegalStateError("discovery already started")
	}

	d.loopCtx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(d.loopCtx)
	d.logger.Infow("Metric discovery started", logger.FieldInterval, d.cfg.FetchInterval)
	return nil
}

// Stop halts the actor, disarms the refresh timer and abandons any fetch
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.slot.Cancel()
}

// Next pops the next metric name. An empty pool answers Exhausted.
// The error is non-nil only when discovery is not running or ctx ends.
func (d *Discovery) Next(ctx context.Context) (Dispense, error) {
	reply := make(chan Dispense, 1)
	if err := d.send(ctx, func() { reply <- d.dispense() }); err != nil {
		return Dispense{}, err
	}
	return <-reply, nil
}

// Reconfigure replaces the fetch interval and re-arms the refresh timer
// from now. The pool is left alone.
func (d *Discovery) Reconfigure(ctx context.Context, cfg DiscoveryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return d.send(ctx, func() {
		d.cfg = cfg
		d.arm()
		d.logger.Infow("Metric discovery reconfigured",
			logger.FieldInterval, cfg.FetchInterval,
			logger.FieldDeadline, d.refreshDeadline)
	})
}

// Refresh starts a fetch cycle now instead of waiting for the timer
func (d *Discovery) Refresh(ctx context.Context) error {
	return d.send(ctx, d.cycle)
}

// PoolSize returns how many names are waiting to be dispensed
func (d *Discovery) PoolSize() int {
	return int(d.poolSize.Load())
}

// send hands fn to the actor and waits until it has run
func (d *Discovery) send(ctx context.Context, fn func()) error {
	if !d.started.Load() {
		return errors.NewIllegalStateError("discovery is not running")
	}
	ran := make(chan struct{})
	msg := func() {
		fn()
		close(ran)
	}
	select {
	case d.inbox <- msg:
	case <-d.done:
		return errors.NewIllegalStateError("discovery stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

func (d *Discovery) run(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.done)

	d.cycle()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.inbox:
			msg()
		case gen := <-d.fire:
			// A fire queued before the last re-arm belongs to a replaced timer
			if gen == d.armed {
				d.cycle()
			}
		case res := <-d.results:
			d.apply(res)
		}
	}
}

// arm re-arms the refresh timer one interval from now
func (d *Discovery) arm() {
	d.armed++
	gen := d.armed
	d.slot.Arm(d.cfg.FetchInterval, func() { d.signal(gen) })
	d.refreshDeadline = d.clock.Now().Add(d.cfg.FetchInterval)
}

// signal queues a timer fire without blocking the timer goroutine. The
// buffer keeps the newest generation seen, so a late fire from a replaced
// timer can never push out the live one.
func (d *Discovery) signal(gen uint64) {
	for {
		select {
		case d.fire <- gen:
			return
		default:
		}
		select {
		case queued := <-d.fire:
			gen = max(gen, queued)
		default:
		}
	}
}

// cycle re-arms the timer and fetches the catalog unless a fetch is running
func (d *Discovery) cycle() {
	d.arm()
	if d.fetching {
		d.logger.Debugw("Fetch still in flight, not starting another")
		return
	}
	d.fetching = true

	ctx, timeout := d.loopCtx, d.cfg.fetchTimeout()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		names, err := d.source.QueryMetricNames(fetchCtx)
		select {
		case d.results <- fetchResult{names: names, err: err}:
		case <-ctx.Done():
		}
	}()
}

// apply replaces the pool with a successful fetch; a failed one keeps it
func (d *Discovery) apply(res fetchResult) {
	d.fetching = false

	if res.err != nil {
		err := errors.Mark(errors.Wrap(res.err, "failed to fetch metric names"), errors.ErrTransientFetch)
		d.metrics.DiscoveryFetch(telemetry.FetchFailure, len(d.pool))
		d.logger.Warnw("Metric discovery fetch failed, keeping previous pool",
			logger.FieldError, err,
			logger.FieldCount, len(d.pool),
			logger.FieldDeadline, d.refreshDeadline)
		return
	}

	d.pool = Candidates(res.names)
	d.poolSize.Store(int64(len(d.pool)))
	d.metrics.DiscoveryFetch(telemetry.FetchSuccess, len(d.pool))
	d.logger.Infow("Metric discovery pool refreshed",
		logger.FieldCount, len(d.pool),
		"fetched", len(res.names),
		logger.FieldDeadline, d.refreshDeadline)
}

func (d *Discovery) dispense() Dispense {
	if len(d.pool) == 0 {
		d.metrics.Exhausted()
		return Dispense{Exhausted: true, RefreshDeadline: d.refreshDeadline}
	}

	name := d.pool[0]
	d.pool = d.pool[1:]
	d.poolSize.Store(int64(len(d.pool)))
	d.metrics.Dispensed(len(d.pool))
	return Dispense{Metric: name, RefreshDeadline: d.refreshDeadline}
}
