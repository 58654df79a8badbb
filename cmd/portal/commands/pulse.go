package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/portal/am"
	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/internal/telemetry"
	"github.com/teranos/portal/kairos"
	"github.com/teranos/portal/logger"
	"github.com/teranos/portal/pulse/jobs"
	"github.com/teranos/portal/pulse/timer"
	"github.com/teranos/portal/rollup"
	"github.com/teranos/portal/sym"
)

// PulseCmd represents the pulse command - the Pulse scheduler daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the Pulse scheduler daemon",
	Long: sym.Pulse + ` Pulse daemon - scheduled job execution.

The Pulse daemon provides:
- A ticker that runs every due job slot exactly once per cluster
- A bounded worker pool with per-job deadlines
- Rollup metric discovery feeding the rollup.dispatch handler
- Prometheus metrics when telemetry.listen_address is set

Example:
  portal pulse start            # Start daemon against the configured database
  portal pulse start --memory   # Start with an in-memory job repository`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	Long: `Start the Pulse daemon in foreground mode.

The daemon will:
- Start rollup metric discovery against KairosDB
- Start the scheduler ticker
- Reconfigure discovery when the config file changes
- Run until interrupted (Ctrl+C), letting running jobs observe cancellation`,
	RunE: runPulseStart,
}

var pulseMemoryFlag bool

func init() {
	PulseStartCmd.Flags().BoolVar(&pulseMemoryFlag, "memory", false, "Keep jobs in memory instead of the database (single node only)")
	PulseCmd.AddCommand(PulseStartCmd)
}

// daemon is the set of components one "pulse start" runs
type daemon struct {
	cfg       *am.Config
	registry  *prometheus.Registry
	repo      jobs.Repository
	ticker    *jobs.Ticker
	discovery *rollup.Discovery
	database  *sql.DB
}

func newDaemon(ctx context.Context, cfg *am.Config, memory bool, log *zap.SugaredLogger) (*daemon, error) {
	d := &daemon{cfg: cfg, registry: prometheus.NewRegistry()}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(d.registry)

	handlers := jobs.NewRegistry()
	var sink jobs.ResultSink = jobs.NewLogSink(log.Named("runs"))

	if memory {
		d.repo = jobs.NewMapRepository(log.Named("repository"))
	} else {
		database, err := openDatabase("")
		if err != nil {
			return nil, err
		}
		d.database = database

		executions := jobs.NewExecutionStore(database)
		store := jobs.NewSQLStore(database, log.Named("repository"))
		d.repo = store
		sink = jobs.MultiSink{executions, sink}
		handlers.Register(jobs.NewPruneHandler(executions, store, timer.Real()))
	}
	if err := d.repo.Open(ctx); err != nil {
		d.close(ctx)
		return nil, err
	}

	source, err := kairos.NewClient(kairos.ClientConfig{
		BaseURL:           cfg.Kairos.URL,
		Timeout:           cfg.KairosTimeout(),
		RequestsPerSecond: cfg.Kairos.RequestsPerSecond,
	})
	if err != nil {
		d.close(ctx)
		return nil, err
	}

	d.discovery, err = rollup.NewDiscovery(source, discoveryConfig(cfg), timer.Real(), log.Named("discovery"), metrics)
	if err != nil {
		d.close(ctx)
		return nil, err
	}
	handlers.Register(rollup.NewDispatchHandler(d.discovery, rollup.NewLogSubmitter(log.Named("submit")), cfg.Rollup.BatchSize))

	d.ticker, err = jobs.NewTicker(d.repo, handlers, sink, jobs.TickerConfig{
		Interval:   cfg.TickerInterval(),
		Workers:    cfg.Pulse.Workers,
		JobTimeout: cfg.JobTimeout(),
		PageSize:   cfg.Pulse.PageSize,
	}, log.Named("ticker"), jobs.WithMetrics(metrics))
	if err != nil {
		d.close(ctx)
		return nil, err
	}
	return d, nil
}

func discoveryConfig(cfg *am.Config) rollup.DiscoveryConfig {
	return rollup.DiscoveryConfig{
		FetchInterval: cfg.FetchInterval(),
		FetchTimeout:  cfg.FetchTimeout(),
	}
}

func (d *daemon) close(ctx context.Context) {
	if d.repo != nil {
		_ = d.repo.Close(ctx)
	}
	if d.database != nil {
		_ = d.database.Close()
	}
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.ComponentLogger("pulse")
	d, err := newDaemon(ctx, cfg, pulseMemoryFlag, log)
	if err != nil {
		return err
	}
	defer d.close(context.Background())

	fmt.Printf("%s Starting Pulse daemon...\n", sym.PulseOpen)

	if err := d.discovery.Start(ctx); err != nil {
		return err
	}
	if err := d.ticker.Start(ctx); err != nil {
		d.discovery.Stop()
		return err
	}

	if path := am.ActiveConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path, log.Named("am"))
		if err != nil {
			log.Warnw("Config reload disabled", logger.FieldError, err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				return d.discovery.Reconfigure(ctx, discoveryConfig(next))
			})
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Repository: %s\n", repositoryKind(pulseMemoryFlag))
	fmt.Printf("  Workers: %d\n", cfg.Pulse.Workers)
	fmt.Printf("  Ticker interval: %v\n", cfg.TickerInterval())
	fmt.Printf("  Job timeout: %v\n", cfg.JobTimeout())
	fmt.Printf("  Rollup refresh: %v from %s\n", cfg.FetchInterval(), cfg.Kairos.URL)
	if cfg.Telemetry.ListenAddress != "" {
		fmt.Printf("  Metrics: http://%s/metrics\n", cfg.Telemetry.ListenAddress)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	g, gctx := errgroup.WithContext(ctx)
	if addr := cfg.Telemetry.ListenAddress; addr != "" {
		g.Go(func() error {
			return telemetry.Serve(gctx, addr, d.registry, log.Named("telemetry"))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		fmt.Printf("\n%s Shutting down...\n", sym.PulseClose)

		// Reverse order of startup; the ticker waits for running handlers
		d.ticker.Stop()
		d.discovery.Stop()
		return nil
	})

	err = g.Wait()
	fmt.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
	return err
}

func repositoryKind(memory bool) string {
	if memory {
		return "memory"
	}
	return "sqlite"
}
