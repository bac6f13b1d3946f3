package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/saviobatista/rid-tracker/internal/capture"
	"github.com/saviobatista/rid-tracker/internal/config"
	"github.com/saviobatista/rid-tracker/internal/db"
	"github.com/saviobatista/rid-tracker/internal/frame"
	"github.com/saviobatista/rid-tracker/internal/nats"
	"github.com/saviobatista/rid-tracker/internal/redis"
	"github.com/saviobatista/rid-tracker/internal/registry"
	"github.com/saviobatista/rid-tracker/internal/snapshot"
	"github.com/saviobatista/rid-tracker/internal/stats"
	"github.com/saviobatista/rid-tracker/internal/storage"
	"github.com/saviobatista/rid-tracker/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version information (set by build flags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const (
	statsLogInterval = time.Minute
	dbPingTimeout    = 5 * time.Second
)

// Application wires the ingestion adapters, the registry and the publisher
type Application struct {
	config   *config.Config
	logger   *logrus.Logger
	stats    *stats.Stats
	registry *registry.Registry
	tracker  *Tracker
	storage  *storage.Storage

	capture *capture.Capture
	nats    *nats.Client
	redis   *redis.Client
	db      *db.Client
	metrics *http.Server

	wg sync.WaitGroup
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	policy, err := registry.ParsePolicy(cfg.EvictionPolicy)
	if err != nil {
		return nil, err
	}
	mode, err := frame.ParseMode(cfg.DecodeMode)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	st := stats.New()
	reg := registry.New(registry.Config{MaxAircraft: cfg.MaxAircraft, Policy: policy})
	decode := frame.Options{Mode: mode, RejectZero: cfg.RejectZero}

	return &Application{
		config:   cfg,
		logger:   logger,
		stats:    st,
		registry: reg,
		tracker:  NewTracker(reg, st, decode, logger),
		storage:  storage.New(cfg.OutputPath),
	}, nil
}

// Start brings up every configured component. Only an unwritable output
// location is fatal; optional backends that fail are logged and skipped.
func (app *Application) Start(ctx context.Context) error {
	cfg := app.config
	app.logger.WithFields(logrus.Fields{
		"version":     Version,
		"git_commit":  GitCommit,
		"instance_id": app.stats.InstanceID(),
		"output":      cfg.OutputPath,
		"policy":      cfg.EvictionPolicy,
		"max_age":     cfg.MaxAge,
	}).Info("Starting Remote-ID tracker")

	if err := app.storage.Start(); err != nil {
		return fmt.Errorf("output location is not writable: %w", err)
	}

	opts := snapshot.Options{
		MaxAge: cfg.MaxAge,
		Stats:  app.stats,
		Logger: app.logger,
	}
	if cfg.RedisAddr != "" {
		client, err := redis.New(cfg.RedisAddr)
		if err != nil {
			app.logger.WithError(err).Warn("Redis unavailable, suppression list disabled")
		} else {
			app.redis = client
			opts.Filter = client
		}
	}
	publisher := snapshot.NewPublisher(app.registry, app.storage, opts)
	app.goRun(func() { publisher.Run(ctx, cfg.PublishInterval) })

	if cfg.DBConnStr != "" {
		if err := app.connectDB(ctx); err != nil {
			app.logger.WithError(err).Warn("Database unavailable, statistics will not be persisted")
		} else {
			app.stats.SetStore(app.db)
			app.goRun(func() { app.stats.StartPersistence(ctx, cfg.StatsInterval, app.logger) })
		}
	}

	if len(cfg.Sources) > 0 {
		app.capture = capture.New(cfg.Sources, capture.Options{
			ReconnectDelay: cfg.ReconnectDelay,
			Logger:         app.logger,
		})
		if err := app.capture.Start(); err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}
		app.goRun(app.consumeFrames)
	}

	if cfg.NATSURL != "" {
		client, err := nats.New(cfg.NATSURL, cfg.ReconnectDelay, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create NATS client: %w", err)
		}
		app.nats = client
		if err := client.Subscribe(cfg.NATSSubject, app.handleBusMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", cfg.NATSSubject, err)
		}
	}

	if cfg.MetricsAddr != "" {
		app.startMetrics()
	}

	app.goRun(func() { app.stats.StartLogging(ctx, statsLogInterval, app.logger) })
	return nil
}

// Run starts the application and blocks until ctx is cancelled
func (app *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		cancel()
		app.Shutdown()
		return err
	}
	<-ctx.Done()
	app.logger.Info("Shutting down...")
	app.Shutdown()
	return nil
}

// Shutdown closes the adapters and waits for background loops. The
// caller must have cancelled the context passed to Start.
func (app *Application) Shutdown() {
	if app.capture != nil {
		app.capture.Stop()
	}
	if app.nats != nil {
		app.nats.Close()
	}
	if app.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.metrics.Shutdown(ctx); err != nil {
			app.logger.WithError(err).Warn("Failed to stop metrics server")
		}
		cancel()
	}

	app.wg.Wait()

	if err := app.redis.Close(); err != nil {
		app.logger.WithError(err).Warn("Failed to close Redis client")
	}
	if err := app.db.Close(); err != nil {
		app.logger.WithError(err).Warn("Failed to close database client")
	}
}

func (app *Application) goRun(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

func (app *Application) connectDB(ctx context.Context) error {
	client, err := db.New(app.config.DBConnStr)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := client.Ping(pctx); err != nil {
		_ = client.Close()
		return err
	}
	app.db = client
	return nil
}

// consumeFrames drains the capture channel until it is closed by Stop
func (app *Application) consumeFrames() {
	for msg := range app.capture.Messages() {
		if err := app.tracker.ProcessFrame(msg); err != nil {
			app.logger.WithError(err).WithField("source", msg.Source).Debug("Frame discarded")
		}
	}
}

func (app *Application) handleBusMessage(msg *types.BusMessage) {
	if err := app.tracker.ProcessMessage(msg); err != nil {
		app.logger.WithError(err).WithField("subject", msg.Subject).Debug("Message discarded")
	}
}

func (app *Application) startMetrics() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(app.stats)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	app.metrics = &http.Server{
		Addr:              app.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := app.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.WithError(err).Error("Metrics server failed")
		}
	}()
}

// newRootCmd builds the CLI. Flags default to the environment so either
// can be used; run receives the merged and validated configuration.
func newRootCmd(cfg *config.Config, run func(*config.Config) error) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tracker",
		Short: "Remote-ID drone tracker",
		Long: `Remote-ID drone tracker.

Ingests DroneID frames from AntSDR receivers and Remote-ID messages from NATS,
consolidates them per aircraft and pilot, and publishes a snapshot file for
map renderers every interval.

Example usage:
  tracker --antsdr 192.168.1.10:41030 --output /run/readsb/drone.json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.StringSliceVar(&cfg.Sources, "antsdr", cfg.Sources, "AntSDR receiver addresses (host:port)")
	flags.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	flags.StringVar(&cfg.NATSSubject, "nats-subject", cfg.NATSSubject, "NATS subject carrying Remote-ID messages")
	flags.StringVarP(&cfg.OutputPath, "output", "o", cfg.OutputPath, "Snapshot output file")
	flags.DurationVar(&cfg.MaxAge, "max-age", cfg.MaxAge, "Drop entities not heard from for this long")
	flags.IntVar(&cfg.MaxAircraft, "max-aircraft", cfg.MaxAircraft, "Maximum number of tracked aircraft")
	flags.DurationVarP(&cfg.PublishInterval, "interval", "i", cfg.PublishInterval, "Snapshot publication interval")
	flags.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay between reconnect attempts")
	flags.StringVar(&cfg.EvictionPolicy, "eviction-policy", cfg.EvictionPolicy, "Capacity eviction policy (fifo or lru)")
	flags.StringVar(&cfg.DecodeMode, "decode-mode", cfg.DecodeMode, "Undecodable frame handling (degrade or drop); degraded records carry a zero position, so they are only forwarded with --reject-zero=false")
	flags.BoolVar(&cfg.RejectZero, "reject-zero", cfg.RejectZero, "Reject records whose position has a zero component")
	flags.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for the suppression list")
	flags.StringVar(&cfg.DBConnStr, "db", cfg.DBConnStr, "Postgres connection string for statistics")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Listen address for Prometheus metrics")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")

	rootCmd.AddCommand(newStatsCmd(cfg))
	return rootCmd
}

// newStatsCmd prints persisted statistics rows
func newStatsCmd(cfg *config.Config) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show persisted ingest statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DBConnStr == "" {
				return fmt.Errorf("DB_CONN_STR or --db is required")
			}
			client, err := db.New(cfg.DBConnStr)
			if err != nil {
				return err
			}
			defer client.Close()

			end := time.Now()
			rows, err := client.GetIngestStats(end.Add(-since), end)
			if err != nil {
				return fmt.Errorf("failed to query statistics: %w", err)
			}
			printStats(cmd, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.DBConnStr, "db", cfg.DBConnStr, "Postgres connection string")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look")
	return cmd
}

func printStats(cmd *cobra.Command, rows []types.IngestStats) {
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintln(out, "No statistics recorded")
		return
	}
	for _, s := range rows {
		fmt.Fprintf(out, "%s %s frames=%d bus=%d failed=%d created=%d aircraft=%d pilots=%d uptime=%v\n",
			s.Time.UTC().Format(time.RFC3339), s.InstanceID, s.FramesReceived, s.BusMessages,
			s.FailedMessages, s.CreatedEntities, s.ActiveAircraft, s.ActivePilots, s.Uptime)
	}
}

func runTracker(cfg *config.Config) error {
	app, err := NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Run(ctx)
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg, runTracker).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
