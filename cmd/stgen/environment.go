package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/zsiec/stgen/internal/config"
	"github.com/zsiec/stgen/internal/health"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/metrics"
	"github.com/zsiec/stgen/internal/results"
	"github.com/zsiec/stgen/internal/server"
	"github.com/zsiec/stgen/internal/stats"
	"github.com/zsiec/stgen/internal/wire"
	"github.com/zsiec/stgen/pkg/version"
)

const (
	storeTimeout  = 10 * time.Second
	maxHeapBytes  = 1 << 30
	metricsFlush  = 2 * time.Second
	metricsListen = "0.0.0.0"
)

// environment carries what every command needs once flags are parsed.
type environment struct {
	cfg    *config.Config
	logger *logrus.Logger
	log    logger.Logger
	codec  *wire.Codec
	stdout io.Writer
	store  results.Store
}

func newEnvironment(fs *pflag.FlagSet, stdout io.Writer) (*environment, error) {
	configPath, _ := fs.GetString("config")
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	order, err := wire.ParseByteOrder(cfg.Wire.ByteOrder)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"version":    version.GetInfo().Short(),
		"byte_order": string(order),
		"config":     configPath,
	}).Debug("Configuration loaded")

	return &environment{
		cfg:    cfg,
		logger: log,
		log:    logger.NewLogrusAdapter(logrus.NewEntry(log)),
		codec:  wire.NewCodec(order),
		stdout: stdout,
		store:  results.NopStore{},
	}, nil
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close results store")
	}
}

// newCollector builds a collector with a fresh run ID.
func (e *environment) newCollector(role string, sendOnly bool) *stats.Collector {
	return stats.NewCollector(collectorOptions(&e.cfg.Stats, role, sendOnly))
}

func collectorOptions(cfg *config.StatsConfig, role string, sendOnly bool) stats.Options {
	opts := stats.DefaultOptions()
	opts.RunID = uuid.New().String()
	opts.Role = role
	opts.SendOnly = sendOnly
	if cfg.MaxSamples > 0 {
		opts.MaxSamples = cfg.MaxSamples
	}
	if cfg.HistogramMax > 0 {
		opts.HistogramMaxMS = float64(cfg.HistogramMax) / float64(time.Millisecond)
	}
	if cfg.HistogramBuckets > 0 {
		opts.HistogramBucket = cfg.HistogramBuckets
	}
	return opts
}

// openStore connects the configured results backend and returns the health
// checker for it, if any.
func (e *environment) openStore(ctx context.Context) (health.Checker, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	store, err := results.Open(ctx, &e.cfg.Results, e.log.WithField("component", "results"))
	if err != nil {
		return nil, err
	}
	e.store = store

	switch s := store.(type) {
	case *results.RedisStore:
		return health.NewRedisChecker(s.Client()), nil
	case *results.PostgresStore:
		return health.NewPingChecker("postgres", s), nil
	}
	return nil, nil
}

// finish prints, exports and stores the final summary.
func (e *environment) finish(summary stats.Summary) error {
	summary.WriteText(e.stdout)

	if path := e.cfg.Stats.OutputFile; path != "" {
		if err := stats.WriteFile(path, summary); err != nil {
			return err
		}
		e.log.WithField("path", path).Info("Summary written")
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.store.Save(ctx, &summary); err != nil {
		return fmt.Errorf("failed to store summary in %s: %w", e.store.Name(), err)
	}
	return nil
}

// serve starts the metrics endpoint and the status API as configured. Both
// stop when ctx is done.
func (e *environment) serve(ctx context.Context, opts server.Options) {
	if e.cfg.Metrics.Enabled {
		go e.startMetricsServer(ctx)
		opts.MetricsPath = e.cfg.Metrics.Path
	}

	if !e.cfg.API.Enabled {
		return
	}

	opts.QoS = e.cfg.QoS
	opts.Results = e.store
	opts.Checkers = append(opts.Checkers, health.NewMemoryChecker(maxHeapBytes))

	srv := server.New(&e.cfg.API, e.logger, opts)
	go func() {
		if err := srv.Start(ctx); err != nil {
			e.log.WithError(err).Error("Status API error")
		}
	}()
}

func (e *environment) startMetricsServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle(e.cfg.Metrics.Path, metrics.Handler())

	addr := net.JoinHostPort(metricsListen, strconv.Itoa(e.cfg.Metrics.Port))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsFlush)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	e.log.WithField("addr", addr).Info("Starting metrics server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		e.log.WithError(err).Error("Metrics server error")
	}
}
