// Package app initializes and holds the long-lived services shared by the
// ingestwatch commands, acting as a small dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-progress/internal/backend"
	"github.com/JakeFAU/ingest-progress/internal/clock/system"
	"github.com/JakeFAU/ingest-progress/internal/config"
	"github.com/JakeFAU/ingest-progress/internal/id/uuid"
	"github.com/JakeFAU/ingest-progress/internal/logging"
	"github.com/JakeFAU/ingest-progress/internal/metrics"
	"github.com/JakeFAU/ingest-progress/internal/normalize"
	"github.com/JakeFAU/ingest-progress/internal/progress"
	"github.com/JakeFAU/ingest-progress/internal/progress/sinks"
	"github.com/JakeFAU/ingest-progress/internal/session"
)

// App holds the services built from one Config.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	hub     *progress.Hub
	session *session.Session
}

// Options overrides collaborators, mostly for tests.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors; defaults to the global
	// Prometheus registry served at /metrics.
	Registerer prometheus.Registerer
}

// New wires the backend client, progress hub and session described by cfg.
func New(cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics.Init()

	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		Logger:         logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink)

	clock := system.New()
	client, err := backend.New(backend.Config{
		BaseURL:        cfg.Backend.BaseURL,
		Timeout:        cfg.BackendTimeout(),
		SampleInterval: cfg.Transfer.SampleInterval,
		Clock:          clock,
	})
	if err != nil {
		_ = hub.Close(context.Background())
		return nil, fmt.Errorf("init backend client: %w", err)
	}

	sess, err := session.New(session.Config{
		Backend:        client,
		Normalizer:     normalize.New(cfg.Normalize.InsertionKeys...),
		IDs:            uuid.New(),
		Clock:          clock,
		Events:         hub,
		Logger:         logger,
		PollInterval:   cfg.Poll.Interval,
		RequestTimeout: cfg.Poll.RequestTimeout,
		MaxDuration:    cfg.Poll.MaxDuration,
	})
	if err != nil {
		_ = hub.Close(context.Background())
		return nil, fmt.Errorf("init session: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.Duration("poll_interval", cfg.Poll.Interval),
	)
	return &App{cfg: cfg, logger: logger, hub: hub, session: sess}, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Session returns the upload session.
func (a *App) Session() *session.Session {
	return a.session
}

// Close stops the session, flushes progress events and syncs the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.session.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	// Sync on a terminal stderr reports EINVAL; it is not actionable.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
