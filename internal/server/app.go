// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-process-hub/internal/api"
	"github.com/JakeFAU/realtime-process-hub/internal/broadcast"
	"github.com/JakeFAU/realtime-process-hub/internal/config"
	"github.com/JakeFAU/realtime-process-hub/internal/logging"
	"github.com/JakeFAU/realtime-process-hub/internal/metrics"
	"github.com/JakeFAU/realtime-process-hub/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-process-hub/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-process-hub/internal/progress/sinks"
	memoryStorage "github.com/JakeFAU/realtime-process-hub/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-process-hub/internal/storage/postgres"
	"github.com/JakeFAU/realtime-process-hub/internal/store"
)

const readHeaderTimeout = 5 * time.Second

// newLogger builds the application logger. Tests replace it.
var newLogger = logging.New

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	logCloser   io.Closer
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	runRepo     store.RunRepository
	pgStore     *pgstore.RunStore
	progressHub *progress.Hub
	hub         *broadcast.Broadcaster
	apiServer   *api.Server

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, logCloser, err := newLogger(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:       cfg,
		logger:    logger,
		logCloser: logCloser,
		registry:  prometheus.NewRegistry(),
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("scope", cfg.Hub.Scope),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("database_enabled", cfg.Database.DSN != ""),
	)

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)

	if err = setupDatabase(ctx, app); err != nil {
		app.closeObservability()
		return nil, err
	}

	emitter, err := setupProgress(ctx, app)
	if err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability()
		return nil, err
	}

	scope, err := broadcast.ParseScope(cfg.Hub.Scope)
	if err != nil {
		app.closeInfrastructure(ctx)
		app.closeObservability()
		return nil, fmt.Errorf("hub scope: %w", err)
	}
	app.hub = broadcast.New(broadcast.Config{
		KeepaliveInterval: cfg.Hub.KeepaliveInterval,
		QueueSize:         cfg.Hub.QueueSize,
		GracePeriod:       cfg.Hub.GracePeriod,
		SweepInterval:     cfg.Hub.SweepInterval,
		OrphanDeadline:    cfg.Hub.OrphanDeadline,
		Scope:             scope,
		Emitter:           emitter,
		Observer:          app.metrics,
		Logger:            logger.Named("broadcast"),
	})
	app.logger.Info("broadcaster initialized",
		zap.Duration("keepalive_interval", cfg.Hub.KeepaliveInterval),
		zap.Duration("grace_period", cfg.Hub.GracePeriod),
		zap.Duration("sweep_interval", cfg.Hub.SweepInterval),
		zap.Duration("orphan_deadline", cfg.Hub.OrphanDeadline),
		zap.Int("queue_size", cfg.Hub.QueueSize),
	)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.StreamOpensPerSecond,
			DefaultBurst: cfg.RateLimit.Burst,
		})
		app.logger.Info("stream open limiter enabled",
			zap.Float64("opens_per_second", cfg.RateLimit.StreamOpensPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	} else {
		app.logger.Info("stream open limiter disabled")
	}

	app.apiServer = api.NewServer(
		app.hub,
		app.runRepo,
		app.metrics,
		limiter,
		*cfg,
		logger.Named("api"),
	)
	return app, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the sweeper and the HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		if cerr := a.Close(ctx); cerr != nil {
			a.logger.Warn("close after listen failure", zap.Error(cerr))
		}
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the application on ln until ctx is done, then shuts down.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info("application started")
	a.hub.Start(ctx)

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	// Open streams only end when their writer stops, so stop them as soon
	// as shutdown begins rather than waiting out the shutdown timeout.
	srv.RegisterOnShutdown(func() {
		if err := a.hub.Close(context.Background()); err != nil {
			a.logger.Warn("broadcaster close failed", zap.Error(err))
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close gracefully shuts down the application. Later calls return the
// first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.hub != nil {
			a.closeErr = a.hub.Close(ctx)
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability()
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability() {
	// Sync commonly fails on stdout/stderr; nothing useful can be done then.
	_ = a.logger.Sync()
	if err := a.logCloser.Close(); err != nil {
		a.logger.Warn("log file close failed", zap.Error(err))
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping run history in memory")
		app.runRepo = memoryStorage.NewRunStore()
		return nil
	}
	pg, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:             app.cfg.Database.DSN,
		Table:           app.cfg.Database.Table,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	if app.cfg.Database.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("run store schema failed: %w", err)
		}
	}
	app.pgStore = pg
	app.runRepo = pg
	app.logger.Info("run store initialized", zap.String("table", app.cfg.Database.Table))
	return nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("lifecycle tracking disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")),
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.Progress.Batch.MaxWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}
