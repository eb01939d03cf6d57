package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/metaengine/activities"
	"github.com/liamcoop/metaengine/calculation"
	"github.com/liamcoop/metaengine/config"
	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/hooks"
	"github.com/liamcoop/metaengine/internal/jobs"
	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/metadata"
	"github.com/liamcoop/metaengine/metrics"
	"github.com/liamcoop/metaengine/registry"
)

// app owns everything main has to close on the way out.
type app struct {
	server    *Server
	scheduler *jobs.Scheduler
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("failed to close resource", "error", err)
		}
	}
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// newApp wires the engine from cfg. Background work (file watching, jobs)
// lives as long as ctx.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	collector := metrics.NewCollector(nil)

	var db *sql.DB
	if cfg.Database.URL != "" {
		var err error
		if db, err = openDB(cfg.Database); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
	}

	ev, err := expression.NewEvaluator(cfg.Expression.EvaluatorConfig())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}
	ev.SetObserver(collector)

	var (
		store     metadata.Store
		fileStore *metadata.FileStore
	)
	switch cfg.Metadata.Source {
	case config.SourcePostgres:
		store = metadata.NewPostgresStore(db)
	case config.SourceFile:
		if fileStore, err = metadata.NewFileStore(cfg.Metadata.FilePath); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load metadata file: %w", err)
		}
		store = fileStore
	default:
		store = metadata.NewInMemoryStore()
	}

	reg := registry.New(store, ev, cfg.Cache.Tiers, collector)

	engine := calculation.NewEngine(ev, reg)
	engine.SetObserver(collector)
	agreementStore := calculation.NewInMemoryAgreementStore()

	var hookStore hooks.HookStore = hooks.NewInMemoryHookStore()
	if cfg.Hooks.Store == config.SourcePostgres {
		hookStore = hooks.NewPostgresHookStore(db)
	}

	var audit hooks.AuditStore
	switch cfg.Audit.Backend {
	case config.AuditPostgres:
		audit = hooks.NewPostgresAuditStore(db)
	case config.AuditSQLite:
		sqlite, err := hooks.NewSQLiteAuditStore(cfg.Audit.SQLitePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, sqlite.Close)
		audit = sqlite
	default:
		audit = hooks.NewInMemoryAuditStore()
	}

	pipeline := hooks.NewPipeline(ev, hookStore, audit)
	pipeline.SetObserver(collector)
	pipeline.SetRouteTTL(cfg.Hooks.RouteTTL)

	if cfg.Cache.Prewarm {
		report, err := reg.Prewarm(ctx)
		if err != nil {
			logger.Warn("cache prewarm incomplete", "error", err)
		}
		logger.Info("cache prewarmed", "built", report.Built, "failed", len(report.Failed))
	}

	if fileStore != nil && cfg.Metadata.Watch {
		go func() {
			err := fileStore.Watch(ctx, func(ctx context.Context) error {
				_, err := reg.RefreshAll(ctx)
				return err
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("metadata watcher stopped", "error", err)
			}
		}()
	}

	a.scheduler = jobs.NewScheduler(collector)
	for _, job := range []jobs.Job{
		jobs.RefreshJob(cfg.Cache.RefreshSchedule, reg),
		jobs.RetentionJob(cfg.Audit.RetentionSchedule, audit, cfg.Audit.Retention(), collector),
	} {
		if err := a.scheduler.Add(ctx, job); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.server = NewServer(Deps{
		DB:             db,
		Registry:       reg,
		Evaluator:      ev,
		Engine:         engine,
		Agreements:     calculation.NewService(engine, agreementStore),
		AgreementStore: agreementStore,
		Hooks:          hooks.NewManager(hookStore, ev, pipeline),
		Pipeline:       pipeline,
		Audit:          audit,
		Activities:     activities.New(hookStore, ev, pipeline),
		Metrics:        collector,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	return a, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("METAENGINE_CONFIG"), "path to YAML config file")
	flag.Parse()

	logger.Configure(logger.OptionsFromEnv())

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to start", "error", err)
	}
	defer a.Close()
	a.scheduler.Start(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      a.server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("server starting",
			"address", cfg.Server.ListenAddress,
			"metadata_source", cfg.Metadata.Source,
			"audit_backend", cfg.Audit.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	a.scheduler.Stop()
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to flush logs", "error", err)
	}
	logger.Info("server stopped")
}
