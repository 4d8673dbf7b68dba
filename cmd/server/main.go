// Package main is the entry point for the vibe-core server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and VIBE_* environment variables
//   - Open the account/command store (SQLite or Postgres)
//   - Wire the credit ledger, context cache, generation adapter and orchestrator
//   - Serve the REST, SSE and WebSocket API plus the gRPC health service
//   - Run the reset sweep and cache purge on their cron schedules
//   - Shut down gracefully on SIGINT/SIGTERM, finalizing audit logs and traces
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/audit"
	"github.com/vibeai/vibe-core/internal/command"
	"github.com/vibeai/vibe-core/internal/config"
	"github.com/vibeai/vibe-core/internal/contextcache"
	"github.com/vibeai/vibe-core/internal/db"
	"github.com/vibeai/vibe-core/internal/ledger"
	"github.com/vibeai/vibe-core/internal/llm/adapter"
	"github.com/vibeai/vibe-core/internal/logging"
	"github.com/vibeai/vibe-core/internal/scheduler"
	"github.com/vibeai/vibe-core/internal/server"
	"github.com/vibeai/vibe-core/internal/tracing"
)

func main() {
	configPath := flag.String("config", "/etc/vibe/config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "vibe-core: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SampleRate)
	if err != nil {
		return err
	}

	store, err := db.Open(db.Options{
		Type:            cfg.Database.Type,
		SQLitePath:      cfg.Database.SQLitePath,
		PostgresURL:     cfg.Database.PostgresURL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	var auditLog audit.Logger = audit.NopLogger{}
	if cfg.Audit.Enabled {
		auditLog, err = audit.NewLogger(&audit.Config{
			AuditLogPath:  cfg.Audit.LogPath,
			MaxSize:       cfg.Audit.MaxSize,
			MaxBackups:    cfg.Audit.MaxBackups,
			MaxAge:        cfg.Audit.MaxAge,
			Compress:      cfg.Audit.Compress,
			FlushInterval: time.Second,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create audit logger: %w", err)
		}
	}
	defer func() { err = multierr.Append(err, auditLog.Close()) }()

	period, err := ledger.ParsePeriod(cfg.Credits.Period)
	if err != nil {
		return err
	}
	l := ledger.New(store, ledger.PlansFromConfig(cfg.Credits.Plans),
		ledger.WithPeriod(period),
		ledger.WithDefaultPlan(cfg.Credits.DefaultPlan),
		ledger.WithTopUpPricing(cfg.Credits.PricePerCredit, cfg.Credits.MinTopUp),
		ledger.WithLogger(logger),
		ledger.WithAuditLogger(auditLog),
	)

	cache := contextcache.New(store,
		contextcache.WithTTL(time.Duration(cfg.Cache.TTLSeconds)*time.Second),
		contextcache.WithHistoryLimit(cfg.Cache.HistoryLimit),
		contextcache.WithLogger(logger),
	)

	gen, err := adapter.New(adapter.ConfigFromApp(cfg), logger)
	if err != nil {
		return err
	}
	if !gen.Configured() {
		logger.Warn("no generation backend configured, commands will be refused until one is")
	}

	orch := command.New(store, l, cache, gen,
		command.WithLogger(logger),
		command.WithAuditLogger(auditLog),
		command.WithMaxTextLength(cfg.Server.MaxCommandLength),
	)

	srv, err := server.NewServer(cfg, server.Deps{
		Store:        store,
		Ledger:       l,
		Cache:        cache,
		Orchestrator: orch,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		ResetSchedule: cfg.Credits.ResetSchedule,
		PurgeSchedule: cfg.Cache.PurgeSchedule,
	}, l, cache, logger)
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}
	sched.Start()
	go watchConfig(ctx, mgr, logger)

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	err = multierr.Combine(
		sched.Stop(shutdownCtx),
		srv.Stop(shutdownCtx),
		shutdownTracing(shutdownCtx),
	)
	logger.Info("shutdown complete")
	return err
}

// watchConfig reports file changes. Listener, store and plan settings are
// read once at startup.
func watchConfig(ctx context.Context, mgr config.ConfigManager, logger *zap.Logger) {
	changes := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-changes:
			if errs := cfg.Validate(); len(errs) > 0 {
				logger.Warn("reloaded configuration is invalid", zap.Errors("errors", errs))
				continue
			}
			logger.Info("configuration file changed, restart to apply",
				zap.String("log_level", cfg.Logging.Level),
				zap.Int("rate_limit_rpm", cfg.RateLimit.RequestsPerMinute))
		}
	}
}
