package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sarathsp06/tenanthooks/internal/config"
	"github.com/sarathsp06/tenanthooks/internal/dispatch"
	"github.com/sarathsp06/tenanthooks/internal/logger"
	"github.com/sarathsp06/tenanthooks/internal/observability"
	"github.com/sarathsp06/tenanthooks/internal/queue"
	"github.com/sarathsp06/tenanthooks/internal/webhooks"
)

const shutdownTimeout = 45 * time.Second

// app is the running dispatch engine. Service is what the route layer and
// domain code call into.
type app struct {
	Service   *dispatch.Service
	scheduler *dispatch.RetryScheduler
	stop      []func(context.Context) error
}

func main() {
	log := logger.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start", "error", err)
		os.Exit(1)
	}

	a.scheduler.Start(ctx)
	log.Info("Webhook dispatch engine running",
		"queue_driver", cfg.Queue.Driver,
		"workers", cfg.Queue.Workers,
		"event_types", len(a.Service.ListEventCatalog()),
	)

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.scheduler.Stop()
	for i := len(a.stop) - 1; i >= 0; i-- {
		if err := a.stop[i](shutdownCtx); err != nil {
			log.Error("Shutdown step failed", "error", err)
		}
	}
	log.Info("Shutdown complete")
}

// build wires the store, executor, work queue, scheduler and service for the
// configured mode. Stop functions are returned in start order.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	var opts []dispatch.Option

	// Workers outlive the signal context so in-flight attempts can finish
	// during shutdown.
	workCtx := context.WithoutCancel(ctx)

	if cfg.Telemetry.Enabled {
		shutdown, err := observability.Setup(ctx, observability.FromConfig(cfg.Telemetry))
		if err != nil {
			return nil, fmt.Errorf("failed to setup telemetry: %w", err)
		}
		a.stop = append(a.stop, shutdown)
		log.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	metrics, err := observability.NewDispatchMetrics(observability.GetMeter("tenanthooks"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	opts = append(opts, dispatch.WithMetrics(metrics))

	executorCfg := dispatch.ExecutorConfig{
		Timeout:          cfg.Delivery.Timeout,
		UserAgent:        cfg.Delivery.UserAgent,
		MaxResponseBytes: cfg.Delivery.MaxResponseBytes,
	}

	var store webhooks.Store
	var enqueuer dispatch.Enqueuer

	switch cfg.Queue.Driver {
	case config.QueueDriverRiver:
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		if err := dbPool.Ping(ctx); err != nil {
			dbPool.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.stop = append(a.stop, func(context.Context) error {
			dbPool.Close()
			return nil
		})
		log.Info("Connected to database")

		repo := webhooks.NewRepository(dbPool)
		executor := dispatch.NewExecutor(repo, executorCfg, opts...)

		manager, err := queue.NewManager(dbPool, executor, queue.ManagerConfig{
			Workers:     cfg.Queue.Workers,
			HTTPTimeout: cfg.Delivery.Timeout,
		})
		if err != nil {
			return nil, err
		}
		if err := manager.Start(workCtx); err != nil {
			return nil, err
		}
		a.stop = append(a.stop, manager.Stop)

		store, enqueuer = repo, manager

	default:
		if cfg.UsesMemoryStore() {
			log.Warn("No database_url configured, deliveries are kept in memory only")
		}
		memory := webhooks.NewMemoryStore()
		executor := dispatch.NewExecutor(memory, executorCfg, opts...)

		pool := queue.NewPool(cfg.Queue.Workers, cfg.Retry.BatchSize*cfg.Queue.Workers, executor.Execute)
		pool.Start(workCtx)
		a.stop = append(a.stop, pool.Stop)

		store, enqueuer = memory, pool
	}

	a.scheduler = dispatch.NewRetryScheduler(store, enqueuer, dispatch.SchedulerConfig{
		Interval:     cfg.Retry.Interval,
		BatchSize:    cfg.Retry.BatchSize,
		ClaimTimeout: cfg.Retry.ClaimTimeout,
	}, opts...)
	a.Service = dispatch.NewService(store, enqueuer, opts...)
	return a, nil
}
