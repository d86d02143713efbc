// Command chronoworker runs a chrono.Scheduler as a standalone process: it
// wires a store selected by configuration, registers a demo task handler,
// and serves until an OS signal requests shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/chronotask/chrono"
	"github.com/chronotask/chrono/internal/config"
	"github.com/chronotask/chrono/pkg/observability"
	"github.com/chronotask/chrono/storage/memory"
	sqlstore "github.com/chronotask/chrono/storage/sql"
)

const serviceName = "chronoworker"

func main() {
	ctx := context.Background()

	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		observability.ServiceVersion = info.Main.Version
	}

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	_, logger, err := observability.InitLogger(ctx, serviceName, cfg.Observability.OTelEnabled)
	if err != nil {
		slog.ErrorContext(ctx, "failed to init logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if _, err := observability.InitTracerProvider(ctx, serviceName, cfg.Observability.OTelEnabled); err != nil {
		slog.ErrorContext(ctx, "failed to init tracer provider", "error", err)
		os.Exit(1)
	}
	if _, err := observability.InitMeterProvider(ctx, serviceName, cfg.Observability.OTelEnabled); err != nil {
		slog.ErrorContext(ctx, "failed to init meter provider", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build store", "error", err)
		os.Exit(1)
	}
	if closeStore != nil {
		defer closeStore()
	}

	var opts []chrono.SchedulerOption
	if cfg.ExitTimeout > 0 {
		opts = append(opts, chrono.WithExitTimeout(cfg.ExitTimeout))
	}
	sched := chrono.New(store, opts...)

	backoffStrategy, err := chrono.NewStrategy("exponential", chrono.StrategyOptions{
		Base:   500 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: chrono.JitterFull,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build backoff strategy", "error", err)
		os.Exit(1)
	}

	if err := sched.RegisterTaskHandler(chrono.HandlerConfig{
		Kind:    "demo.log",
		Handler: demoLogHandler,
		Backoff: backoffStrategy,
	}); err != nil {
		slog.ErrorContext(ctx, "failed to register task handler", "error", err)
		os.Exit(1)
	}

	logLifecycleEvents(ctx, sched.Subscribe())

	if err := sched.Start(); err != nil {
		slog.ErrorContext(ctx, "failed to start scheduler", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "chronoworker started", "store", cfg.StoreKind)

	if _, err := sched.Schedule(ctx, chrono.ScheduleInput{
		Kind: "demo.log",
		Data: json.RawMessage(`{"message":"chronoworker is alive"}`),
	}); err != nil {
		slog.WarnContext(ctx, "failed to schedule startup demo task", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.InfoContext(ctx, "received shutdown signal, stopping scheduler")
	stopCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		slog.ErrorContext(ctx, "scheduler did not stop cleanly", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "chronoworker stopped")
}

// demoLogHandler is a placeholder HandlerFunc showing the shape real
// handlers take; it logs the task payload and always succeeds.
func demoLogHandler(ctx context.Context, task *chrono.Task) error {
	slog.InfoContext(ctx, "processing task", "id", task.ID, "kind", task.Kind, "data", string(task.Data))
	return nil
}

// logLifecycleEvents drains the scheduler's event stream onto the structured
// logger for the life of the process.
func logLifecycleEvents(ctx context.Context, events <-chan chrono.Event) {
	go func() {
		for ev := range events {
			slog.InfoContext(ctx, "scheduler event", "name", ev.Name, "timestamp", ev.Timestamp)
		}
	}()
}

// buildStore constructs the chrono.Store selected by cfg.StoreKind. The
// returned close func, if non-nil, must run before process exit.
func buildStore(ctx context.Context, cfg *config.WorkerConfig) (chrono.Store, func(), error) {
	switch cfg.StoreKind {
	case "", "memory":
		return memory.NewStore(), nil, nil
	case "sql":
		store, err := sqlstore.NewStore(ctx, sqlstore.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
			ConnectRetry:    time.Duration(cfg.Database.ConnectRetrySec) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open sql store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown CHRONO_STORE_KIND %q", cfg.StoreKind)
	}
}
