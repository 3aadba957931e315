package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/larenas/sagaflow/internal/engine"
	"github.com/larenas/sagaflow/internal/expressions"
	"github.com/larenas/sagaflow/internal/handlers"
	"github.com/larenas/sagaflow/internal/logging"
	"github.com/larenas/sagaflow/internal/planner"
	"github.com/larenas/sagaflow/internal/queue"
	"github.com/larenas/sagaflow/internal/store"
	"github.com/larenas/sagaflow/internal/streaming"
	"github.com/larenas/sagaflow/pkg/mcp"
)

func main() {
	cfg := loadConfig()
	logger := buildLogger(cfg.LogLevel)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("sagaflow exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run is the composition root: every component is constructed exactly once
// here and wired explicitly.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()

	// Handlers are registered by embedders; the server runs with an empty
	// registry until capabilities are wired in.
	registry := handlers.NewRegistry()

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	q := buildQueue(cfg, st)

	exec := engine.NewExecutor(engine.ExecutorConfig{
		Store:    st,
		Registry: registry,
		Preconds: engine.NewPreconditionChecker(registry, cel, duration(cfg.PreconditionTTL, 30*time.Second), logger),
		Comp:     engine.NewCompensationManager(registry, st, logger),
		Retry:    engine.RetryPolicyFromConfig(cfg.Retry),
		Breakers: engine.NewCircuitBreakerRegistry(engine.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			RecoveryTimeout:  duration(cfg.BreakerRecovery, 30*time.Second),
			HalfOpenMax:      1,
		}),
		Heartbeats: engine.NewHeartbeatPublisher(hub, st, duration(cfg.HeartbeatInterval, 5*time.Second), logger),
		SkipEval:   expressions.NewExprEngine(),
		ResultEval: expressions.NewGoJQEngine(),
		Queue:      q,
		Logger:     logger,
	})

	if q != nil {
		pool := queue.NewPool(cfg.PoolSize)
		defer pool.Shutdown()

		worker := queue.NewWorker(q, pool, exec, duration(cfg.PollInterval, 250*time.Millisecond), logger)
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer worker.Stop()
	}

	validator, err := planner.NewPlanValidator()
	if err != nil {
		return err
	}
	// No oracle is wired by default; plans come from the deterministic
	// fallback until an embedder provides one.
	gen := planner.NewGenerator(nil, validator, st, logger)

	recovery, err := engine.NewRecoveryManager(st, exec, duration(cfg.RecoveryStaleness, 5*time.Minute), cfg.RecoverySchedule, logger)
	if err != nil {
		return err
	}
	recovery.Start(ctx)
	defer recovery.Stop()

	srv := mcp.NewSagaServer(mcp.SagaServerDeps{
		Planner:  gen,
		Executor: exec,
		Recovery: recovery,
		Store:    st,
		Logger:   logger,
	})

	notifier := mcp.NewProgressNotifier(srv.MCPServer(), srv.Sessions(), hub, logger)
	if err := notifier.Start(ctx); err != nil {
		return err
	}
	defer notifier.Stop()

	logger.Info("sagaflow ready",
		slog.String("db_path", cfg.DBPath),
		slog.String("queue_mode", cfg.QueueMode))

	return srv.Serve(ctx)
}

func buildQueue(cfg Config, st *store.LibSQLStore) queue.Queue {
	switch cfg.QueueMode {
	case "memory":
		return queue.NewMemoryQueue()
	case "libsql":
		return queue.NewLibSQLQueue(st.DB(), duration(cfg.QueueLease, time.Minute))
	default:
		return nil
	}
}

// buildLogger creates the root logger. Logs go to stderr because stdout is
// the MCP stdio transport.
func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
