// Command arbiterd runs the decision orchestrator: HTTP event intake, the
// per-workflow serializer, the decision authority, the outbox publisher,
// and the MCP surface, over a Postgres or SQLite decision log.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/arbiterhq/arbiter/api"
	"github.com/arbiterhq/arbiter/internal/authority"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/ingest"
	"github.com/arbiterhq/arbiter/internal/mcp"
	"github.com/arbiterhq/arbiter/internal/model"
	"github.com/arbiterhq/arbiter/internal/outbox"
	"github.com/arbiterhq/arbiter/internal/policy"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/replay"
	"github.com/arbiterhq/arbiter/internal/risk"
	"github.com/arbiterhq/arbiter/internal/serializer"
	"github.com/arbiterhq/arbiter/internal/server"
	"github.com/arbiterhq/arbiter/internal/service/decisions"
	"github.com/arbiterhq/arbiter/internal/storage"
	"github.com/arbiterhq/arbiter/internal/telemetry"
	"github.com/arbiterhq/arbiter/migrations"
)

// version is set at build time via -ldflags.
var version = "1.0.0"

// Exit codes surface the failure class to process supervisors.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStore   = 2
	exitRuntime = 3
)

// exitError pins an exit code to a fatal error. Errors without one exit
// with exitRuntime.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run())
}

func run() int {
	replayVerify := flag.Bool("replay-verify", false,
		"rebuild all decisions from the event log into a scratch store, compare against the stored log, and exit")
	flag.Parse()

	// Load .env before the logger is built so ARBITER_LOG_LEVEL from the
	// file applies (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := newLogger(os.Getenv("ARBITER_LOG_LEVEL"), os.Getenv("ARBITER_LOG_FORMAT"))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *replayVerify {
		return verifyReplay(ctx, logger)
	}

	if err := serve(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		var xe *exitError
		if errors.As(err, &xe) {
			return xe.code
		}
		return exitRuntime
	}
	return exitOK
}

func serve(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fail(exitConfig, "load config: %w", err)
	}

	slog.Info("arbiter starting", "version", version, "port", cfg.Port, "driver", cfg.StoreDriver)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(exitStore, "storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	packs, err := loadPacks(cfg)
	if err != nil {
		return fail(exitConfig, "policy: %w", err)
	}
	logger.Info("policy packs loaded", "jurisdictions", packs.Jurisdictions())

	riskClient := risk.NewClient(risk.Config{
		BaseURL:     cfg.RiskURL,
		Timeout:     cfg.RiskTimeout,
		MaxAttempts: cfg.RiskMaxRetries + 1,
		RetryBase:   cfg.RiskBackoffBase,
		RetryMax:    cfg.RiskBackoffCap,
	}, logger)

	auth := authority.New(store, packs, version, logger)

	handler := ingest.NewHandler(store, packs, riskClient, auth, logger)
	handler.RetainOnRiskOutage(cfg.RiskTransientFallback == config.FallbackRetain)

	pool := serializer.NewPool(serializer.Config{
		QueueDepth:  cfg.QueueDepth,
		IdleTTL:     cfg.ActorIdleTTL,
		MaxActive:   int64(cfg.WorkerCap),
		EventBudget: cfg.EventDeadline,
		MaxAttempts: cfg.DeadLetterMaxAttempts,
	}, handler.Handle, recordDeadLetter(store, logger), logger)
	pool.Start(ctx)
	handler.Bind(pool)

	// Resume workflows a previous process left between signal completion
	// and finalisation.
	if n, err := ingest.Recover(ctx, store, pool, logger); err != nil {
		logger.Warn("startup recovery incomplete", "recovered", n, "error", err)
	} else if n > 0 {
		logger.Info("startup recovery complete", "recovered", n)
	}

	dispatcher := ingest.NewDispatcher(store, pool, logger)

	// Finalised decisions leave the process through the outbox publisher;
	// the broker fans them out to SSE subscribers.
	broker := server.NewBroker(logger)
	publisher := outbox.NewPublisher(store, broker, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	publisher.Start(ctx)
	auth.SetPublisher(publisher, cfg.PublishMode == config.PublishSync)
	logger.Info("outbound publishing", "mode", cfg.PublishMode,
		"poll_interval", cfg.OutboxPollInterval, "batch_size", cfg.OutboxBatchSize)

	decisionSvc := decisions.New(store, logger)

	mcpSrv := mcp.New(decisionSvc, version, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory token bucket",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Dispatcher:          dispatcher,
		DecisionSvc:         decisionSvc,
		Store:               store,
		Logger:              logger,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting HTTP
	// and drain in-flight requests (they may still enqueue events), (2) let
	// queued events finish so their decisions reach the outbox, (3) publish
	// what the outbox holds, (4) close the store.
	slog.Info("arbiter shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	poolCtx, poolCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := pool.Drain(poolCtx); err != nil {
		slog.Error("serializer drain error", "error", err)
	}
	poolCancel()

	pubCtx, pubCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	publisher.Drain(pubCtx)
	pubCancel()

	slog.Info("arbiter stopped")
	return nil
}

// verifyReplay rebuilds every decision from the recorded event log in a
// scratch store and compares the result against the stored log. Exit 0
// means the log would be reproduced byte for byte; 1 means drift or
// failure.
func verifyReplay(ctx context.Context, logger *slog.Logger) int {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage", "error", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	packs, err := loadPacks(cfg)
	if err != nil {
		logger.Error("policy", "error", err)
		return 1
	}

	result, err := replay.New(store, packs, version, logger).Verify(ctx)
	if err != nil {
		logger.Error("replay verification", "error", err)
		return 1
	}
	if !result.OK() {
		for _, m := range result.Mismatches {
			logger.Error("replay mismatch", "detail", m)
		}
		logger.Error("replay verification failed",
			"events", result.Events, "workflows", result.Workflows,
			"decisions", result.Decisions, "mismatches", len(result.Mismatches))
		return 1
	}
	logger.Info("replay verification passed",
		"events", result.Events, "workflows", result.Workflows, "decisions", result.Decisions)
	return 0
}

func newLogger(level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore connects the configured backend and brings its schema up.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return storage.NewSQLite(ctx, cfg.SQLitePath, logger)
	default:
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			_ = pg.Close()
			return nil, err
		}
		return pg, nil
	}
}

// loadPacks loads the policy registry and applies the configured default
// jurisdiction override.
func loadPacks(cfg config.Config) (*policy.Registry, error) {
	packs, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultJurisdiction != "" {
		if err := packs.SetDefault(cfg.DefaultJurisdiction); err != nil {
			return nil, err
		}
	}
	return packs, nil
}

// recordDeadLetter persists events that exhausted the serializer's retry
// budget so operators can inspect and resubmit them.
func recordDeadLetter(store storage.Store, logger *slog.Logger) serializer.DeadLetterFunc {
	return func(ctx context.Context, ev model.Event, attempts int, lastErr error) {
		dl := storage.DeadLetter{
			EventID:    ev.EventID,
			WorkflowID: ev.WorkflowID,
			Reason:     "retry budget exhausted",
			Attempts:   attempts,
			LastError:  lastErr.Error(),
		}
		if err := store.RecordDeadLetter(ctx, dl); err != nil {
			logger.Error("dead letter record failed",
				"event_id", ev.EventID, "workflow_id", ev.WorkflowID, "error", err)
		}
	}
}
