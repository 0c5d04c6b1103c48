// Command server starts the VeriSkill assessment HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	aicli "github.com/veriskill/veriskill/internal/adapter/ai"
	"github.com/veriskill/veriskill/internal/adapter/httpserver"
	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/adapter/queue/kafka"
	"github.com/veriskill/veriskill/internal/adapter/queue/memory"
	"github.com/veriskill/veriskill/internal/adapter/queue/shared"
	"github.com/veriskill/veriskill/internal/adapter/sandbox"
	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	qdrantcli "github.com/veriskill/veriskill/internal/adapter/vector/qdrant"
	"github.com/veriskill/veriskill/internal/app"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/domain"
	"github.com/veriskill/veriskill/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, LLM, and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := postgres.New(pool)

	// TTL cleanup for expiring containers (reservations, run logs).
	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go postgres.NewCleanupService(pool, cfg.CleanupInterval).RunPeriodic(cleanupCtx)

	// Redis: token store and queue-depth gauge.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	depth := shared.NewDepthTracker(rdb)
	tokens := httpserver.NewRedisTokenStore(rdb)

	clk := clock.System{}

	// Job queue: broker-backed in normal operation, with the in-process
	// queue as publish fallback so submissions never fail on broker loss.
	fallback := memory.New(0, cfg.QueueMaxDelivery, cfg.WorkerConcurrency)
	var queue domain.Queue = fallback
	var producer *kafka.Producer
	if cfg.UseBroker {
		producer, err = kafka.NewProducer(cfg.KafkaBrokers, depth)
		if err != nil {
			slog.Error("queue producer init failed, using in-process queue", slog.Any("error", err))
		} else {
			defer producer.Close()
			queue = &shared.FallbackQueue{Primary: producer, Secondary: fallback}
		}
	}

	// Vector index for semantic duplicate detection.
	qcli := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey)
	vindex := qdrantcli.NewIndex(qcli, cfg.EmbeddingDimension)
	if cfg.RAGEnabled {
		if err := vindex.Init(ctx); err != nil {
			slog.Warn("vector index init failed; semantic dedup degraded", slog.Any("error", err))
		}
	}

	// AI clients.
	ai := aicli.New(cfg)
	rubric := aicli.NewRubric(cfg, ai)
	generator := aicli.NewGenerator(cfg, ai, clk)
	reporter := aicli.NewReporter(cfg, ai)
	runner := sandbox.New(cfg)

	// Usecases.
	catalogSvc := usecase.NewCatalogService(cfg, store, generator, ai, vindex, clk)
	composerSvc := usecase.NewComposerService(cfg, store, catalogSvc, generator, clk)
	sessionSvc := usecase.NewSessionService(cfg, store, queue, depth, clk)
	scoringSvc := usecase.NewScoringService(cfg, store, rubric, clk)
	reportSvc := usecase.NewReportService(cfg, store, reporter)
	execSvc := usecase.NewExecService(cfg, store, runner, clk)

	if cfg.QuestionBankSeed != "" {
		if n, err := seedQuestionBank(ctx, catalogSvc, cfg.QuestionBankSeed); err != nil {
			slog.Error("question bank seed failed", slog.Any("error", err))
		} else {
			slog.Info("question bank seeded", slog.Int("added", n), slog.String("path", cfg.QuestionBankSeed))
		}
	}

	// The in-process queue doubles as the worker when no broker is
	// configured; with a broker, the fallback still needs a consumer for
	// messages that land there during outages.
	handler := &app.JobHandler{
		Scoring:     scoringSvc,
		Reports:     reportSvc,
		Queue:       queue,
		Clock:       clk,
		MaxDelivery: cfg.QueueMaxDelivery,
	}
	fallback.SetHandler(handler.Handle)
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	fallback.Start(workerCtx)

	// Expiry sweeper: auto-submits past-grace sessions and re-enqueues
	// lost score jobs. Safe to run on every replica.
	sweeper := &app.Sweeper{Sessions: sessionSvc, Interval: cfg.ExpireSweepInterval()}
	go sweeper.Run(workerCtx)

	// HTTP server.
	srv := httpserver.NewServer(cfg, sessionSvc, composerSvc, catalogSvc, scoringSvc, execSvc, tokens, store)
	checks := app.BuildChecks(cfg, pool, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	handlerHTTP := app.BuildRouter(cfg, srv, app.ReadyzHandler(checks))

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handlerHTTP,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	cancelWorkers()
	fallback.Close()
}
