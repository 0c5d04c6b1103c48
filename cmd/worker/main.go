// Command worker consumes score and report jobs from the broker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	aicli "github.com/veriskill/veriskill/internal/adapter/ai"
	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/adapter/queue/kafka"
	"github.com/veriskill/veriskill/internal/adapter/queue/shared"
	"github.com/veriskill/veriskill/internal/adapter/store/postgres"
	"github.com/veriskill/veriskill/internal/app"
	"github.com/veriskill/veriskill/internal/clock"
	"github.com/veriskill/veriskill/internal/config"
	"github.com/veriskill/veriskill/internal/usecase"
)

const workerGroupID = "veriskill-workers"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose job-queue metrics on a dedicated port; the server process owns
	// the public /metrics route.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	store := postgres.New(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid redis url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	depth := shared.NewDepthTracker(rdb)

	// Producer used for chaining the report job after a score completes.
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, depth)
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	clk := clock.System{}
	ai := aicli.New(cfg)
	rubric := aicli.NewRubric(cfg, ai)
	reporter := aicli.NewReporter(cfg, ai)

	scoringSvc := usecase.NewScoringService(cfg, store, rubric, clk)
	reportSvc := usecase.NewReportService(cfg, store, reporter)

	handler := &app.JobHandler{
		Scoring:     scoringSvc,
		Reports:     reportSvc,
		Queue:       producer,
		Clock:       clk,
		MaxDelivery: cfg.QueueMaxDelivery,
	}

	// The worker owns session expiry and document TTL cleanup so sessions
	// still expire when no server replica is running. Both are concurrent-safe
	// against server replicas running the same loops.
	sessionSvc := usecase.NewSessionService(cfg, store, producer, depth, clk)
	sweeper := &app.Sweeper{Sessions: sessionSvc, Interval: cfg.ExpireSweepInterval()}
	go sweeper.Run(ctx)
	go postgres.NewCleanupService(pool, cfg.CleanupInterval).RunPeriodic(ctx)

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     workerGroupID,
		BatchSize:   cfg.WorkerBatchSize,
		BatchWait:   cfg.WorkerBatchWait,
		Concurrency: cfg.WorkerConcurrency,
		MaxDelivery: cfg.QueueMaxDelivery,
	}, handler.Handle, depth)
	if err != nil {
		slog.Error("queue consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	slog.Info("worker consuming", slog.String("group", workerGroupID))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
