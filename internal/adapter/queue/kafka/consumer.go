package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/adapter/queue/shared"
	"github.com/veriskill/veriskill/internal/domain"
)

// Handler processes one delivered job. Returning an error abandons the
// message for redelivery; at max delivery count it moves to dead-letter.
type Handler func(ctx context.Context, msg domain.JobMessage) error

// Consumer drives the worker loop for both job topics.
type Consumer struct {
	client      *kgo.Client
	handler     Handler
	depth       *shared.DepthTracker
	batchSize   int
	batchWait   time.Duration
	concurrency int
	maxDelivery int
}

// ConsumerConfig tunes the worker loop.
type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	BatchSize   int
	BatchWait   time.Duration
	Concurrency int
	MaxDelivery int
}

// NewConsumer joins the consumer group on both job topics.
func NewConsumer(cfg ConsumerConfig, handler Handler, depth *shared.DepthTracker) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewConsumer: no seed brokers")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxDelivery <= 0 {
		cfg.MaxDelivery = 3
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(TopicScoreJobs, TopicReportJobs),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(cfg.BatchWait),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewConsumer: %w", err)
	}
	if err := ensureAllTopics(context.Background(), client); err != nil {
		slog.Warn("topic creation failed, topics may already exist", slog.Any("error", err))
	}
	return &Consumer{
		client:      client,
		handler:     handler,
		depth:       depth,
		batchSize:   cfg.BatchSize,
		batchWait:   cfg.BatchWait,
		concurrency: cfg.Concurrency,
		maxDelivery: cfg.MaxDelivery,
	}, nil
}

// Run polls batches and dispatches them to the handler until the context is
// cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("queue consumer started",
		slog.Int("batch_size", c.batchSize),
		slog.Int("concurrency", c.concurrency),
		slog.Int("max_delivery", c.maxDelivery))
	sem := make(chan struct{}, c.concurrency)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := c.client.PollRecords(ctx, c.batchSize)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := fetches.Err0(); err != nil && errors.Is(err, context.Canceled) {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error", slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
		})

		var wg sync.WaitGroup
		fetches.EachRecord(func(rec *kgo.Record) {
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer func() { <-sem; wg.Done() }()
				c.process(ctx, rec)
			}()
		})
		wg.Wait()
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			slog.Error("offset commit failed", slog.Any("error", err))
		}
	}
}

// process handles one record. Failures republish with an incremented attempt
// count; exhausted messages move to the dead-letter topic.
func (c *Consumer) process(ctx context.Context, rec *kgo.Record) {
	var msg domain.JobMessage
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		slog.Error("dropping unparseable job message", slog.String("topic", rec.Topic), slog.Any("error", err))
		return
	}
	log := slog.With(slog.String("kind", string(msg.Kind)), slog.String("submission_id", msg.SubmissionID), slog.Int("attempt", msg.Attempt))

	err := c.handler(ctx, msg)
	if err == nil {
		observability.JobsCompletedTotal.WithLabelValues(string(msg.Kind)).Inc()
		if c.depth != nil {
			c.depth.Decr(ctx, msg.Kind)
		}
		return
	}
	observability.JobsFailedTotal.WithLabelValues(string(msg.Kind)).Inc()
	log.Error("job handler failed", slog.Any("error", err))

	msg.Attempt++
	if msg.Attempt >= c.maxDelivery {
		c.deadLetter(ctx, msg)
		return
	}
	b, _ := json.Marshal(msg)
	retry := &kgo.Record{Topic: topicFor(msg.Kind), Key: rec.Key, Value: b}
	if perr := c.client.ProduceSync(ctx, retry).FirstErr(); perr != nil {
		log.Error("redelivery publish failed, dead-lettering", slog.Any("error", perr))
		c.deadLetter(ctx, msg)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg domain.JobMessage) {
	b, _ := json.Marshal(msg)
	rec := &kgo.Record{Topic: topicFor(msg.Kind) + dlqSuffix, Key: []byte(msg.IdempotencyKey()), Value: b}
	if err := c.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		slog.Error("dead-letter publish failed", slog.String("kind", string(msg.Kind)),
			slog.String("submission_id", msg.SubmissionID), slog.Any("error", err))
		return
	}
	observability.JobsDeadLetteredTotal.WithLabelValues(string(msg.Kind)).Inc()
	if c.depth != nil {
		c.depth.Decr(ctx, msg.Kind)
	}
	slog.Warn("job dead-lettered", slog.String("kind", string(msg.Kind)), slog.String("submission_id", msg.SubmissionID))
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	c.client.Close()
}
