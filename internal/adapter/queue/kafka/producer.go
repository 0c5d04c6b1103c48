// Package kafka implements the broker-mode job queue on Kafka/Redpanda with
// at-least-once delivery, bounded redelivery, and dead-letter topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/adapter/queue/shared"
	"github.com/veriskill/veriskill/internal/domain"
)

func topicFor(kind domain.JobKind) string {
	if kind == domain.JobReport {
		return TopicReportJobs
	}
	return TopicScoreJobs
}

// Producer implements domain.Queue over a Kafka producer client.
type Producer struct {
	client *kgo.Client
	depth  *shared.DepthTracker
}

// NewProducer connects to the brokers, ensures the topics exist, and returns
// a producer. depth may be nil when depth accounting is disabled.
func NewProducer(brokers []string, depth *shared.DepthTracker) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewProducer: no seed brokers")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}
	if err := ensureAllTopics(context.Background(), client); err != nil {
		slog.Warn("topic creation failed, topics may already exist", slog.Any("error", err))
	}
	return &Producer{client: client, depth: depth}, nil
}

// Enqueue publishes a job message keyed by its idempotency key so redeliveries
// of the same logical job land on one partition.
func (p *Producer) Enqueue(ctx domain.Context, msg domain.JobMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("op=kafka.Enqueue: %w", err)
	}
	rec := &kgo.Record{
		Topic: topicFor(msg.Kind),
		Key:   []byte(msg.IdempotencyKey()),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return "", fmt.Errorf("op=kafka.Enqueue: %w: %v", domain.ErrUnavailable, err)
	}
	if p.depth != nil && msg.Attempt == 0 {
		p.depth.Incr(ctx, msg.Kind)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(msg.Kind), "broker").Inc()
	return msg.IdempotencyKey(), nil
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	p.client.Close()
}
