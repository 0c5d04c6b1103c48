// Package memory implements the in-process job queue used in development and
// as the automatic fallback when the broker rejects a publish. Messages
// survive only the process lifetime.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/domain"
)

// Handler processes one delivered job, mirroring the broker-mode contract.
type Handler func(ctx context.Context, msg domain.JobMessage) error

// Queue is a single-process task queue with the broker semantics: bounded
// redelivery and an inspectable dead-letter list.
type Queue struct {
	mu          sync.Mutex
	ch          chan domain.JobMessage
	dead        []domain.JobMessage
	handler     Handler
	maxDelivery int
	concurrency int
	started     bool
	closed      bool
}

// New constructs an in-process queue with the given buffer capacity.
func New(capacity, maxDelivery, concurrency int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if maxDelivery <= 0 {
		maxDelivery = 3
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Queue{
		ch:          make(chan domain.JobMessage, capacity),
		maxDelivery: maxDelivery,
		concurrency: concurrency,
	}
}

// SetHandler installs the job handler. Must be called before Start.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// Enqueue implements domain.Queue. Fails with ErrBusy when the buffer is full
// rather than blocking a request handler.
func (q *Queue) Enqueue(ctx domain.Context, msg domain.JobMessage) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", fmt.Errorf("op=memory.Enqueue: %w: queue closed", domain.ErrUnavailable)
	}
	select {
	case q.ch <- msg:
		observability.JobsEnqueuedTotal.WithLabelValues(string(msg.Kind), "memory").Inc()
		return msg.IdempotencyKey(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", fmt.Errorf("op=memory.Enqueue: %w: buffer full", domain.ErrBusy)
	}
}

// Depth implements domain.QueueDepth over the buffered channel. Both kinds
// share one buffer in-process.
func (q *Queue) Depth(_ domain.Context, _ domain.JobKind) (int64, error) {
	return int64(len(q.ch)), nil
}

// Start launches the worker goroutines. They exit when the context is
// cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started || q.handler == nil {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.concurrency; i++ {
		go q.worker(ctx)
	}
	slog.Info("in-process queue started", slog.Int("concurrency", q.concurrency))
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-q.ch:
			q.process(ctx, msg)
		}
	}
}

func (q *Queue) process(ctx context.Context, msg domain.JobMessage) {
	err := q.handler(ctx, msg)
	if err == nil {
		observability.JobsCompletedTotal.WithLabelValues(string(msg.Kind)).Inc()
		return
	}
	observability.JobsFailedTotal.WithLabelValues(string(msg.Kind)).Inc()
	slog.Error("job handler failed", slog.String("kind", string(msg.Kind)),
		slog.String("submission_id", msg.SubmissionID), slog.Int("attempt", msg.Attempt), slog.Any("error", err))

	msg.Attempt++
	if msg.Attempt >= q.maxDelivery {
		q.mu.Lock()
		q.dead = append(q.dead, msg)
		q.mu.Unlock()
		observability.JobsDeadLetteredTotal.WithLabelValues(string(msg.Kind)).Inc()
		slog.Warn("job dead-lettered", slog.String("kind", string(msg.Kind)), slog.String("submission_id", msg.SubmissionID))
		return
	}
	select {
	case q.ch <- msg:
	default:
		q.mu.Lock()
		q.dead = append(q.dead, msg)
		q.mu.Unlock()
		observability.JobsDeadLetteredTotal.WithLabelValues(string(msg.Kind)).Inc()
	}
}

// DeadLetters returns a copy of the dead-letter list.
func (q *Queue) DeadLetters() []domain.JobMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.JobMessage, len(q.dead))
	copy(out, q.dead)
	return out
}

// Close stops accepting new messages.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
