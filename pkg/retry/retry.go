// Package retry generalizes the retry-with-backoff pattern used by all LLM,
// sandbox, and store attempts.
package retry

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Decision classifies an error for the retry loop.
type Decision int

const (
	// Retry means the error is transient and the operation may be retried.
	Retry Decision = iota
	// Fail means the error is permanent and must be surfaced immediately.
	Fail
)

// Policy describes one retry budget.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// Classify decides whether an error is retryable. Nil treats every error
	// as retryable.
	Classify func(error) Decision
}

// DefaultPolicy mirrors the platform default: 3 attempts, 2s base, jittered.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 20 * time.Second, Jitter: true}
}

// Attempt runs op under the policy, sleeping with exponential backoff between
// attempts. The last error is returned after budget exhaustion. Context
// cancellation aborts immediately.
func Attempt(ctx context.Context, p Policy, op func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.MaxInterval = p.MaxDelay
	if !p.Jitter {
		expo.RandomizationFactor = 0
	}
	expo.Reset()

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op(ctx)
		if last == nil {
			return nil
		}
		if p.Classify != nil && p.Classify(last) == Fail {
			return last
		}
		if attempt == p.MaxAttempts {
			break
		}
		wait := expo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(last, ctx.Err())
		case <-time.After(wait):
		}
	}
	return last
}
