package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"linguachat-backend/pkg/logger"
	"linguachat-backend/pkg/metrics"
)

// ErrRetryExhausted wraps the last version conflict once the attempt budget
// runs out. The coordinator surfaces it as a Contention error.
var ErrRetryExhausted = errors.New("conditional write retry budget exhausted")

// RetryPolicy resolves write/write races on a session by reloading and
// re-applying the transition a bounded number of times. Only version
// conflicts are retried; every other failure propagates immediately.
type RetryPolicy struct {
	// MaxAttempts bounds tail latency under thundering-herd joins
	MaxAttempts int

	// BaseDelay is multiplied by the attempt count, capped at MaxDelay
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// sleep is injectable so tests run without waiting
	sleep func(ctx context.Context, d time.Duration) error

	metrics *metrics.Metrics
}

// NewRetryPolicy creates a policy with the given bounds
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, m *metrics.Metrics) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		sleep:       sleepWithContext,
		metrics:     m,
	}
}

// DefaultRetryPolicy matches the documented defaults: 3 attempts, linear
// backoff from 50ms capped at 500ms
func DefaultRetryPolicy(m *metrics.Metrics) *RetryPolicy {
	return NewRetryPolicy(3, 50*time.Millisecond, 500*time.Millisecond, m)
}

// WithSleep replaces the backoff sleeper; tests inject a no-op
func (p *RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *RetryPolicy {
	p.sleep = sleep
	return p
}

// Execute runs fn until it succeeds, fails with a non-conflict error, or the
// attempt budget is exhausted. fn must re-load the session snapshot on every
// call; each attempt is atomic at the store, so abandoning mid-retry never
// leaves a torn state.
func (p *RetryPolicy) Execute(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if p.metrics != nil {
				p.metrics.RecordSaveAttempts(operation, attempt)
			}
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		lastErr = err

		if p.metrics != nil {
			p.metrics.RecordVersionConflict(operation)
		}
		logger.Warn("Session write conflict, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
		)

		if attempt == p.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
			return err
		}
	}

	if p.metrics != nil {
		p.metrics.RecordContention(operation)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.MaxAttempts, lastErr)
}

// backoff returns the delay before the next attempt: base * attempt with a
// small jitter, capped at MaxDelay
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	delay := time.Duration(attempt) * p.BaseDelay
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	// Up to 25% jitter keeps herds from re-colliding in lockstep
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
