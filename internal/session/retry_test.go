package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noSleep replaces the backoff sleeper so retry tests run instantly
func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestRetryPolicy(maxAttempts int) *RetryPolicy {
	return NewRetryPolicy(maxAttempts, time.Millisecond, 10*time.Millisecond, nil).WithSleep(noSleep)
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	policy := newTestRetryPolicy(3)

	calls := 0
	err := policy.Execute(context.Background(), "join", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromVersionConflict(t *testing.T) {
	policy := newTestRetryPolicy(3)

	calls := 0
	err := policy.Execute(context.Background(), "join", func() error {
		calls++
		if calls < 3 {
			return ErrVersionConflict
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudgetOnPersistentConflict(t *testing.T) {
	policy := newTestRetryPolicy(3)

	calls := 0
	err := policy.Execute(context.Background(), "initiate", func() error {
		calls++
		return ErrVersionConflict
	})

	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryOtherErrors(t *testing.T) {
	policy := newTestRetryPolicy(3)
	boom := errors.New("connection refused")

	calls := 0
	err := policy.Execute(context.Background(), "leave", func() error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	policy := NewRetryPolicy(3, time.Millisecond, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := policy.Execute(ctx, "join", func() error {
		calls++
		return ErrVersionConflict
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffGrowsLinearlyAndCaps(t *testing.T) {
	policy := NewRetryPolicy(10, 50*time.Millisecond, 120*time.Millisecond, nil)

	// Jitter adds at most 25% on top of the base delay
	first := policy.backoff(1)
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.Less(t, first, 63*time.Millisecond)

	second := policy.backoff(2)
	assert.GreaterOrEqual(t, second, 100*time.Millisecond)

	capped := policy.backoff(9)
	assert.LessOrEqual(t, capped, 150*time.Millisecond)
}

func TestDefaultRetryPolicyBounds(t *testing.T) {
	policy := DefaultRetryPolicy(nil)

	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 500*time.Millisecond, policy.MaxDelay)
}
