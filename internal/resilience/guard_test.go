package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastGuard(attempts int) *Guard {
	return NewGuard("test", Config{
		MaxAttempts:      attempts,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		FailureThreshold: 10,
	})
}

func TestCall_RetriesTransient(t *testing.T) {
	g := fastGuard(3)
	calls := 0
	got, err := Call(context.Background(), g, "create message", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errUpstream
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestCall_DoesNotRetryPermanent(t *testing.T) {
	g := fastGuard(5)
	calls := 0
	_, err := Call(context.Background(), g, "create message", func(context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid api key")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCall_GivesUpAfterMaxAttempts(t *testing.T) {
	g := fastGuard(2)
	calls := 0
	_, err := Call(context.Background(), g, "create message", func(context.Context) (int, error) {
		calls++
		return 0, errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 2, calls)
}

func TestCall_OpenBreakerShortCircuits(t *testing.T) {
	g := NewGuard("test", Config{MaxAttempts: 1, FailureThreshold: 1, ResetTimeout: time.Hour})
	_, _ = Call(context.Background(), g, "op", func(context.Context) (int, error) { return 0, errUpstream })
	require.Equal(t, BreakerOpen, g.Breaker().State())

	called := false
	_, err := Call(context.Background(), g, "op", func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}

func TestCall_ContextCancelledDuringBackoff(t *testing.T) {
	g := NewGuard("test", Config{MaxAttempts: 3, InitialBackoff: time.Hour, FailureThreshold: 10})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Call(ctx, g, "op", func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errUpstream
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCall_RateLimited(t *testing.T) {
	g := NewGuard("test", Config{RequestsPerMinute: 600, MaxAttempts: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := Call(context.Background(), g, "op", func(context.Context) (int, error) { return i, nil })
		require.NoError(t, err)
	}
	// burst of one, then one token every 100ms
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
