package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes a Guard.
type Config struct {
	// RequestsPerMinute caps transport calls. Zero disables the limiter.
	RequestsPerMinute int
	// MaxAttempts includes the first try. Values below 1 mean 3.
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Guard wraps a single transport operation. Retries never leave the
// operation, so callers above it are never re-run.
type Guard struct {
	cfg     Config
	limiter *rate.Limiter
	breaker *Breaker
}

// NewGuard builds a Guard named after the transport it protects.
func NewGuard(name string, cfg Config) *Guard {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	g := &Guard{
		cfg:     cfg,
		breaker: NewBreaker(name, cfg.FailureThreshold, cfg.ResetTimeout),
	}
	if cfg.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return g
}

// Breaker exposes the guard's breaker for status reporting.
func (g *Guard) Breaker() *Breaker { return g.breaker }

// Call runs fn under the guard and returns its value from the first success.
func Call[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			zap.L().Warn("resilience: retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
			if err := sleep(ctx, backoff(attempt-1, g.cfg)); err != nil {
				return zero, lastErr
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return zero, eris.Wrapf(err, "resilience: %s rate limit wait", op)
			}
		}
		if err := g.breaker.Allow(); err != nil {
			return zero, eris.Wrapf(err, "resilience: %s", op)
		}

		val, err := fn(ctx)
		g.breaker.Record(err)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func backoff(retry int, cfg Config) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(2, float64(retry))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	// +/-20% jitter
	d += d * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
