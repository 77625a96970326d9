// Package resilience guards calls to the language-model transport with a
// request limiter, bounded retries and a circuit breaker.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// BreakerState is the position of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned without calling the transport while the breaker is open.
var ErrBreakerOpen = eris.New("resilience: circuit open")

// Breaker opens after Threshold consecutive transient failures and admits a
// single probe once ResetAfter has elapsed.
type Breaker struct {
	name       string
	threshold  int
	resetAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker returns a closed breaker. Non-positive arguments take defaults
// of 5 failures and 30 seconds.
func NewBreaker(name string, threshold int, resetAfter time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	return &Breaker{name: name, threshold: threshold, resetAfter: resetAfter, now: time.Now}
}

// State reports the current state, promoting an expired open breaker to half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.resetAfter {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow returns ErrBreakerOpen when calls must not reach the transport.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetAfter {
			return ErrBreakerOpen
		}
		b.setState(BreakerHalfOpen)
	case BreakerHalfOpen:
		// one probe is already in flight
		return ErrBreakerOpen
	}
	return nil
}

// Record feeds a call result back. Only transient failures count.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !IsTransient(err) {
		b.failures = 0
		if b.state != BreakerClosed {
			b.setState(BreakerClosed)
		}
		return
	}

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		if b.state != BreakerOpen {
			b.setState(BreakerOpen)
		}
	}
}

func (b *Breaker) setState(to BreakerState) {
	zap.L().Info("resilience: breaker state change",
		zap.String("breaker", b.name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to),
	)
	b.state = to
}
