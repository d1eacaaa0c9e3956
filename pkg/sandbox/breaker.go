package sandbox

import (
	"sync"
	"time"

	"github.com/sandbooks/runbox/internal/metrics"
)

// State is the circuit breaker gate position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerStats is the externally visible breaker snapshot, reported inside
// health responses.
type BreakerStats struct {
	State               State `json:"state"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	MaxFailures         int   `json:"max_failures"`
}

// Breaker is a binary circuit breaker over sandbox acquisition: after
// maxFailures consecutive failures it refuses calls for recoveryTimeout,
// then lets a single probe through (half-open). Any success fully closes it.
// There is no gradual ramp-up.
type Breaker struct {
	maxFailures     int
	recoveryTimeout time.Duration
	clock           Clock

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// NewBreaker constructs a closed breaker.
func NewBreaker(maxFailures int, recoveryTimeout time.Duration, clock Clock) *Breaker {
	if clock == nil {
		clock = SystemClock()
	}
	return &Breaker{
		maxFailures:     maxFailures,
		recoveryTimeout: recoveryTimeout,
		clock:           clock,
		state:           StateClosed,
	}
}

// Allow reports whether a call may proceed. While open and inside the
// recovery window it returns CircuitOpenError without any remote attempt;
// once the window has elapsed the breaker moves to half-open and the call
// goes through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	elapsed := b.clock.Now().Sub(b.openedAt)
	if elapsed < b.recoveryTimeout {
		return &CircuitOpenError{RetryAfter: b.recoveryTimeout - elapsed}
	}

	b.state = StateHalfOpen
	metrics.CircuitState.Set(metrics.CircuitHalfOpen)
	return nil
}

// RecordSuccess resets the breaker to closed and zeroes the failure counter,
// regardless of prior state.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.consecutiveFailures = 0
	metrics.CircuitState.Set(metrics.CircuitClosed)
}

// RecordFailure increments the failure counter and opens the breaker once the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.clock.Now()
		metrics.CircuitState.Set(metrics.CircuitOpen)
	}
}

// Stats returns a snapshot of the breaker state.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		MaxFailures:         b.maxFailures,
	}
}
