// Package recovery implements the circuit breaker and retry policy that
// wrap every fallible DTU call. The retry policy runs strictly inside
// the breaker's protected call, so a whole batch of retries counts as a
// single breaker failure — mirroring
// original_source/hoymiles_smiles/circuit_breaker.py's
// ErrorRecoveryManager.execute_with_recovery composition.
package recovery

import (
	"sync"
	"time"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

// Breaker is a single named circuit breaker instance.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration

	mu            sync.Mutex
	state         model.BreakerState
	failureCount  int
	successCount  int
	lastFailureAt time.Time
}

// NewBreaker constructs a closed breaker that opens after threshold
// consecutive (net) failures and attempts a half-open probe timeout
// seconds after the last failure.
func NewBreaker(name string, threshold int, timeout time.Duration) *Breaker {
	return &Breaker{name: name, threshold: threshold, timeout: timeout, state: model.BreakerClosed}
}

// Call executes fn through the breaker. If the breaker is open and the
// reset timeout has not elapsed, Call returns ErrOpen without invoking
// fn. Any error from fn counts as exactly one failure.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case model.BreakerOpen:
		if time.Since(b.lastFailureAt) >= b.timeout {
			b.state = model.BreakerHalfOpen
		} else {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failureCount++
		b.lastFailureAt = time.Now()
		if b.state == model.BreakerHalfOpen {
			b.state = model.BreakerOpen
		} else if b.failureCount >= b.threshold {
			b.state = model.BreakerOpen
		}
		return err
	}
	if b.state == model.BreakerHalfOpen {
		b.state = model.BreakerClosed
		b.failureCount = 0
		b.successCount = 0
	} else {
		if b.failureCount > 0 {
			b.failureCount--
		}
		b.successCount++
	}
	return nil
}

// IsOpen reports whether the breaker currently rejects calls.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == model.BreakerOpen
}

// Reset forces the breaker back to Closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = model.BreakerClosed
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureAt = time.Time{}
}

// Record returns the breaker's externally visible state.
func (b *Breaker) Record() model.CircuitBreakerRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.CircuitBreakerRecord{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
	}
}

// breakerError lets callers distinguish "rejected by breaker" from "the
// wrapped function itself failed".
type breakerError struct{ msg string }

func (e *breakerError) Error() string { return e.msg }

// ErrOpen is returned by Call (and by Recoverer.Execute) when the
// breaker rejects the call outright.
var ErrOpen = &breakerError{msg: "circuit breaker open"}
