package recovery

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Studio729/hoymiles-bridge/internal/model"
)

// Config tunes both the retry policy and the per-breaker thresholds
// managed by a Recoverer. Field names mirror spec.md §6's recovery.*
// config keys.
type Config struct {
	ExponentialBackoff      bool
	CommRetries             int
	MaxBackoffSeconds       int
	CircuitBreakerThreshold int
	CircuitBreakerTimeoutS  int
}

// RetryPolicy wraps a fallible call in exponential backoff, min 1s, max
// 60s per attempt, bounded total attempts at CommRetries+1 — matching
// original_source/hoymiles_smiles/circuit_breaker.py's RetryStrategy.
type RetryPolicy struct {
	maxAttempts uint64
	minWait     time.Duration
	maxWait     time.Duration
}

// NewRetryPolicy builds a policy with maxAttempts total tries (including
// the first).
func NewRetryPolicy(maxAttempts int) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{maxAttempts: uint64(maxAttempts), minWait: time.Second, maxWait: 60 * time.Second}
}

// Do runs fn, retrying on error with exponential backoff until
// maxAttempts is exhausted, then returns the last error.
func (p *RetryPolicy) Do(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.minWait
	b.MaxInterval = p.maxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	bounded := backoff.WithMaxRetries(b, p.maxAttempts-1)
	return backoff.Retry(fn, bounded)
}

// Recoverer manages one named Breaker + RetryPolicy per upstream service,
// lazily created on first use — mirroring
// ErrorRecoveryManager.get_circuit_breaker / execute_with_recovery.
type Recoverer struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRecoverer builds a Recoverer from cfg.
func NewRecoverer(cfg Config) *Recoverer {
	return &Recoverer{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Breaker returns (creating if necessary) the named breaker.
func (r *Recoverer) Breaker(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg.CircuitBreakerThreshold, time.Duration(r.cfg.CircuitBreakerTimeoutS)*time.Second)
		r.breakers[name] = b
	}
	return b
}

// Execute runs fn for the named service through its circuit breaker,
// applying the retry policy inside the breaker's protected call so the
// breaker observes at most one failure per invocation of Execute,
// regardless of how many retries were attempted underneath.
func (r *Recoverer) Execute(name string, fn func() error) error {
	breaker := r.Breaker(name)
	wrapped := func() error {
		if r.cfg.ExponentialBackoff {
			policy := NewRetryPolicy(r.cfg.CommRetries + 1)
			return policy.Do(fn)
		}
		return fn()
	}
	return breaker.Call(wrapped)
}

// AllRecords returns a snapshot of every breaker's externally visible
// state, keyed by service name.
func (r *Recoverer) AllRecords() map[string]model.CircuitBreakerRecord {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]model.CircuitBreakerRecord, len(names))
	for i, name := range names {
		out[name] = breakers[i].Record()
	}
	return out
}
