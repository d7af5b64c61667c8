package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker("roof", 3, time.Second)
	failing := func() error { return errors.New("boom") }

	require.Error(t, b.Call(failing))
	require.Error(t, b.Call(failing))
	assert.False(t, b.IsOpen())

	require.Error(t, b.Call(failing))
	assert.True(t, b.IsOpen())

	err := b.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker("roof", 1, 50*time.Millisecond)
	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	assert.True(t, b.IsOpen())

	assert.ErrorIs(t, b.Call(func() error { return nil }), ErrOpen)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Call(func() error { return nil }))
	assert.False(t, b.IsOpen())
}

func TestRecovererExecuteCountsOneFailurePerBatch(t *testing.T) {
	r := NewRecoverer(Config{
		ExponentialBackoff:      true,
		CommRetries:             2,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeoutS:  1,
	})

	attempts := 0
	err := r.Execute("dtu_roof", func() error {
		attempts++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // CommRetries+1 attempts inside one Execute call

	rec := r.Breaker("dtu_roof").Record()
	assert.Equal(t, 1, rec.FailureCount) // one breaker failure despite 3 attempts
}
