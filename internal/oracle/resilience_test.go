package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedCall returns its responses in order. Each entry is either a string or an error.
type scriptedCall struct {
	mu        sync.Mutex
	responses []any
	callCount int
}

func (s *scriptedCall) call(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callCount >= len(s.responses) {
		return "", fmt.Errorf("unexpected call %d (only %d responses configured)", s.callCount+1, len(s.responses))
	}

	resp := s.responses[s.callCount]
	s.callCount++

	switch v := resp.(type) {
	case string:
		return v, nil
	case error:
		return "", v
	default:
		return "", fmt.Errorf("invalid response type: %T", v)
	}
}

func (s *scriptedCall) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func testRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func transportErr(msg string) error {
	return &Error{Kind: ErrTransport, Err: errors.New(msg)}
}

// TestCallWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestCallWithRetry_TransientThenSuccess(t *testing.T) {
	script := &scriptedCall{responses: []any{transportErr("reset 1"), transportErr("reset 2"), "ok"}}
	cb := NewCircuitBreakerRegistry(nil).Get("m")

	out, attempts, err := callWithRetry(context.Background(), cb, testRetryConfig(), slog.Default(), script.call)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, script.CallCount())
}

// TestCallWithRetry_AttemptCap verifies the attempt budget bounds retries.
func TestCallWithRetry_AttemptCap(t *testing.T) {
	script := &scriptedCall{responses: []any{transportErr("1"), transportErr("2"), transportErr("3"), "never"}}
	cb := NewCircuitBreakerRegistry(nil).Get("m")

	_, attempts, err := callWithRetry(context.Background(), cb, testRetryConfig(), slog.Default(), script.call)
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 3, attempts)

	var oe *Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 3, oe.Attempts)
}

// TestCallWithRetry_NonTransportNotRetried verifies model-output failures stop immediately.
func TestCallWithRetry_NonTransportNotRetried(t *testing.T) {
	for _, kind := range []error{ErrMalformedJSON, ErrEmptyResponse, ErrSchemaViolation} {
		script := &scriptedCall{responses: []any{&Error{Kind: kind, Err: errors.New("bad")}, "never"}}
		cb := NewCircuitBreakerRegistry(nil).Get("m")

		_, attempts, err := callWithRetry(context.Background(), cb, testRetryConfig(), slog.Default(), script.call)
		assert.ErrorIs(t, err, kind)
		assert.Equal(t, 1, attempts, "%v", kind)
	}
}

// TestCallWithRetry_CircuitOpens verifies the breaker trips after consecutive transport failures.
func TestCallWithRetry_CircuitOpens(t *testing.T) {
	responses := make([]any, 20)
	for i := range responses {
		responses[i] = transportErr(fmt.Sprintf("down %d", i+1))
	}
	script := &scriptedCall{responses: responses}
	cb := NewCircuitBreakerRegistry(nil).Get("m")

	// Two queries of three attempts each: the breaker opens on the fifth failure.
	for i := range 2 {
		_, _, err := callWithRetry(context.Background(), cb, testRetryConfig(), slog.Default(), script.call)
		require.Error(t, err, "query %d", i+1)
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	before := script.CallCount()
	_, attempts, err := callWithRetry(context.Background(), cb, testRetryConfig(), slog.Default(), script.call)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 1, attempts, "an open breaker fails on the first attempt")
	assert.Equal(t, before, script.CallCount(), "an open breaker does not reach the endpoint")
}

// TestCallWithRetry_ModelErrorsDoNotTrip verifies bad replies never open the breaker.
func TestCallWithRetry_ModelErrorsDoNotTrip(t *testing.T) {
	responses := make([]any, 10)
	for i := range responses {
		responses[i] = &Error{Kind: ErrMalformedJSON, Err: errors.New("garbage")}
	}
	script := &scriptedCall{responses: responses}
	cb := NewCircuitBreakerRegistry(nil).Get("m")

	for range 10 {
		_, _, _ = callWithRetry(context.Background(), cb, testRetryConfig(), slog.Default(), script.call)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

// TestCallWithRetry_ContextCancelled verifies a cancelled context stops before calling.
func TestCallWithRetry_ContextCancelled(t *testing.T) {
	script := &scriptedCall{responses: []any{"never"}}
	cb := NewCircuitBreakerRegistry(nil).Get("m")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := callWithRetry(ctx, cb, testRetryConfig(), slog.Default(), script.call)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, script.CallCount())
}

// TestCircuitBreakerRegistry_PerModel verifies one breaker per model.
func TestCircuitBreakerRegistry_PerModel(t *testing.T) {
	reg := NewCircuitBreakerRegistry(nil)
	assert.Same(t, reg.Get("a"), reg.Get("a"))
	assert.NotSame(t, reg.Get("a"), reg.Get("b"))
}
