package oracle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior for transport failures.
type RetryConfig struct {
	MaxAttempts         int           // Attempts including the first (default 3)
	InitialInterval     time.Duration // Backoff floor (default 500ms)
	MaxInterval         time.Duration // Backoff ceiling (default 5s)
	MaxElapsedTime      time.Duration // Upper bound on the whole retry window (default 5min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      5 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = d.MaxElapsedTime
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.RandomizationFactor < 0 {
		c.RandomizationFactor = 0
	}
	return c
}

// CircuitBreakerRegistry manages per-model circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(logger *slog.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the circuit breaker for the given model, creating it on first use.
func (r *CircuitBreakerRegistry) Get(model string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        model,
		MaxRequests: 1,                // One trial request in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before probing
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("oracle circuit breaker state change", "model", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Only an unreachable or failing endpoint counts against the breaker.
			// A reachable model that answers badly is a different problem.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			return !errors.Is(err, ErrTransport)
		},
	})

	r.breakers[model] = cb
	return cb
}

// callWithRetry runs call through cb with exponential backoff. call must
// return errors already wrapped in *Error; only retryable transport errors
// are attempted again. It returns the value, the number of attempts made and
// the final error.
func callWithRetry[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, cfg RetryConfig, logger *slog.Logger, call func(context.Context) (T, error)) (T, int, error) {
	cfg = cfg.withDefaults()

	var (
		result   T
		attempts int
	)

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(&Error{Kind: ErrTransport, Err: ctx.Err()})
		}
		attempts++

		out, err := cb.Execute(func() (interface{}, error) {
			return call(ctx)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&Error{Kind: ErrTransport, Err: err})
			}
			if ctx.Err() != nil || !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		result = out.(T)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(cfg.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		logger.Warn("oracle attempt failed, retrying", "attempt", attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, bounded, notify)
	if err != nil {
		var oe *Error
		if !errors.As(err, &oe) {
			oe = &Error{Kind: ErrTransport, Err: err}
		}
		oe.Attempts = attempts
		return result, attempts, oe
	}
	return result, attempts, nil
}
