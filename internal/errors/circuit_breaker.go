// Package errors' circuit-breaker half tracks one model provider's health
// as seen by the Resilient Model Client: too many consecutive failed calls
// trips the provider open so the router skips straight to the next
// candidate in the fallback chain instead of paying its timeout on every
// request. After the cooldown the breaker is half-open: SuccessThreshold
// consecutive successes close it and one failure reopens it. Half-open admits
// every request, not a single probe.
package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"swarmcore/internal/logging"
)

// CircuitState is a provider's health as tracked by its CircuitBreaker.
type CircuitState int

const (
	// StateClosed: provider takes traffic normally.
	StateClosed CircuitState = iota
	// StateOpen: provider judged unhealthy, calls are rejected without
	// being attempted so the router falls through to the next provider.
	StateOpen
	// StateHalfOpen: the open Timeout elapsed; requests are admitted again
	// and their outcomes decide whether to trust the provider.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes how aggressively a provider is distrusted.
type CircuitBreakerConfig struct {
	FailureThreshold int                                      // consecutive failures before opening (default: 5)
	SuccessThreshold int                                      // consecutive half-open successes before closing (default: 2)
	Timeout          time.Duration                            // how long a provider stays open before a probe is allowed (default: 30s)
	OnStateChange    func(from, to CircuitState, name string) // optional hook, e.g. for alerting on a provider trip
}

// DefaultCircuitBreakerConfig is the baseline used when a provider's
// resilience config doesn't override it.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker tracks one provider's health. The Router holds exactly one
// per registered provider, keyed by provider name.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a breaker for one provider, starting closed.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.NewComponentLogger("circuit-breaker"),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute calls fn if the provider is currently allowed traffic, recording
// the outcome against the breaker either way.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// ExecuteFunc is Execute for a call that returns a value, since Go methods
// can't take their own type parameter.
func ExecuteFunc[T any](cb *CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zeroValue T

	if err := cb.beforeRequest(); err != nil {
		return zeroValue, err
	}
	result, err := fn(ctx)
	cb.afterRequest(err)
	return result, err
}

// Allow reports whether the provider may currently take a request, without
// running one. The Router uses Allow/Mark instead of Execute because it
// wants to pick the next candidate provider itself on rejection rather than
// have Execute try and fail a specific call.
func (cb *CircuitBreaker) Allow() error {
	return cb.beforeRequest()
}

// Mark records one request's outcome against the provider: nil for
// success, any other error counts as a failure.
func (cb *CircuitBreaker) Mark(err error) {
	cb.afterRequest(err)
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.successCount = 0
			cb.logger.Info("[%s] provider entering half-open probe after cooldown", cb.name)
			return nil
		}
		return NewDegradedError(
			fmt.Errorf("circuit breaker open for provider %s", cb.name),
			fmt.Sprintf("provider %q tripped after repeated failures, retrying in %v",
				cb.name, cb.config.Timeout-time.Since(cb.lastFailureTime)),
			"",
		)

	case StateHalfOpen:
		return nil

	default:
		return fmt.Errorf("provider %s: unknown circuit state %v", cb.name, cb.state)
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		if cb.failureCount > 0 {
			cb.logger.Debug("[%s] provider recovered, clearing failure streak", cb.name)
			cb.failureCount = 0
		}

	case StateHalfOpen:
		cb.successCount++
		cb.logger.Debug("[%s] half-open probe succeeded (%d/%d)",
			cb.name, cb.successCount, cb.config.SuccessThreshold)

		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.logger.Info("[%s] provider trusted again, circuit closed", cb.name)
		}

	case StateOpen:
		cb.logger.Warn("[%s] success reported while circuit open, ignoring", cb.name)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.logger.Debug("[%s] failure streak %d/%d", cb.name, cb.failureCount, cb.config.FailureThreshold)

		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.logger.Warn("[%s] provider tripped open, fallback chain will skip it", cb.name)
		}

	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.successCount = 0
		cb.logger.Warn("[%s] half-open probe failed, provider stays distrusted", cb.name)

	case StateOpen:
		cb.logger.Debug("[%s] failure recorded while already open", cb.name)
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState, cb.name)
	}
}

// State returns the provider's current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Metrics snapshots the provider's breaker state for the admin surface
// (Router.ProviderMetrics -> GET /api/providers).
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the provider back to closed, for an operator clearing a trip
// manually (Router.ResetProvider -> POST /api/providers/:name/reset)
// without waiting out Timeout.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastStateChange = time.Now()

	cb.logger.Info("[%s] provider manually reset from %s to closed", cb.name, oldState)
}

// CircuitBreakerMetrics is a point-in-time snapshot of one provider's
// breaker state.
type CircuitBreakerMetrics struct {
	Name            string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	LastStateChange time.Time
}
