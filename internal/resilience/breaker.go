package resilience

import (
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
)

// State mirrors the breaker's three-state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig controls the failure gate for an external dependency.
type BreakerConfig struct {
	FailureThreshold uint
	SuccessThreshold uint
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig returns the stock breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// BreakerConfigFromEnv reads breaker settings from the environment.
func BreakerConfigFromEnv() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: uint(config.GetEnvInt("REDIS_CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5)),
		SuccessThreshold: uint(config.GetEnvInt("REDIS_CIRCUIT_BREAKER_SUCCESS_THRESHOLD", 2)),
		ResetTimeout:     time.Duration(config.GetEnvInt("REDIS_CIRCUIT_BREAKER_RESET_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}

// CircuitBreaker gates calls to a failing external dependency. Closed allows,
// Open refuses, HalfOpen probes. Safe for concurrent use.
type CircuitBreaker struct {
	cb  circuitbreaker.CircuitBreaker[any]
	cfg BreakerConfig
}

// NewCircuitBreaker builds a standalone breaker with the given thresholds.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.FailureThreshold).
		WithSuccessThreshold(cfg.SuccessThreshold).
		WithDelay(cfg.ResetTimeout).
		Build()
	return &CircuitBreaker{cb: cb, cfg: cfg}
}

// AllowRequest reports whether a call may proceed. When the reset timeout has
// elapsed in the open state, the first allowed call moves the breaker to
// half-open.
func (b *CircuitBreaker) AllowRequest() bool {
	return b.cb.TryAcquirePermit()
}

// RecordSuccess notes a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.cb.RecordSuccess()
}

// RecordFailure notes a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.cb.RecordFailure()
}

// State returns the breaker's current state.
func (b *CircuitBreaker) State() State {
	switch {
	case b.cb.IsOpen():
		return StateOpen
	case b.cb.IsHalfOpen():
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ResetTimeout exposes the configured open-state delay, used by callers that
// sleep a fraction of it while the breaker is open.
func (b *CircuitBreaker) ResetTimeout() time.Duration {
	return b.cfg.ResetTimeout
}
