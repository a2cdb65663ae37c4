package retry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name             string
	MaxFailures      int
	ResetTimeout     time.Duration
	SuccessThreshold int
	Logger           *zap.Logger
}

func DefaultCircuitBreakerConfig(name string, logger *zap.Logger) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		MaxFailures:      5,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
		Logger:           logger,
	}
}

// CircuitBreaker stops calling a provider that keeps failing so that a
// scheduler tick over many feeds of one source does not hammer it.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	expiry               time.Time
	now                  func() time.Time
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// Execute runs fn unless the breaker is open. Only errors accepted by
// IsTemporaryError count as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return apperrors.NewAppError(apperrors.ErrCodeTransport, "circuit breaker is open").
			WithDetails(cb.config.Name)
	}
	err := fn(ctx)
	cb.recordResult(err == nil || !IsTemporaryError(err))
	return err
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().After(cb.expiry) {
			cb.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses++
		if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
		return
	}

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
		cb.setState(StateOpen)
		cb.expiry = cb.now().Add(cb.config.ResetTimeout)
	}
}

func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	if cb.state == state {
		return
	}
	cb.config.Logger.Warn("Circuit breaker state changed",
		zap.String("name", cb.config.Name),
		zap.String("from", cb.state.String()),
		zap.String("to", state.String()))
	cb.state = state
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}
