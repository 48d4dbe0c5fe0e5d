// Package resilience protects agents that talk to remote backends from
// piling up failures on every render.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsneelabh/renderapm/pkg/apm"
	"github.com/itsneelabh/renderapm/pkg/logger"
)

// ErrCircuitBreakerOpen is returned while the breaker rejects calls
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of the circuit breaker
type CircuitState int32

const (
	// StateClosed allows all calls through
	StateClosed CircuitState = iota
	// StateOpen rejects all calls
	StateOpen
	// StateHalfOpen lets a limited number of trial calls through
	StateHalfOpen
)

// String returns the string representation of the state
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

// MetricsCollector receives circuit breaker events
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(name string)                      {}
func (noopMetrics) RecordFailure(name string, errorType string)    {}
func (noopMetrics) RecordStateChange(name string, from, to string) {}
func (noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier reports whether err counts toward opening the circuit
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts backend failures. Configuration errors and
// cancellations by the caller do not count.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if apm.IsConfigurationError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics
	Name string

	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int

	// SleepWindow is how long the circuit stays open before trial calls
	SleepWindow time.Duration

	// HalfOpenRequests is the number of concurrent trial calls
	HalfOpenRequests int

	ErrorClassifier ErrorClassifier
	Logger          logger.Logger
	Metrics         MetricsCollector

	// Now replaces time.Now, for tests
	Now func() time.Time
}

// DefaultConfig returns the configuration used for a nil config
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 1,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           logger.NoOp{},
		Metrics:          noopMetrics{},
	}
}

// Validate checks the configuration
func (c *CircuitBreakerConfig) Validate() error {
	switch {
	case c.Name == "":
		return invalidBreaker("name is required")
	case c.FailureThreshold < 1:
		return invalidBreaker(fmt.Sprintf("failure threshold must be positive: %d", c.FailureThreshold))
	case c.SleepWindow <= 0:
		return invalidBreaker(fmt.Sprintf("sleep window must be positive: %s", c.SleepWindow))
	case c.HalfOpenRequests < 0:
		return invalidBreaker(fmt.Sprintf("half-open requests must not be negative: %d", c.HalfOpenRequests))
	}
	return nil
}

func invalidBreaker(msg string) error {
	return &apm.Error{
		Op:      "CircuitBreaker.Validate",
		Kind:    apm.KindConfig,
		Message: msg,
		Err:     apm.ErrInvalidConfiguration,
	}
}

// CircuitBreaker opens after consecutive failures and lets trial calls
// through once the sleep window has passed
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	openedAt         time.Time
	failures         int
	halfOpenInFlight int
	listeners        []func(name string, from, to CircuitState)

	rejected atomic.Uint64
}

// NewCircuitBreaker creates a breaker in the closed state. A nil config uses DefaultConfig.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultErrorClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NoOp{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cfg.Logger.Debug("Circuit breaker created",
		"name", cfg.Name,
		"failure_threshold", cfg.FailureThreshold,
		"sleep_window", cfg.SleepWindow.String())
	return &CircuitBreaker{config: &cfg}, nil
}

// Name returns the configured name
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// GetState returns the current state, moving an expired open circuit to half-open
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireOpenLocked()
	return cb.state
}

// Rejected returns the number of calls rejected so far
func (cb *CircuitBreaker) Rejected() uint64 {
	return cb.rejected.Load()
}

// AddStateChangeListener registers fn to be called after every transition.
// fn runs with the breaker locked and must not call back into it.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, fn)
}

// CanExecute reports whether a call may proceed and, in the half-open
// state, claims one of the trial slots. Every true result must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expireOpenLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenRequests {
			cb.halfOpenInFlight++
			return true
		}
	}
	return false
}

// RecordSuccess closes a half-open circuit and resets the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.config.Metrics.RecordSuccess(cb.config.Name)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight--
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// immediately when half-open
func (cb *CircuitBreaker) RecordFailure() {
	cb.recordFailure("error")
}

func (cb *CircuitBreaker) recordFailure(errorType string) {
	cb.config.Metrics.RecordFailure(cb.config.Name, errorType)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		cb.openLocked()
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openLocked()
		}
	}
}

// release gives back a trial slot for a call whose error did not count
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// Execute runs fn unless the circuit is open. Panics in fn are returned as
// errors and count as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.CanExecute() {
		cb.rejected.Add(1)
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, ErrCircuitBreakerOpen)
	}

	err := run(fn)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.config.ErrorClassifier(err):
		cb.recordFailure(errorType(err))
	default:
		cb.release()
	}
	return err
}

// Reset closes the circuit and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenInFlight = 0
	cb.transitionLocked(StateClosed)
}

func (cb *CircuitBreaker) expireOpenLocked() {
	if cb.state == StateOpen && cb.config.Now().Sub(cb.openedAt) >= cb.config.SleepWindow {
		cb.halfOpenInFlight = 0
		cb.transitionLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) openLocked() {
	cb.openedAt = cb.config.Now()
	cb.transitionLocked(StateOpen)
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	cb.config.Logger.Info("Circuit breaker state changed",
		"name", cb.config.Name,
		"from", from.String(),
		"to", to.String(),
		"failures", cb.failures)
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())
	for _, fn := range cb.listeners {
		fn(cb.config.Name, from, to)
	}
}

func run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in circuit breaker: %v", r)
		}
	}()
	return fn()
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case apm.IsResolutionError(err):
		return "resolution"
	default:
		return "error"
	}
}
