package apm

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is()
var (
	// Resolution errors
	ErrNoComponent         = errors.New("no component resolved")
	ErrComponentResolution = errors.New("component resolution failed")
	ErrAgentResolution     = errors.New("agent resolution failed")

	// Agent call errors
	ErrAgentPanic   = errors.New("agent panicked")
	ErrSpanNotFound = errors.New("span handle not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// Error kinds
const (
	KindResolution = "resolution"
	KindAgent      = "agent"
	KindConfig     = "config"
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op        string // Operation that failed (e.g., "dispatch.start")
	Kind      string // Error kind: resolution, agent, config
	Component string // Component being rendered, if known
	Agent     string // Agent name, if the error belongs to one agent
	Message   string // Human-readable message
	Err       error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	subject := e.Component
	if e.Agent != "" {
		if subject != "" {
			subject += "/"
		}
		subject += e.Agent
	}

	if e.Op != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Op != "" && e.Err != nil {
		if subject != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, subject, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error
func NewError(op, kind string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsResolutionError checks if an error came from component or agent resolution
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrNoComponent) ||
		errors.Is(err, ErrComponentResolution) ||
		errors.Is(err, ErrAgentResolution)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// Recovered converts a recovered panic value into an error wrapping ErrAgentPanic
func Recovered(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("%w: %w", ErrAgentPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrAgentPanic, v)
}
