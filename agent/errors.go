package agent

import (
	"fmt"
)

// ErrorCode classifies runtime errors for programmatic handling.
type ErrorCode int

const (
	// ErrUnknown represents an unclassified error
	ErrUnknown ErrorCode = iota

	// ErrAgentNotFound represents a lookup for an unregistered agent id
	ErrAgentNotFound

	// ErrAgentExists represents a duplicate agent id registration
	ErrAgentExists

	// ErrAgentNotRunning represents an operation on a stopped agent
	ErrAgentNotRunning

	// ErrAgentRunning represents a start of an already running agent
	ErrAgentRunning

	// ErrTypeNotRegistered represents an agent type with no factory
	ErrTypeNotRegistered

	// ErrTypeMismatch represents a task submitted to the wrong agent type
	ErrTypeMismatch

	// ErrUnknownOperation represents a task operation with no handler
	ErrUnknownOperation

	// ErrInvalidTask represents a structurally invalid task
	ErrInvalidTask

	// ErrInvalidMessage represents a structurally invalid message
	ErrInvalidMessage

	// ErrBusNotRunning represents use of a stopped communication bus
	ErrBusNotRunning

	// ErrNoAgentAvailable represents routing with no healthy candidate
	ErrNoAgentAvailable

	// ErrTimeout represents an expired execution or wait deadline
	ErrTimeout

	// ErrTaskCancelled represents a task cancelled before completion
	ErrTaskCancelled

	// ErrInvalidConfig represents an invalid agent or runtime configuration
	ErrInvalidConfig
)

// String returns a string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrAgentNotFound:
		return "agent_not_found"
	case ErrAgentExists:
		return "agent_exists"
	case ErrAgentNotRunning:
		return "agent_not_running"
	case ErrAgentRunning:
		return "agent_running"
	case ErrTypeNotRegistered:
		return "type_not_registered"
	case ErrTypeMismatch:
		return "type_mismatch"
	case ErrUnknownOperation:
		return "unknown_operation"
	case ErrInvalidTask:
		return "invalid_task"
	case ErrInvalidMessage:
		return "invalid_message"
	case ErrBusNotRunning:
		return "bus_not_running"
	case ErrNoAgentAvailable:
		return "no_agent_available"
	case ErrTimeout:
		return "timeout"
	case ErrTaskCancelled:
		return "task_cancelled"
	case ErrInvalidConfig:
		return "invalid_config"
	default:
		return "unknown"
	}
}

// AgentError is the error type returned by the runtime. Two AgentErrors
// match under errors.Is when their codes are equal, so callers can branch
// on NewAgentError(code, "") sentinels.
type AgentError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// NewAgentError creates a new agent error.
func NewAgentError(code ErrorCode, message string) *AgentError {
	return &AgentError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewAgentErrorWithCause creates a new agent error wrapping a cause.
func NewAgentErrorWithCause(code ErrorCode, message string, cause error) *AgentError {
	return &AgentError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code.String(), e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
}

// WithContext adds context information to the error.
func (e *AgentError) WithContext(key string, value interface{}) *AgentError {
	e.Context[key] = value
	return e
}

// GetContext retrieves context information from the error.
func (e *AgentError) GetContext(key string) (interface{}, bool) {
	value, exists := e.Context[key]
	return value, exists
}

// Unwrap returns the underlying cause error.
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target error by code.
func (e *AgentError) Is(target error) bool {
	if targetErr, ok := target.(*AgentError); ok {
		return e.Code == targetErr.Code
	}
	return false
}

// CodeOf extracts the error code from any runtime error, returning
// ErrUnknown for foreign errors.
func CodeOf(err error) ErrorCode {
	if agentErr, ok := err.(*AgentError); ok {
		return agentErr.Code
	}
	return ErrUnknown
}
