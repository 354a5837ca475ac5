package planweave

import (
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodePlanInvalid     = "PLAN_INVALID"
	ErrCodePlanGeneration  = "PLAN_GENERATION_ERROR"
	ErrCodeActionExecution = "ACTION_EXECUTION_ERROR"
	ErrCodeToolNotFound    = "TOOL_NOT_FOUND"
	ErrCodeToolExecution   = "TOOL_EXECUTION_ERROR"
	ErrCodeUserAborted     = "USER_ABORTED"
	ErrCodeStalled         = "EXECUTION_STALLED"
	ErrCodeCancelled       = "EXECUTION_CANCELLED"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// Error is the error type carried across all engine stages.
type Error struct {
	Code    string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "execution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stage:   stage,
		Cause:   cause,
	}
}

// Specific error constructors

// NewPlanInvalidError is raised when the builder exhausts its retry budget
// without producing a structurally valid plan.
func NewPlanInvalidError(message string, cause error) *Error {
	return NewError(ErrCodePlanInvalid, "planning", message, cause)
}

func NewPlanGenerationError(cause error) *Error {
	return NewError(ErrCodePlanGeneration, "planning", "failed to generate plan", cause)
}

func NewActionExecutionError(actionID string, cause error) *Error {
	return NewError(ErrCodeActionExecution, "execution", fmt.Sprintf("action '%s' failed", actionID), cause)
}

func NewToolNotFoundError(stage, toolID string) *Error {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolID), nil)
}

func NewToolExecutionError(stage, toolID string, cause error) *Error {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolID), cause)
}

// NewUserAbortedError marks the one error class that is fatal to the whole
// plan: an explicit abort from the human escalation prompt.
func NewUserAbortedError(actionID string) *Error {
	return NewError(ErrCodeUserAborted, "execution", fmt.Sprintf("user aborted during action '%s'", actionID), nil)
}

func NewStalledError(pending []string) *Error {
	return NewError(ErrCodeStalled, "execution", fmt.Sprintf("no runnable actions remain, blocked: %v", pending), nil)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsUserAborted reports whether err (or anything it wraps) is a user abort.
func IsUserAborted(err error) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Code == ErrCodeUserAborted {
			return true
		}
		err = e.Cause
		if err == nil {
			return false
		}
	}
	return false
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Cause
		if err == nil {
			return false
		}
	}
	return false
}
