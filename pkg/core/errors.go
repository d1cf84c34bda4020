package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: device_unreachable, step_exhausted, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError with the same code, so derived copies
// still compare equal to the predefined sentinel.
func (e *ExecutionError) Is(target error) bool {
	t, ok := target.(*ExecutionError)
	if !ok {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Connection errors
	ErrDeviceUnreachable = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "device_unreachable",
		Message:  "device is not reachable",
	}
	ErrCommandFailed = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "command_failed",
		Message:  "device command failed",
	}

	// Locator errors. A miss is normally a found=false return, this is
	// used when an action needs to surface it.
	ErrElementNotFound = &ExecutionError{
		Category: ErrCategoryAssertion,
		Code:     "element_not_found",
		Message:  "element not found",
	}

	// Execution errors
	ErrStepExhausted = &ExecutionError{
		Category: ErrCategoryExecution,
		Code:     "step_exhausted",
		Message:  "step failed after all retries",
	}
	ErrWorkerPanic = &ExecutionError{
		Category: ErrCategoryExecution,
		Code:     "worker_panic",
		Message:  "worker panicked",
	}

	// State errors
	ErrAlreadyActive = &ExecutionError{
		Category: ErrCategoryState,
		Code:     "already_active",
		Message:  "device already has an active run",
	}
	ErrAlreadyRunning = &ExecutionError{
		Category: ErrCategoryState,
		Code:     "already_running",
		Message:  "sequencer is already running",
	}
	ErrCheckpointNotFound = &ExecutionError{
		Category: ErrCategoryState,
		Code:     "checkpoint_not_found",
		Message:  "checkpoint not found",
	}
	ErrDeviceNotInitialized = &ExecutionError{
		Category: ErrCategoryState,
		Code:     "device_not_initialized",
		Message:  "device is not initialized",
	}
	ErrTaskNotFound = &ExecutionError{
		Category: ErrCategoryState,
		Code:     "task_not_found",
		Message:  "task not found",
	}
	ErrQueueFull = &ExecutionError{
		Category: ErrCategoryState,
		Code:     "queue_full",
		Message:  "task queue is full",
	}
	ErrDispatcherClosed = &ExecutionError{
		Category: ErrCategoryState,
		Code:     "dispatcher_closed",
		Message:  "dispatcher is closed",
	}

	// Input errors
	ErrInvalidInput = &ExecutionError{
		Category: ErrCategoryInput,
		Code:     "invalid_input",
		Message:  "invalid input",
	}

	// Timeout errors
	ErrTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "timeout",
		Message:  "operation timed out",
	}
	ErrStopTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "stop_timeout",
		Message:  "timed out waiting for run to stop",
	}

	// Config errors
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CategoryOf returns the category of the first ExecutionError in err's chain.
func CategoryOf(err error) ErrorCategory {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Category
	}
	return ErrCategoryNone
}
