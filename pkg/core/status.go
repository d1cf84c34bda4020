package core

// TaskStatus represents the lifecycle status of a dispatched run
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Queued, not yet picked by a worker
	TaskRunning                     // Sequencer is executing
	TaskSucceeded                   // Reached the final step
	TaskFailed                      // A step exhausted its retries or the worker crashed
	TaskCancelled                   // Cancellation observed before completion
)

// String returns the string representation of TaskStatus
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the status is a final state
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the step sequencer state
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the sequencer has finished a run
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskStatus maps a terminal sequencer state to the task status reported
// by the dispatcher.
func (s State) TaskStatus() TaskStatus {
	switch s {
	case StateCompleted:
		return TaskSucceeded
	case StateFailed:
		return TaskFailed
	case StateCancelled:
		return TaskCancelled
	case StateRunning:
		return TaskRunning
	default:
		return TaskPending
	}
}

// ErrorCategory classifies the type of error for better debugging and reporting
type ErrorCategory int

const (
	ErrCategoryNone       ErrorCategory = iota // No error
	ErrCategoryAssertion                       // Reference image not found
	ErrCategoryTimeout                         // Operation timed out
	ErrCategoryConnection                      // Device unreachable or command transport failed
	ErrCategoryExecution                       // Step exhausted, worker crashed
	ErrCategoryState                           // Lifecycle misuse: already active, unknown task
	ErrCategoryInput                           // Malformed frame or reference
	ErrCategoryConfig                          // Invalid configuration
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNone:
		return "none"
	case ErrCategoryAssertion:
		return "assertion"
	case ErrCategoryTimeout:
		return "timeout"
	case ErrCategoryConnection:
		return "connection"
	case ErrCategoryExecution:
		return "execution"
	case ErrCategoryState:
		return "state"
	case ErrCategoryInput:
		return "input"
	case ErrCategoryConfig:
		return "config"
	default:
		return "unknown"
	}
}
