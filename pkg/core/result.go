package core

import (
	"time"
)

// StepResult is reported once per step that finished its attempts
type StepResult struct {
	StepID   string        `json:"stepId"`
	Index    int           `json:"index"` // 0-based position in the script
	Success  bool          `json:"success"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Outcome is the terminal result of one sequencer run
type Outcome struct {
	State    State         `json:"state"`
	LastStep string        `json:"lastStep,omitempty"` // Last step id that was reached
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Success reports whether the run reached the final step.
func (o Outcome) Success() bool {
	return o.State == StateCompleted
}
