package dispatcher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/script"
	"github.com/devicelab-dev/fleet-runner/pkg/sequencer"
	"github.com/devicelab-dev/fleet-runner/pkg/session"
)

// Task is a snapshot of one submitted run.
type Task struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Script    string          `json:"script"`
	Status    core.TaskStatus `json:"status"`
	World     core.World      `json:"world"`
	Resume    string          `json:"resume,omitempty"`
	Submitted time.Time       `json:"submitted"`
	Started   time.Time       `json:"started,omitempty"`
	Ended     time.Time       `json:"ended,omitempty"`
	LastStep  string          `json:"lastStep,omitempty"`
	Err       error           `json:"-"`
}

// SubmitOption configures SubmitRun.
type SubmitOption func(*task)

// WithResume restores the named checkpoint before the run starts. An empty
// name selects the session's most recent checkpoint.
func WithResume(checkpointID string) SubmitOption {
	return func(t *task) {
		t.resume = true
		t.checkpoint = checkpointID
	}
}

type task struct {
	id       string
	deviceID string
	script   *script.Script
	sess     *session.Session
	world    core.World

	resume     bool
	checkpoint string

	cancelled atomic.Bool
	done      chan struct{}

	mu        sync.Mutex
	seq       *sequencer.Sequencer
	status    core.TaskStatus
	submitted time.Time
	started   time.Time
	ended     time.Time
	outcome   core.Outcome
}

// cancel sets the cancellation flag and forwards it to the sequencer once
// one exists.
func (t *task) cancel() {
	t.cancelled.Store(true)
	t.mu.Lock()
	seq := t.seq
	t.mu.Unlock()
	if seq != nil {
		seq.Cancel()
	}
}

func (t *task) attach(seq *sequencer.Sequencer) {
	t.mu.Lock()
	t.seq = seq
	t.mu.Unlock()
}

func (t *task) markRunning() {
	t.mu.Lock()
	t.status = core.TaskRunning
	t.started = time.Now()
	t.mu.Unlock()
}

// finish records the terminal state. Waiters are released separately by
// closing done.
func (t *task) finish(status core.TaskStatus, outcome core.Outcome) core.World {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.ended = time.Now()
	t.outcome = outcome
	return t.world
}

func (t *task) terminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.IsTerminal()
}

func (t *task) snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Task{
		ID:        t.id,
		DeviceID:  t.deviceID,
		Script:    t.script.Config.Name,
		Status:    t.status,
		World:     t.world,
		Resume:    t.checkpoint,
		Submitted: t.submitted,
		Started:   t.started,
		Ended:     t.ended,
		LastStep:  t.outcome.LastStep,
		Err:       t.outcome.Err,
	}
}
