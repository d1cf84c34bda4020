// Package sequencer advances one session through a script with per-step
// retry, checkpoints and cooperative cancellation.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
	"github.com/devicelab-dev/fleet-runner/pkg/script"
	"github.com/devicelab-dev/fleet-runner/pkg/session"
)

// Defaults for Config.
const (
	DefaultRetryDelay  = time.Second
	DefaultStopTimeout = 3 * time.Second
)

// errNotDone is the cause recorded when an action reports false.
var errNotDone = errors.New("action did not complete")

// Config configures a sequencer.
type Config struct {
	RetryDelay  time.Duration // Pause between failed attempts
	StopTimeout time.Duration // How long Stop waits for the loop to exit

	// Callbacks run on the sequencer goroutine.
	OnStepStart    func(index int, step script.Step)
	OnStepComplete func(result core.StepResult)
	OnComplete     func(outcome core.Outcome)
}

// Sequencer runs a script against a session. A sequencer can be started
// again after it reaches a terminal state.
type Sequencer struct {
	script *script.Script
	sess   *session.Session
	cfg    Config

	cancelled atomic.Bool

	mu      sync.Mutex
	state   core.State
	index   int // Index of the running step, or the resume index while idle
	current string
	resume  int
	cancel  context.CancelFunc
	done    chan struct{}
	outcome core.Outcome
}

// New creates a sequencer for sc on sess.
func New(sc *script.Script, sess *session.Session, cfg Config) *Sequencer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Sequencer{script: sc, sess: sess, cfg: cfg}
}

// Session returns the session the sequencer drives.
func (s *Sequencer) Session() *session.Session { return s.sess }

// Start launches the execution loop at the resume index.
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == core.StateRunning {
		return core.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	start := s.resume
	s.resume = 0
	s.cancelled.Store(false)
	s.state = core.StateRunning
	s.index = start
	s.cancel = cancel
	s.done = make(chan struct{})
	s.outcome = core.Outcome{}

	logger.Info("[%s] starting %s at step %d/%d", s.sess.ID(), s.name(), start+1, s.script.Len())
	go s.loop(runCtx, start, s.done)
	return nil
}

// Cancel requests cancellation without waiting.
func (s *Sequencer) Cancel() {
	s.cancelled.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop cancels and waits up to the stop timeout for the loop to exit.
func (s *Sequencer) Stop() error {
	s.Cancel()
	s.mu.Lock()
	done := s.done
	running := s.state == core.StateRunning
	s.mu.Unlock()
	if !running || done == nil {
		return nil
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return core.ErrStopTimeout.WithMessage(fmt.Sprintf("sequencer for %s did not stop within %v", s.sess.ID(), s.cfg.StopTimeout))
	}
}

// IsRunning reports whether the loop is active.
func (s *Sequencer) IsRunning() bool {
	return s.State() == core.StateRunning
}

// State returns the current state.
func (s *Sequencer) State() core.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentStep returns the id of the step being executed.
func (s *Sequencer) CurrentStep() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != ""
}

// Wait blocks until the current run finishes or ctx is done.
func (s *Sequencer) Wait(ctx context.Context) (core.Outcome, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return core.Outcome{State: core.StateIdle}, nil
	}
	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, nil
	case <-ctx.Done():
		return core.Outcome{}, ctx.Err()
	}
}

// SaveCheckpoint snapshots the current position and world. An empty id
// generates "<stepID>_<unix nanos>". It returns the stored id.
func (s *Sequencer) SaveCheckpoint(id string) (string, error) {
	s.mu.Lock()
	index := s.index
	s.mu.Unlock()
	if index < 0 || index >= s.script.Len() {
		return "", core.ErrInvalidInput.WithMessage(fmt.Sprintf("no step at index %d", index))
	}
	return s.saveCheckpoint(id, index), nil
}

func (s *Sequencer) saveCheckpoint(id string, index int) string {
	stepID := s.script.Steps[index].ID
	now := time.Now()
	if id == "" {
		id = stepID + "_" + strconv.FormatInt(now.UnixNano(), 10)
	}
	s.sess.SaveCheckpoint(session.Checkpoint{
		ID:     id,
		Index:  index,
		StepID: stepID,
		Time:   now,
		World:  s.sess.World(),
	})
	logger.Debug("[%s] checkpoint %s at step %s", s.sess.ID(), id, stepID)
	return id
}

// RestoreCheckpoint sets the resume position and world for the next Start.
// An empty id selects the most recent checkpoint.
func (s *Sequencer) RestoreCheckpoint(id string) error {
	cp, ok := s.sess.Checkpoint(id)
	if !ok {
		return core.ErrCheckpointNotFound.WithMessage("checkpoint not found: " + id)
	}
	index := s.script.Index(cp.StepID)
	if index < 0 {
		return core.ErrCheckpointNotFound.WithMessage(fmt.Sprintf("checkpoint %s refers to unknown step %s", cp.ID, cp.StepID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == core.StateRunning {
		return core.ErrAlreadyRunning
	}
	s.resume = index
	s.index = index
	s.sess.SetWorld(cp.World)
	logger.Info("[%s] restored checkpoint %s, resuming at %s", s.sess.ID(), cp.ID, cp.StepID)
	return nil
}

func (s *Sequencer) name() string {
	if s.script.Config.Name != "" {
		return s.script.Config.Name
	}
	return "script"
}

func (s *Sequencer) isCancelled(ctx context.Context) bool {
	return s.cancelled.Load() || ctx.Err() != nil
}

func (s *Sequencer) loop(ctx context.Context, start int, done chan struct{}) {
	began := time.Now()
	outcome := core.Outcome{State: core.StateCompleted}
	env := &script.Env{Session: s.sess, Script: s.script}

	for i := start; i < s.script.Len(); i++ {
		step := s.script.Steps[i]
		if s.isCancelled(ctx) {
			outcome.State = core.StateCancelled
			break
		}
		s.mu.Lock()
		s.index = i
		s.current = step.ID
		s.mu.Unlock()
		outcome.LastStep = step.ID
		if s.cfg.OnStepStart != nil {
			s.cfg.OnStepStart(i, step)
		}

		result, cancelled := s.runStep(ctx, env, i, step)
		if cancelled {
			outcome.State = core.StateCancelled
			break
		}
		if result.Success && i+1 < s.script.Len() && s.script.ShouldCheckpoint(i) {
			s.saveCheckpoint("", i+1)
		}
		if s.cfg.OnStepComplete != nil {
			s.cfg.OnStepComplete(result)
		}
		if !result.Success {
			outcome.State = core.StateFailed
			outcome.Err = result.Err
			break
		}
	}

	outcome.Duration = time.Since(began)
	if outcome.State == core.StateCompleted && s.isCancelled(ctx) {
		outcome.State = core.StateCancelled
	}
	if outcome.State == core.StateCancelled {
		outcome.Err = context.Canceled
	}
	s.finish(outcome, done)
}

func (s *Sequencer) finish(outcome core.Outcome, done chan struct{}) {
	s.mu.Lock()
	s.state = outcome.State
	s.outcome = outcome
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	logger.Info("[%s] %s %s after %v (last step %s)", s.sess.ID(), s.name(), outcome.State, outcome.Duration.Round(time.Millisecond), outcome.LastStep)
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(outcome)
	}

	s.mu.Lock()
	if s.done == done {
		s.current = ""
	}
	s.mu.Unlock()
	close(done)
}

// runStep runs the attempts of one step. It reports cancelled=true when
// cancellation ended the step, in which case no result is emitted.
func (s *Sequencer) runStep(ctx context.Context, env *script.Env, index int, step script.Step) (core.StepResult, bool) {
	retry := step.Retry
	if retry < 1 {
		retry = 1
	}
	result := core.StepResult{StepID: step.ID, Index: index}
	began := time.Now()

	var lastErr error
	for attempt := 1; attempt <= retry; attempt++ {
		if s.isCancelled(ctx) {
			return result, true
		}
		result.Attempts = attempt

		ok, err := s.attempt(ctx, env, step)
		if err == nil && ok {
			result.Success = true
			result.Duration = time.Since(began)
			return result, false
		}
		if s.isCancelled(ctx) {
			return result, true
		}
		if err == nil {
			err = errNotDone
		}
		lastErr = err
		logger.Warn("[%s] step %s attempt %d/%d failed: %v", s.sess.ID(), step.ID, attempt, retry, err)

		if attempt < retry && !s.sleep(ctx, s.cfg.RetryDelay) {
			return result, true
		}
	}

	result.Duration = time.Since(began)
	result.Err = core.ErrStepExhausted.WithCause(lastErr).WithMessage(fmt.Sprintf("step %s failed after %d attempts", step.ID, retry))
	return result, false
}

// attempt runs the action once under the step timeout, converting a panic
// into an error.
func (s *Sequencer) attempt(ctx context.Context, env *script.Env, step script.Step) (ok bool, err error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = core.ErrWorkerPanic.WithMessage(fmt.Sprintf("step %s panicked: %v", step.ID, r))
		}
	}()
	return step.Action.Run(ctx, env)
}

// sleep waits d, returning false if cancelled first.
func (s *Sequencer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !s.cancelled.Load()
	}
}
