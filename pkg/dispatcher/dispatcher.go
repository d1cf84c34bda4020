// Package dispatcher owns the device session registry and runs submitted
// scripts on a bounded worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/devicelab-dev/fleet-runner/pkg/config"
	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/locator"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
	"github.com/devicelab-dev/fleet-runner/pkg/script"
	"github.com/devicelab-dev/fleet-runner/pkg/sequencer"
	"github.com/devicelab-dev/fleet-runner/pkg/session"
)

// Defaults for Config.
const (
	DefaultQueueSize    = 256
	DefaultReachTimeout = 10 * time.Second
)

// Config configures a Dispatcher.
type Config struct {
	Workers      int // 0 sizes the pool from the lifecycle device count
	QueueSize    int
	ReachTimeout time.Duration
	StopTimeout  time.Duration // Passed to each sequencer
	RetryDelay   time.Duration // Passed to each sequencer
}

// ConfigFrom converts the workspace configuration.
func ConfigFrom(c config.DispatcherConfig) Config {
	return Config{
		Workers:      c.Workers,
		QueueSize:    c.QueueSize,
		ReachTimeout: config.Ms(c.ReachTimeoutMs),
		StopTimeout:  config.Ms(c.StopTimeoutMs),
		RetryDelay:   config.Ms(c.RetryDelayMs),
	}
}

// Connector opens the command channel for a device id.
type Connector func(ctx context.Context, id string) (core.Channel, error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLifecycle sets the lifecycle used to size the pool when
// Config.Workers is zero.
func WithLifecycle(lc core.Lifecycle) Option {
	return func(d *Dispatcher) { d.lifecycle = lc }
}

// Dispatcher is the session registry and run scheduler.
type Dispatcher struct {
	cfg       Config
	loc       *locator.Locator
	connect   Connector
	lifecycle core.Lifecycle
	workers   int

	init   singleflight.Group
	sem    *semaphore.Weighted
	queue  chan *task
	events *pump

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards the maps and closed only; it is never held across I/O.
	mu       sync.Mutex
	sessions map[string]*session.Session
	active   map[string]*task // device id -> live task
	tasks    map[string]*task
	closed   bool
}

// New creates a dispatcher and starts its dispatch loop.
func New(ctx context.Context, cfg Config, loc *locator.Locator, connect Connector, opts ...Option) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ReachTimeout <= 0 {
		cfg.ReachTimeout = DefaultReachTimeout
	}

	d := &Dispatcher{
		cfg:      cfg,
		loc:      loc,
		connect:  connect,
		queue:    make(chan *task, cfg.QueueSize),
		events:   newPump(),
		sessions: make(map[string]*session.Session),
		active:   make(map[string]*task),
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.workers = d.poolSize(ctx)
	d.sem = semaphore.NewWeighted(int64(d.workers))
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(1)
	go d.dispatch()
	logger.L().Info("dispatcher started", zap.Int("workers", d.workers), zap.Int("queue", cfg.QueueSize))
	return d
}

func (d *Dispatcher) poolSize(ctx context.Context) int {
	if d.cfg.Workers > 0 {
		return d.cfg.Workers
	}
	if d.lifecycle == nil {
		return 1
	}
	devices, err := d.lifecycle.List(ctx)
	if err != nil {
		logger.Warn("listing devices for pool size failed: %v", err)
		return 1
	}
	return max(1, len(devices))
}

// Workers returns the pool size.
func (d *Dispatcher) Workers() int { return d.workers }

// Events returns the event channel. It is closed by Close.
func (d *Dispatcher) Events() <-chan Event { return d.events.out }

// Session returns the registered session for id.
func (d *Dispatcher) Session(id string) (*session.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

// Devices returns the ids of all registered sessions.
func (d *Dispatcher) Devices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids
}

// InitializeDevice opens a session for id. It is idempotent, and
// concurrent calls for one id share a single connection attempt.
func (d *Dispatcher) InitializeDevice(ctx context.Context, id string, verifyReachable bool) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return core.ErrDispatcherClosed
	}
	_, ok := d.sessions[id]
	d.mu.Unlock()
	if ok {
		return nil
	}

	_, err, shared := d.init.Do(id, func() (interface{}, error) {
		if s, ok := d.Session(id); ok {
			return s, nil
		}
		ch, err := d.connect(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", id, err)
		}
		if verifyReachable && !ch.IsReachable(ctx, d.cfg.ReachTimeout) {
			_ = ch.Close()
			return nil, core.ErrDeviceUnreachable.WithMessage(fmt.Sprintf("device %s not reachable within %v", id, d.cfg.ReachTimeout))
		}

		s := session.New(id, ch, d.loc)
		d.mu.Lock()
		d.sessions[id] = s
		d.mu.Unlock()
		logger.L().Info("device initialized", zap.String("device", id))
		return s, nil
	})
	if shared {
		logger.Debug("device %s initialization shared with a concurrent caller", id)
	}
	return err
}

// SubmitRun queues sc for the device. A non-zero world overrides the
// script's configured world.
func (d *Dispatcher) SubmitRun(id string, sc *script.Script, world core.World, opts ...SubmitOption) (string, error) {
	if sc == nil || sc.Len() == 0 {
		return "", core.ErrInvalidInput.WithMessage("script has no steps")
	}
	if world.IsZero() {
		world = sc.Config.World
	}
	t := &task{
		id:        uuid.NewString(),
		deviceID:  id,
		script:    sc,
		world:     world,
		done:      make(chan struct{}),
		status:    core.TaskPending,
		submitted: time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", core.ErrDispatcherClosed
	}
	sess, ok := d.sessions[id]
	if !ok {
		return "", core.ErrDeviceNotInitialized.WithMessage("device not initialized: " + id)
	}
	if cur, busy := d.active[id]; busy {
		return "", core.ErrAlreadyActive.WithMessage(fmt.Sprintf("device %s already has task %s", id, cur.id))
	}
	if t.resume {
		if _, ok := sess.Checkpoint(t.checkpoint); !ok {
			return "", core.ErrCheckpointNotFound.WithMessage(fmt.Sprintf("device %s has no checkpoint %q", id, t.checkpoint))
		}
	}
	t.sess = sess

	select {
	case d.queue <- t:
	default:
		return "", core.ErrQueueFull.WithMessage(fmt.Sprintf("queue full (%d pending)", d.cfg.QueueSize))
	}
	d.active[id] = t
	d.tasks[t.id] = t
	logger.L().Info("run submitted", zap.String("device", id), zap.String("task", t.id), zap.String("script", sc.Config.Name))
	return t.id, nil
}

func (d *Dispatcher) lookup(taskID string) (*task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[taskID]
	if !ok {
		return nil, core.ErrTaskNotFound.WithMessage("task not found: " + taskID)
	}
	return t, nil
}

// CancelRun sets the cancellation flag of a task. Cancelling a finished
// task is a no-op.
func (d *Dispatcher) CancelRun(taskID string) error {
	t, err := d.lookup(taskID)
	if err != nil {
		return err
	}
	if !t.terminal() {
		t.cancel()
		logger.L().Info("run cancel requested", zap.String("device", t.deviceID), zap.String("task", t.id))
	}
	return nil
}

// CancelAll cancels every live task.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	live := make([]*task, 0, len(d.active))
	for _, t := range d.active {
		live = append(live, t)
	}
	d.mu.Unlock()
	for _, t := range live {
		t.cancel()
	}
}

// GetRunStatus returns the status of a task.
func (d *Dispatcher) GetRunStatus(taskID string) (core.TaskStatus, error) {
	t, err := d.lookup(taskID)
	if err != nil {
		return 0, err
	}
	return t.snapshot().Status, nil
}

// Task returns a snapshot of a task.
func (d *Dispatcher) Task(taskID string) (Task, error) {
	t, err := d.lookup(taskID)
	if err != nil {
		return Task{}, err
	}
	return t.snapshot(), nil
}

// Tasks returns snapshots of all known tasks.
func (d *Dispatcher) Tasks() []Task {
	d.mu.Lock()
	all := make([]*task, 0, len(d.tasks))
	for _, t := range d.tasks {
		all = append(all, t)
	}
	d.mu.Unlock()
	out := make([]Task, 0, len(all))
	for _, t := range all {
		out = append(out, t.snapshot())
	}
	return out
}

// AwaitRun blocks until the task finishes or ctx is done.
func (d *Dispatcher) AwaitRun(ctx context.Context, taskID string) (core.Outcome, error) {
	t, err := d.lookup(taskID)
	if err != nil {
		return core.Outcome{}, err
	}
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.outcome, nil
	case <-ctx.Done():
		return core.Outcome{}, core.ErrTimeout.WithCause(ctx.Err()).WithMessage("waiting for task " + taskID)
	}
}

// TeardownDevice cancels the device's live task, waits for it within ctx,
// then closes the session.
func (d *Dispatcher) TeardownDevice(ctx context.Context, id string) error {
	d.mu.Lock()
	sess, ok := d.sessions[id]
	t := d.active[id]
	d.mu.Unlock()
	if !ok {
		return core.ErrDeviceNotInitialized.WithMessage("device not initialized: " + id)
	}

	if t != nil {
		t.cancel()
		if _, err := d.AwaitRun(ctx, t.id); err != nil {
			return fmt.Errorf("teardown %s: %w", id, err)
		}
	}

	d.mu.Lock()
	delete(d.sessions, id)
	d.mu.Unlock()
	logger.L().Info("device torn down", zap.String("device", id))
	return sess.Close()
}

// Close cancels all work, waits for workers within ctx, closes every
// session and then the event channel. Undelivered events are dropped when
// no reader takes them, so Close does not depend on Events being drained.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.CancelAll()
	d.cancel()

	var errs error
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		errs = multierr.Append(errs, core.ErrStopTimeout.WithCause(ctx.Err()).WithMessage("workers did not stop"))
	}

	d.mu.Lock()
	sessions := make([]*session.Session, 0, len(d.sessions))
	for id, s := range d.sessions {
		sessions = append(sessions, s)
		delete(d.sessions, id)
	}
	d.mu.Unlock()
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", s.ID(), err))
		}
	}

	d.events.close()
	select {
	case <-d.events.done:
	case <-ctx.Done():
		d.events.stop()
		<-d.events.done
	}
	logger.L().Info("dispatcher closed")
	return errs
}

// dispatch pulls tasks from the queue and hands each to a worker once a
// pool slot is free.
func (d *Dispatcher) dispatch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			d.drain()
			return
		case t := <-d.queue:
			if err := d.sem.Acquire(d.ctx, 1); err != nil {
				d.complete(t, core.Outcome{State: core.StateCancelled, Err: context.Canceled})
				d.drain()
				return
			}
			d.wg.Add(1)
			go d.work(t)
		}
	}
}

// drain cancels every task still queued.
func (d *Dispatcher) drain() {
	for {
		select {
		case t := <-d.queue:
			d.complete(t, core.Outcome{State: core.StateCancelled, Err: context.Canceled})
		default:
			return
		}
	}
}

func (d *Dispatcher) work(t *task) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	d.complete(t, d.execute(t))
}

// execute runs one task on the calling worker goroutine. A panic becomes a
// failed outcome.
func (d *Dispatcher) execute(t *task) (outcome core.Outcome) {
	log := logger.L().With(zap.String("device", t.deviceID), zap.String("task", t.id))
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", zap.Any("panic", r))
			outcome = core.Outcome{
				State: core.StateFailed,
				Err:   core.ErrWorkerPanic.WithMessage(fmt.Sprintf("worker for %s panicked: %v", t.deviceID, r)),
			}
		}
	}()

	if t.cancelled.Load() {
		log.Info("run cancelled before start")
		return core.Outcome{State: core.StateCancelled, Err: context.Canceled}
	}

	if !t.sess.Channel().IsReachable(d.ctx, d.cfg.ReachTimeout) {
		log.Warn("device unreachable", zap.Duration("timeout", d.cfg.ReachTimeout))
		return core.Outcome{
			State: core.StateFailed,
			Err:   core.ErrDeviceUnreachable.WithMessage(fmt.Sprintf("device %s not reachable within %v", t.deviceID, d.cfg.ReachTimeout)),
		}
	}

	seq := sequencer.New(t.script, t.sess, sequencer.Config{
		RetryDelay:  d.cfg.RetryDelay,
		StopTimeout: d.cfg.StopTimeout,
		OnStepComplete: func(r core.StepResult) {
			d.events.push(StepCompleted{
				DeviceID: t.deviceID,
				TaskID:   t.id,
				StepID:   r.StepID,
				Index:    r.Index,
				Success:  r.Success,
				Attempts: r.Attempts,
				Duration: r.Duration,
				Err:      r.Err,
			})
		},
	})

	if !t.world.IsZero() {
		t.sess.SetWorld(t.world)
	}
	if t.resume {
		if err := seq.RestoreCheckpoint(t.checkpoint); err != nil {
			log.Warn("restore checkpoint failed", zap.Error(err))
			return core.Outcome{State: core.StateFailed, Err: err}
		}
	}
	world := t.sess.World()

	t.attach(seq)
	t.markRunning()
	t.mu.Lock()
	t.world = world
	t.mu.Unlock()
	d.events.push(RunStarted{DeviceID: t.deviceID, TaskID: t.id, World: world, Time: time.Now()})
	log.Info("run started", zap.String("script", t.script.Config.Name), zap.Int("serverStart", world.ServerStart))

	if err := seq.Start(d.ctx); err != nil {
		return core.Outcome{State: core.StateFailed, Err: err}
	}
	// A cancel that raced attach has only set the flag.
	if t.cancelled.Load() {
		seq.Cancel()
	}
	out, _ := seq.Wait(context.Background())
	return out
}

// complete records the terminal state, frees the device and emits
// RunCompleted.
func (d *Dispatcher) complete(t *task, outcome core.Outcome) {
	status := outcome.State.TaskStatus()
	if !status.IsTerminal() {
		status = core.TaskFailed
	}
	world := t.finish(status, outcome)

	d.mu.Lock()
	if d.active[t.deviceID] == t {
		delete(d.active, t.deviceID)
	}
	d.mu.Unlock()

	d.events.push(RunCompleted{
		DeviceID: t.deviceID,
		TaskID:   t.id,
		Status:   status,
		World:    world,
		LastStep: outcome.LastStep,
		Duration: outcome.Duration,
		Err:      outcome.Err,
	})
	close(t.done)

	fields := []zap.Field{zap.String("device", t.deviceID), zap.String("task", t.id), zap.Stringer("status", status)}
	if outcome.Err != nil && status != core.TaskCancelled {
		logger.L().Warn("run finished", append(fields, zap.Error(outcome.Err))...)
		return
	}
	logger.L().Info("run finished", fields...)
}
