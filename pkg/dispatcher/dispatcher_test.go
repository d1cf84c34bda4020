package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/device/mock"
	"github.com/devicelab-dev/fleet-runner/pkg/locator"
	"github.com/devicelab-dev/fleet-runner/pkg/script"
	"github.com/devicelab-dev/fleet-runner/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLocator() *locator.Locator {
	return locator.New(locator.Config{
		BaseResolution: image.Pt(1280, 720),
		PollInterval:   10 * time.Millisecond,
	})
}

// fleet is a set of mock channels keyed by device id.
type fleet struct {
	mu       sync.Mutex
	channels map[string]core.Channel
	connects map[string]int
	delay    time.Duration
}

func newFleet(ids ...string) *fleet {
	f := &fleet{channels: map[string]core.Channel{}, connects: map[string]int{}}
	for _, id := range ids {
		f.channels[id] = mock.New(mock.Config{DeviceID: id})
	}
	return f
}

func (f *fleet) connect(ctx context.Context, id string) (core.Channel, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, fmt.Errorf("no such device %s", id)
	}
	f.connects[id]++
	return ch, nil
}

func (f *fleet) mock(id string) *mock.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[id].(*mock.Channel)
}

// eventLog drains the event channel until it closes.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(d *Dispatcher) *eventLog {
	l := &eventLog{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for e := range d.Events() {
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) forTask(id string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		switch ev := e.(type) {
		case RunStarted:
			if ev.TaskID == id {
				out = append(out, e)
			}
		case StepCompleted:
			if ev.TaskID == id {
				out = append(out, e)
			}
		case RunCompleted:
			if ev.TaskID == id {
				out = append(out, e)
			}
		}
	}
	return out
}

func setup(t *testing.T, cfg Config, f *fleet) (*Dispatcher, *eventLog) {
	t.Helper()
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	d := New(context.Background(), cfg, testLocator(), f.connect)
	log := collect(d)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
		<-log.done
	})
	return d, log
}

func initAll(t *testing.T, d *Dispatcher, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := d.InitializeDevice(context.Background(), id, true); err != nil {
			t.Fatalf("InitializeDevice(%s) error = %v", id, err)
		}
	}
}

func await(t *testing.T, d *Dispatcher, id string) core.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := d.AwaitRun(ctx, id)
	if err != nil {
		t.Fatalf("AwaitRun(%s) error = %v", id, err)
	}
	return out
}

func mustScript(t *testing.T, steps ...script.Step) *script.Script {
	t.Helper()
	sc, err := script.New(script.Config{Name: "test"}, steps...)
	if err != nil {
		t.Fatal(err)
	}
	return sc
}

func taps(t *testing.T, n int) *script.Script {
	steps := make([]script.Step, n)
	for i := range steps {
		steps[i] = script.Step{Action: &script.Tap{X: i, Y: i}}
	}
	return mustScript(t, steps...)
}

// gate blocks a step until released or cancelled.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) step() script.Step {
	return script.Step{ID: "gate", Retry: 1, Action: script.ActionFunc(func(ctx context.Context, env *script.Env) (bool, error) {
		g.once.Do(func() { close(g.entered) })
		select {
		case <-g.release:
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})}
}

func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("gated step never started")
	}
}

func TestInitializeDevice_Idempotent(t *testing.T) {
	f := newFleet("dev1")
	f.delay = 20 * time.Millisecond
	d, _ := setup(t, Config{Workers: 1}, f)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- d.InitializeDevice(context.Background(), "dev1", false)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("InitializeDevice() error = %v", err)
		}
	}
	if err := d.InitializeDevice(context.Background(), "dev1", true); err != nil {
		t.Errorf("repeat InitializeDevice() error = %v", err)
	}
	if n := f.connects["dev1"]; n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
	if _, ok := d.Session("dev1"); !ok {
		t.Error("session not registered")
	}
}

func TestInitializeDevice_Errors(t *testing.T) {
	f := newFleet("dev1")
	f.mock("dev1").SetReachable(false)
	d, _ := setup(t, Config{Workers: 1}, f)

	if err := d.InitializeDevice(context.Background(), "missing", false); err == nil {
		t.Error("expected connect error")
	}
	err := d.InitializeDevice(context.Background(), "dev1", true)
	if !errors.Is(err, core.ErrDeviceUnreachable) {
		t.Errorf("unreachable error = %v", err)
	}
	if f.mock("dev1").Closed() != 1 {
		t.Error("channel of an unreachable device must be closed")
	}
	if _, ok := d.Session("dev1"); ok {
		t.Error("unreachable device must not be registered")
	}
}

func TestSubmitRun_Errors(t *testing.T) {
	f := newFleet("dev1")
	d, _ := setup(t, Config{Workers: 1}, f)

	if _, err := d.SubmitRun("dev1", taps(t, 1), core.World{}); !errors.Is(err, core.ErrDeviceNotInitialized) {
		t.Errorf("uninitialized error = %v", err)
	}
	initAll(t, d, "dev1")
	if _, err := d.SubmitRun("dev1", nil, core.World{}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("nil script error = %v", err)
	}
	if _, err := d.SubmitRun("dev1", taps(t, 1), core.World{}, WithResume("nope")); !errors.Is(err, core.ErrCheckpointNotFound) {
		t.Errorf("unknown checkpoint error = %v", err)
	}
	if _, err := d.GetRunStatus("nope"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("unknown task error = %v", err)
	}
	if err := d.CancelRun("nope"); !errors.Is(err, core.ErrTaskNotFound) {
		t.Errorf("cancel unknown task error = %v", err)
	}
}

func TestSubmitRun_DuplicateActive(t *testing.T) {
	f := newFleet("dev1")
	d, _ := setup(t, Config{Workers: 2}, f)
	initAll(t, d, "dev1")

	g := newGate()
	sc := mustScript(t, g.step())

	var accepted, rejected int32
	var first atomic.Value
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := d.SubmitRun("dev1", sc, core.World{})
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
				first.Store(id)
			case errors.Is(err, core.ErrAlreadyActive):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("SubmitRun() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 || rejected != 9 {
		t.Fatalf("accepted = %d, rejected = %d, want 1 and 9", accepted, rejected)
	}

	g.wait(t)
	close(g.release)
	id := first.Load().(string)
	if out := await(t, d, id); !out.Success() {
		t.Errorf("outcome = %+v", out)
	}

	// The device accepts a new run once the first one finished
	next, err := d.SubmitRun("dev1", taps(t, 1), core.World{})
	if err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	await(t, d, next)
}

func TestEvents_Order(t *testing.T) {
	f := newFleet("dev1")
	d, log := setup(t, Config{Workers: 1}, f)
	initAll(t, d, "dev1")

	world := core.World{ServerStart: 577, ServerEnd: 600}
	id, err := d.SubmitRun("dev1", taps(t, 3), world)
	if err != nil {
		t.Fatal(err)
	}
	if out := await(t, d, id); !out.Success() {
		t.Fatalf("outcome = %+v", out)
	}
	if st, _ := d.GetRunStatus(id); st != core.TaskSucceeded {
		t.Errorf("status = %v, want succeeded", st)
	}

	events := log.forTask(id)
	if len(events) != 5 {
		t.Fatalf("events = %+v, want start, 3 steps, completion", events)
	}
	if e, ok := events[0].(RunStarted); !ok || e.World != world {
		t.Errorf("first event = %+v", events[0])
	}
	for i, e := range events[1:4] {
		sc, ok := e.(StepCompleted)
		if !ok || !sc.Success || sc.Index != i || sc.DeviceID != "dev1" {
			t.Errorf("step event %d = %+v", i, e)
		}
	}
	if e, ok := events[4].(RunCompleted); !ok || e.Status != core.TaskSucceeded || e.World != world {
		t.Errorf("last event = %+v", events[4])
	}

	task, err := d.Task(id)
	if err != nil || task.Started.IsZero() || task.Ended.Before(task.Started) || task.Script != "test" {
		t.Errorf("Task() = %+v, %v", task, err)
	}
}

func TestPoolOfOne_NoOverlap(t *testing.T) {
	tracker := &mock.Tracker{}
	f := &fleet{channels: map[string]core.Channel{}, connects: map[string]int{}}
	for _, id := range []string{"dev1", "dev2"} {
		f.channels[id] = mock.New(mock.Config{DeviceID: id, Tracker: tracker, CommandDelay: 5 * time.Millisecond})
	}
	d, _ := setup(t, Config{Workers: 1}, f)
	initAll(t, d, "dev1", "dev2")

	a, err := d.SubmitRun("dev1", taps(t, 5), core.World{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.SubmitRun("dev2", taps(t, 5), core.World{})
	if err != nil {
		t.Fatal(err)
	}
	outA, outB := await(t, d, a), await(t, d, b)
	if !outA.Success() || !outB.Success() {
		t.Errorf("outcomes = %+v, %+v", outA, outB)
	}
	if n := tracker.MaxInFlight(); n != 1 {
		t.Errorf("max concurrent commands = %d, want 1", n)
	}

	ta, _ := d.Task(a)
	tb, _ := d.Task(b)
	if tb.Started.Before(ta.Ended) {
		t.Errorf("second run started %v before first ended %v", tb.Started, ta.Ended)
	}
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		lc   core.Lifecycle
		want int
	}{
		{"explicit", Config{Workers: 4}, nil, 4},
		{"no lifecycle", Config{}, nil, 1},
		{"from lifecycle", Config{}, fakeLifecycle{n: 3}, 3},
		{"empty lifecycle", Config{}, fakeLifecycle{}, 1},
		{"lifecycle error", Config{}, fakeLifecycle{err: errors.New("ldconsole missing")}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.lc != nil {
				opts = append(opts, WithLifecycle(tt.lc))
			}
			d := New(context.Background(), tt.cfg, testLocator(), newFleet().connect, opts...)
			defer d.Close(context.Background())
			if got := d.Workers(); got != tt.want {
				t.Errorf("Workers() = %d, want %d", got, tt.want)
			}
		})
	}
}

type fakeLifecycle struct {
	n   int
	err error
}

func (f fakeLifecycle) List(ctx context.Context) ([]core.DeviceInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.DeviceInfo, f.n)
	for i := range out {
		out[i] = core.DeviceInfo{ID: fmt.Sprintf("emulator-%d", 5554+2*i), Index: i}
	}
	return out, nil
}

func (fakeLifecycle) Start(ctx context.Context, id string) error       { return nil }
func (fakeLifecycle) Stop(ctx context.Context, id string) error        { return nil }
func (fakeLifecycle) IsResponsive(ctx context.Context, id string) bool { return true }

func TestCancelRun_Pending(t *testing.T) {
	f := newFleet("dev1", "dev2")
	d, log := setup(t, Config{Workers: 1}, f)
	initAll(t, d, "dev1", "dev2")

	g := newGate()
	running, err := d.SubmitRun("dev1", mustScript(t, g.step()), core.World{})
	if err != nil {
		t.Fatal(err)
	}
	g.wait(t)
	pending, err := d.SubmitRun("dev2", taps(t, 2), core.World{})
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := d.GetRunStatus(pending); st != core.TaskPending {
		t.Errorf("status = %v, want pending", st)
	}
	if err := d.CancelRun(pending); err != nil {
		t.Fatal(err)
	}
	close(g.release)

	if out := await(t, d, pending); out.State != core.StateCancelled {
		t.Errorf("pending outcome = %+v", out)
	}
	if out := await(t, d, running); !out.Success() {
		t.Errorf("running outcome = %+v", out)
	}
	if cmds := f.mock("dev2").Commands(); len(cmds) != 0 {
		t.Errorf("cancelled task issued commands: %v", cmds)
	}
	events := log.forTask(pending)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want only RunCompleted", events)
	}
	if e, ok := events[0].(RunCompleted); !ok || e.Status != core.TaskCancelled {
		t.Errorf("event = %+v", events[0])
	}
}

func TestCancelAll_Running(t *testing.T) {
	f := newFleet("dev1", "dev2")
	d, _ := setup(t, Config{Workers: 2}, f)
	initAll(t, d, "dev1", "dev2")

	g1, g2 := newGate(), newGate()
	a, _ := d.SubmitRun("dev1", mustScript(t, g1.step(), script.Step{Action: &script.Tap{X: 1, Y: 1}}), core.World{})
	b, _ := d.SubmitRun("dev2", mustScript(t, g2.step()), core.World{})
	g1.wait(t)
	g2.wait(t)

	d.CancelAll()
	for _, id := range []string{a, b} {
		if out := await(t, d, id); out.State != core.StateCancelled {
			t.Errorf("outcome %s = %+v", id, out)
		}
		if st, _ := d.GetRunStatus(id); st != core.TaskCancelled {
			t.Errorf("status = %v", st)
		}
	}
	if taps := f.mock("dev1").CommandsOf("tap"); len(taps) != 0 {
		t.Errorf("step after cancel ran: %v", taps)
	}
	if err := d.CancelRun(a); err != nil {
		t.Errorf("cancel of finished task = %v", err)
	}
}

func TestUnreachableAtStart(t *testing.T) {
	f := newFleet("dev1")
	d, _ := setup(t, Config{Workers: 1, ReachTimeout: 50 * time.Millisecond}, f)
	initAll(t, d, "dev1")
	f.mock("dev1").SetReachable(false)

	id, err := d.SubmitRun("dev1", taps(t, 1), core.World{})
	if err != nil {
		t.Fatal(err)
	}
	out := await(t, d, id)
	if out.State != core.StateFailed || !errors.Is(out.Err, core.ErrDeviceUnreachable) {
		t.Errorf("outcome = %+v", out)
	}
}

// panicky panics on the reachability probe.
type panicky struct {
	*mock.Channel
}

func (p panicky) IsReachable(ctx context.Context, timeout time.Duration) bool {
	panic("probe exploded")
}

func TestWorkerPanic_ReleasesSlot(t *testing.T) {
	f := newFleet("dev2")
	f.channels["dev1"] = panicky{mock.New(mock.Config{DeviceID: "dev1"})}
	d, _ := setup(t, Config{Workers: 1}, f)
	if err := d.InitializeDevice(context.Background(), "dev1", false); err != nil {
		t.Fatal(err)
	}
	initAll(t, d, "dev2")

	bad, _ := d.SubmitRun("dev1", taps(t, 1), core.World{})
	good, _ := d.SubmitRun("dev2", taps(t, 1), core.World{})

	out := await(t, d, bad)
	if out.State != core.StateFailed || !errors.Is(out.Err, core.ErrWorkerPanic) {
		t.Errorf("panic outcome = %+v", out)
	}
	if out := await(t, d, good); !out.Success() {
		t.Errorf("next task outcome = %+v", out)
	}
}

func TestQueueFull(t *testing.T) {
	f := newFleet("dev1", "dev2", "dev3", "dev4")
	d, _ := setup(t, Config{Workers: 1, QueueSize: 1}, f)
	initAll(t, d, "dev1", "dev2", "dev3", "dev4")

	g := newGate()
	if _, err := d.SubmitRun("dev1", mustScript(t, g.step()), core.World{}); err != nil {
		t.Fatal(err)
	}
	g.wait(t)

	// dev2 is taken by the dispatch loop, which then waits for a slot
	if _, err := d.SubmitRun("dev2", taps(t, 1), core.World{}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(d.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if _, err := d.SubmitRun("dev3", taps(t, 1), core.World{}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.SubmitRun("dev4", taps(t, 1), core.World{}); !errors.Is(err, core.ErrQueueFull) {
		t.Errorf("error = %v, want ErrQueueFull", err)
	}
	close(g.release)
}

func TestResumeFromCheckpoint(t *testing.T) {
	f := newFleet("dev1")
	d, log := setup(t, Config{Workers: 1}, f)
	initAll(t, d, "dev1")

	sc := taps(t, 4)
	sess, _ := d.Session("dev1")
	saved := core.World{ServerStart: 433, ServerEnd: 480}
	sess.SaveCheckpoint(session.Checkpoint{ID: "mid", Index: 2, StepID: "step3", Time: time.Now(), World: saved})

	id, err := d.SubmitRun("dev1", sc, core.World{ServerStart: 1, ServerEnd: 2}, WithResume("mid"))
	if err != nil {
		t.Fatal(err)
	}
	if out := await(t, d, id); !out.Success() {
		t.Fatalf("outcome = %+v", out)
	}
	taps := f.mock("dev1").CommandsOf("tap")
	if len(taps) != 2 || taps[0].Args[0] != 2 || taps[1].Args[0] != 3 {
		t.Errorf("taps = %v, want steps 3 and 4 only", taps)
	}
	if sess.World() != saved {
		t.Errorf("world = %+v, want checkpoint world %+v", sess.World(), saved)
	}
	if e, ok := log.forTask(id)[0].(RunStarted); !ok || e.World != saved {
		t.Errorf("RunStarted = %+v", log.forTask(id)[0])
	}
}

func TestAwaitRun_Timeout(t *testing.T) {
	f := newFleet("dev1")
	d, _ := setup(t, Config{Workers: 1}, f)
	initAll(t, d, "dev1")

	g := newGate()
	id, _ := d.SubmitRun("dev1", mustScript(t, g.step()), core.World{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.AwaitRun(ctx, id); !errors.Is(err, core.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
	close(g.release)
	await(t, d, id)
}

func TestTeardownDevice(t *testing.T) {
	f := newFleet("dev1")
	d, _ := setup(t, Config{Workers: 1}, f)
	initAll(t, d, "dev1")

	g := newGate()
	id, _ := d.SubmitRun("dev1", mustScript(t, g.step()), core.World{})
	g.wait(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.TeardownDevice(ctx, "dev1"); err != nil {
		t.Fatalf("TeardownDevice() error = %v", err)
	}
	if st, _ := d.GetRunStatus(id); st != core.TaskCancelled {
		t.Errorf("status = %v, want cancelled", st)
	}
	if f.mock("dev1").Closed() != 1 {
		t.Error("channel not closed")
	}
	if _, err := d.SubmitRun("dev1", taps(t, 1), core.World{}); !errors.Is(err, core.ErrDeviceNotInitialized) {
		t.Errorf("submit after teardown error = %v", err)
	}
	if err := d.TeardownDevice(ctx, "dev1"); !errors.Is(err, core.ErrDeviceNotInitialized) {
		t.Errorf("second teardown error = %v", err)
	}
}

func TestClose_CancelsWork(t *testing.T) {
	f := newFleet("dev1", "dev2")
	d := New(context.Background(), Config{Workers: 1, RetryDelay: time.Millisecond}, testLocator(), f.connect)
	log := collect(d)
	initAll(t, d, "dev1", "dev2")

	g := newGate()
	running, _ := d.SubmitRun("dev1", mustScript(t, g.step()), core.World{})
	g.wait(t)
	queued, _ := d.SubmitRun("dev2", taps(t, 1), core.World{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	<-log.done

	for _, id := range []string{running, queued} {
		if st, _ := d.GetRunStatus(id); st != core.TaskCancelled {
			t.Errorf("status %s = %v, want cancelled", id, st)
		}
		if events := log.forTask(id); len(events) == 0 {
			t.Errorf("no RunCompleted for %s", id)
		}
	}
	if f.mock("dev1").Closed() != 1 || f.mock("dev2").Closed() != 1 {
		t.Error("sessions not closed")
	}
	if _, err := d.SubmitRun("dev1", taps(t, 1), core.World{}); !errors.Is(err, core.ErrDispatcherClosed) {
		t.Errorf("submit after close error = %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestClose_WithoutEventReader(t *testing.T) {
	f := newFleet("dev1")
	d := New(context.Background(), Config{Workers: 1, RetryDelay: time.Millisecond}, testLocator(), f.connect)
	initAll(t, d, "dev1")

	id, err := d.SubmitRun("dev1", taps(t, 2), core.World{})
	if err != nil {
		t.Fatal(err)
	}
	if out := await(t, d, id); !out.Success() {
		t.Fatalf("outcome = %+v", out)
	}

	closed := make(chan error, 1)
	go func() { closed <- d.Close(context.Background()) }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() blocked with nobody reading Events()")
	}

	// The channel is closed once the undelivered events are dropped
	select {
	case _, ok := <-d.Events():
		for ok {
			_, ok = <-d.Events()
		}
	case <-time.After(time.Second):
		t.Fatal("Events() not closed after Close()")
	}
}

func TestClose_ReaderGetsPendingEvents(t *testing.T) {
	f := newFleet("dev1")
	d := New(context.Background(), Config{Workers: 1, RetryDelay: time.Millisecond}, testLocator(), f.connect)
	initAll(t, d, "dev1")

	id, _ := d.SubmitRun("dev1", taps(t, 2), core.World{})
	await(t, d, id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A reader attached after Close still drains everything queued
	done := make(chan error, 1)
	go func() { done <- d.Close(ctx) }()
	log := collect(d)
	if err := <-done; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	<-log.done
	if got := len(log.forTask(id)); got != 4 {
		t.Errorf("events for task = %d, want 4 (start, 2 steps, completed)", got)
	}
}
