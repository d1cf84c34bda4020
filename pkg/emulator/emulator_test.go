package emulator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/config"
	"github.com/devicelab-dev/fleet-runner/pkg/core"
)

var _ core.Lifecycle = (*Manager)(nil)

// fakeRunner answers commands from a handler and records them.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	handler func(cmd string) (string, error)
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()
	return f.handler(cmd)
}

func (f *fakeRunner) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestParseList2(t *testing.T) {
	out := "0,LDPlayer,1312456,2098754,1,14520,15012\r\n" +
		"1,LDPlayer-1,0,0,0,-1,-1\r\n" +
		"2,Farm 2,0,0\r\n" +
		"garbage\r\n" +
		"\r\n"
	got := parseList2(out)
	if len(got) != 3 {
		t.Fatalf("parsed %d instances, want 3: %+v", len(got), got)
	}

	tests := []struct {
		i       int
		want    Instance
		serial  string
		running bool
	}{
		{0, Instance{Index: 0, Name: "LDPlayer", TopHandle: 1312456, BindHandle: 2098754, Started: true, PID: 14520}, "emulator-5554", true},
		{1, Instance{Index: 1, Name: "LDPlayer-1", PID: -1}, "emulator-5556", false},
		{2, Instance{Index: 2, Name: "Farm 2"}, "emulator-5558", false},
	}
	for _, tt := range tests {
		if got[tt.i] != tt.want {
			t.Errorf("instance %d = %+v, want %+v", tt.i, got[tt.i], tt.want)
		}
		info := got[tt.i].Info()
		if info.ID != tt.serial || info.Running != tt.running {
			t.Errorf("instance %d info = %+v, want id %s running %v", tt.i, info, tt.serial, tt.running)
		}
	}
}

func TestIndexForSerial(t *testing.T) {
	tests := []struct {
		serial string
		index  int
		ok     bool
	}{
		{"emulator-5554", 0, true},
		{"emulator-5560", 3, true},
		{"emulator-5555", 0, false},
		{"emulator-5552", 0, false},
		{"127.0.0.1:5555", 0, false},
		{"R58N12345", 0, false},
	}
	for _, tt := range tests {
		index, ok := IndexForSerial(tt.serial)
		if index != tt.index || ok != tt.ok {
			t.Errorf("IndexForSerial(%q) = %d, %v, want %d, %v", tt.serial, index, ok, tt.index, tt.ok)
		}
	}
	if SerialForIndex(5) != "emulator-5564" {
		t.Errorf("SerialForIndex(5) = %s", SerialForIndex(5))
	}
}

func newTestLDPlayer(f *fakeRunner) *LDPlayer {
	return &LDPlayer{console: "ldconsole", adb: "adb", bootTimeout: time.Second, run: f.run, poll: 5 * time.Millisecond, stopPoll: 5 * time.Millisecond}
}

func TestLDPlayer_StartWaitsForBoot(t *testing.T) {
	var mu sync.Mutex
	launched := false
	lists := 0
	f := &fakeRunner{handler: func(cmd string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case cmd == "ldconsole list2":
			lists++
			if launched && lists > 3 {
				return "0,LDPlayer,100,200,1,99,98\n", nil
			}
			return "0,LDPlayer,0,0,0,-1,-1\n", nil
		case cmd == "ldconsole launch --index 0":
			launched = true
			return "", nil
		case cmd == "adb -s emulator-5554 get-state":
			return "device\n", nil
		}
		return "", errors.New("unexpected " + cmd)
	}}

	l := newTestLDPlayer(f)
	if err := l.Start(context.Background(), "emulator-5554"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if n := f.count("ldconsole launch"); n != 1 {
		t.Errorf("launch called %d times, want 1", n)
	}
}

func TestLDPlayer_StartAlreadyRunning(t *testing.T) {
	f := &fakeRunner{handler: func(cmd string) (string, error) {
		return "0,LDPlayer,100,200,1,99,98\n", nil
	}}
	l := newTestLDPlayer(f)
	if err := l.Start(context.Background(), "emulator-5554"); err != nil {
		t.Fatal(err)
	}
	if f.count("ldconsole launch") != 0 {
		t.Error("launch must not be issued for a running instance")
	}
}

func TestLDPlayer_StartTimeout(t *testing.T) {
	f := &fakeRunner{handler: func(cmd string) (string, error) {
		if strings.Contains(cmd, "get-state") {
			return "", errors.New("offline")
		}
		return "0,LDPlayer,0,0,0,-1,-1\n", nil
	}}
	l := newTestLDPlayer(f)
	l.bootTimeout = 30 * time.Millisecond

	err := l.Start(context.Background(), "emulator-5554")
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("Start() error = %v, want ErrTimeout", err)
	}
}

func TestLDPlayer_Stop(t *testing.T) {
	var mu sync.Mutex
	quit := false
	f := &fakeRunner{handler: func(cmd string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		switch cmd {
		case "ldconsole quit --index 1":
			quit = true
			return "", nil
		case "ldconsole list2":
			if quit {
				return "0,A,0,0,0,-1,-1\n1,B,0,0,0,-1,-1\n", nil
			}
			return "0,A,0,0,0,-1,-1\n1,B,10,20,1,5,6\n", nil
		}
		return "", nil
	}}
	l := newTestLDPlayer(f)
	if err := l.Stop(context.Background(), "emulator-5556"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := l.Stop(context.Background(), "emulator-5600"); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Stop(unknown) error = %v, want ErrInvalidInput", err)
	}
	if err := l.Stop(context.Background(), "R58N"); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Stop(non-ldplayer) error = %v, want ErrInvalidInput", err)
	}
}

func TestADB_List(t *testing.T) {
	f := &fakeRunner{handler: func(cmd string) (string, error) {
		return "List of devices attached\nemulator-5556\tdevice\n192.168.1.5:5555\toffline\n\n", nil
	}}
	a := &ADB{adb: "adb", run: f.run, poll: time.Millisecond}
	infos, err := a.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 {
		t.Fatalf("infos = %+v", infos)
	}
	if infos[0].ID != "emulator-5556" || infos[0].Index != 1 || !infos[0].Running {
		t.Errorf("first = %+v", infos[0])
	}
	if infos[1].Running {
		t.Errorf("offline device reported running")
	}
}

func TestADB_StartConnectsNetworkDevice(t *testing.T) {
	f := &fakeRunner{handler: func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "adb connect"):
			return "connected to 10.0.0.2:5555\n", nil
		case strings.HasSuffix(cmd, "get-state"):
			return "device\n", nil
		}
		return "", nil
	}}
	a := &ADB{adb: "adb", run: f.run, poll: time.Millisecond}
	if err := a.Start(context.Background(), "10.0.0.2:5555"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if f.count("adb connect 10.0.0.2:5555") != 1 {
		t.Error("expected adb connect")
	}
}

// fakeLifecycle is a scriptable core.Lifecycle.
type fakeLifecycle struct {
	mu         sync.Mutex
	responsive map[string]bool
	started    []string
	stopped    []string
	stopErr    map[string]error
}

func (f *fakeLifecycle) List(ctx context.Context) ([]core.DeviceInfo, error) { return nil, nil }

func (f *fakeLifecycle) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	f.responsive[id] = true
	return nil
}

func (f *fakeLifecycle) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return f.stopErr[id]
}

func (f *fakeLifecycle) IsResponsive(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.responsive[id]
}

func TestManager_TracksOnlyStarted(t *testing.T) {
	lc := &fakeLifecycle{responsive: map[string]bool{"external": true}, stopErr: map[string]error{}}
	m := NewManager(lc)
	ctx := context.Background()

	for _, id := range []string{"external", "a", "b"} {
		if err := m.Start(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if m.IsStartedByUs("external") {
		t.Error("external device must not be tracked")
	}
	if !m.IsStartedByUs("a") || !m.IsStartedByUs("b") {
		t.Error("started devices must be tracked")
	}

	if err := m.Stop(ctx, "external"); err != nil {
		t.Fatal(err)
	}
	if len(lc.stopped) != 0 {
		t.Errorf("stopped = %v, want none", lc.stopped)
	}
}

func TestManager_ShutdownAllCombinesErrors(t *testing.T) {
	lc := &fakeLifecycle{
		responsive: map[string]bool{},
		stopErr:    map[string]error{"b": errors.New("boom"), "c": errors.New("bang")},
	}
	m := NewManager(lc)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_ = m.Start(ctx, id)
	}

	err := m.ShutdownAll(ctx)
	if err == nil {
		t.Fatal("expected combined error")
	}
	if !strings.Contains(err.Error(), "boom") || !strings.Contains(err.Error(), "bang") {
		t.Errorf("error = %v, want both failures", err)
	}
	if got := m.StartedDevices(); len(got) != 2 {
		t.Errorf("still tracked = %v, want the two failures", got)
	}
}

func TestNewLifecycle(t *testing.T) {
	cfg := config.Default()
	lc, err := NewLifecycle(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := lc.(*ADB); !ok {
		t.Errorf("default lifecycle = %T, want *ADB", lc)
	}

	cfg.Emulator.Kind = "ldplayer"
	cfg.Emulator.LDPlayerPath = t.TempDir()
	if _, err := NewLifecycle(cfg); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("ldplayer without console error = %v, want ErrInvalidConfig", err)
	}

	cfg.Emulator.Kind = "genymotion"
	if _, err := NewLifecycle(cfg); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("unknown kind error = %v, want ErrInvalidConfig", err)
	}
}
