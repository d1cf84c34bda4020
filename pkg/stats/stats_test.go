package stats

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/dispatcher"
)

var (
	s1 = core.World{ServerStart: 577, ServerEnd: 600}
	x2 = core.World{ServerStart: 266, ServerEnd: 407}
)

func feed(c *Collector, events ...dispatcher.Event) {
	ch := make(chan dispatcher.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	c.Consume(ch)
}

func TestCollector_Aggregates(t *testing.T) {
	c := New(0)
	boom := errors.New("server list not found")
	feed(c,
		dispatcher.RunStarted{DeviceID: "dev1", TaskID: "t1", World: s1},
		dispatcher.StepCompleted{DeviceID: "dev1", TaskID: "t1", StepID: "start", Success: true, Duration: 100 * time.Millisecond},
		dispatcher.StepCompleted{DeviceID: "dev1", TaskID: "t1", StepID: "server", Success: true, Duration: 300 * time.Millisecond},
		dispatcher.RunCompleted{DeviceID: "dev1", TaskID: "t1", Status: core.TaskSucceeded, World: s1, Duration: 2 * time.Second},

		dispatcher.StepCompleted{DeviceID: "dev2", TaskID: "t2", StepID: "start", Success: true, Duration: 300 * time.Millisecond},
		dispatcher.StepCompleted{DeviceID: "dev2", TaskID: "t2", StepID: "server", Success: false, Duration: 900 * time.Millisecond, Err: boom},
		dispatcher.RunCompleted{DeviceID: "dev2", TaskID: "t2", Status: core.TaskFailed, World: x2, Duration: 4 * time.Second, Err: boom},

		dispatcher.RunCompleted{DeviceID: "dev1", TaskID: "t3", Status: core.TaskCancelled, World: s1},
		dispatcher.RunCompleted{DeviceID: "dev3", TaskID: "t4", Status: core.TaskFailed, Err: core.ErrDeviceUnreachable},
	)

	s := c.Snapshot()
	if s.Total != 4 || s.Succeeded != 1 || s.Failed != 2 || s.Cancelled != 1 {
		t.Errorf("totals = %+v", s)
	}
	if want := 100.0 / 3; s.SuccessRate < want-0.01 || s.SuccessRate > want+0.01 {
		t.Errorf("SuccessRate = %v, want %v", s.SuccessRate, want)
	}
	if s.TotalDuration != 6*time.Second || s.AverageDuration != 1500*time.Millisecond {
		t.Errorf("durations = %v / %v", s.TotalDuration, s.AverageDuration)
	}

	if got := s.ByRange["577-600"]; got != (Counts{Runs: 2, Succeeded: 1, Cancelled: 1}) {
		t.Errorf("ByRange[577-600] = %+v", got)
	}
	if got := s.ByRange["266-407"]; got != (Counts{Runs: 1, Failed: 1}) {
		t.Errorf("ByRange[266-407] = %+v", got)
	}
	if len(s.ByRange) != 2 {
		t.Errorf("runs without a world must not get a range: %+v", s.ByRange)
	}
	if strings.Join(s.CompletedRanges, ",") != "577-600" {
		t.Errorf("CompletedRanges = %v", s.CompletedRanges)
	}
	if got := s.ByDevice["dev1"]; got.Runs != 2 || got.Succeeded != 1 {
		t.Errorf("ByDevice[dev1] = %+v", got)
	}

	if st := s.Steps["start"]; st.Succeeded != 2 || st.Failed != 0 || st.AverageDuration != 200*time.Millisecond {
		t.Errorf("Steps[start] = %+v", st)
	}
	if st := s.Steps["server"]; st.Succeeded != 1 || st.Failed != 1 || st.AverageDuration != 600*time.Millisecond {
		t.Errorf("Steps[server] = %+v", st)
	}

	// t2 is reported once, through its step; t4 has no step failure
	if len(s.RecentErrors) != 2 {
		t.Fatalf("RecentErrors = %+v", s.RecentErrors)
	}
	if e := s.RecentErrors[0]; e.TaskID != "t2" || e.StepID != "server" || e.Message != boom.Error() {
		t.Errorf("first error = %+v", e)
	}
	if e := s.RecentErrors[1]; e.TaskID != "t4" || e.StepID != "" {
		t.Errorf("second error = %+v", e)
	}
}

func TestCollector_RecentErrorsBounded(t *testing.T) {
	c := New(3)
	for i := 0; i < 5; i++ {
		c.Observe(dispatcher.StepCompleted{TaskID: string(rune('a' + i)), StepID: "s", Success: false})
	}
	s := c.Snapshot()
	if len(s.RecentErrors) != 3 || s.RecentErrors[0].TaskID != "c" || s.RecentErrors[2].TaskID != "e" {
		t.Errorf("RecentErrors = %+v", s.RecentErrors)
	}
	if s.RecentErrors[0].Message != "step did not complete" {
		t.Errorf("message = %q", s.RecentErrors[0].Message)
	}
}

func TestCollector_Reset(t *testing.T) {
	c := New(0)
	c.Observe(dispatcher.RunCompleted{DeviceID: "dev1", Status: core.TaskSucceeded, World: s1})
	c.Reset()
	s := c.Snapshot()
	if s.Total != 0 || len(s.ByDevice) != 0 || len(s.CompletedRanges) != 0 || s.SuccessRate != 0 {
		t.Errorf("after Reset = %+v", s)
	}
}

func TestWriteJSON(t *testing.T) {
	c := New(0)
	c.Observe(dispatcher.RunCompleted{DeviceID: "dev1", TaskID: "t1", Status: core.TaskSucceeded, World: s1, Duration: time.Second})

	path := filepath.Join(t.TempDir(), "out", "stats.json")
	if err := c.WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Total != 1 || got.ByRange["577-600"].Succeeded != 1 {
		t.Errorf("decoded = %+v", got)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file left behind")
	}
}

func TestSnapshotString(t *testing.T) {
	c := New(0)
	c.Observe(dispatcher.RunCompleted{Status: core.TaskSucceeded, Duration: time.Second})
	c.Observe(dispatcher.RunCompleted{Status: core.TaskFailed, Duration: 3 * time.Second})
	want := "2 runs: 1 succeeded, 1 failed, 0 cancelled (50.0% success, avg 2s)"
	if got := c.Snapshot().String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
