// Package stats aggregates run statistics from dispatcher events.
package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/dispatcher"
)

// DefaultRecentErrors is the number of errors kept when New gets zero.
const DefaultRecentErrors = 20

// Snapshot is a point-in-time copy of the collected statistics.
type Snapshot struct {
	StartTime       time.Time            `json:"startTime"`
	Total           int                  `json:"total"`
	Succeeded       int                  `json:"succeeded"`
	Failed          int                  `json:"failed"`
	Cancelled       int                  `json:"cancelled"`
	SuccessRate     float64              `json:"successRate"` // percent of finished runs
	TotalDuration   time.Duration        `json:"totalDuration"`
	AverageDuration time.Duration        `json:"averageDuration"`
	CompletedRanges []string             `json:"completedRanges"` // server ranges with a successful run
	ByRange         map[string]Counts    `json:"byRange"`
	ByDevice        map[string]Counts    `json:"byDevice"`
	Steps           map[string]StepStats `json:"steps"`
	RecentErrors    []ErrorEntry         `json:"recentErrors"`
}

// Counts is a success/failure tally.
type Counts struct {
	Runs      int `json:"runs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// StepStats aggregates one step id across runs.
type StepStats struct {
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	AverageDuration time.Duration `json:"averageDuration"`
}

// ErrorEntry is one recorded failure.
type ErrorEntry struct {
	Time     time.Time `json:"time"`
	DeviceID string    `json:"deviceId"`
	TaskID   string    `json:"taskId"`
	StepID   string    `json:"stepId,omitempty"`
	Message  string    `json:"message"`
}

type stepAgg struct {
	succeeded int
	failed    int
	total     time.Duration
}

// Collector accumulates statistics. It is safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	limit    int
	start    time.Time
	runs     Counts
	duration time.Duration
	byRange  map[string]*Counts
	byDevice map[string]*Counts
	steps    map[string]*stepAgg
	recent   []ErrorEntry
}

// New creates a collector that keeps up to recentErrors failures.
func New(recentErrors int) *Collector {
	if recentErrors <= 0 {
		recentErrors = DefaultRecentErrors
	}
	c := &Collector{limit: recentErrors}
	c.Reset()
	return c
}

// Reset clears all statistics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
	c.runs = Counts{}
	c.duration = 0
	c.byRange = make(map[string]*Counts)
	c.byDevice = make(map[string]*Counts)
	c.steps = make(map[string]*stepAgg)
	c.recent = nil
}

// Consume records events until the channel closes.
func (c *Collector) Consume(events <-chan dispatcher.Event) {
	for e := range events {
		c.Observe(e)
	}
}

// Observe records one event.
func (c *Collector) Observe(e dispatcher.Event) {
	switch ev := e.(type) {
	case dispatcher.StepCompleted:
		c.recordStep(ev)
	case dispatcher.RunCompleted:
		c.recordRun(ev)
	}
}

func (c *Collector) recordStep(e dispatcher.StepCompleted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agg, ok := c.steps[e.StepID]
	if !ok {
		agg = &stepAgg{}
		c.steps[e.StepID] = agg
	}
	agg.total += e.Duration
	if e.Success {
		agg.succeeded++
		return
	}
	agg.failed++
	c.addError(ErrorEntry{Time: time.Now(), DeviceID: e.DeviceID, TaskID: e.TaskID, StepID: e.StepID, Message: message(e.Err)})
}

func (c *Collector) recordRun(e dispatcher.RunCompleted) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duration += e.Duration

	counters := []*Counts{&c.runs, c.counts(c.byDevice, e.DeviceID)}
	if !e.World.IsZero() {
		counters = append(counters, c.counts(c.byRange, RangeKey(e.World)))
	}
	for _, n := range counters {
		n.Runs++
		switch e.Status {
		case core.TaskSucceeded:
			n.Succeeded++
		case core.TaskCancelled:
			n.Cancelled++
		default:
			n.Failed++
		}
	}

	// Step failures are already recorded with their step id
	if e.Status == core.TaskFailed && e.Err != nil && !hasTask(c.recent, e.TaskID) {
		c.addError(ErrorEntry{Time: time.Now(), DeviceID: e.DeviceID, TaskID: e.TaskID, Message: message(e.Err)})
	}
}

func (c *Collector) counts(m map[string]*Counts, key string) *Counts {
	n, ok := m[key]
	if !ok {
		n = &Counts{}
		m[key] = n
	}
	return n
}

func (c *Collector) addError(e ErrorEntry) {
	c.recent = append(c.recent, e)
	if over := len(c.recent) - c.limit; over > 0 {
		c.recent = append([]ErrorEntry(nil), c.recent[over:]...)
	}
}

func hasTask(entries []ErrorEntry, taskID string) bool {
	for _, e := range entries {
		if e.TaskID == taskID {
			return true
		}
	}
	return false
}

func message(err error) string {
	if err == nil {
		return "step did not complete"
	}
	return err.Error()
}

// RangeKey formats a world as "start-end".
func RangeKey(w core.World) string {
	return fmt.Sprintf("%d-%d", w.ServerStart, w.ServerEnd)
}

// Snapshot returns a copy of the current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		StartTime:       c.start,
		Total:           c.runs.Runs,
		Succeeded:       c.runs.Succeeded,
		Failed:          c.runs.Failed,
		Cancelled:       c.runs.Cancelled,
		TotalDuration:   c.duration,
		CompletedRanges: []string{},
		ByRange:         make(map[string]Counts, len(c.byRange)),
		ByDevice:        make(map[string]Counts, len(c.byDevice)),
		Steps:           make(map[string]StepStats, len(c.steps)),
		RecentErrors:    append([]ErrorEntry{}, c.recent...),
	}
	if finished := s.Succeeded + s.Failed; finished > 0 {
		s.SuccessRate = float64(s.Succeeded) * 100 / float64(finished)
	}
	if s.Total > 0 {
		s.AverageDuration = c.duration / time.Duration(s.Total)
	}
	for k, v := range c.byRange {
		s.ByRange[k] = *v
		if v.Succeeded > 0 {
			s.CompletedRanges = append(s.CompletedRanges, k)
		}
	}
	sort.Strings(s.CompletedRanges)
	for k, v := range c.byDevice {
		s.ByDevice[k] = *v
	}
	for k, v := range c.steps {
		st := StepStats{Succeeded: v.succeeded, Failed: v.failed}
		if n := v.succeeded + v.failed; n > 0 {
			st.AverageDuration = v.total / time.Duration(n)
		}
		s.Steps[k] = st
	}
	return s
}

// String renders a one-line summary.
func (s Snapshot) String() string {
	return fmt.Sprintf("%d runs: %d succeeded, %d failed, %d cancelled (%.1f%% success, avg %v)",
		s.Total, s.Succeeded, s.Failed, s.Cancelled, s.SuccessRate, s.AverageDuration.Round(time.Millisecond))
}

// WriteJSON writes the snapshot to path, replacing it atomically.
func (c *Collector) WriteJSON(path string) error {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //#nosec G306 -- report file
		return fmt.Errorf("write stats: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}
