// Package script defines the step scripts a run executes and parses them from YAML.
package script

import (
	"context"
	"strconv"
	"time"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/session"
)

// Default step policy.
const (
	DefaultRetry   = 3
	DefaultTimeout = 10 * time.Second
	DefaultEvery   = 5
)

// Script is an ordered, immutable list of steps plus its configuration.
type Script struct {
	SourcePath string
	Config     Config
	Steps      []Step
}

// Config is the script header document.
type Config struct {
	Name        string                `yaml:"name"`
	App         App                   `yaml:"app"`
	Defaults    Defaults              `yaml:"defaults"`
	Checkpoints CheckpointPolicy      `yaml:"checkpoints"`
	Seasons     map[string]core.Point `yaml:"seasons"` // Tap point overrides per season
	World       core.World            `yaml:"world"`   // Default world when the caller passes none
}

// App identifies the application under automation.
type App struct {
	Package  string `yaml:"package"`
	Activity string `yaml:"activity"`
}

// Defaults apply to steps that leave the field unset.
type Defaults struct {
	Retry     int `yaml:"retry"`
	TimeoutMs int `yaml:"timeoutMs"`
}

// CheckpointPolicy decides where automatic checkpoints are stored.
type CheckpointPolicy struct {
	Every int      `yaml:"every"` // Every N completed steps; 0 disables
	Steps []string `yaml:"steps"` // After these step ids
}

// Step is one unit of the script.
type Step struct {
	ID          string
	Description string
	Action      Action
	Timeout     time.Duration // Per attempt
	Retry       int           // Total attempts
	Line        int
}

// Env is what actions run against.
type Env struct {
	Session *session.Session
	Script  *Script
}

// Action is the behavior of a step. It reports completion with a bool:
// false means "not done yet" and is retried like an error.
type Action interface {
	Kind() string
	Run(ctx context.Context, env *Env) (bool, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, env *Env) (bool, error)

// Kind implements Action.
func (f ActionFunc) Kind() string { return "func" }

// Run implements Action.
func (f ActionFunc) Run(ctx context.Context, env *Env) (bool, error) { return f(ctx, env) }

// Index returns the position of the step with id, or -1.
func (s *Script) Index(id string) int {
	for i, st := range s.Steps {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// Len returns the number of steps.
func (s *Script) Len() int {
	return len(s.Steps)
}

// ShouldCheckpoint reports whether completing step i stores an automatic checkpoint.
func (s *Script) ShouldCheckpoint(i int) bool {
	if i < 0 || i >= len(s.Steps) {
		return false
	}
	if every := s.Config.Checkpoints.Every; every > 0 && (i+1)%every == 0 {
		return true
	}
	for _, id := range s.Config.Checkpoints.Steps {
		if id == s.Steps[i].ID {
			return true
		}
	}
	return false
}

// New builds a script from steps, filling ids, retry and timeout defaults.
func New(cfg Config, steps ...Step) (*Script, error) {
	s := &Script{Config: cfg, Steps: steps}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Script) normalize() error {
	retry := s.Config.Defaults.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}
	timeout := DefaultTimeout
	if s.Config.Defaults.TimeoutMs > 0 {
		timeout = time.Duration(s.Config.Defaults.TimeoutMs) * time.Millisecond
	}

	seen := make(map[string]int, len(s.Steps))
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.ID == "" {
			st.ID = autoID(i)
		}
		if prev, dup := seen[st.ID]; dup {
			return &ParseError{
				Path:    s.SourcePath,
				Line:    st.Line,
				Message: "duplicate step id " + st.ID + " (first used by step " + strconv.Itoa(prev+1) + ")",
			}
		}
		seen[st.ID] = i
		if st.Retry == 0 {
			st.Retry = retry
		}
		if st.Timeout == 0 {
			st.Timeout = timeout
		}
		if st.Action == nil {
			return &ParseError{Path: s.SourcePath, Line: st.Line, Message: "step " + st.ID + " has no action"}
		}
	}
	return nil
}

func autoID(i int) string {
	return "step" + strconv.Itoa(i+1)
}

// Images returns the reference names an action looks for.
func Images(a Action) []string {
	switch a := a.(type) {
	case *TapImage:
		return []string{a.Image}
	case *WaitForImage:
		return []string{a.Image}
	case *TapUntilImage:
		return []string{a.Image}
	case *PreferImage:
		return []string{a.Prefer, a.Fallback}
	case *PressKeyUntilImage:
		return []string{a.Image}
	}
	return nil
}
