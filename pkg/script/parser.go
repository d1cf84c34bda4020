package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/fleet-runner/pkg/session"
)

// ParseError represents a parsing error with location info.
type ParseError struct {
	Path    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ParseFile parses a script file.
func ParseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is user-provided script file
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses script YAML. A script is either a single steps document or
// a config document followed by "---" and the steps document.
func Parse(data []byte, sourcePath string) (*Script, error) {
	docs, err := documents(data, sourcePath)
	if err != nil {
		return nil, err
	}

	s := &Script{
		SourcePath: sourcePath,
		Config:     Config{Checkpoints: CheckpointPolicy{Every: DefaultEvery}},
	}

	var steps *yaml.Node
	switch len(docs) {
	case 0:
		return nil, &ParseError{Path: sourcePath, Line: 1, Message: "empty script file"}
	case 1:
		steps = docs[0]
	case 2:
		if err := docs[0].Decode(&s.Config); err != nil {
			return nil, &ParseError{Path: sourcePath, Line: docs[0].Line, Message: fmt.Sprintf("invalid config: %v", err)}
		}
		steps = docs[1]
	default:
		return nil, &ParseError{Path: sourcePath, Line: docs[2].Line, Message: "expected at most two documents (config and steps)"}
	}

	if steps.Kind != yaml.SequenceNode {
		return nil, &ParseError{Path: sourcePath, Line: steps.Line, Message: "steps must be a list"}
	}
	for _, node := range steps.Content {
		st, err := parseStep(node, sourcePath)
		if err != nil {
			return nil, err
		}
		s.Steps = append(s.Steps, st)
	}
	if len(s.Steps) == 0 {
		return nil, &ParseError{Path: sourcePath, Line: steps.Line, Message: "script has no steps"}
	}

	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// documents returns the root node of every non-empty YAML document.
func documents(data []byte, sourcePath string) ([]*yaml.Node, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var roots []*yaml.Node
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return roots, nil
		}
		if err != nil {
			return nil, &ParseError{Path: sourcePath, Message: fmt.Sprintf("invalid yaml: %v", err)}
		}
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
			continue
		}
		roots = append(roots, root)
	}
}

func parseStep(node *yaml.Node, sourcePath string) (Step, error) {
	st := Step{Line: node.Line}

	// Handle scalar nodes like "- selectSeason" (no colon, no params)
	if node.Kind == yaml.ScalarNode {
		if !isAction(node.Value) {
			return st, &ParseError{Path: sourcePath, Line: node.Line, Message: fmt.Sprintf("unknown action: %s", node.Value)}
		}
		a, err := decodeAction(node.Value, nil, sourcePath)
		st.Action = a
		return st, err
	}

	if node.Kind != yaml.MappingNode {
		return st, &ParseError{Path: sourcePath, Line: node.Line, Message: "step must be a mapping or action name"}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "id":
			st.ID = val.Value
		case "description":
			st.Description = val.Value
		case "timeoutMs":
			var ms int
			if err := val.Decode(&ms); err != nil {
				return st, wrapParseError(sourcePath, val.Line, err)
			}
			st.Timeout = time.Duration(ms) * time.Millisecond
		case "retry":
			if err := val.Decode(&st.Retry); err != nil {
				return st, wrapParseError(sourcePath, val.Line, err)
			}
		default:
			if !isAction(key.Value) {
				return st, &ParseError{Path: sourcePath, Line: key.Line, Message: fmt.Sprintf("unknown action: %s", key.Value)}
			}
			if st.Action != nil {
				return st, &ParseError{Path: sourcePath, Line: key.Line, Message: fmt.Sprintf("step has more than one action (%s and %s)", st.Action.Kind(), key.Value)}
			}
			a, err := decodeAction(key.Value, val, sourcePath)
			if err != nil {
				return st, err
			}
			st.Action = a
		}
	}
	if st.Action == nil {
		return st, &ParseError{Path: sourcePath, Line: node.Line, Message: "step has no action"}
	}
	return st, nil
}

func isAction(key string) bool {
	switch key {
	case KindTap, KindTapImage, KindSwipe, KindComplexSwipe, KindWaitForImage,
		KindWait, KindPressKey, KindShell, KindStopApp, KindLaunchApp,
		KindTapUntilImage, KindPreferImage, KindPressKeyUntilImage,
		KindSelectSeason, KindSelectServer, KindRunScript:
		return true
	}
	return false
}

// decodeAction builds the action for kind. A nil or scalar value selects
// the shorthand form where the action has one.
//
//nolint:gocyclo
func decodeAction(kind string, val *yaml.Node, sourcePath string) (Action, error) {
	if val == nil {
		val = &yaml.Node{Kind: yaml.MappingNode}
	}
	line := val.Line
	scalar := val.Kind == yaml.ScalarNode

	var a Action
	var err error
	switch kind {
	case KindTap:
		var s Tap
		err = val.Decode(&s)
		a = &s

	case KindTapImage:
		var s TapImage
		if scalar {
			s.Image = val.Value
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindSwipe:
		s := Swipe{DurationMs: 300}
		err = val.Decode(&s)
		a = &s

	case KindComplexSwipe:
		s := ComplexSwipe{DurationMs: 800}
		err = val.Decode(&s)
		a = &s

	case KindWaitForImage:
		var s WaitForImage
		if scalar {
			s.Image = val.Value
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindWait:
		var s Wait
		if scalar {
			s.Ms, err = strconv.Atoi(val.Value)
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindPressKey:
		var s PressKey
		if scalar {
			s.Code, err = strconv.Atoi(val.Value)
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindShell:
		var s Shell
		if scalar {
			s.Command = val.Value
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindStopApp:
		s := StopApp{SettleMs: 2000}
		if scalar {
			s.Package = val.Value
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindLaunchApp:
		s := LaunchApp{SettleMs: 5000}
		if scalar {
			s.Package = val.Value
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindTapUntilImage:
		s := TapUntilImage{Radius: 50, Attempts: 3, TimeoutMs: 4000}
		err = val.Decode(&s)
		a = &s

	case KindPreferImage:
		s := PreferImage{Attempts: 5, IntervalMs: 1000}
		err = val.Decode(&s)
		a = &s

	case KindPressKeyUntilImage:
		s := PressKeyUntilImage{Key: session.KeyEscape, IntervalMs: 10000, Attempts: 10}
		if scalar {
			s.Image = val.Value
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindSelectSeason:
		var s SelectSeason
		if scalar {
			s.Season = val.Value
		} else {
			err = val.Decode(&s)
		}
		a = &s

	case KindSelectServer:
		s := SelectServer{MaxScrolls: 20}
		err = val.Decode(&s)
		a = &s

	case KindRunScript:
		var s RunScript
		if scalar {
			s.File = val.Value
		} else {
			err = val.Decode(&s)
		}
		s.dir = scriptDir(sourcePath)
		a = &s

	default:
		return nil, &ParseError{Path: sourcePath, Line: line, Message: fmt.Sprintf("unknown action: %s", kind)}
	}

	if err != nil {
		return nil, wrapParseError(sourcePath, line, err)
	}
	return a, nil
}

func wrapParseError(path string, line int, err error) error {
	return &ParseError{Path: path, Line: line, Message: err.Error()}
}
