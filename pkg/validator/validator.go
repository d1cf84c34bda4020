// Package validator checks script files before execution.
// It parses every file upfront and reports problems that would otherwise
// only surface mid-run on a device.
package validator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devicelab-dev/fleet-runner/pkg/script"
)

// ValidationError represents a validation error with context.
type ValidationError struct {
	File    string
	Line    int
	Message string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

// Result contains the validation result.
type Result struct {
	// Files is the list of script file paths that parsed.
	Files []string
	// Errors contains all validation errors found.
	Errors []error
}

// IsValid returns true if there are no validation errors.
func (r *Result) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *Result) add(file string, line int, format string, args ...interface{}) {
	r.Errors = append(r.Errors, &ValidationError{File: file, Line: line, Message: fmt.Sprintf(format, args...)})
}

// Validator validates script files.
type Validator struct {
	assets string
}

// New creates a Validator that resolves image references as
// <assets>/<name>.png. An empty assets directory skips the asset check.
func New(assets string) *Validator {
	return &Validator{assets: assets}
}

// Validate validates a file or directory.
func (v *Validator) Validate(path string) *Result {
	result := &Result{}

	info, err := os.Stat(path)
	if err != nil {
		result.add(path, 0, "cannot access: %v", err)
		return result
	}

	var files []string
	if info.IsDir() {
		files, err = v.collectScriptFiles(path)
		if err != nil {
			result.add(path, 0, "failed to scan directory: %v", err)
			return result
		}
	} else {
		files = []string{path}
	}

	for _, file := range files {
		v.validateFile(file, result)
	}
	return result
}

// ValidateScript checks an already parsed script.
func (v *Validator) ValidateScript(s *script.Script) *Result {
	result := &Result{Files: []string{s.SourcePath}}
	v.check(s, result)
	return result
}

// collectScriptFiles finds all .yaml/.yml files in a directory.
func (v *Validator) collectScriptFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

func (v *Validator) validateFile(filePath string, result *Result) {
	s, err := script.ParseFile(filePath)
	if err != nil {
		var pe *script.ParseError
		if errors.As(err, &pe) {
			result.add(filePath, pe.Line, "parse error: %s", pe.Message)
		} else {
			result.add(filePath, 0, "parse error: %v", err)
		}
		return
	}
	result.Files = append(result.Files, filePath)
	v.check(s, result)
}

func (v *Validator) check(s *script.Script, result *Result) {
	file := s.SourcePath
	if s.Config.Defaults.Retry < 0 {
		result.add(file, 0, "defaults.retry must be at least 1, got %d", s.Config.Defaults.Retry)
	}
	for _, id := range s.Config.Checkpoints.Steps {
		if s.Index(id) < 0 {
			result.add(file, 0, "checkpoint step %s does not exist", id)
		}
	}
	for _, name := range sortedKeys(s.Config.Seasons) {
		if _, ok := script.SeasonNamed(name); !ok {
			result.add(file, 0, "unknown season %s in seasons", name)
		}
	}

	missing := make(map[string]bool)
	for _, st := range s.Steps {
		if st.Retry < 1 {
			result.add(file, st.Line, "step %s: retry must be at least 1, got %d", st.ID, st.Retry)
		}
		for _, name := range script.Images(st.Action) {
			if name == "" {
				result.add(file, st.Line, "step %s: %s needs an image", st.ID, st.Action.Kind())
				continue
			}
			if v.assets != "" && !missing[name] && !v.hasImage(name) {
				missing[name] = true
				result.add(file, st.Line, "step %s: image %s not found in %s", st.ID, name, v.assets)
			}
		}

		switch a := st.Action.(type) {
		case *script.SelectSeason:
			if a.Season != "" {
				if _, ok := script.SeasonNamed(a.Season); !ok {
					result.add(file, st.Line, "step %s: unknown season %s", st.ID, a.Season)
				}
			}
		case *script.RunScript:
			if a.Script == "" && a.File == "" {
				result.add(file, st.Line, "step %s: runScript needs a file or an inline script", st.ID)
			} else if p := a.Path(); p != "" {
				if _, err := os.Stat(p); err != nil {
					result.add(file, st.Line, "step %s: script file %s not found", st.ID, p)
				}
			}
		case *script.LaunchApp:
			if a.Package == "" && s.Config.App.Package == "" {
				result.add(file, st.Line, "step %s: no app package configured", st.ID)
			}
		case *script.StopApp:
			if a.Package == "" && s.Config.App.Package == "" {
				result.add(file, st.Line, "step %s: no app package configured", st.ID)
			}
		}
	}
}

func (v *Validator) hasImage(name string) bool {
	_, err := os.Stat(filepath.Join(v.assets, name+".png"))
	return err == nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
