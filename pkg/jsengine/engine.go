// Package jsengine runs JavaScript step logic against a device.
package jsengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/devicelab-dev/fleet-runner/pkg/core"
	"github.com/devicelab-dev/fleet-runner/pkg/logger"
)

// Device is what scripts drive through the global "device" object.
type Device interface {
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, from, to core.Point, durationMs int) error
	PressKey(ctx context.Context, code int) error
	Shell(ctx context.Context, cmd string) (string, error)
	Wait(ctx context.Context, d time.Duration) error
	World() core.World
	TapImage(ctx context.Context, name string, timeout time.Duration) (bool, error)
	WaitForImage(ctx context.Context, name string, timeout time.Duration) (bool, error)
}

// defaultImageTimeout applies when a script omits the timeout argument.
const defaultImageTimeout = 5 * time.Second

// Engine wraps a goja runtime bound to one device.
type Engine struct {
	runtime *goja.Runtime
	device  Device
	output  map[string]interface{}
	mu      sync.Mutex

	// Valid only during Run
	ctx    context.Context
	timers *timerQueue
}

// timerQueue holds setTimeout callbacks. They run after the main script,
// in due order, on the goroutine that called Run.
type timerQueue struct {
	nextID  int
	pending map[int]*timer
}

type timer struct {
	id  int
	due time.Time
	fn  goja.Callable
}

// New creates an engine for device.
func New(device Device) *Engine {
	e := &Engine{
		runtime: goja.New(),
		device:  device,
		output:  make(map[string]interface{}),
		ctx:     context.Background(),
	}
	e.setupBuiltins()
	return e
}

func (e *Engine) setupBuiltins() {
	e.setupConsole()
	e.setupTimers()
	_ = e.runtime.Set("json", e.jsonFunc())
	_ = e.runtime.Set("output", e.output)
	_ = e.runtime.Set("sleep", func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		e.check(e.device.Wait(e.ctx, time.Duration(ms)*time.Millisecond))
		return goja.Undefined()
	})
	_ = e.runtime.Set("device", e.deviceObject())
}

// setupConsole routes console output to the log.
func (e *Engine) setupConsole() {
	makeConsoleFunc := func(log func(string, ...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			log("[js] %s", strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	console := e.runtime.NewObject()
	_ = console.Set("log", makeConsoleFunc(logger.Info))
	_ = console.Set("info", makeConsoleFunc(logger.Info))
	_ = console.Set("debug", makeConsoleFunc(logger.Debug))
	_ = console.Set("warn", makeConsoleFunc(logger.Warn))
	_ = console.Set("error", makeConsoleFunc(logger.Error))
	_ = e.runtime.Set("console", console)
}

func (e *Engine) setupTimers() {
	_ = e.runtime.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(e.runtime.NewTypeError("first argument must be a function"))
		}
		if e.timers == nil {
			panic(e.runtime.NewTypeError("setTimeout is only available while a script runs"))
		}
		delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
		e.timers.nextID++
		id := e.timers.nextID
		e.timers.pending[id] = &timer{id: id, due: time.Now().Add(delay), fn: fn}
		return e.runtime.ToValue(id)
	})

	_ = e.runtime.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		if e.timers != nil {
			delete(e.timers.pending, int(call.Argument(0).ToInteger()))
		}
		return goja.Undefined()
	})
}

// jsonFunc returns the json() helper that parses a JSON string.
func (e *Engine) jsonFunc() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			panic(e.runtime.NewTypeError("json requires 1 argument"))
		}
		parse, _ := goja.AssertFunction(e.runtime.Get("JSON").ToObject(e.runtime).Get("parse"))
		v, err := parse(goja.Undefined(), call.Arguments[0])
		if err != nil {
			panic(e.runtime.NewTypeError(fmt.Sprintf("invalid JSON: %v", err)))
		}
		return v
	}
}

// deviceObject builds the "device" global.
func (e *Engine) deviceObject() *goja.Object {
	obj := e.runtime.NewObject()

	_ = obj.Set("tap", func(call goja.FunctionCall) goja.Value {
		e.check(e.device.Tap(e.ctx, e.intArg(call, 0), e.intArg(call, 1)))
		return goja.Undefined()
	})

	_ = obj.Set("swipe", func(call goja.FunctionCall) goja.Value {
		from := core.Point{X: e.intArg(call, 0), Y: e.intArg(call, 1)}
		to := core.Point{X: e.intArg(call, 2), Y: e.intArg(call, 3)}
		ms := 300
		if len(call.Arguments) > 4 {
			ms = e.intArg(call, 4)
		}
		e.check(e.device.Swipe(e.ctx, from, to, ms))
		return goja.Undefined()
	})

	_ = obj.Set("pressKey", func(call goja.FunctionCall) goja.Value {
		e.check(e.device.PressKey(e.ctx, e.intArg(call, 0)))
		return goja.Undefined()
	})

	_ = obj.Set("shell", func(call goja.FunctionCall) goja.Value {
		out, err := e.device.Shell(e.ctx, call.Argument(0).String())
		e.check(err)
		return e.runtime.ToValue(out)
	})

	_ = obj.Set("tapImage", func(call goja.FunctionCall) goja.Value {
		found, err := e.device.TapImage(e.ctx, call.Argument(0).String(), e.timeoutArg(call, 1))
		e.check(err)
		return e.runtime.ToValue(found)
	})

	_ = obj.Set("waitForImage", func(call goja.FunctionCall) goja.Value {
		found, err := e.device.WaitForImage(e.ctx, call.Argument(0).String(), e.timeoutArg(call, 1))
		e.check(err)
		return e.runtime.ToValue(found)
	})

	obj.DefineAccessorProperty("world", e.runtime.ToValue(func() map[string]interface{} {
		w := e.device.World()
		return map[string]interface{}{"serverStart": w.ServerStart, "serverEnd": w.ServerEnd}
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	return obj
}

func (e *Engine) intArg(call goja.FunctionCall, i int) int {
	if len(call.Arguments) <= i {
		panic(e.runtime.NewTypeError(fmt.Sprintf("missing argument %d", i+1)))
	}
	return int(call.Arguments[i].ToInteger())
}

func (e *Engine) timeoutArg(call goja.FunctionCall, i int) time.Duration {
	if len(call.Arguments) <= i || goja.IsUndefined(call.Arguments[i]) {
		return defaultImageTimeout
	}
	return time.Duration(call.Arguments[i].ToInteger()) * time.Millisecond
}

// check turns a device error into a JS exception.
func (e *Engine) check(err error) {
	if err != nil {
		panic(e.runtime.NewGoError(err))
	}
}

// Output returns a copy of the values scripts stored on "output".
func (e *Engine) Output() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	source := e.output
	if v := e.runtime.Get("output"); v != nil && !goja.IsUndefined(v) {
		if m, ok := v.Export().(map[string]interface{}); ok {
			source = m
		}
	}
	result := make(map[string]interface{}, len(source))
	for k, v := range source {
		result[k] = v
	}
	return result
}

// Run executes src, then any pending timers, and returns the exported
// completion value. Cancelling ctx interrupts the script.
func (e *Engine) Run(ctx context.Context, src string) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ctx = ctx
	e.timers = &timerQueue{pending: make(map[int]*timer)}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			e.runtime.Interrupt(ctx.Err())
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-done
		e.runtime.ClearInterrupt()
		e.timers = nil
		e.ctx = context.Background()
	}()

	result, err := e.runtime.RunString(src)
	if err == nil {
		err = e.drainTimers(ctx)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("JS runtime error: %w", unwrap(err))
	}
	if result == nil {
		return nil, nil
	}
	return result.Export(), nil
}

func (e *Engine) drainTimers(ctx context.Context) error {
	for len(e.timers.pending) > 0 {
		queue := make([]*timer, 0, len(e.timers.pending))
		for _, t := range e.timers.pending {
			queue = append(queue, t)
		}
		sort.Slice(queue, func(i, j int) bool {
			if queue[i].due.Equal(queue[j].due) {
				return queue[i].id < queue[j].id
			}
			return queue[i].due.Before(queue[j].due)
		})
		next := queue[0]
		delete(e.timers.pending, next.id)

		if err := e.device.Wait(ctx, time.Until(next.due)); err != nil {
			return err
		}
		if _, err := next.fn(goja.Undefined()); err != nil {
			return err
		}
	}
	return nil
}

// unwrap surfaces the Go error behind a thrown GoError.
func unwrap(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if obj, ok := ex.Value().(*goja.Object); ok {
			if v := obj.Get("value"); v != nil {
				if goErr, ok := v.Export().(error); ok {
					return goErr
				}
			}
		}
	}
	return err
}
