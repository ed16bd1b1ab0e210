// Package sandbox executes extension code inside a capability-based
// goja runtime. The runtime starts empty: no DOM, no Node globals, no
// ambient network or storage. Everything an extension can touch is
// injected explicitly as a read-only binding, and the browser globals
// it might probe for are replaced with trapped accessors that log the
// attempt and yield undefined.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrClosed is returned by calls against a closed instance.
var ErrClosed = errors.New("sandbox instance is closed")

// ErrNoSuchFunction is returned when the requested export is absent or
// not callable.
var ErrNoSuchFunction = errors.New("extension does not export the requested function")

// deniedGlobals are the host-environment names extensions commonly
// probe for. Reads resolve to undefined and are logged as violations,
// so a probing extension degrades instead of crashing, while the log
// keeps the evidence.
var deniedGlobals = []string{
	"window", "document", "navigator", "location", "globalThis",
	"XMLHttpRequest", "fetch", "WebSocket",
	"localStorage", "sessionStorage", "indexedDB",
	"process", "require", "Worker", "importScripts",
}

// Options configures an instance.
type Options struct {
	// ExtensionID labels log lines and interrupt reasons.
	ExtensionID string
	Logger      *slog.Logger
	// Bindings are installed as read-only globals before the code runs.
	Bindings map[string]any
}

// Instance is one loaded extension runtime. All entry into the VM is
// serialized by mu: goja runtimes are not safe for concurrent use.
type Instance struct {
	rt      *goja.Runtime
	exports *goja.Object
	logger  *slog.Logger
	extID   string

	mu      sync.Mutex
	closed  bool
	timers  map[int64]*time.Timer
	timerID int64
}

// Instantiate compiles and runs source in a fresh sandboxed runtime and
// captures its module exports. The source runs with CommonJS-shaped
// module/exports objects; capability functions are read off
// module.exports afterwards.
func Instantiate(source string, opts Options) (*Instance, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("extension", opts.ExtensionID)

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	in := &Instance{
		rt:     rt,
		logger: logger,
		extID:  opts.ExtensionID,
		timers: make(map[int64]*time.Timer),
	}

	// The module body may schedule zero-delay timers; their callbacks
	// block on mu, so holding it until instantiation completes keeps
	// them out of the runtime while RunProgram is still inside it.
	in.mu.Lock()
	defer in.mu.Unlock()

	for _, name := range deniedGlobals {
		if err := in.trapGlobal(name); err != nil {
			return nil, fmt.Errorf("deny global %s: %w", name, err)
		}
	}

	if err := in.installConsole(); err != nil {
		return nil, err
	}
	if err := in.installTimers(); err != nil {
		return nil, err
	}

	for name, binding := range opts.Bindings {
		if err := in.defineReadOnly(name, rt.ToValue(binding)); err != nil {
			return nil, fmt.Errorf("install binding %s: %w", name, err)
		}
	}

	exports := rt.NewObject()
	module := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("set up module object: %w", err)
	}
	if err := in.defineReadOnly("module", module); err != nil {
		return nil, fmt.Errorf("set up module object: %w", err)
	}
	if err := in.defineReadOnly("exports", exports); err != nil {
		return nil, fmt.Errorf("set up module object: %w", err)
	}

	// Discarded instances must not leave armed timers behind: their
	// callbacks would fire into a runtime nobody owns.
	fail := func(err error) (*Instance, error) {
		in.closed = true
		for id, t := range in.timers {
			t.Stop()
			delete(in.timers, id)
		}
		return nil, err
	}

	prog, err := goja.Compile(opts.ExtensionID+".js", source, true)
	if err != nil {
		return fail(fmt.Errorf("extension code does not compile: %w", err))
	}
	if _, err := rt.RunProgram(prog); err != nil {
		return fail(fmt.Errorf("extension code failed to initialize: %w", err))
	}

	// Code may have reassigned module.exports wholesale.
	final := module.Get("exports")
	obj, ok := final.(*goja.Object)
	if !ok || obj == nil {
		return fail(fmt.Errorf("extension did not leave an object on module.exports"))
	}
	in.exports = obj

	return in, nil
}

// trapGlobal replaces a denied name with an accessor whose getter logs
// the access and returns undefined.
func (in *Instance) trapGlobal(name string) error {
	getter := in.rt.ToValue(func(goja.FunctionCall) goja.Value {
		in.logger.Warn("sandbox violation: denied global accessed", "global", name)
		return goja.Undefined()
	})
	return in.rt.GlobalObject().DefineAccessorProperty(name, getter, nil, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

// defineReadOnly installs a non-writable, non-configurable global.
func (in *Instance) defineReadOnly(name string, val goja.Value) error {
	return in.rt.GlobalObject().DefineDataProperty(name, val, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func (in *Instance) installConsole() error {
	console := in.rt.NewObject()
	for method, level := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		level := level
		fn := func(call goja.FunctionCall) goja.Value {
			parts := make([]any, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.Export())
			}
			in.logger.Log(context.Background(), level, fmt.Sprint(parts...), "source", "console")
			return goja.Undefined()
		}
		if err := console.Set(method, fn); err != nil {
			return fmt.Errorf("install console: %w", err)
		}
	}
	return in.defineReadOnly("console", console)
}

// installTimers provides setTimeout/clearTimeout. Callbacks re-enter
// the VM under the instance mutex, so they never race a capability
// call. Only function callbacks are accepted.
func (in *Instance) installTimers() error {
	setTimeout := func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(in.rt.NewTypeError("setTimeout requires a function callback"))
		}
		delay := call.Argument(1).ToInteger()
		if delay < 0 {
			delay = 0
		}

		in.timerID++
		id := in.timerID
		in.timers[id] = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			in.mu.Lock()
			defer in.mu.Unlock()
			if in.closed {
				return
			}
			delete(in.timers, id)
			if _, err := fn(goja.Undefined()); err != nil {
				in.logger.Warn("timer callback failed", "error", err)
			}
		})
		return in.rt.ToValue(id)
	}

	clearTimeout := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		if t, ok := in.timers[id]; ok {
			t.Stop()
			delete(in.timers, id)
		}
		return goja.Undefined()
	}

	if err := in.defineReadOnly("setTimeout", in.rt.ToValue(setTimeout)); err != nil {
		return fmt.Errorf("install timers: %w", err)
	}
	if err := in.defineReadOnly("clearTimeout", in.rt.ToValue(clearTimeout)); err != nil {
		return fmt.Errorf("install timers: %w", err)
	}
	return nil
}

// Has reports whether the extension exports a callable with this name.
func (in *Instance) Has(name string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || in.exports == nil {
		return false
	}
	_, ok := goja.AssertFunction(in.exports.Get(name))
	return ok
}

// Call invokes an exported capability function and returns its result
// as JSON. Cancelling ctx interrupts the VM mid-execution. Promise
// results are awaited, which lets extensions use async functions backed
// by setTimeout.
func (in *Instance) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, ErrClosed
	}

	fn, ok := goja.AssertFunction(in.exports.Get(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchFunction, name)
	}

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			in.rt.Interrupt(fmt.Sprintf("call to %s cancelled: %v", name, ctx.Err()))
		case <-watchDone:
		}
	}()
	defer in.rt.ClearInterrupt()

	vals := make([]goja.Value, 0, len(args))
	for _, a := range args {
		vals = append(vals, in.rt.ToValue(a))
	}

	res, err := fn(goja.Undefined(), vals...)
	if err != nil {
		return nil, fmt.Errorf("extension call %s failed: %w", name, err)
	}

	if p, ok := res.Export().(*goja.Promise); ok {
		res, err = in.awaitLocked(ctx, name, p)
		if err != nil {
			return nil, err
		}
	}

	out, err := json.Marshal(res.Export())
	if err != nil {
		return nil, fmt.Errorf("extension call %s returned unserializable value: %w", name, err)
	}
	return out, nil
}

// awaitLocked waits for a pending promise while periodically releasing
// the mutex so timer callbacks can run and settle it.
func (in *Instance) awaitLocked(ctx context.Context, name string, p *goja.Promise) (goja.Value, error) {
	for p.State() == goja.PromiseStatePending {
		in.mu.Unlock()
		select {
		case <-ctx.Done():
			in.mu.Lock()
			return nil, fmt.Errorf("extension call %s cancelled: %w", name, ctx.Err())
		case <-time.After(time.Millisecond):
		}
		in.mu.Lock()
		if in.closed {
			return nil, ErrClosed
		}
	}
	if p.State() == goja.PromiseStateRejected {
		return nil, fmt.Errorf("extension call %s rejected: %s", name, p.Result().String())
	}
	return p.Result(), nil
}

// Close interrupts any running code, stops pending timers, and marks
// the instance unusable. Safe to call more than once.
func (in *Instance) Close() {
	in.rt.Interrupt("extension unloaded")
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	for id, t := range in.timers {
		t.Stop()
		delete(in.timers, id)
	}
	in.rt.ClearInterrupt()
	in.logger.Debug("sandbox instance closed")
}
