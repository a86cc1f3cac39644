// Package jsengine hosts JavaScript and TypeScript workers inside the shim.
// Each worker gets its own VM, driven by an eventloop on a dedicated
// goroutine; the shim's Go-side runtime is exposed to the script through a
// small prelude of web-style globals (fetch, Request, Response, Headers,
// addEventListener, console, timers) and a frozen runtime namespace.
package jsengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/cryguy/localworker/internal/bundle"
	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/eventloop"
	"github.com/cryguy/localworker/internal/protocol"
	"github.com/cryguy/localworker/internal/shim"
)

// Options configures the JavaScript loader.
type Options struct {
	// Bundle resolves the entry module's imports into one artifact. When
	// false each file is compiled on its own.
	Bundle bool
	Config core.EngineConfig
}

// ErrScriptTooLarge is returned for compiled scripts over MaxScriptSizeKB.
var ErrScriptTooLarge = errors.New("jsengine: script exceeds the size limit")

// Loader returns a shim.Loader for script files (by extension) and for
// imports that carry their source inline.
func Loader(opts Options) shim.Loader {
	return shim.LoaderFunc(func(_ context.Context, imp protocol.Import) (shim.Script, error) {
		var (
			code string
			err  error
		)
		switch {
		case imp.Code != "":
			name := path.Base(imp.Specifier)
			if !bundle.IsScript(name) {
				name = "worker.js"
			}
			code, err = bundle.Transform(imp.Code, name)
		case bundle.IsScript(imp.Specifier):
			code, err = bundle.Load(imp.Specifier, opts.Bundle)
		default:
			return nil, shim.ErrUnknownSpecifier
		}
		if err != nil {
			return nil, err
		}
		if max := opts.Config.MaxScriptSizeKB; max > 0 && len(code) > max*1024 {
			return nil, fmt.Errorf("%w: %s is %d KB, limit %d KB", ErrScriptTooLarge, imp.Specifier, len(code)/1024, max)
		}
		return &script{specifier: imp.Specifier, code: code, cfg: opts.Config}, nil
	})
}

// script is one compiled worker waiting to run.
type script struct {
	specifier string
	code      string
	cfg       core.EngineConfig
}

func (s *script) Run(ctx context.Context, rt *shim.Runtime) error {
	w := &worker{
		rt:      rt,
		loop:    eventloop.New(),
		events:  make(map[int]*pendingEvent),
		fetches: make(map[int]context.CancelFunc),
		conns:   make(map[int]*connState),
	}
	w.loop.OnError = func(err error) { rt.ReportError(jsError(err)) }

	ready := make(chan error, 1)
	rt.Go(func(ctx context.Context) error { return w.serve(ctx, s.cfg, ready) })
	select {
	case err := <-ready:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return context.Cause(ctx)
	}

	if err := rt.AddEventListener("fetch", w.dispatch); err != nil {
		return err
	}
	return w.loop.Call(ctx, func(core.JSRuntime) error { return w.load(s.code) })
}

// worker is the live state of a running script. Fields other than the maps
// are fixed once serve signals ready.
type worker struct {
	rt   *shim.Runtime
	loop *eventloop.EventLoop
	vm   vm

	mu      sync.Mutex
	nextID  int
	events  map[int]*pendingEvent
	fetches map[int]context.CancelFunc
	conns   map[int]*connState
}

// serve owns the VM: it creates it, installs the globals, then runs the
// event loop until the worker ends.
func (w *worker) serve(ctx context.Context, cfg core.EngineConfig, ready chan<- error) error {
	v, err := newVM(cfg)
	if err != nil {
		ready <- err
		return nil
	}
	defer v.Close()
	w.vm = v
	if err := w.install(); err != nil {
		ready <- fmt.Errorf("installing %s globals: %w", engineName, err)
		return nil
	}
	ready <- nil

	stop := context.AfterFunc(ctx, v.Interrupt)
	defer stop()
	w.loop.Run(ctx, v)
	w.cancelFetches()
	return nil
}

func (w *worker) install() error {
	rt := w.rt
	env, err := json.Marshal(rt.Env().ToObject())
	if err != nil {
		return err
	}
	build, err := json.Marshal(rt.Build())
	if err != nil {
		return err
	}
	caps, err := json.Marshal(rt.Capabilities())
	if err != nil {
		return err
	}
	globals := []struct {
		name  string
		value string
	}{
		{"__lw_binmode", w.vm.BinaryMode()},
		{"__lw_env_json", string(env)},
		{"__lw_build_json", string(build)},
		{"__lw_caps_json", string(caps)},
	}
	for _, g := range globals {
		if err := w.vm.SetGlobal(g.name, g.value); err != nil {
			return fmt.Errorf("setting %s: %w", g.name, err)
		}
	}

	for _, setup := range []func() error{
		w.setupTimers,
		w.setupConsole,
		w.setupEncoding,
		w.setupEvents,
		w.setupFetch,
		w.setupListen,
	} {
		if err := setup(); err != nil {
			return err
		}
	}
	if err := w.vm.Eval(timersJS); err != nil {
		return fmt.Errorf("timers: %w", err)
	}
	return w.vm.Eval(preludeJS)
}

func (w *worker) register(name string, fn any) error {
	if err := w.vm.RegisterFunc(name, fn); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	return nil
}

func (w *worker) setupTimers() error {
	if err := w.register("__timerRegister", func(delayMs int, isInterval bool) int {
		return w.loop.RegisterTimer(time.Duration(delayMs)*time.Millisecond, isInterval)
	}); err != nil {
		return err
	}
	return w.register("__timerClear", func(id int) {
		w.loop.ClearTimer(id)
	})
}

func (w *worker) setupConsole() error {
	if err := w.register("__lw_log", func(level, message string) {
		w.rt.Console().Logf(level, "%s", message)
	}); err != nil {
		return err
	}
	return w.register("__lw_report_error", func(name, message, stack string) {
		w.rt.ReportError(&protocol.Error{Name: name, Message: message, Stack: stack})
	})
}

// load evaluates the compiled script at global scope.
func (w *worker) load(code string) error {
	if err := w.vm.SetGlobal("__lw_source", code); err != nil {
		return err
	}
	result, err := w.vm.EvalString("__lw_load()")
	if err != nil {
		return jsError(err)
	}
	if result == "" {
		return nil
	}
	var info protocol.ErrorInfo
	if err := json.Unmarshal([]byte(result), &info); err != nil {
		return fmt.Errorf("decoding script error: %w", err)
	}
	return info.Err()
}

// post queues js on the loop. It is dropped once the worker has stopped.
func (w *worker) post(fn func() error) {
	_ = w.loop.Post(func(core.JSRuntime) {
		if err := fn(); err != nil {
			w.rt.ReportError(jsError(err))
		}
	})
}

func (w *worker) newID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	return w.nextID
}

func (w *worker) cancelFetches() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, cancel := range w.fetches {
		cancel()
		delete(w.fetches, id)
	}
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// jsError gives engine errors a script-facing name.
func jsError(err error) error {
	var named protocol.Named
	if errors.As(err, &named) {
		return err
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return err
	}
	return &protocol.Error{Name: "Error", Message: err.Error()}
}
