//go:build v8

package jsengine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/localworker/internal/core"
)

const engineName = "v8"

// stageGlobal holds the SharedArrayBuffer a write is staged through.
const stageGlobal = "__lw_sab_stage"

// v8VM is one isolate with a single context.
type v8VM struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ vm = (*v8VM)(nil)

func newVM(cfg core.EngineConfig) (vm, error) {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heap := uint64(cfg.MemoryLimitMB) << 20
		iso = v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	} else {
		iso = v8.NewIsolate()
	}
	return &v8VM{iso: iso, ctx: v8.NewContext(iso)}, nil
}

// run evaluates js as a classic script named origin.
func (m *v8VM) run(js, origin string) (*v8.Value, error) {
	return m.ctx.RunScript(js, origin)
}

func (m *v8VM) Eval(js string) error {
	_, err := m.run(js, "eval.js")
	return err
}

func (m *v8VM) EvalString(js string) (string, error) {
	v, err := m.run(js, "eval.js")
	if err != nil || v == nil {
		return "", err
	}
	return v.String(), nil
}

func (m *v8VM) EvalBool(js string) (bool, error) {
	v, err := m.run(js, "eval.js")
	if err != nil || v == nil {
		return false, err
	}
	return v.Boolean(), nil
}

func (m *v8VM) EvalInt(js string) (int, error) {
	v, err := m.run(js, "eval.js")
	if err != nil || v == nil {
		return 0, err
	}
	return int(v.Integer()), nil
}

// RegisterFunc exposes fn as globalThis[name]. fn takes string, int, int64,
// float64 or bool arguments and returns nothing, one such value, or a value
// and an error. A non-nil error is thrown into the script as a TypeError,
// and so is a call with too few arguments.
func (m *v8VM) RegisterFunc(name string, fn any) error {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return fmt.Errorf("jsengine: %s is a %T, not a function", name, fn)
	}

	tmpl := v8.NewFunctionTemplate(m.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < ft.NumIn() {
			m.throwTypeError(fmt.Sprintf("%s: want %d argument(s), got %d", name, ft.NumIn(), len(args)))
			return nil
		}
		in := make([]reflect.Value, ft.NumIn())
		for i := range in {
			in[i] = fromJS(args[i], ft.In(i))
		}
		out := fv.Call(in)
		if len(out) == 0 {
			return nil
		}
		if len(out) == 2 && !out[1].IsNil() {
			m.throwTypeError(out[1].Interface().(error).Error())
			return nil
		}
		v, err := m.toJS(out[0].Interface())
		if err != nil {
			m.throwTypeError(err.Error())
			return nil
		}
		return v
	})
	return m.ctx.Global().Set(name, tmpl.GetFunction(m.ctx))
}

// throwTypeError throws an instance of the context's TypeError, falling back
// to a bare string when the constructor is unreachable.
func (m *v8VM) throwTypeError(msg string) {
	jsMsg, _ := v8.NewValue(m.iso, msg)
	if ctor, err := m.ctx.Global().Get("TypeError"); err == nil {
		if fn, err := ctor.AsFunction(); err == nil {
			if exc, err := fn.NewInstance(jsMsg); err == nil {
				m.iso.ThrowException(exc.Value)
				return
			}
		}
	}
	m.iso.ThrowException(jsMsg)
}

func (m *v8VM) SetGlobal(name string, value any) error {
	v, err := m.toJS(value)
	if err != nil {
		return fmt.Errorf("jsengine: global %s: %w", name, err)
	}
	return m.ctx.Global().Set(name, v)
}

func (m *v8VM) RunMicrotasks() { m.ctx.PerformMicrotaskCheckpoint() }

// Interrupt terminates the running script. Safe from any goroutine.
func (m *v8VM) Interrupt() { m.iso.TerminateExecution() }

func (m *v8VM) Close() error {
	m.ctx.Close()
	m.iso.Dispose()
	return nil
}

func (m *v8VM) BinaryMode() string { return "sab" }

// ReadBinaryFromJS takes the SharedArrayBuffer at globalThis[globalName].
func (m *v8VM) ReadBinaryFromJS(globalName string) ([]byte, error) {
	v, err := m.ctx.Global().Get(globalName)
	if err != nil {
		return nil, fmt.Errorf("jsengine: reading %s: %w", globalName, err)
	}
	data, release, err := v.SharedArrayBufferGetContents()
	if err != nil {
		return nil, fmt.Errorf("jsengine: %s is not a SharedArrayBuffer: %w", globalName, err)
	}
	out := append([]byte(nil), data...)
	release()
	_, _ = m.run(fmt.Sprintf("delete globalThis[%q];", globalName), "take.js")
	return out, nil
}

// WriteBinaryToJS leaves a fresh ArrayBuffer holding data at
// globalThis[globalName]. The bytes cross through a staged
// SharedArrayBuffer, the only buffer whose memory Go can reach.
func (m *v8VM) WriteBinaryToJS(globalName string, data []byte) error {
	alloc := fmt.Sprintf("globalThis.%s = new SharedArrayBuffer(%d);", stageGlobal, len(data))
	if _, err := m.run(alloc, "stage.js"); err != nil {
		return fmt.Errorf("jsengine: staging %d bytes: %w", len(data), err)
	}
	if len(data) > 0 {
		if err := m.fillStage(data); err != nil {
			_, _ = m.run("delete globalThis."+stageGlobal+";", "stage.js")
			return err
		}
	}
	publish := fmt.Sprintf(`(function() {
		var sab = globalThis.%[1]s;
		delete globalThis.%[1]s;
		var buf = new ArrayBuffer(sab.byteLength);
		new Uint8Array(buf).set(new Uint8Array(sab));
		globalThis[%[2]q] = buf;
	})()`, stageGlobal, globalName)
	if _, err := m.run(publish, "stage.js"); err != nil {
		return fmt.Errorf("jsengine: publishing %s: %w", globalName, err)
	}
	return nil
}

func (m *v8VM) fillStage(data []byte) error {
	v, err := m.ctx.Global().Get(stageGlobal)
	if err != nil {
		return fmt.Errorf("jsengine: reading stage buffer: %w", err)
	}
	buf, release, err := v.SharedArrayBufferGetContents()
	if err != nil {
		return fmt.Errorf("jsengine: stage buffer: %w", err)
	}
	copy(buf, data)
	release()
	return nil
}

// fromJS converts a call argument to the parameter type t.
func fromJS(v *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(v.String())
	case reflect.Int:
		return reflect.ValueOf(int(v.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(v.Integer())
	case reflect.Float64:
		return reflect.ValueOf(v.Number())
	case reflect.Bool:
		return reflect.ValueOf(v.Boolean())
	}
	return reflect.Zero(t)
}

// toJS converts a Go value for the script. Anything beyond the scalar types
// is marshaled to JSON and parsed on the JS side.
func (m *v8VM) toJS(value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(m.iso), nil
	case *v8.Value:
		return v, nil
	case string, float64, bool:
		return v8.NewValue(m.iso, v)
	case int:
		return v8.NewValue(m.iso, float64(v))
	case int64:
		return v8.NewValue(m.iso, float64(v))
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return m.run("JSON.parse("+strconv.Quote(string(data))+")", "value.js")
}
