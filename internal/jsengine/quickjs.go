//go:build !v8

package jsengine

import (
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"

	"github.com/cryguy/localworker/internal/core"
)

// engineName is reported in internal diagnostics.
const engineName = "quickjs"

// qjsRuntime implements core.JSRuntime for the QuickJS engine.
type qjsRuntime struct {
	vm       *quickjs.VM
	tls      *libc.TLS // cached from VM internals for direct C API access
	ctx      uintptr   // cached JSContext pointer for direct C API access
	cRuntime uintptr   // cached JSRuntime pointer for the job queue
}

var _ vm = (*qjsRuntime)(nil)

// newVM creates a QuickJS VM limited by cfg.
func newVM(cfg core.EngineConfig) (vm, error) {
	v, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if cfg.MemoryLimitMB > 0 {
		v.SetMemoryLimit(uintptr(cfg.MemoryLimitMB) * 1024 * 1024)
	}
	r := &qjsRuntime{vm: v}
	if err := r.extractInternals(); err != nil {
		v.Close()
		return nil, fmt.Errorf("QuickJS binary transfer unavailable: %w", err)
	}
	if cfg.MaxStackKB > 0 {
		lib.XJS_SetMaxStackSize(r.tls, r.cRuntime, lib.Tsize_t(cfg.MaxStackKB)*1024)
	}
	return r, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *qjsRuntime) EvalInt(js string) (int, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return 0, err
	}
	switch v := result.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", result)
	}
}

// RegisterFunc registers a Go function as a global JavaScript function.
// The QuickJS wrapper returns multi-value results as JS arrays, so (T, error)
// returns are unwrapped here: T on success, a thrown TypeError otherwise.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError(String(r[1]));
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal sets a global property on the VM's global object.
func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks pumps the QuickJS job queue. The Go wrapper never calls
// JS_ExecutePendingJob itself, so Promise callbacks only run from here.
func (r *qjsRuntime) RunMicrotasks() {
	for lib.XJS_ExecutePendingJob(r.tls, r.cRuntime, 0) > 0 {
	}
}

// Interrupt aborts the running script from another goroutine.
func (r *qjsRuntime) Interrupt() { r.vm.Interrupt() }

// Close releases the VM.
func (r *qjsRuntime) Close() error {
	r.vm.Close()
	return nil
}

// BinaryMode returns "ab": QuickJS uses plain ArrayBuffer for binary transfer.
func (r *qjsRuntime) BinaryMode() string { return "ab" }

// extractInternals uses reflect+unsafe to cache the VM's tls, JSContext and
// JSRuntime pointers.
//
// VM struct layout (modernc.org/quickjs@v0.17.1):
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func (r *qjsRuntime) extractInternals() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic extracting VM internals: %v", p)
		}
	}()

	vmType := reflect.TypeOf(r.vm).Elem()
	vmPtr := uintptr(unsafe.Pointer(r.vm))

	// cContext is the first field of VM (offset 0).
	r.ctx = *(*uintptr)(unsafe.Pointer(vmPtr))
	if r.ctx == 0 {
		return fmt.Errorf("JSContext is nil")
	}

	rtField, ok := vmType.FieldByName("runtime")
	if !ok {
		return fmt.Errorf("quickjs.VM missing 'runtime' field")
	}
	rtPtr := *(*uintptr)(unsafe.Pointer(vmPtr + rtField.Offset))
	if rtPtr == 0 {
		return fmt.Errorf("runtime pointer is nil")
	}
	r.cRuntime = *(*uintptr)(unsafe.Pointer(rtPtr))
	r.tls = *(**libc.TLS)(unsafe.Pointer(rtPtr + unsafe.Sizeof(uintptr(0))))
	if r.cRuntime == 0 || r.tls == nil {
		return fmt.Errorf("runtime internals are nil")
	}

	// Smoke-test: a trivial C API call verifies the pointers.
	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	lib.XFreeValue(r.tls, r.ctx, glob)
	return nil
}

// WriteBinaryToJS stores a copy of data as an ArrayBuffer at
// globalThis[globalName] with a single JS_NewArrayBufferCopy.
func (r *qjsRuntime) WriteBinaryToJS(globalName string, data []byte) error {
	if len(data) == 0 {
		return r.Eval(fmt.Sprintf("globalThis[%q] = new ArrayBuffer(0);", globalName))
	}

	bufPtr := uintptr(unsafe.Pointer(&data[0]))
	jsVal := lib.XJS_NewArrayBufferCopy(r.tls, r.ctx, bufPtr, lib.Tsize_t(len(data)))

	cName, err := libc.CString(globalName)
	if err != nil {
		lib.XFreeValue(r.tls, r.ctx, jsVal)
		return fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	// JS_SetPropertyStr consumes the val reference; do not free jsVal after.
	ret := lib.XJS_SetPropertyStr(r.tls, r.ctx, glob, cName, jsVal)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	if ret < 0 {
		return fmt.Errorf("setting global %q", globalName)
	}
	return nil
}

// ReadBinaryFromJS copies the ArrayBuffer at globalThis[globalName] into Go
// memory and deletes the global.
func (r *qjsRuntime) ReadBinaryFromJS(globalName string) ([]byte, error) {
	cName, err := libc.CString(globalName)
	if err != nil {
		return nil, fmt.Errorf("allocating property name: %w", err)
	}

	glob := lib.XJS_GetGlobalObject(r.tls, r.ctx)
	jsVal := lib.XJS_GetPropertyStr(r.tls, r.ctx, glob, cName)
	lib.XFreeValue(r.tls, r.ctx, glob)
	libc.Xfree(r.tls, cName)

	var size lib.Tsize_t
	dataPtr := lib.XJS_GetArrayBuffer(r.tls, r.ctx, uintptr(unsafe.Pointer(&size)), jsVal)

	var result []byte
	if dataPtr != 0 && size > 0 {
		result = make([]byte, size)
		copy(result, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))
	}

	lib.XFreeValue(r.tls, r.ctx, jsVal)
	_ = r.Eval(fmt.Sprintf("delete globalThis[%q];", globalName))
	return result, nil
}
