//go:build !v8

package quickjs

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/cryguy/pagetap/internal/core"
	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// Runtime implements core.JSRuntime for the QuickJS engine. A Runtime is not
// safe for concurrent use.
type Runtime struct {
	vm *quickjs.VM

	// Pulled out of the VM so RunMicrotasks can call JS_ExecutePendingJob,
	// which the Go wrapper never does. Zero when extraction failed.
	cRuntime uintptr
	tls      *libc.TLS
}

var _ core.JSRuntime = (*Runtime)(nil)

// New creates a QuickJS runtime. A positive memoryLimitMB caps the heap.
func New(memoryLimitMB int) (*Runtime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}
	r := &Runtime{vm: vm}
	r.cRuntime, r.tls, _ = extractRuntime(vm)
	return r, nil
}

// Eval runs js in global scope.
func (r *Runtime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString runs js and formats its completion value. undefined comes
// back as "".
func (r *Runtime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// RegisterFunc exposes fn as a global. The quickjs package returns a
// (T, error) result as a two-element array, so the global is a small shim
// that returns T or throws the error as a TypeError.
func (r *Runtime) RegisterFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := r.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// SetGlobal assigns a property of globalThis.
func (r *Runtime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// RunMicrotasks settles pending promise jobs, e.g. after a page script
// awaited something.
func (r *Runtime) RunMicrotasks() {
	r.pump()
}

// pump returns the number of jobs run.
func (r *Runtime) pump() int {
	if r.tls == nil {
		return 0
	}
	n := 0
	for lib.XJS_ExecutePendingJob(r.tls, r.cRuntime, 0) > 0 {
		n++
	}
	return n
}

// Close frees the VM.
func (r *Runtime) Close() {
	if r.vm != nil {
		r.vm.Close()
		r.vm = nil
	}
}

// extractRuntime reads the unexported runtime pointer and TLS out of a VM.
// Layout as of modernc.org/quickjs v0.17.1:
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
func extractRuntime(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	rtField := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}
	rtVal := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	crt := rtVal.FieldByName("cRuntime")
	tf := rtVal.FieldByName("tls")
	if !crt.IsValid() || !tf.IsValid() || tf.IsNil() {
		return 0, nil, false
	}
	return uintptr(crt.Uint()), (*libc.TLS)(unsafe.Pointer(tf.Pointer())), true
}
