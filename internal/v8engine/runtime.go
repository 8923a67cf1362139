//go:build v8

// Package v8engine backs embedded pages with V8 when built with -tags v8.
package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/pagetap/internal/core"
)

// Runtime implements core.JSRuntime with one isolate and one context.
type Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*Runtime)(nil)

// New creates an isolate and context. A positive memoryLimitMB caps the
// heap.
func New(memoryLimitMB int) (*Runtime, error) {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &Runtime{iso: iso, ctx: v8.NewContext(iso)}, nil
}

func (r *Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "page.js")
	return err
}

func (r *Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "page.js")
	if err != nil {
		return "", err
	}
	if val == nil || val.IsUndefined() || val.IsNull() {
		return "", nil
	}
	return val.String(), nil
}

// RegisterFunc exposes fn as a global function. fn takes string, int,
// float64 or bool arguments and returns nothing, a value, or a value and an
// error; a non-nil error is thrown as "calling name: err".
func (r *Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("registering %s: expected function, got %T", name, fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			r.throw(fmt.Sprintf("%s requires %d argument(s), got %d", name, fnType.NumIn(), len(args)))
			return nil
		}
		in := make([]reflect.Value, fnType.NumIn())
		for i := range in {
			in[i] = toGo(args[i], fnType.In(i))
		}

		out := fnVal.Call(in)
		switch len(out) {
		case 1:
			return toJS(r.iso, out[0])
		case 2:
			if err, _ := out[1].Interface().(error); err != nil {
				r.throw(fmt.Sprintf("calling %s: %s", name, err))
				return nil
			}
			return toJS(r.iso, out[0])
		}
		return nil
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

func (r *Runtime) throw(msg string) {
	val, _ := v8.NewValue(r.iso, msg)
	r.iso.ThrowException(val)
}

func (r *Runtime) SetGlobal(name string, value any) error {
	val, err := r.value(value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, val)
}

func (r *Runtime) value(value any) (*v8.Value, error) {
	switch v := value.(type) {
	case nil:
		return v8.Undefined(r.iso), nil
	case string:
		return v8.NewValue(r.iso, v)
	case int:
		return v8.NewValue(r.iso, int32(v))
	case float64:
		return v8.NewValue(r.iso, v)
	case bool:
		return v8.NewValue(r.iso, v)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return r.ctx.RunScript("JSON.parse("+strconv.Quote(string(data))+")", "global.js")
}

func (r *Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// Close disposes the context and isolate.
func (r *Runtime) Close() {
	if r.ctx != nil {
		r.ctx.Close()
		r.iso.Dispose()
		r.ctx, r.iso = nil, nil
	}
}

func toGo(val *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	}
	return reflect.Zero(t)
}

func toJS(iso *v8.Isolate, val reflect.Value) *v8.Value {
	var v *v8.Value
	switch val.Kind() {
	case reflect.String:
		v, _ = v8.NewValue(iso, val.String())
	case reflect.Int, reflect.Int32, reflect.Int64:
		v, _ = v8.NewValue(iso, int32(val.Int()))
	case reflect.Float64:
		v, _ = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, _ = v8.NewValue(iso, val.Bool())
	}
	return v
}
