package pagetap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cryguy/pagetap/internal/core"
)

// argumentGlobal is where sendArgument leaves a value for the next call.
const argumentGlobal = "globalThis.__pagetap_argument"

// helperDispatcher applies a named $TJ method to a selector's matches.
// Results that are themselves helper handles do not cross back.
const helperDispatcher = `function() {
	var arg = ` + argumentGlobal + `;
	var obj = $TJ(arg.selector);
	var ret = obj[arg.method].apply(obj, arg.args);
	if (ret instanceof $TJ) {
		return null;
	}
	return ret;
}`

// runDispatcher re-parses a function from its source and applies it to
// window with the JSON arguments sent alongside.
const runDispatcher = `function() {
	var arg = ` + argumentGlobal + `;
	var func = eval('(' + arg.func + ')');
	return func.apply(window, arg.args);
}`

// bridge moves values between the script and the page. Only JSON crosses:
// arguments are encoded with encoding/json and results decoded into nil,
// bool, float64, string, []any or map[string]any.
type bridge struct {
	ctx     context.Context
	page    func() (core.Page, error)
	timeout func() time.Duration
}

func (b *bridge) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(b.ctx, b.timeout())
}

// evaluate runs src, a function expression, in the page.
func (b *bridge) evaluate(src string) (any, error) {
	page, err := b.page()
	if err != nil {
		return nil, err
	}
	ctx, cancel := b.callContext()
	defer cancel()

	raw, err := page.Evaluate(ctx, src)
	if err != nil {
		return nil, err
	}
	return decodeResult(src, raw)
}

func decodeResult(src string, raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "undefined" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, core.NewEvaluationError(src, fmt.Errorf("decoding result: %w", err))
	}
	return v, nil
}

// sendArgument stores v in the page for the next evaluate call.
func (b *bridge) sendArgument(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding argument: %v", ErrUnsupportedArgumentType, err)
	}
	_, err = b.evaluate("function() { " + argumentGlobal + " = " + string(data) + "; }")
	return err
}

// evalFunc transforms fn and runs it in the page.
func (b *bridge) evalFunc(fn JS) (any, error) {
	src, err := transformFunc(fn)
	if err != nil {
		return nil, err
	}
	return b.evaluate(src)
}

// resolve turns arg into a value using what is already known: functions
// run in the page, deferred values are read, primitives pass through.
func (b *bridge) resolve(arg any) (any, error) {
	switch v := arg.(type) {
	case JS:
		return b.evalFunc(v)
	case *Deferred:
		return v.Read()
	}
	if isPrimitive(arg) {
		return arg, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedArgumentType, arg)
}

// reresolve asks the page again: functions rerun and deferred values are
// recomputed. Anything else has no live state to re-evaluate.
func (b *bridge) reresolve(arg any) (any, error) {
	switch v := arg.(type) {
	case JS:
		return b.evalFunc(v)
	case *Deferred:
		return v.Recompute()
	}
	return nil, fmt.Errorf("%w: cannot re-evaluate %T", ErrUnsupportedArgumentType, arg)
}

func (b *bridge) resolveAll(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := b.resolve(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// invokeHelper runs $TJ(selector)[method](args...) in the page.
func (b *bridge) invokeHelper(selector, method string, args []any) (any, error) {
	if args == nil {
		args = []any{}
	}
	err := b.sendArgument(map[string]any{
		"selector": selector,
		"method":   method,
		"args":     args,
	})
	if err != nil {
		return nil, err
	}
	return b.evaluate(helperDispatcher)
}

// run applies fn to args inside the page.
func (b *bridge) run(fn JS, args []any) (any, error) {
	src, err := transformFunc(fn)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	if err := b.sendArgument(map[string]any{"func": src, "args": args}); err != nil {
		return nil, err
	}
	return b.evaluate(runDispatcher)
}

// dispatchDOMEvent delivers eventType to every element matching selector.
func (b *bridge) dispatchDOMEvent(selector, eventType string) (int, error) {
	page, err := b.page()
	if err != nil {
		return 0, err
	}
	ctx, cancel := b.callContext()
	defer cancel()
	return page.DispatchDOMEvent(ctx, selector, eventType)
}
