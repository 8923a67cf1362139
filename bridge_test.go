package pagetap

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(p *fakePage) *bridge {
	return &bridge{
		ctx:     context.Background(),
		page:    func() (Page, error) { return p, nil },
		timeout: func() time.Duration { return time.Second },
	}
}

func TestBridge_SendArgument(t *testing.T) {
	p := newFakePage()
	b := newTestBridge(p)
	require.NoError(t, b.sendArgument(map[string]any{"a": []any{1, "x"}}))
	assert.JSONEq(t, `{"a":[1,"x"]}`, string(p.argument))
	assert.Equal(t, `function() { globalThis.__pagetap_argument = {"a":[1,"x"]}; }`, p.evals[0])
}

func TestBridge_SendArgumentUnencodable(t *testing.T) {
	b := newTestBridge(newFakePage())
	err := b.sendArgument(func() {})
	assert.ErrorIs(t, err, ErrUnsupportedArgumentType)
}

func TestBridge_Resolve(t *testing.T) {
	p := newFakePage()
	p.eval = func(string) (any, error) { return "from page", nil }
	b := newTestBridge(p)

	v, err := b.resolve("s")
	require.NoError(t, err)
	assert.Equal(t, "s", v)

	v, err = b.resolve(7)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = b.resolve(JS(`function() { return 1 }`))
	require.NoError(t, err)
	assert.Equal(t, "from page", v)

	d := NewDeferred()
	d.Write("known")
	v, err = b.resolve(d)
	require.NoError(t, err)
	assert.Equal(t, "known", v)

	_, err = b.resolve(nil)
	assert.ErrorIs(t, err, ErrUnsupportedArgumentType)
	_, err = b.resolve([]string{"a"})
	assert.ErrorIs(t, err, ErrUnsupportedArgumentType)
}

func TestBridge_ReresolveRecomputes(t *testing.T) {
	b := newTestBridge(newFakePage())
	n := 0
	d := Computed(func() (any, error) {
		n++
		return n, nil
	})
	d.Write(100)

	v, err := b.resolve(d)
	require.NoError(t, err)
	assert.Equal(t, 100, v, "resolve reads the known value")

	v, err = b.reresolve(d)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "reresolve recomputes")

	_, err = b.reresolve("static")
	assert.ErrorIs(t, err, ErrUnsupportedArgumentType)
}

func TestBridge_InvokeHelperNullForHandles(t *testing.T) {
	p := newFakePage()
	p.helper = func(selector, method string, args []any) (any, error) {
		return nil, nil
	}
	b := newTestBridge(p)
	v, err := b.invokeHelper("a", "click", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.JSONEq(t, `{"selector":"a","method":"click","args":[]}`, string(p.argument))
}

func TestBridge_Run(t *testing.T) {
	p := newFakePage()
	p.run = func(fn string, args []any) (any, error) {
		return map[string]any{"fn": fn, "n": len(args)}, nil
	}
	b := newTestBridge(p)
	v, err := b.run(JS(`function(x) { return x }`), []any{"a", 2})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Contains(t, m["fn"], "return x")
	assert.Equal(t, float64(2), m["n"])
}

func TestDecodeResult(t *testing.T) {
	v, err := decodeResult("f", json.RawMessage(""))
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = decodeResult("f", json.RawMessage("undefined"))
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = decodeResult("f", json.RawMessage(`{"a":[1,true,null]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []any{float64(1), true, nil}}, v)

	_, err = decodeResult("f", json.RawMessage("{oops"))
	var evalErr *EvaluationError
	assert.ErrorAs(t, err, &evalErr)
}
