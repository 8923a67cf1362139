package embedded

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/logging"
)

const pageFixture = `<!doctype html>
<html><head><title>Home</title><script src="/app.js"></script></head>
<body>
<h1 id="title">Hello</h1>
<p class="item">one</p><p class="item">two</p>
<div id="gone" style="display:none">secret</div>
<a id="next" href="/next">next</a>
<script>console.log("booted", 1); window.answer = 40 + answerOffset;</script>
</body></html>`

func fixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, "var answerOffset = 2;")
		case "/next":
			fmt.Fprint(w, `<html><head><title>Next</title></head><body><h1 id="title">Next page</h1></body></html>`)
		default:
			fmt.Fprint(w, pageFixture)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type pageProbe struct {
	page     core.Page
	loads    chan error
	consoles chan string
}

func newProbe(t *testing.T) *pageProbe {
	t.Helper()
	d := NewDriver(logging.Discard())
	pg, err := d.NewPage(context.Background(), core.PageConfig{Width: 400, Height: 300, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Release() })

	p := &pageProbe{page: pg, loads: make(chan error, 4), consoles: make(chan string, 8)}
	pg.OnLoad(func(err error) { p.loads <- err })
	pg.OnConsole(func(msg string) { p.consoles <- msg })
	return p
}

func (p *pageProbe) waitLoad(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.loads:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for load")
		return nil
	}
}

func (p *pageProbe) eval(t *testing.T, fn string) any {
	t.Helper()
	raw, err := p.page.Evaluate(context.Background(), fn)
	require.NoError(t, err)
	var v any
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestPage_LoadAndEvaluate(t *testing.T) {
	srv := fixtureServer(t)
	p := newProbe(t)
	ctx := context.Background()

	require.NoError(t, p.page.Open(ctx, srv.URL+"/"))
	require.NoError(t, p.waitLoad(t))

	select {
	case msg := <-p.consoles:
		assert.Equal(t, "booted 1", msg)
	default:
		t.Error("page script did not log")
	}

	assert.Equal(t, srv.URL+"/", p.eval(t, `function() { return location.href; }`))
	assert.Equal(t, "Home", p.eval(t, `function() { return document.title; }`))
	assert.Equal(t, float64(42), p.eval(t, `function() { return window.answer; }`))
	assert.Equal(t, float64(400), p.eval(t, `function() { return window.innerWidth; }`))
	assert.Nil(t, p.eval(t, `function() { return undefined; }`))

	ok, err := p.page.InjectHelper(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "Hello", p.eval(t, `function() { return $TJ('#title').text(); }`))
	assert.Equal(t, float64(2), p.eval(t, `function() { return $TJ('.item').length; }`))
	assert.Equal(t, false, p.eval(t, `function() { return $TJ('#gone').is(':visible'); }`))
	assert.Equal(t, true, p.eval(t, `function() { return $TJ('#title') instanceof $TJ; }`))
	assert.Nil(t, p.eval(t, `function() { return $TJ('#title').attr('data-x'); }`))

	_, err = p.page.Evaluate(ctx, `function() { throw new Error("boom"); }`)
	var evalErr *core.EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, err.Error(), "boom")
}

func TestPage_ClickNavigates(t *testing.T) {
	srv := fixtureServer(t)
	p := newProbe(t)
	ctx := context.Background()

	require.NoError(t, p.page.Open(ctx, srv.URL+"/"))
	require.NoError(t, p.waitLoad(t))
	ok, err := p.page.InjectHelper(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)

	p.eval(t, `function() { $TJ('#next').click(); }`)
	require.NoError(t, p.waitLoad(t))
	assert.Equal(t, srv.URL+"/next", p.eval(t, `function() { return location.href; }`))

	// A new document means a new runtime; the helper is gone until injected.
	assert.Equal(t, "undefined", p.eval(t, `function() { return typeof $TJ; }`))
}

func TestPage_DispatchDOMEvent(t *testing.T) {
	srv := fixtureServer(t)
	p := newProbe(t)
	ctx := context.Background()

	require.NoError(t, p.page.Open(ctx, srv.URL+"/"))
	require.NoError(t, p.waitLoad(t))

	n, err := p.page.DispatchDOMEvent(ctx, ".item", "change")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.page.DispatchDOMEvent(ctx, "#next", "click")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, p.waitLoad(t))
}

func TestPage_LoadError(t *testing.T) {
	p := newProbe(t)
	require.NoError(t, p.page.Open(context.Background(), "http://127.0.0.1:1/"))
	assert.Error(t, p.waitLoad(t))
}

func TestPage_NoDocument(t *testing.T) {
	p := newProbe(t)
	_, err := p.page.Evaluate(context.Background(), `function() { return 1; }`)
	assert.ErrorIs(t, err, core.ErrNoDocument)

	_, err = p.page.InjectHelper(context.Background(), "")
	assert.ErrorIs(t, err, core.ErrNoDocument)
}

func TestPage_InjectHelperFromFile(t *testing.T) {
	srv := fixtureServer(t)
	p := newProbe(t)
	ctx := context.Background()
	require.NoError(t, p.page.Open(ctx, srv.URL+"/"))
	require.NoError(t, p.waitLoad(t))

	dir := t.TempDir()
	good := filepath.Join(dir, "helper.js")
	require.NoError(t, os.WriteFile(good, []byte(`function $TJ() {}`), 0o644))
	empty := filepath.Join(dir, "empty.js")
	require.NoError(t, os.WriteFile(empty, []byte(`var nothing = 1;`), 0o644))
	broken := filepath.Join(dir, "broken.js")
	require.NoError(t, os.WriteFile(broken, []byte(`throw new Error("nope")`), 0o644))

	for _, tt := range []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, "missing.js"), false},
		{broken, false},
		{empty, false},
		{good, true},
	} {
		ok, err := p.page.InjectHelper(ctx, tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, ok, tt.path)
	}
}

func TestPage_Render(t *testing.T) {
	srv := fixtureServer(t)
	p := newProbe(t)
	ctx := context.Background()
	require.NoError(t, p.page.Open(ctx, srv.URL+"/"))
	require.NoError(t, p.waitLoad(t))

	dir := t.TempDir()
	out := filepath.Join(dir, "shots", "page.html")
	require.NoError(t, p.page.Render(ctx, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<h1 id="title">Hello</h1>`)

	assert.ErrorIs(t, p.page.Render(ctx, filepath.Join(dir, "page.png")), core.ErrRenderUnsupported)
}

func TestPage_Release(t *testing.T) {
	p := newProbe(t)
	require.NoError(t, p.page.Release())
	require.NoError(t, p.page.Release())
	assert.ErrorIs(t, p.page.Open(context.Background(), "http://example.test/"), core.ErrPageReleased)
	assert.ErrorIs(t, p.page.SetViewport(context.Background(), 1, 1), core.ErrPageReleased)
}
