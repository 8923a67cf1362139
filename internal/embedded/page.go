package embedded

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/logging"
)

// errSuperseded marks a load that another navigation replaced.
var errSuperseded = errors.New("navigation superseded")

// Page is a document fetched and parsed in process, with its own JS
// runtime. Everything that runs JavaScript holds mu, including the Go
// callbacks the runtime makes.
type Page struct {
	log        *logging.Logger
	fetcher    *fetcher
	newRuntime func() (core.JSRuntime, error)
	timeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	rt        core.JSRuntime
	dom       *dom
	href      string
	width     int
	height    int
	gen       int
	onLoad    func(error)
	onConsole func(string)
	released  bool
}

var _ core.Page = (*Page)(nil)

// pageURL turns what Open receives into a URL. Bare paths are files.
func pageURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "" {
		return u, nil
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return nil, err
	}
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
}

func (p *Page) Open(ctx context.Context, rawURL string) error {
	u, err := pageURL(rawURL)
	if err != nil {
		return fmt.Errorf("parsing %q: %w", rawURL, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navigateLocked(u)
}

// navigateLocked starts loading u in the background. p.mu must be held.
func (p *Page) navigateLocked(u *url.URL) error {
	if p.released {
		return core.ErrPageReleased
	}
	p.gen++
	gen := p.gen
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.load(gen, u)
		if errors.Is(err, errSuperseded) {
			return
		}
		if err != nil {
			p.log.Debug("load failed", "url", u.String(), "error", err)
		} else {
			p.log.Debug("loaded", "url", u.String())
		}
		p.mu.Lock()
		fn := p.onLoad
		p.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}()
	return nil
}

// followLink is the dom's navigate hook. It runs inside Evaluate, so
// p.mu is already held.
func (p *Page) followLink(target string) {
	u, err := url.Parse(target)
	if err != nil {
		p.log.Warn("ignoring link", "href", target, "error", err)
		return
	}
	if err := p.navigateLocked(u); err != nil {
		p.log.Warn("following link", "href", target, "error", err)
	}
}

type script struct {
	name string
	src  string
}

func (p *Page) load(gen int, u *url.URL) error {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	res, err := p.fetcher.fetch(ctx, u)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.body))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", res.url, err)
	}
	scripts := p.collectScripts(ctx, doc, res.url)

	rt, err := p.newRuntime()
	if err != nil {
		return fmt.Errorf("creating JS runtime: %w", err)
	}

	p.mu.Lock()
	if p.released || gen != p.gen {
		p.mu.Unlock()
		rt.Close()
		return errSuperseded
	}
	d := &dom{doc: doc, base: res.url, navigate: p.followLink}
	if err := p.setupLocked(rt, d, res.url.String()); err != nil {
		p.mu.Unlock()
		rt.Close()
		return err
	}
	old := p.rt
	p.rt, p.dom, p.href = rt, d, res.url.String()
	for _, s := range scripts {
		if err := rt.Eval(s.src); err != nil {
			p.log.Debug("page script failed", "script", s.name, "error", err)
		}
		rt.RunMicrotasks()
	}
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// collectScripts gathers classic scripts in document order, fetching
// external ones. Scripts that can't be fetched are skipped.
func (p *Page) collectScripts(ctx context.Context, doc *goquery.Document, base *url.URL) []script {
	var out []script
	doc.Find("script").Each(func(i int, s *goquery.Selection) {
		switch strings.ToLower(strings.TrimSpace(s.AttrOr("type", ""))) {
		case "", "text/javascript", "application/javascript":
		default:
			return
		}
		src, ok := s.Attr("src")
		if !ok {
			out = append(out, script{name: fmt.Sprintf("inline #%d", i), src: s.Text()})
			return
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		target := base.ResolveReference(ref)
		res, err := p.fetcher.fetch(ctx, target)
		if err != nil {
			p.log.Debug("fetching script", "src", target.String(), "error", err)
			return
		}
		out = append(out, script{name: target.String(), src: string(res.body)})
	})
	return out
}

// setupLocked installs the page globals and Go callbacks into rt.
func (p *Page) setupLocked(rt core.JSRuntime, d *dom, href string) error {
	if err := rt.SetGlobal("__page_href", href); err != nil {
		return fmt.Errorf("setting href: %w", err)
	}
	if err := rt.SetGlobal("__page_title", d.title()); err != nil {
		return fmt.Errorf("setting title: %w", err)
	}
	if err := rt.Eval(fmt.Sprintf("globalThis.__page_width = %d; globalThis.__page_height = %d;", p.width, p.height)); err != nil {
		return fmt.Errorf("setting viewport: %w", err)
	}
	if err := rt.RegisterFunc("__console_write", p.consoleLocked); err != nil {
		return fmt.Errorf("registering console: %w", err)
	}
	if err := rt.RegisterFunc("__dom_invoke", d.invoke); err != nil {
		return fmt.Errorf("registering DOM bridge: %w", err)
	}
	if err := rt.Eval(prelude); err != nil {
		return fmt.Errorf("running prelude: %w", err)
	}
	return nil
}

func (p *Page) consoleLocked(level, message string) {
	if p.onConsole != nil {
		p.onConsole(message)
	}
}

func (p *Page) OnLoad(fn func(err error)) {
	p.mu.Lock()
	p.onLoad = fn
	p.mu.Unlock()
}

func (p *Page) OnConsole(fn func(message string)) {
	p.mu.Lock()
	p.onConsole = fn
	p.mu.Unlock()
}

// documentLocked returns the live runtime and DOM. p.mu must be held.
func (p *Page) documentLocked() (core.JSRuntime, *dom, error) {
	if p.released {
		return nil, nil, core.ErrPageReleased
	}
	if p.rt == nil {
		return nil, nil, core.ErrNoDocument
	}
	return p.rt, p.dom, nil
}

func wrapFunction(fn string) string {
	return `(function() {
	var r = (` + fn + `)();
	var s = r === undefined ? undefined : JSON.stringify(r);
	return s === undefined ? 'null' : s;
})()`
}

func (p *Page) Evaluate(ctx context.Context, fn string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewEvaluationError(fn, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rt, _, err := p.documentLocked()
	if err != nil {
		return nil, core.NewEvaluationError(fn, err)
	}
	out, err := rt.EvalString(wrapFunction(fn))
	rt.RunMicrotasks()
	if err != nil {
		return nil, core.NewEvaluationError(fn, err)
	}
	return json.RawMessage(out), nil
}

// InjectHelper installs the built-in $TJ, or evaluates the script at path
// and accepts it when it defines $TJ or jQuery.
func (p *Page) InjectHelper(ctx context.Context, path string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rt, _, err := p.documentLocked()
	if err != nil {
		return false, err
	}
	if path == "" {
		if err := rt.Eval(helperLibrary); err != nil {
			return false, core.NewEvaluationError("built-in helper", err)
		}
		return true, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		p.log.Warn("reading helper library", "path", path, "error", err)
		return false, nil
	}
	if err := rt.Eval(string(src)); err != nil {
		p.log.Warn("helper library threw", "path", path, "error", err)
		return false, nil
	}
	ok, err := rt.EvalString(`(function() {
	if (typeof jQuery === 'function' && typeof jQuery.noConflict === 'function') {
		globalThis.$TJ = jQuery.noConflict();
	}
	return typeof $TJ === 'function' ? 'yes' : 'no';
})()`)
	if err != nil {
		p.log.Warn("adapting helper library", "path", path, "error", err)
		return false, nil
	}
	return ok == "yes", nil
}

// Render writes the current document as HTML. Other formats need a real
// browser.
func (p *Page) Render(ctx context.Context, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
	default:
		return fmt.Errorf("%w: %s", core.ErrRenderUnsupported, filepath.Ext(path))
	}

	p.mu.Lock()
	_, d, err := p.documentLocked()
	var buf bytes.Buffer
	if err == nil {
		err = html.Render(&buf, d.doc.Get(0))
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rendering %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func (p *Page) DispatchDOMEvent(ctx context.Context, selector, eventType string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, d, err := p.documentLocked()
	if err != nil {
		return 0, err
	}
	return d.dispatch(selector, eventType), nil
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return core.ErrPageReleased
	}
	p.width, p.height = width, height
	if p.rt == nil {
		return nil
	}
	return p.rt.Eval(fmt.Sprintf("window.innerWidth = %d; window.innerHeight = %d;", width, height))
}

// Release stops pending loads and frees the runtime. Releasing twice is a
// no-op.
func (p *Page) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	rt := p.rt
	p.rt, p.dom = nil, nil
	p.onLoad, p.onConsole = nil, nil
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	if rt != nil {
		rt.Close()
	}
	return nil
}
