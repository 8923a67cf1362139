package chrome

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/logging"
)

//go:embed helper.js
var helperSource string

// jqueryAdapter exposes a user supplied jQuery as $TJ and makes clicked
// links navigate, since jQuery's click() never follows them.
const jqueryAdapter = `function() {
	if (typeof jQuery !== 'function') {
		return false;
	}
	window.$TJ = jQuery.noConflict();
	$TJ(window).click(function(e) {
		var link = $TJ(e.target).filter('a');
		if (link.length) {
			location = link.prop('href');
		}
	});
	return true;
}`

// dispatchEvent sends an HTMLEvents event to every match and returns the
// match count.
const dispatchEvent = `function(selector, type) {
	var els = document.querySelectorAll(selector);
	for (var i = 0; i < els.length; i++) {
		var evt = document.createEvent('HTMLEvents');
		evt.initEvent(type, true, true);
		els[i].dispatchEvent(evt);
	}
	return els.length;
}`

// Page is a Chrome tab.
type Page struct {
	log    *logging.Logger
	ctx    context.Context
	cancel func()

	mu        sync.Mutex
	onLoad    func(error)
	onConsole func(string)
	released  bool
}

var _ core.Page = (*Page)(nil)

func (p *Page) handleEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventLoadEventFired:
		p.mu.Lock()
		fn := p.onLoad
		p.mu.Unlock()
		if fn != nil {
			fn(nil)
		}
	case *cdpruntime.EventConsoleAPICalled:
		p.mu.Lock()
		fn := p.onConsole
		p.mu.Unlock()
		if fn != nil {
			fn(consoleMessage(e.Args))
		}
	case *cdpruntime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			p.log.Debug("uncaught exception in page", "error", e.ExceptionDetails.Error())
		}
	}
}

// consoleMessage joins console arguments the way the console prints them.
func consoleMessage(args []*cdpruntime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, remoteString(arg))
	}
	return strings.Join(parts, " ")
}

func remoteString(obj *cdpruntime.RemoteObject) string {
	switch {
	case obj == nil:
		return "undefined"
	case obj.UnserializableValue != "":
		return string(obj.UnserializableValue)
	case obj.Type == cdpruntime.TypeString && len(obj.Value) > 0:
		var s string
		if err := json.Unmarshal(obj.Value, &s); err == nil {
			return s
		}
		return string(obj.Value)
	case len(obj.Value) > 0 && (obj.Type != cdpruntime.TypeObject || obj.Description == ""):
		return string(obj.Value)
	case obj.Description != "":
		return obj.Description
	}
	return string(obj.Type)
}

// run executes actions on the tab, cancelled when ctx is.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	released := p.released
	p.mu.Unlock()
	if released {
		return core.ErrPageReleased
	}
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Open starts navigating. page.Navigate returns once the navigation is
// committed, before the load event.
func (p *Page) Open(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigating to %s: %s", url, errorText)
		}
		return nil
	}))
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

func awaitPromise(params *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
	return params.WithAwaitPromise(true)
}

// wrapFunction calls fn and serializes its result inside the page, so
// values that are not JSON (undefined, functions, DOM nodes) become null.
func wrapFunction(fn string) string {
	return `(async function() {
	var r = await (` + fn + `)();
	var s = r === undefined ? undefined : JSON.stringify(r);
	return s === undefined ? 'null' : s;
})()`
}

func (p *Page) Evaluate(ctx context.Context, fn string) (json.RawMessage, error) {
	var out string
	if err := p.run(ctx, chromedp.Evaluate(wrapFunction(fn), &out, awaitPromise)); err != nil {
		return nil, core.NewEvaluationError(fn, err)
	}
	return json.RawMessage(out), nil
}

// call applies fn to args in the page and decodes the result into res.
func (p *Page) call(ctx context.Context, fn string, res any, args ...any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	src := `function() { return (` + fn + `).apply(window, ` + string(data) + `); }`
	raw, err := p.Evaluate(ctx, src)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return json.Unmarshal(raw, res)
}

// evaluateScript runs a whole script. The completion value stays in the page.
func evaluateScript(src string) chromedp.Action {
	var res *cdpruntime.RemoteObject
	return chromedp.Evaluate(src, &res)
}

// InjectHelper evaluates the helper library. Errors evaluating a user
// supplied library are reported as a failed load, not an error.
func (p *Page) InjectHelper(ctx context.Context, path string) (bool, error) {
	if path == "" {
		if err := p.run(ctx, evaluateScript(helperSource)); err != nil {
			return false, core.NewEvaluationError("helper.js", err)
		}
		return true, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		p.log.Warn("reading helper library", "path", path, "error", err)
		return false, nil
	}
	if err := p.run(ctx, evaluateScript(string(src))); err != nil {
		var exc *cdpruntime.ExceptionDetails
		if errors.As(err, &exc) {
			p.log.Warn("helper library threw", "path", path, "error", exc.Error())
			return false, nil
		}
		return false, err
	}
	var ok bool
	if err := p.call(ctx, jqueryAdapter, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Render saves a screenshot. The format follows the file extension: png,
// jpg/jpeg (full page) or pdf.
func (p *Page) Render(ctx context.Context, path string) error {
	var buf []byte
	var action chromedp.Action
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		action = chromedp.CaptureScreenshot(&buf)
	case ".jpg", ".jpeg":
		action = chromedp.FullScreenshot(&buf, 90)
	case ".pdf":
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			data, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			buf = data
			return err
		})
	default:
		return fmt.Errorf("%w: %s", core.ErrRenderUnsupported, filepath.Ext(path))
	}
	if err := p.run(ctx, action); err != nil {
		return fmt.Errorf("capturing %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf, 0o644)
}

func (p *Page) DispatchDOMEvent(ctx context.Context, selector, eventType string) (int, error) {
	var n int
	if err := p.call(ctx, dispatchEvent, &n, selector, eventType); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Page) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

// Release closes the tab and shuts the browser down. Releasing twice is a
// no-op.
func (p *Page) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.onLoad, p.onConsole = nil, nil
	p.mu.Unlock()

	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("closing browser: %w", err)
	}
	return nil
}
