// Package pagetap drives a browser page from a Go test script and reports
// the results as TAP.
//
// Calls on a T do not act immediately. Each one queues a job; jobs run one
// at a time, in the order they were queued, when Done runs the event loop.
// Calls that read from the page return a *Deferred that the job fills in:
//
//	t := pagetap.New(pagetap.DefaultOptions())
//	t.Open("/login")
//	t.Is(t.Text("h1"), "Sign in", "heading")
//	t.ClickAndWait("a.register")
//	t.Wait(t.Visible("#form"), true, "form shown")
//	os.Exit(t.Done())
//
// Failed assertions are counted and reported. Anything else that goes wrong
// inside a job (a script error in the page, reading a value that was never
// computed) prints "Internal error" and exits with status 127.
package pagetap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/eventloop"
	"github.com/cryguy/pagetap/internal/logging"
)

// Driver creates pages. See the internal/chrome and internal/embedded
// implementations.
type Driver = core.Driver

// Page is a single browser page.
type Page = core.Page

// PageConfig is passed to Driver.NewPage.
type PageConfig = core.PageConfig

// Clock is the time source of the event loop.
type Clock = eventloop.Clock

// T is one test session. Its methods must be called from a single goroutine.
type T struct {
	opts   Options
	ctx    context.Context
	clock  Clock
	loop   *eventloop.EventLoop
	sched  *scheduler
	agg    *aggregator
	bridge *bridge
	driver Driver
	page   Page
	out    io.Writer
	exit   func(code int)
	log    *logging.Logger
	color  bool
	sinks  []ResultSink

	loadWaiter  func(err error) error
	loadArmed   bool
	loadPending bool
	loadErr     error

	status int
	exited bool
}

// Option configures a T.
type Option func(*T)

// WithDriver sets the driver used to create the page. Without it the driver
// is chosen by the driver option.
func WithDriver(d Driver) Option {
	return func(t *T) { t.driver = d }
}

// WithClock sets the event loop clock.
func WithClock(c Clock) Option {
	return func(t *T) { t.clock = c }
}

// WithOutput sets where TAP output goes. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(t *T) { t.out = w }
}

// WithExit replaces os.Exit. The function is called once with the final
// status; if it returns, Done returns that status.
func WithExit(fn func(code int)) Option {
	return func(t *T) { t.exit = fn }
}

// WithLogger sets the operational logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *T) { t.log = l }
}

// WithSink adds a result observer.
func WithSink(s ResultSink) Option {
	return func(t *T) { t.sinks = append(t.sinks, s) }
}

// WithContext sets the parent context of every page call.
func WithContext(ctx context.Context) Option {
	return func(t *T) { t.ctx = ctx }
}

// WithColor enables coloured ok/not ok prefixes.
func WithColor(on bool) Option {
	return func(t *T) { t.color = on }
}

// New creates a test session. Start from DefaultOptions; a zero Options has a
// zero timeout.
func New(opts Options, options ...Option) *T {
	t := &T{
		opts: opts,
		ctx:  context.Background(),
		out:  os.Stdout,
		exit: os.Exit,
	}
	for _, o := range options {
		o(t)
	}
	if t.log == nil {
		t.log = logging.New("pagetap", slog.LevelWarn)
	}

	t.loop = eventloop.New(t.clock)
	t.agg = newAggregator(t.out, t.color)
	t.agg.sinks = t.sinks
	t.agg.sinkErr = func(err error) {
		t.log.Warn("result sink failed", "error", err)
	}
	t.bridge = &bridge{
		ctx:     t.ctx,
		page:    t.currentPage,
		timeout: func() time.Duration { return t.opts.timeout() },
	}
	t.sched = &scheduler{
		loop:    t.loop,
		log:     t.log.Named("scheduler"),
		timeout: func() time.Duration { return t.opts.timeout() },
		onTimeout: func(label string) {
			t.agg.record(false, label+" timed out")
		},
		onFatal: t.fatal,
	}
	return t
}

// Tally returns the assertion counts so far.
func (t *T) Tally() Tally {
	return t.agg.tally
}

// Done queues the end of the run and runs every queued job. It prints the
// plan line, releases the page and exits: 0 when everything passed or
// nothing ran, 1 when an assertion failed. Done returns the status only when
// the exit function returns.
func (t *T) Done() int {
	t.sched.submitAsync("done", func(c *completion) error {
		status := t.agg.finish()
		t.releasePage()
		t.terminate(status)
		return nil
	})
	if err := t.loop.Run(t.ctx); err != nil && !t.exited {
		t.fatal(fmt.Errorf("run interrupted: %w", err))
	}
	return t.status
}

func (t *T) fatal(err error) {
	if t.exited {
		return
	}
	t.log.Error("internal error", "error", err)
	fmt.Fprintf(t.out, "Internal error: %v\n", err)
	t.releasePage()
	t.terminate(ExitInternal)
}

func (t *T) terminate(code int) {
	if t.exited {
		return
	}
	t.exited = true
	t.status = code
	t.sched.halt()
	t.exit(code)
}

func (t *T) releasePage() {
	if t.page == nil {
		return
	}
	if err := t.page.Release(); err != nil {
		t.log.Warn("releasing page", "error", err)
	}
	t.page = nil
}

func (t *T) currentPage() (Page, error) {
	if t.page == nil {
		return nil, fmt.Errorf("no page is open: %w", core.ErrNoDocument)
	}
	return t.page, nil
}

func (t *T) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.ctx, t.opts.timeout())
}

// ensurePage creates the page on first use.
func (t *T) ensurePage() (Page, error) {
	if t.page != nil {
		return t.page, nil
	}
	if t.driver == nil {
		d, err := driverFor(t.opts, t.log)
		if err != nil {
			return nil, err
		}
		t.driver = d
	}

	ctx, cancel := t.callContext()
	defer cancel()
	page, err := t.driver.NewPage(t.ctx, PageConfig{
		Width:    t.opts.Width,
		Height:   t.opts.Height,
		Timeout:  t.opts.timeout(),
		Headless: t.opts.Headless,
		ExecPath: t.opts.ChromePath,
	})
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	if err := page.SetViewport(ctx, t.opts.Width, t.opts.Height); err != nil {
		_ = page.Release()
		return nil, fmt.Errorf("setting viewport: %w", err)
	}
	page.OnConsole(func(msg string) {
		t.loop.Post(func() {
			if t.opts.DiagConsole && !t.exited {
				t.agg.diag("[console] "+msg, 1)
			}
		})
	})
	page.OnLoad(func(err error) {
		t.sched.post("load", func() error { return t.handleLoad(err) })
	})
	t.page = page
	t.log.Info("page created", "width", t.opts.Width, "height", t.opts.Height)
	return page, nil
}

// expectLoad starts listening for the next page load so a load that
// finishes before anyone waits for it is not lost.
func (t *T) expectLoad() {
	t.loadArmed = true
	t.loadPending = false
	t.loadErr = nil
	t.loadWaiter = nil
}

// awaitLoad completes c once the expected load has finished and the page is
// ready for the helper.
func (t *T) awaitLoad(c *completion) {
	if t.loadPending {
		err := t.loadErr
		t.loadArmed, t.loadPending, t.loadErr = false, false, nil
		t.sched.post(c.label, func() error { return t.pageLoaded(c, err) })
		return
	}
	t.loadArmed = true
	t.loadWaiter = func(err error) error { return t.pageLoaded(c, err) }
	c.Defer(func() {
		t.loadWaiter = nil
		t.loadArmed = false
	})
}

// handleLoad runs on the loop for every load the page reports.
func (t *T) handleLoad(err error) error {
	if w := t.loadWaiter; w != nil {
		t.loadWaiter = nil
		t.loadArmed = false
		return w(err)
	}
	if t.loadArmed {
		t.loadPending = true
		t.loadErr = err
	}
	return nil
}

// pageLoaded prepares a freshly loaded page and completes c.
func (t *T) pageLoaded(c *completion, loadErr error) error {
	if c.Completed() {
		return nil
	}
	if loadErr != nil {
		return fmt.Errorf("loading page: %w", loadErr)
	}
	href, err := t.bridge.evaluate(`function() { return location.href; }`)
	if err != nil {
		return err
	}
	t.vdiag("loaded: "+jsString(href), 0)

	page, err := t.currentPage()
	if err != nil {
		return err
	}
	ctx, cancel := t.callContext()
	defer cancel()
	ok, err := page.InjectHelper(ctx, t.opts.HelperLibrary)
	if err != nil {
		return fmt.Errorf("injecting helper: %w", err)
	}
	if !ok {
		name := t.opts.HelperLibrary
		if name == "" {
			name = "built-in helper"
		}
		fmt.Fprintf(t.out, "Failed to load %s\n", name)
		t.releasePage()
		t.terminate(ExitFail)
		return nil
	}
	c.Done()
	return nil
}

func (t *T) vdiag(msg string, indent int) {
	if t.opts.Verbose {
		t.agg.diag(msg, indent)
	}
}

// Set changes an option for every job queued after it.
func (t *T) Set(key string, value any) {
	t.sched.submitSync("set", func() error {
		if err := t.opts.Set(key, value); err != nil {
			return err
		}
		if (key == "width" || key == "height") && t.page != nil {
			ctx, cancel := t.callContext()
			defer cancel()
			return t.page.SetViewport(ctx, t.opts.Width, t.opts.Height)
		}
		return nil
	})
}

// Diag prints msg as a TAP comment. msg may be a *Deferred.
func (t *T) Diag(msg any) {
	t.sched.submitSync("diag", func() error {
		v, err := t.bridge.resolve(msg)
		if err != nil {
			return err
		}
		t.agg.diag(jsString(v), 0)
		return nil
	})
}

// VDiag is Diag when the verbose option is on.
func (t *T) VDiag(msg any) {
	t.sched.submitSync("vdiag", func() error {
		if !t.opts.Verbose {
			return nil
		}
		v, err := t.bridge.resolve(msg)
		if err != nil {
			return err
		}
		t.agg.diag(jsString(v), 0)
		return nil
	})
}

// Open navigates to base_url+path and waits for the page to load. The page
// is created on the first Open.
func (t *T) Open(path string) {
	t.sched.submitAsync("open", func(c *completion) error {
		page, err := t.ensurePage()
		if err != nil {
			return err
		}
		t.expectLoad()
		t.awaitLoad(c)
		ctx, cancel := t.callContext()
		defer cancel()
		if err := page.Open(ctx, t.opts.BaseURL+path); err != nil {
			return fmt.Errorf("opening %s: %w", t.opts.BaseURL+path, err)
		}
		return nil
	})
}

// Sleep pauses the run for d. Prefer Wait when there is something to wait
// for.
func (t *T) Sleep(d time.Duration) {
	t.sched.submitAsync("sleep", func(c *completion) error {
		t.agg.diag(fmt.Sprintf("sleeping for %dms", d.Milliseconds()), 0)
		id := t.loop.SetTimeout(d, c.Done)
		c.Defer(func() { t.loop.ClearTimer(id) })
		return nil
	})
}

// Screenshot renders the page to screenshot_path+file. The extension picks
// the format (.png, .jpg, .jpeg or .pdf; the embedded driver writes .html).
func (t *T) Screenshot(file string) {
	t.sched.submitSync("screenshot", func() error {
		if t.opts.DiagScreenshots {
			t.agg.diag("[screenshot] "+file, 0)
		}
		page, err := t.currentPage()
		if err != nil {
			return err
		}
		ctx, cancel := t.callContext()
		defer cancel()
		err = page.Render(ctx, t.opts.ScreenshotPath+file)
		if errors.Is(err, core.ErrRenderUnsupported) {
			t.agg.diag(fmt.Sprintf("screenshot %s not supported by this driver", file), 0)
			return nil
		}
		return err
	})
}

// Like asserts that got, rendered as a string, matches re.
func (t *T) Like(got any, re *regexp.Regexp, description string) {
	t.sched.submitSync("like", func() error {
		v, err := t.bridge.resolve(got)
		if err != nil {
			return err
		}
		t.agg.recordCompare(re.MatchString(jsString(v)), description, v, "/"+re.String()+"/")
		return nil
	})
}

// Is asserts that got == expected using the page's loose equality.
func (t *T) Is(got, expected any, description string) {
	t.sched.submitSync("is", func() error {
		g, err := t.bridge.resolve(got)
		if err != nil {
			return err
		}
		e, err := t.bridge.resolve(expected)
		if err != nil {
			return err
		}
		t.agg.recordCompare(looseEqual(g, e), description, g, e)
		return nil
	})
}

// Run calls fn inside the page with args and returns its result. fn crosses
// as source text and args as JSON, so closures over Go values don't work.
// The returned value can be recomputed, which reruns fn with the same args.
func (t *T) Run(fn JS, args ...any) *Deferred {
	d := NewDeferred()
	t.sched.submitSync("run", func() error {
		resolved, err := t.bridge.resolveAll(args)
		if err != nil {
			return err
		}
		d.SetRecompute(func() (any, error) { return t.bridge.run(fn, resolved) })
		_, err = d.Recompute()
		return err
	})
	return d
}

// helper queues $TJ(selector)[method](args...).
func (t *T) helper(method, selector string, args []any, before func()) *Deferred {
	d := NewDeferred()
	t.sched.submitSync(method, func() error {
		resolved, err := t.bridge.resolveAll(args)
		if err != nil {
			return err
		}
		if before != nil {
			before()
		}
		d.SetRecompute(func() (any, error) { return t.bridge.invokeHelper(selector, method, resolved) })
		_, err = d.Recompute()
		return err
	})
	return d
}

// Text returns the combined text of the elements matching selector.
func (t *T) Text(selector string, args ...any) *Deferred {
	return t.helper("text", selector, args, nil)
}

// Val gets the value of the first match, or sets it for all matches.
func (t *T) Val(selector string, args ...any) *Deferred {
	return t.helper("val", selector, args, nil)
}

// CSS gets or sets a style property.
func (t *T) CSS(selector string, args ...any) *Deferred {
	return t.helper("css", selector, args, nil)
}

// Attr gets or sets an attribute.
func (t *T) Attr(selector string, args ...any) *Deferred {
	return t.helper("attr", selector, args, nil)
}

// Trigger fires a helper-level event on the matches.
func (t *T) Trigger(selector string, args ...any) *Deferred {
	return t.helper("trigger", selector, args, nil)
}

// Click clicks the matches. A clicked link is followed; use ClickAndWait
// when the click loads a new page.
func (t *T) Click(selector string, args ...any) *Deferred {
	return t.helper("click", selector, args, nil)
}

// Matches reports whether any element matching selector also matches filter.
func (t *T) Matches(selector, filter string) *Deferred {
	return t.helper("is", selector, []any{filter}, nil)
}

// Visible reports whether any element matching selector is visible.
func (t *T) Visible(selector string) *Deferred {
	return t.Matches(selector, ":visible")
}

// ClickAndWait clicks the matches and waits for the resulting page load.
func (t *T) ClickAndWait(selector string, args ...any) {
	t.helper("click", selector, args, t.expectLoad)
	t.sched.submitAsync("click_and_wait", func(c *completion) error {
		t.awaitLoad(c)
		return nil
	})
}

// TriggerDOMEvent dispatches a synthetic DOM event to the matches.
func (t *T) TriggerDOMEvent(selector, eventType string) {
	t.sched.submitSync("trigger_dom_event", func() error {
		return t.triggerDOMEvent(selector, eventType)
	})
}

// TriggerDOMEventAndWait is TriggerDOMEvent followed by waiting for a load.
func (t *T) TriggerDOMEventAndWait(selector, eventType string) {
	t.sched.submitAsync("trigger_dom_event_and_wait", func(c *completion) error {
		t.expectLoad()
		t.awaitLoad(c)
		return t.triggerDOMEvent(selector, eventType)
	})
}

func (t *T) triggerDOMEvent(selector, eventType string) error {
	n, err := t.bridge.dispatchDOMEvent(selector, eventType)
	if err != nil {
		return err
	}
	if n == 0 {
		t.agg.diag(fmt.Sprintf(`could not find any elements matching "%s" to deliver "%s" event`, selector, eventType), 0)
		return nil
	}
	plural := "s"
	if n == 1 {
		plural = ""
	}
	t.vdiag(fmt.Sprintf(`delivered "%s" event to %d element%s`, eventType, n, plural), 0)
	return nil
}
