package pagetap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/eventloop"
	"github.com/cryguy/pagetap/internal/logging"
)

const argSetterPrefix = "function() { " + argumentGlobal + " = "

// fakePage is an in-memory Page. Open reports the load synchronously unless
// noLoad is set; helper and run calls are answered by the callbacks.
type fakePage struct {
	onLoad    func(error)
	onConsole func(string)

	url      string
	argument json.RawMessage
	evals    []string

	helper func(selector, method string, args []any) (any, error)
	run    func(fn string, args []any) (any, error)
	eval   func(src string) (any, error)

	matches     map[string]int
	events      []string
	loadOnEvent bool
	opened      []string
	noLoad      bool
	loadErr     error
	noHelper    bool
	injected    []string

	viewports [][2]int
	rendered  []string
	renderErr error
	released  int
}

func newFakePage() *fakePage {
	return &fakePage{matches: map[string]int{}}
}

func (p *fakePage) Open(_ context.Context, url string) error {
	p.url = url
	p.opened = append(p.opened, url)
	if !p.noLoad {
		p.load()
	}
	return nil
}

func (p *fakePage) load() {
	if p.onLoad != nil {
		p.onLoad(p.loadErr)
	}
}

func (p *fakePage) OnLoad(fn func(error))      { p.onLoad = fn }
func (p *fakePage) OnConsole(fn func(string)) { p.onConsole = fn }

func (p *fakePage) Evaluate(_ context.Context, src string) (json.RawMessage, error) {
	p.evals = append(p.evals, src)
	if strings.HasPrefix(src, argSetterPrefix) {
		arg := strings.TrimSuffix(strings.TrimPrefix(src, argSetterPrefix), "; }")
		p.argument = json.RawMessage(arg)
		return json.RawMessage("null"), nil
	}

	var result any
	var err error
	switch {
	case src == helperDispatcher:
		var arg struct {
			Selector string `json:"selector"`
			Method   string `json:"method"`
			Args     []any  `json:"args"`
		}
		if err := json.Unmarshal(p.argument, &arg); err != nil {
			return nil, err
		}
		if p.helper == nil {
			return json.RawMessage("null"), nil
		}
		result, err = p.helper(arg.Selector, arg.Method, arg.Args)
	case src == runDispatcher:
		var arg struct {
			Func string `json:"func"`
			Args []any  `json:"args"`
		}
		if err := json.Unmarshal(p.argument, &arg); err != nil {
			return nil, err
		}
		result, err = p.run(arg.Func, arg.Args)
	case strings.Contains(src, "location.href") && p.eval == nil:
		result = p.url
	default:
		if p.eval == nil {
			return nil, core.NewEvaluationError(src, errors.New("no evaluator"))
		}
		result, err = p.eval(src)
	}
	if err != nil {
		return nil, core.NewEvaluationError(src, err)
	}
	return json.Marshal(result)
}

func (p *fakePage) InjectHelper(_ context.Context, path string) (bool, error) {
	p.injected = append(p.injected, path)
	return !p.noHelper, nil
}

func (p *fakePage) Render(_ context.Context, path string) error {
	if p.renderErr != nil {
		return p.renderErr
	}
	p.rendered = append(p.rendered, path)
	return nil
}

func (p *fakePage) DispatchDOMEvent(_ context.Context, selector, eventType string) (int, error) {
	p.events = append(p.events, selector+" "+eventType)
	if p.loadOnEvent {
		p.load()
	}
	return p.matches[selector], nil
}

func (p *fakePage) SetViewport(_ context.Context, w, h int) error {
	p.viewports = append(p.viewports, [2]int{w, h})
	return nil
}

func (p *fakePage) Release() error {
	p.released++
	return nil
}

type fakeDriver struct {
	page    *fakePage
	configs []PageConfig
}

func (d *fakeDriver) NewPage(_ context.Context, cfg PageConfig) (Page, error) {
	d.configs = append(d.configs, cfg)
	return d.page, nil
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// harness bundles a T wired to a fake page, a virtual clock and a captured
// exit status.
type harness struct {
	*T
	page   *fakePage
	driver *fakeDriver
	clock  *eventloop.VirtualClock
	out    *bytes.Buffer
	exits  []int
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	h := &harness{
		page:  newFakePage(),
		clock: eventloop.NewVirtualClock(testEpoch),
		out:   &bytes.Buffer{},
	}
	h.driver = &fakeDriver{page: h.page}
	h.T = New(opts,
		WithDriver(h.driver),
		WithClock(h.clock),
		WithOutput(h.out),
		WithLogger(logging.Discard()),
		WithExit(func(code int) { h.exits = append(h.exits, code) }),
	)
	return h
}

func (h *harness) elapsed() time.Duration {
	return h.clock.Now().Sub(testEpoch)
}

func (h *harness) lines() []string {
	return strings.Split(strings.TrimSuffix(h.out.String(), "\n"), "\n")
}
