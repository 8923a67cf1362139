package plan

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/pagetap"
)

type builder func(n *yaml.Node) (func(t *pagetap.T), error)

var builders map[string]builder

func init() {
	builders = map[string]builder{
		"set":                        buildSet,
		"diag":                       buildDiag(false),
		"vdiag":                      buildDiag(true),
		"open":                       buildOpen,
		"sleep":                      buildSleep,
		"screenshot":                 buildScreenshot,
		"is":                         buildIs,
		"like":                       buildLike,
		"wait":                       buildWait,
		"run":                        buildRun,
		"click":                      buildHelper((*pagetap.T).Click),
		"trigger":                    buildHelper((*pagetap.T).Trigger),
		"val":                        buildHelper((*pagetap.T).Val),
		"attr":                       buildHelper((*pagetap.T).Attr),
		"css":                        buildHelper((*pagetap.T).CSS),
		"text":                       buildHelper((*pagetap.T).Text),
		"click_and_wait":             buildClickAndWait,
		"trigger_dom_event":          buildDOMEvent((*pagetap.T).TriggerDOMEvent),
		"trigger_dom_event_and_wait": buildDOMEvent((*pagetap.T).TriggerDOMEventAndWait),
	}
}

// fields returns the entries of a mapping node, rejecting keys not in
// allowed and reporting missing required ones (prefixed with "!").
func fields(n *yaml.Node, allowed ...string) (map[string]*yaml.Node, error) {
	if n.Kind != yaml.MappingNode {
		return nil, errors.New("expected a mapping")
	}
	known := make(map[string]bool, len(allowed))
	var required []string
	for _, a := range allowed {
		if a[0] == '!' {
			a = a[1:]
			required = append(required, a)
		}
		known[a] = true
	}
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i].Value
		if !known[k] {
			return nil, fmt.Errorf("unknown field %q", k)
		}
		out[k] = n.Content[i+1]
	}
	for _, r := range required {
		if _, ok := out[r]; !ok {
			return nil, fmt.Errorf("missing field %q", r)
		}
	}
	return out, nil
}

func scalarString(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: expected a string", n.Line)
	}
	return n.Value, nil
}

func optionalString(m map[string]*yaml.Node, key string) (string, error) {
	n, ok := m[key]
	if !ok {
		return "", nil
	}
	return scalarString(n)
}

func buildSet(n *yaml.Node) (func(*pagetap.T), error) {
	if n.Kind != yaml.MappingNode {
		return nil, errors.New("expected a mapping of option names to values")
	}
	type entry struct {
		key   string
		value any
	}
	var entries []entry
	scratch := pagetap.DefaultOptions()
	for i := 0; i+1 < len(n.Content); i += 2 {
		var v any
		if err := n.Content[i+1].Decode(&v); err != nil {
			return nil, err
		}
		key := n.Content[i].Value
		if err := scratch.Set(key, v); err != nil {
			return nil, err
		}
		entries = append(entries, entry{key, v})
	}
	return func(t *pagetap.T) {
		for _, e := range entries {
			t.Set(e.key, e.value)
		}
	}, nil
}

func buildDiag(verbose bool) builder {
	return func(n *yaml.Node) (func(*pagetap.T), error) {
		src, err := decodeSource(n)
		if err != nil {
			return nil, err
		}
		return func(t *pagetap.T) {
			msg := src.get(t)
			if verbose {
				t.VDiag(msg)
			} else {
				t.Diag(msg)
			}
		}, nil
	}
}

func buildOpen(n *yaml.Node) (func(*pagetap.T), error) {
	path, err := scalarString(n)
	if err != nil {
		return nil, err
	}
	return func(t *pagetap.T) { t.Open(path) }, nil
}

// buildSleep accepts milliseconds or a Go duration string.
func buildSleep(n *yaml.Node) (func(*pagetap.T), error) {
	var ms int
	if err := n.Decode(&ms); err == nil {
		d := time.Duration(ms) * time.Millisecond
		return func(t *pagetap.T) { t.Sleep(d) }, nil
	}
	s, err := scalarString(n)
	if err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, err
	}
	return func(t *pagetap.T) { t.Sleep(d) }, nil
}

func buildScreenshot(n *yaml.Node) (func(*pagetap.T), error) {
	file, err := scalarString(n)
	if err != nil {
		return nil, err
	}
	return func(t *pagetap.T) { t.Screenshot(file) }, nil
}

func buildIs(n *yaml.Node) (func(*pagetap.T), error) {
	m, err := fields(n, "!got", "!expected", "description")
	if err != nil {
		return nil, err
	}
	got, err := decodeSource(m["got"])
	if err != nil {
		return nil, fmt.Errorf("got: %w", err)
	}
	expected, err := decodeSource(m["expected"])
	if err != nil {
		return nil, fmt.Errorf("expected: %w", err)
	}
	desc, err := optionalString(m, "description")
	if err != nil {
		return nil, err
	}
	return func(t *pagetap.T) { t.Is(got.get(t), expected.get(t), desc) }, nil
}

func buildLike(n *yaml.Node) (func(*pagetap.T), error) {
	m, err := fields(n, "!got", "!pattern", "description")
	if err != nil {
		return nil, err
	}
	got, err := decodeSource(m["got"])
	if err != nil {
		return nil, fmt.Errorf("got: %w", err)
	}
	pattern, err := scalarString(m["pattern"])
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}
	desc, err := optionalString(m, "description")
	if err != nil {
		return nil, err
	}
	return func(t *pagetap.T) { t.Like(got.get(t), re, desc) }, nil
}

// buildWait polls "for" until it equals "equals", or until it is truthy
// when "equals" is left out.
func buildWait(n *yaml.Node) (func(*pagetap.T), error) {
	m, err := fields(n, "!for", "equals", "description")
	if err != nil {
		return nil, err
	}
	value, err := decodeSource(m["for"])
	if err != nil {
		return nil, fmt.Errorf("for: %w", err)
	}
	if !value.live() {
		return nil, errors.New("for: must read from the page")
	}
	var cond *source
	if c, ok := m["equals"]; ok {
		s, err := decodeSource(c)
		if err != nil {
			return nil, fmt.Errorf("equals: %w", err)
		}
		cond = &s
	}
	desc, err := optionalString(m, "description")
	if err != nil {
		return nil, err
	}
	return func(t *pagetap.T) {
		var c any = pagetap.Truthy
		if cond != nil {
			c = cond.get(t)
		}
		t.Wait(value.get(t), c, desc)
	}, nil
}

// buildRun accepts either function source or {js: ..., args: [...]}.
func buildRun(n *yaml.Node) (func(*pagetap.T), error) {
	if n.Kind == yaml.ScalarNode {
		fn := pagetap.JS(n.Value)
		return func(t *pagetap.T) { t.Run(fn) }, nil
	}
	m, err := fields(n, "!js", "args")
	if err != nil {
		return nil, err
	}
	src, err := scalarString(m["js"])
	if err != nil {
		return nil, err
	}
	args, err := decodeArgs(m["args"])
	if err != nil {
		return nil, err
	}
	fn := pagetap.JS(src)
	return func(t *pagetap.T) { t.Run(fn, getAll(t, args)...) }, nil
}

type helperMethod func(t *pagetap.T, selector string, args ...any) *pagetap.Deferred

// helperCall is a selector plus arguments, written either as a bare
// selector or as {selector: ..., args: [...]}.
type helperCall struct {
	selector string
	args     []source
}

func decodeHelperCall(n *yaml.Node) (helperCall, error) {
	if n.Kind == yaml.ScalarNode {
		return helperCall{selector: n.Value}, nil
	}
	m, err := fields(n, "!selector", "args")
	if err != nil {
		return helperCall{}, err
	}
	sel, err := scalarString(m["selector"])
	if err != nil {
		return helperCall{}, err
	}
	args, err := decodeArgs(m["args"])
	if err != nil {
		return helperCall{}, err
	}
	return helperCall{selector: sel, args: args}, nil
}

func buildHelper(method helperMethod) builder {
	return func(n *yaml.Node) (func(*pagetap.T), error) {
		call, err := decodeHelperCall(n)
		if err != nil {
			return nil, err
		}
		return func(t *pagetap.T) { method(t, call.selector, getAll(t, call.args)...) }, nil
	}
}

func buildClickAndWait(n *yaml.Node) (func(*pagetap.T), error) {
	call, err := decodeHelperCall(n)
	if err != nil {
		return nil, err
	}
	return func(t *pagetap.T) { t.ClickAndWait(call.selector, getAll(t, call.args)...) }, nil
}

func buildDOMEvent(method func(t *pagetap.T, selector, eventType string)) builder {
	return func(n *yaml.Node) (func(*pagetap.T), error) {
		m, err := fields(n, "!selector", "!event")
		if err != nil {
			return nil, err
		}
		sel, err := scalarString(m["selector"])
		if err != nil {
			return nil, err
		}
		event, err := scalarString(m["event"])
		if err != nil {
			return nil, err
		}
		return func(t *pagetap.T) { method(t, sel, event) }, nil
	}
}

func decodeArgs(n *yaml.Node) ([]source, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: args must be a list", n.Line)
	}
	out := make([]source, 0, len(n.Content))
	for _, c := range n.Content {
		s, err := decodeSource(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func getAll(t *pagetap.T, sources []source) []any {
	out := make([]any, len(sources))
	for i, s := range sources {
		out[i] = s.get(t)
	}
	return out
}
