package plan

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/pagetap"
)

// source is where an assertion operand comes from. A plain scalar is a
// literal; a single-key mapping reads from the page:
//
//	{text: h1}            {val: "#name"}           {visible: "#form"}
//	{attr: [a#go, href]}  {css: ["#x", display]}   {matches: ["#c", ":checked"]}
//	{js: "function() { return document.title; }"}  {value: "literal"}
type source struct {
	kind    string
	args    []string
	literal any
}

// argCount is the number of string arguments each page-reading kind takes.
var argCount = map[string]int{
	"text":    1,
	"val":     1,
	"visible": 1,
	"js":      1,
	"attr":    2,
	"css":     2,
	"matches": 2,
}

func decodeSource(n *yaml.Node) (source, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return decodeLiteral(n)
	case yaml.MappingNode:
	default:
		return source{}, fmt.Errorf("line %d: expected a value or a single-key mapping", n.Line)
	}
	if len(n.Content) != 2 {
		return source{}, fmt.Errorf("line %d: a value source has exactly one key", n.Line)
	}
	kind, arg := n.Content[0].Value, n.Content[1]
	if kind == "value" {
		return decodeLiteral(arg)
	}
	want, ok := argCount[kind]
	if !ok {
		return source{}, fmt.Errorf("line %d: unknown value source %q", n.Line, kind)
	}

	var args []string
	switch arg.Kind {
	case yaml.ScalarNode:
		args = []string{arg.Value}
	case yaml.SequenceNode:
		if err := arg.Decode(&args); err != nil {
			return source{}, fmt.Errorf("line %d: %s: %w", arg.Line, kind, err)
		}
	default:
		return source{}, fmt.Errorf("line %d: %s: expected a string or a list", arg.Line, kind)
	}
	if len(args) != want {
		return source{}, fmt.Errorf("line %d: %s takes %d argument(s), got %d", arg.Line, kind, want, len(args))
	}
	return source{kind: kind, args: args}, nil
}

func decodeLiteral(n *yaml.Node) (source, error) {
	if n.Kind != yaml.ScalarNode {
		return source{}, fmt.Errorf("line %d: literal values must be strings, numbers or booleans", n.Line)
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return source{}, err
	}
	if v == nil {
		return source{}, fmt.Errorf("line %d: null is not a usable value", n.Line)
	}
	return source{literal: v}, nil
}

// live reports whether the source reads the page and so can be polled.
func (s source) live() bool {
	return s.kind != ""
}

// get queues whatever the source needs and returns the operand to hand to
// T: a *Deferred, a JS function or a literal.
func (s source) get(t *pagetap.T) any {
	switch s.kind {
	case "":
		return s.literal
	case "js":
		return pagetap.JS(s.args[0])
	case "text":
		return t.Text(s.args[0])
	case "val":
		return t.Val(s.args[0])
	case "visible":
		return t.Visible(s.args[0])
	case "attr":
		return t.Attr(s.args[0], s.args[1])
	case "css":
		return t.CSS(s.args[0], s.args[1])
	case "matches":
		return t.Matches(s.args[0], s.args[1])
	}
	panic(errors.New("plan: unhandled value source " + s.kind))
}
