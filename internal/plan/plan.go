// Package plan reads YAML test plans and queues their steps on a
// pagetap.T. A plan looks like:
//
//	name: signup
//	base_url: http://localhost:8080
//	options:
//	  timeout: 5000
//	steps:
//	  - open: /
//	  - is: {got: {text: h1}, expected: Welcome, description: heading}
//	  - click_and_wait: a.register
//	  - wait: {for: {visible: "#form"}, description: form shown}
//
// Every step is a mapping with a single key naming the operation. Steps are
// checked when the plan is parsed, so a malformed plan never starts a page.
package plan

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/pagetap"
)

// ErrInvalidPlan wraps every parse failure.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a parsed test plan.
type Plan struct {
	Name    string         `yaml:"name"`
	BaseURL string         `yaml:"base_url"`
	Options map[string]any `yaml:"options"`
	Steps   []Step         `yaml:"steps"`
}

// Step is one queued operation.
type Step struct {
	Op   string
	Line int

	queue func(t *pagetap.T)
}

// Load reads and parses the plan at path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = path
	}
	return p, nil
}

// Parse parses a plan document.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	// Options are validated up front so a typo fails before the run.
	scratch := pagetap.DefaultOptions()
	if err := scratch.Apply(p.Options); err != nil {
		return nil, fmt.Errorf("%w: options: %v", ErrInvalidPlan, err)
	}
	return &p, nil
}

// Configure applies the plan's base_url and options on top of opts.
func (p *Plan) Configure(opts *pagetap.Options) error {
	if p.BaseURL != "" {
		opts.BaseURL = p.BaseURL
	}
	return opts.Apply(p.Options)
}

// Queue queues every step on t. It does not call Done.
func (p *Plan) Queue(t *pagetap.T) {
	for _, s := range p.Steps {
		s.queue(t)
	}
}

func (s *Step) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return fmt.Errorf("line %d: a step is a mapping with exactly one key", n.Line)
	}
	key, value := n.Content[0], n.Content[1]
	build, ok := builders[key.Value]
	if !ok {
		return fmt.Errorf("line %d: unknown step %q", key.Line, key.Value)
	}
	queue, err := build(value)
	if err != nil {
		return fmt.Errorf("line %d: %s: %w", key.Line, key.Value, err)
	}
	s.Op, s.Line, s.queue = key.Value, key.Line, queue
	return nil
}
