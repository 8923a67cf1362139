package pagetap

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds the harness settings. Durations are in milliseconds to match
// the option names scripts and plans use.
type Options struct {
	Timeout         int    `yaml:"timeout"`          // ms, per async job and per page call
	Width           int    `yaml:"width"`            // viewport px
	Height          int    `yaml:"height"`           // viewport px
	DiagConsole     bool   `yaml:"diag_console"`     // mirror page console output
	DiagScreenshots bool   `yaml:"diag_screenshots"` // diag line per screenshot
	ScreenshotPath  string `yaml:"screenshot_path"`  // prefix for screenshot files
	Verbose         bool   `yaml:"verbose"`          // enables VDiag output

	BaseURL       string `yaml:"base_url"`
	PollInterval  int    `yaml:"poll_interval"`  // ms between Wait polls
	HelperLibrary string `yaml:"helper_library"` // "" selects the driver's built-in $TJ
	Driver        string `yaml:"driver"`         // chrome or embedded
	ChromePath    string `yaml:"chrome_path"`
	Headless      bool   `yaml:"headless"`
}

// Defaults.
const (
	DefaultTimeout        = 10000
	DefaultWidth          = 1024
	DefaultHeight         = 768
	DefaultScreenshotPath = "./"
	DefaultPollInterval   = 100
	DefaultDriver         = "chrome"
)

// DefaultOptions returns the options a fresh T starts with.
func DefaultOptions() Options {
	return Options{
		Timeout:        DefaultTimeout,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		ScreenshotPath: DefaultScreenshotPath,
		PollInterval:   DefaultPollInterval,
		Driver:         DefaultDriver,
		Headless:       true,
	}
}

// LoadOptions reads a YAML options file on top of DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading options %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing options %s: %w", path, err)
	}
	return opts, nil
}

// OptionKeys lists the keys accepted by Set, sorted.
func OptionKeys() []string {
	keys := make([]string, 0, len(optionSetters))
	for k := range optionSetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var optionSetters = map[string]func(o *Options, v any) error{
	"timeout":          intOption(func(o *Options) *int { return &o.Timeout }),
	"width":            intOption(func(o *Options) *int { return &o.Width }),
	"height":           intOption(func(o *Options) *int { return &o.Height }),
	"poll_interval":    intOption(func(o *Options) *int { return &o.PollInterval }),
	"diag_console":     boolOption(func(o *Options) *bool { return &o.DiagConsole }),
	"diag_screenshots": boolOption(func(o *Options) *bool { return &o.DiagScreenshots }),
	"verbose":          boolOption(func(o *Options) *bool { return &o.Verbose }),
	"headless":         boolOption(func(o *Options) *bool { return &o.Headless }),
	"screenshot_path":  stringOption(func(o *Options) *string { return &o.ScreenshotPath }),
	"base_url":         stringOption(func(o *Options) *string { return &o.BaseURL }),
	"helper_library":   stringOption(func(o *Options) *string { return &o.HelperLibrary }),
	"driver":           stringOption(func(o *Options) *string { return &o.Driver }),
	"chrome_path":      stringOption(func(o *Options) *string { return &o.ChromePath }),
}

// Set assigns the option named key. Numbers may be given as any Go numeric
// kind or a numeric string, booleans as bool or "true"/"false".
func (o *Options) Set(key string, value any) error {
	set, ok := optionSetters[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOption, key)
	}
	if err := set(o, value); err != nil {
		return fmt.Errorf("option %q: %w", key, err)
	}
	return nil
}

// Apply calls Set for every entry of m in key order.
func (o *Options) Apply(m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := o.Set(k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func (o Options) timeout() time.Duration {
	return time.Duration(o.Timeout) * time.Millisecond
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return DefaultPollInterval * time.Millisecond
	}
	return time.Duration(o.PollInterval) * time.Millisecond
}

func intOption(field func(*Options) *int) func(*Options, any) error {
	return func(o *Options, v any) error {
		if s, ok := v.(string); ok {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return fmt.Errorf("%w: %q is not an integer", ErrUnsupportedArgumentType, s)
			}
			*field(o) = n
			return nil
		}
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("%w: want number, got %T", ErrUnsupportedArgumentType, v)
		}
		*field(o) = int(f)
		return nil
	}
}

func boolOption(field func(*Options) *bool) func(*Options, any) error {
	return func(o *Options, v any) error {
		switch x := v.(type) {
		case bool:
			*field(o) = x
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return fmt.Errorf("%w: %q is not a boolean", ErrUnsupportedArgumentType, x)
			}
			*field(o) = b
		default:
			return fmt.Errorf("%w: want bool, got %T", ErrUnsupportedArgumentType, v)
		}
		return nil
	}
}

func stringOption(field func(*Options) *string) func(*Options, any) error {
	return func(o *Options, v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: want string, got %T", ErrUnsupportedArgumentType, v)
		}
		*field(o) = s
		return nil
	}
}
