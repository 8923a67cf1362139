package core

import (
	"context"
	"encoding/json"
)

// Page is the capability interface the harness needs from a browser
// automation layer. Exactly one job touches a Page at a time, but drivers may
// invoke the OnLoad and OnConsole handlers from their own goroutines.
type Page interface {
	// Open starts navigating to url and returns without waiting for the load.
	// Completion is reported through the handler armed with OnLoad.
	Open(ctx context.Context, url string) error

	// OnLoad replaces the load-finished handler. The handler fires once per
	// completed navigation, whether started by Open or by the page itself.
	OnLoad(fn func(err error))

	// OnConsole replaces the handler receiving page console output.
	OnConsole(fn func(message string))

	// Evaluate runs fn, the source text of a JavaScript function, inside the
	// page and returns its JSON-encoded result. Failures are *EvaluationError.
	Evaluate(ctx context.Context, fn string) (json.RawMessage, error)

	// InjectHelper loads the DOM helper library exposed as $TJ. An empty path
	// selects the driver's built-in helper; otherwise the script at path is
	// evaluated in the page. It reports false when the library can't be loaded.
	InjectHelper(ctx context.Context, path string) (bool, error)

	// Render writes a screenshot of the page to path. Drivers that cannot
	// produce the requested format return ErrRenderUnsupported.
	Render(ctx context.Context, path string) error

	// DispatchDOMEvent delivers a synthetic event of eventType to every
	// element matching selector and returns the number of matches.
	DispatchDOMEvent(ctx context.Context, selector, eventType string) (int, error)

	// SetViewport resizes the page viewport.
	SetViewport(ctx context.Context, width, height int) error

	// Release frees the page and any browser resources behind it.
	Release() error
}

// Driver creates pages.
type Driver interface {
	NewPage(ctx context.Context, cfg PageConfig) (Page, error)
}
