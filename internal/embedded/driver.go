// Package embedded is a hermetic in-process page for CI and tests. It
// fetches and parses documents with goquery and runs page scripts in an
// embedded JS engine, without layout or rendering.
package embedded

import (
	"context"
	"net/http"

	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/logging"
)

// DefaultMemoryLimitMB caps each page's JS heap.
const DefaultMemoryLimitMB = 64

// Driver creates embedded pages.
type Driver struct {
	log    *logging.Logger
	client *http.Client

	// MemoryLimitMB caps the JS heap of each page runtime; 0 means no cap.
	MemoryLimitMB int
}

var _ core.Driver = (*Driver)(nil)

// NewDriver returns an embedded driver using a default HTTP client.
func NewDriver(log *logging.Logger) *Driver {
	if log == nil {
		log = logging.Discard()
	}
	return &Driver{
		log:           log,
		client:        &http.Client{},
		MemoryLimitMB: DefaultMemoryLimitMB,
	}
}

// WithClient replaces the HTTP client used for fetches.
func (d *Driver) WithClient(c *http.Client) *Driver {
	d.client = c
	return d
}

func (d *Driver) NewPage(ctx context.Context, cfg core.PageConfig) (core.Page, error) {
	pageCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	limit := d.MemoryLimitMB
	p := &Page{
		log:     d.log,
		fetcher: &fetcher{client: d.client},
		newRuntime: func() (core.JSRuntime, error) {
			return newRuntime(limit)
		},
		timeout: cfg.Timeout,
		ctx:     pageCtx,
		cancel:  cancel,
		width:   cfg.Width,
		height:  cfg.Height,
	}
	d.log.Info("embedded page created", "engine", engineName)
	return p, nil
}
