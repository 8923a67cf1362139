// Package chrome drives pages in a real Chrome or Chromium through the
// DevTools protocol.
package chrome

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"

	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/logging"
)

// Driver launches one browser per page.
type Driver struct {
	log *logging.Logger
}

var _ core.Driver = (*Driver)(nil)

// NewDriver returns a Chrome driver that logs through log.
func NewDriver(log *logging.Logger) *Driver {
	if log == nil {
		log = logging.Discard()
	}
	return &Driver{log: log}
}

// allocatorOptions builds the exec allocator flags for cfg.
func allocatorOptions(cfg core.PageConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.Width > 0 && cfg.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Width, cfg.Height))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// NewPage starts a browser and returns its first tab. The browser lives
// until the page is released; cancelling ctx does not stop it.
func (d *Driver) NewPage(ctx context.Context, cfg core.PageConfig) (core.Page, error) {
	base := context.WithoutCancel(ctx)
	allocCtx, allocCancel := chromedp.NewExecAllocator(base, allocatorOptions(cfg)...)

	logf := func(format string, args ...any) {
		d.log.Debug(fmt.Sprintf(format, args...))
	}
	errorf := func(format string, args ...any) {
		d.log.Warn(fmt.Sprintf(format, args...))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logf),
		chromedp.WithErrorf(errorf),
	)

	p := &Page{
		log: d.log,
		ctx: tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}
	chromedp.ListenTarget(tabCtx, p.handleEvent)

	// The first Run launches the browser and is tied to the context it gets,
	// so it runs on the tab context itself.
	if err := chromedp.Run(tabCtx); err != nil {
		p.cancel()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	d.log.Info("browser started", "headless", cfg.Headless, "exec_path", cfg.ExecPath)
	return p, nil
}
