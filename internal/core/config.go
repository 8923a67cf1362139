package core

import "time"

// PageConfig holds the settings a driver needs when creating a page.
type PageConfig struct {
	Width    int           // viewport width in px
	Height   int           // viewport height in px
	Timeout  time.Duration // default deadline for driver-internal waits
	Headless bool          // chrome only
	ExecPath string        // chrome only; empty uses the allocator default
}
