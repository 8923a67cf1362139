package pagetap

import (
	"fmt"

	"github.com/cryguy/pagetap/internal/chrome"
	"github.com/cryguy/pagetap/internal/embedded"
	"github.com/cryguy/pagetap/internal/logging"
)

// Driver names accepted by the driver option.
const (
	DriverChrome   = "chrome"
	DriverEmbedded = "embedded"
)

// NewDriver returns the driver registered under name.
func NewDriver(name string, log *logging.Logger) (Driver, error) {
	switch name {
	case "", DriverChrome:
		return chrome.NewDriver(log.Named("chrome")), nil
	case DriverEmbedded:
		return embedded.NewDriver(log.Named("embedded")), nil
	}
	return nil, fmt.Errorf("%w: driver %q", ErrUnknownOption, name)
}

func driverFor(opts Options, log *logging.Logger) (Driver, error) {
	return NewDriver(opts.Driver, log)
}
