package pagetap

import (
	"errors"

	"github.com/cryguy/pagetap/internal/core"
)

// Programming errors in a test script. Any of these reaching the scheduler
// ends the run with ExitInternal.
var (
	ErrUnresolvedAccess        = errors.New("pagetap: deferred value read before it was resolved")
	ErrNotRecomputable         = errors.New("pagetap: deferred value has no recompute function")
	ErrUnsupportedArgumentType = errors.New("pagetap: unsupported argument type")
	ErrUnknownOption           = errors.New("pagetap: unknown option")
)

// EvaluationError is returned when a function fails inside the page.
type EvaluationError = core.EvaluationError

// Exit statuses.
const (
	ExitPass     = 0
	ExitFail     = 1
	ExitInternal = 127
)
