package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRenderUnsupported is returned by Page.Render when the driver can't
	// produce the requested output format.
	ErrRenderUnsupported = errors.New("render not supported by driver")

	// ErrPageReleased is returned by operations on a released page.
	ErrPageReleased = errors.New("page released")

	// ErrNoDocument is returned when a page operation needs a loaded document.
	ErrNoDocument = errors.New("no document loaded")
)

// EvaluationError reports a failure raised while evaluating a function in the
// page context.
type EvaluationError struct {
	Source string // function source, possibly truncated
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s: %v", truncate(e.Source, 80), e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// NewEvaluationError wraps err with the source being evaluated.
func NewEvaluationError(source string, err error) *EvaluationError {
	return &EvaluationError{Source: source, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
