package pagetap

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/pagetap/internal/core"
)

// JS is the source text of a JavaScript (or TypeScript) function to run
// inside the page, e.g. `function() { return document.title }`.
type JS string

// transformCache maps raw function source to the transformed source.
var transformCache sync.Map

// transformFunc lowers fn to ES2020 JavaScript with types stripped. The
// result is a parenthesised function expression. Syntax errors come back as
// *EvaluationError so they fail the run the same way an error thrown in the
// page would.
func transformFunc(fn JS) (string, error) {
	src := strings.TrimSuffix(strings.TrimSpace(string(fn)), ";")
	if src == "" {
		return "", core.NewEvaluationError(src, errors.New("empty function source"))
	}
	if cached, ok := transformCache.Load(src); ok {
		return cached.(string), nil
	}

	result := esbuild.Transform("("+src+")", esbuild.TransformOptions{
		Loader:   esbuild.LoaderTS,
		Target:   esbuild.ES2020,
		Format:   esbuild.FormatDefault,
		LogLevel: esbuild.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", core.NewEvaluationError(src, fmt.Errorf("transforming function: %s", strings.Join(msgs, "; ")))
	}

	out := strings.TrimSpace(string(result.Code))
	out = strings.TrimSuffix(out, ";")
	if out == "" {
		return "", core.NewEvaluationError(src, errors.New("function source produced no code"))
	}
	transformCache.Store(src, out)
	return out, nil
}
