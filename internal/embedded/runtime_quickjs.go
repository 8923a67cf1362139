//go:build !v8

package embedded

import (
	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/quickjs"
)

const engineName = "quickjs"

func newRuntime(memoryLimitMB int) (core.JSRuntime, error) {
	rt, err := quickjs.New(memoryLimitMB)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
