//go:build v8

package embedded

import (
	"github.com/cryguy/pagetap/internal/core"
	"github.com/cryguy/pagetap/internal/v8engine"
)

const engineName = "v8"

func newRuntime(memoryLimitMB int) (core.JSRuntime, error) {
	rt, err := v8engine.New(memoryLimitMB)
	if err != nil {
		return nil, err
	}
	return rt, nil
}
