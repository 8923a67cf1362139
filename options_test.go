package pagetap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, 10000, o.Timeout)
	assert.Equal(t, 1024, o.Width)
	assert.Equal(t, 768, o.Height)
	assert.Equal(t, "./", o.ScreenshotPath)
	assert.Equal(t, 100, o.PollInterval)
	assert.False(t, o.Verbose)
	assert.False(t, o.DiagConsole)
	assert.True(t, o.Headless)
	assert.Equal(t, 10*time.Second, o.timeout())
}

func TestOptions_Set(t *testing.T) {
	o := DefaultOptions()
	require.NoError(t, o.Set("timeout", 50))
	require.NoError(t, o.Set("width", float64(800)))
	require.NoError(t, o.Set("height", "600"))
	require.NoError(t, o.Set("verbose", true))
	require.NoError(t, o.Set("diag_console", "true"))
	require.NoError(t, o.Set("screenshot_path", "/tmp/shots/"))

	assert.Equal(t, 50, o.Timeout)
	assert.Equal(t, 800, o.Width)
	assert.Equal(t, 600, o.Height)
	assert.True(t, o.Verbose)
	assert.True(t, o.DiagConsole)
	assert.Equal(t, "/tmp/shots/", o.ScreenshotPath)
}

func TestOptions_SetUnknown(t *testing.T) {
	o := DefaultOptions()
	err := o.Set("colour", true)
	assert.ErrorIs(t, err, ErrUnknownOption)
}

func TestOptions_SetWrongType(t *testing.T) {
	o := DefaultOptions()
	assert.ErrorIs(t, o.Set("timeout", []int{1}), ErrUnsupportedArgumentType)
	assert.ErrorIs(t, o.Set("verbose", 1), ErrUnsupportedArgumentType)
	assert.ErrorIs(t, o.Set("base_url", 3), ErrUnsupportedArgumentType)
	assert.Equal(t, DefaultTimeout, o.Timeout)
}

func TestOptions_Apply(t *testing.T) {
	o := DefaultOptions()
	require.NoError(t, o.Apply(map[string]any{"timeout": 200, "base_url": "http://x/"}))
	assert.Equal(t, 200, o.Timeout)
	assert.Equal(t, "http://x/", o.BaseURL)
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagetap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout: 2500\nverbose: true\ndriver: embedded\n"), 0o644))

	o, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, 2500, o.Timeout)
	assert.True(t, o.Verbose)
	assert.Equal(t, "embedded", o.Driver)
	assert.Equal(t, 1024, o.Width, "unset keys keep their defaults")
}

func TestLoadOptions_Missing(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOptionKeys(t *testing.T) {
	keys := OptionKeys()
	assert.Contains(t, keys, "timeout")
	assert.Contains(t, keys, "diag_screenshots")
	assert.IsIncreasing(t, keys)
}
