package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryguy/pagetap"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Home</title></head><body><h1>Welcome</h1></body></html>`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, "pagetap dev\n", stdout.String())
}

func TestRun_PlanAndHistory(t *testing.T) {
	srv := server(t)
	dir := t.TempDir()
	planPath := writeFile(t, dir, "home.yaml", `
name: home
steps:
  - open: /
  - is: {got: {text: h1}, expected: Welcome, description: heading}
  - vdiag: verbose on
`)
	db := filepath.Join(dir, "runs.db")

	var stdout, stderr bytes.Buffer
	code := run([]string{"run",
		"--driver", "embedded",
		"--base-url", srv.URL,
		"--timeout", "5000",
		"--verbose",
		"--results-db", db,
		planPath,
	}, &stdout, &stderr)
	require.Equal(t, pagetap.ExitPass, code, stdout.String()+stderr.String())
	assert.Contains(t, stdout.String(), "ok 1 - heading\n")
	assert.Contains(t, stdout.String(), "# verbose on\n")
	assert.Contains(t, stdout.String(), "1..1\n")

	stdout.Reset()
	code = run([]string{"history", "--results-db", db}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "1/1 passed")
	assert.True(t, strings.HasSuffix(lines[0], "home"), lines[0])
}

func TestRun_FailingPlanStatus(t *testing.T) {
	srv := server(t)
	dir := t.TempDir()
	planPath := writeFile(t, dir, "fail.yaml", `
options: {driver: embedded, timeout: 5000}
steps:
  - open: /
  - is: {got: {text: h1}, expected: Goodbye, description: heading}
`)
	config := writeFile(t, dir, "options.yaml", "base_url: "+srv.URL+"\n")

	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "--config", config, planPath}, &stdout, &stderr)
	assert.Equal(t, pagetap.ExitFail, code)
	assert.Contains(t, stdout.String(), "not ok 1 - heading\n")
}

func TestRun_UsageErrors(t *testing.T) {
	dir := t.TempDir()
	planPath := writeFile(t, dir, "p.yaml", "steps: [{open: /}]")
	bad := writeFile(t, dir, "bad.yaml", "steps: [{fly: away}]")

	for name, args := range map[string][]string{
		"no plan":        {"run"},
		"missing plan":   {"run", filepath.Join(dir, "nope.yaml")},
		"invalid plan":   {"run", bad},
		"unknown driver": {"run", "--driver", "netscape", planPath},
		"bad color":      {"run", "--driver", "embedded", "--color", "plaid", planPath},
		"history no db":  {"history"},
		"unknown cmd":    {"launch"},
	} {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, exitUsage, run(args, &stdout, &stderr))
			assert.True(t, strings.HasPrefix(stderr.String(), "pagetap: "), stderr.String())
		})
	}
}

func TestRun_ColorAlwaysWithoutTerminal(t *testing.T) {
	srv := server(t)
	planPath := writeFile(t, t.TempDir(), "home.yaml", `
steps:
  - open: /
  - is: {got: {text: h1}, expected: Welcome, description: heading}
`)

	for flag, colored := range map[string]bool{"always": true, "never": false, "auto": false} {
		t.Run(flag, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run([]string{"run", "--driver", "embedded", "--base-url", srv.URL,
				"--color", flag, planPath}, &stdout, &stderr)
			require.Equal(t, pagetap.ExitPass, code, stdout.String()+stderr.String())
			assert.Equal(t, colored, strings.Contains(stdout.String(), "\x1b["), stdout.String())
			assert.Contains(t, stdout.String(), " 1 - heading\n")
		})
	}
}
