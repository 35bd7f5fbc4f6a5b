// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so that E2E tests, which drive the built binary and
// cannot import internal/, can use it.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// appEnvVars are the crmsync variables that could point a test at a real
// deployment. Isolate unsets them all.
var appEnvVars = []string{
	"CRMSYNC_CONFIG",
	"CRMSYNC_ACCOUNT_SYNC_POLICY",
	"CRMSYNC_STATE_DB",
}

// isolatedVars must all point into the temp root after Isolate.
var isolatedVars = []string{"HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME"}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// Isolate points HOME and the XDG directories at a fresh temp root and
// unsets crmsync's own environment overrides, so that default config and
// data paths can never resolve to a real deployment. It crashes the process
// on failure because no test may run without isolation. The returned
// cleanup removes the temp root.
func Isolate(prefix string) (root string, cleanup func()) {
	for _, v := range appEnvVars {
		os.Unsetenv(v)
	}

	root, err := os.MkdirTemp("", prefix)
	if err != nil {
		fatalf("creating isolation temp dir: %v", err)
	}

	dirs := map[string]string{
		"HOME":            filepath.Join(root, "home"),
		"XDG_CONFIG_HOME": filepath.Join(root, "config"),
		"XDG_DATA_HOME":   filepath.Join(root, "data"),
		"XDG_CACHE_HOME":  filepath.Join(root, "cache"),
	}

	for v, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			fatalf("creating dir %s: %v", d, err)
		}

		os.Setenv(v, d)
	}

	VerifyIsolation(root)

	return root, func() { os.RemoveAll(root) }
}

// VerifyIsolation crashes the process if any production path could leak
// into test execution.
func VerifyIsolation(root string) {
	for _, v := range appEnvVars {
		if os.Getenv(v) != "" {
			fatalf("%s is set: would leak a real deployment into tests", v)
		}
	}

	for _, v := range isolatedVars {
		if !strings.HasPrefix(os.Getenv(v), root) {
			fatalf("%s not overridden to temp dir", v)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil || !strings.HasPrefix(home, root) {
		fatalf("os.UserHomeDir() = %q, want a path under %s", home, root)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: isolation: "+format+"\n", args...)
	os.Exit(1)
}
