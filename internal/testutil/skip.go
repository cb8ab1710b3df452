// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// SkipIfNoNetwork skips the test if FLOCK_TEST_SKIP_NETWORK is set.
// Use this for tests that bind TCP listeners, which sandboxed
// environments may not allow.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("FLOCK_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: FLOCK_TEST_SKIP_NETWORK is set")
	}
}
