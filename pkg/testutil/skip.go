package testutil

import (
	"os"
	"testing"
)

// SkipIfShort skips the test when running in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RequireDocker skips the test unless a Docker daemon is expected to be
// available. Set ENMAP_MONGO_INTEGRATION=1 to force integration tests in CI.
func RequireDocker(t *testing.T) {
	t.Helper()
	SkipIfShort(t)
	if os.Getenv("CI") != "" && os.Getenv("ENMAP_MONGO_INTEGRATION") == "" {
		t.Skip("skipping integration test (set ENMAP_MONGO_INTEGRATION=1 to run)")
	}
}
