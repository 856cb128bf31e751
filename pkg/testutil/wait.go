package testutil

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

// DefaultLogger is the shared test logger.
var DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelDebug,
}))

// WaitFor polls condition until it is true or the timeout elapses.
func WaitFor(t *testing.T, description string, timeout time.Duration, condition func() bool) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition %q not met within %v", description, timeout)
}
