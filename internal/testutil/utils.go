package testutil

import (
	"log"
	"os"
	"testing"
)

// TestLogger returns a logger for injecting into components under test.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[chatkit-test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}
