// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestNewLoggerWritesFile checks the rotated file receives JSON entries.
func TestNewLoggerWritesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pagesnap.log")
	logger, err := New(Options{File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New(file) error = %v", err)
	}
	logger.Info("file logger ready")
	_ = logger.Sync()

	data, err := os.ReadFile(path) // #nosec G304 -- test temp file.
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"file logger ready"`) {
		t.Fatalf("expected entry in log file, got %q", data)
	}
}
