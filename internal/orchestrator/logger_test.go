package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugLogger_WritesLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "debug.log")
	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	if l.Path() != path {
		t.Errorf("Path() = %q, want %q", l.Path(), path)
	}
	l.Log("spec %s attempt %d", "auth", 2)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Logging after close is discarded.
	l.Log("ignored")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "spec auth attempt 2") {
		t.Errorf("expected log line, got %q", data)
	}
	if strings.Contains(string(data), "ignored") {
		t.Error("write after Close should be dropped")
	}
}

func TestDebugLogger_RotatesLargeLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	big := make([]byte, maxDebugLogSize+1)
	if err := os.WriteFile(path, big, 0644); err != nil {
		t.Fatal(err)
	}

	l, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("expected rotated log: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > maxDebugLogSize {
		t.Errorf("expected fresh log, size %d", info.Size())
	}
}

func TestDebugLogger_NilAndNop(t *testing.T) {
	var nilLogger *DebugLogger
	nilLogger.Log("no panic")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
	if nilLogger.Path() != "" {
		t.Error("nil logger has no path")
	}

	nop := NopLogger()
	nop.Log("discarded")
	if err := nop.Close(); err != nil {
		t.Errorf("nop Close: %v", err)
	}
}
