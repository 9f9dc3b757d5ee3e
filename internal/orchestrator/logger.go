package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ShayCichocki/specbatch/internal/runstate"
)

// maxDebugLogSize is the size at which the debug log is rotated on open.
const maxDebugLogSize = 4 << 20

var (
	pkgLoggerMu sync.RWMutex
	pkgLogger   *DebugLogger
)

func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

// debugLog writes through the package-level logger. The scheduler and the
// spawners it creates log here since they hold no logger of their own.
func debugLog(format string, args ...interface{}) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()
	l.Log(format, args...)
}

// DebugLogger appends timestamped lines to the state directory's debug log.
// A nil DebugLogger, or one without a file, discards everything.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewDebugLogger opens logPath for appending. An empty path yields a no-op
// logger. A log larger than 4MB is moved aside to <path>.1 first.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxDebugLogSize {
		_ = os.Rename(logPath, logPath+".1")
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l := &DebugLogger{file: f, path: logPath}
	l.Log("=== specbatch pid %d started %s ===", os.Getpid(), time.Now().Format(time.RFC3339))
	return l, nil
}

// NewDebugLoggerForState opens logs/orchestrator-debug.log under stateDir,
// falling back to a no-op logger when it cannot be created.
func NewDebugLoggerForState(stateDir string) *DebugLogger {
	l, err := NewDebugLogger(runstate.NewLayout(stateDir).DebugLogPath())
	if err != nil {
		return NopLogger()
	}
	return l
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Path returns the log file path, or "" for a no-op logger.
func (l *DebugLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Log writes one line.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.WriteString(line)
}

// Close closes the log file.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.file.Close()
	l.file = nil
	return err
}
