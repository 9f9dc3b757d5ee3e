// Package runstate holds the durable records shared between the coordinating
// process and separate status/stop invocations: the active run slot, status
// snapshots and stop requests. Every file is replaced atomically.
package runstate

import (
	"os"
	"path/filepath"
)

// DefaultDir is the state directory name created in the project root.
const DefaultDir = ".specbatch"

// Layout resolves paths inside a state directory.
//
//	<root>/run.json                     active run slot
//	<root>/runs/<runId>/run.json        per-run metadata copy
//	<root>/runs/<runId>/status.json     latest snapshot
//	<root>/runs/<runId>/logs/           worker logs
//	<root>/signals/stop-<runId>.json    pending stop request
//	<root>/state.db                     run history
//	<root>/logs/orchestrator-debug.log  debug log
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at dir.
func NewLayout(dir string) Layout {
	if dir == "" {
		dir = DefaultDir
	}
	return Layout{Root: dir}
}

// RunFile is the active slot.
func (l Layout) RunFile() string { return filepath.Join(l.Root, "run.json") }

// RunsDir holds one directory per run.
func (l Layout) RunsDir() string { return filepath.Join(l.Root, "runs") }

// RunDir is the directory for a single run.
func (l Layout) RunDir(runID string) string { return filepath.Join(l.RunsDir(), runID) }

// RunMetadataFile is the per-run copy of the metadata.
func (l Layout) RunMetadataFile(runID string) string {
	return filepath.Join(l.RunDir(runID), "run.json")
}

// SnapshotFile is the latest status snapshot of a run.
func (l Layout) SnapshotFile(runID string) string {
	return filepath.Join(l.RunDir(runID), "status.json")
}

// LogDir holds the worker logs of a run.
func (l Layout) LogDir(runID string) string { return filepath.Join(l.RunDir(runID), "logs") }

// SignalsDir holds stop requests.
func (l Layout) SignalsDir() string { return filepath.Join(l.Root, "signals") }

// StopRequestFile is the stop request for a run.
func (l Layout) StopRequestFile(runID string) string {
	return filepath.Join(l.SignalsDir(), "stop-"+runID+".json")
}

// DBPath is the SQLite history database.
func (l Layout) DBPath() string { return filepath.Join(l.Root, "state.db") }

// DebugLogPath is the orchestrator debug log.
func (l Layout) DebugLogPath() string {
	return filepath.Join(l.Root, "logs", "orchestrator-debug.log")
}

// EnsureDirs creates the directories every run needs.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Root, l.RunsDir(), l.SignalsDir(), filepath.Join(l.Root, "logs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
