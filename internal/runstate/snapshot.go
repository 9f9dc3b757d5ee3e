package runstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// DefaultWatchInterval is the poll interval used when none is given.
const DefaultWatchInterval = time.Second

// SnapshotStore reads and writes status snapshots.
type SnapshotStore struct {
	layout   Layout
	registry *Registry
}

// NewSnapshotStore creates a SnapshotStore. The registry resolves the run
// to read when no run id is given.
func NewSnapshotStore(layout Layout, registry *Registry) *SnapshotStore {
	return &SnapshotStore{layout: layout, registry: registry}
}

// Write atomically replaces the snapshot of snap.RunID.
func (s *SnapshotStore) Write(snap *models.StatusSnapshot) error {
	if snap == nil || snap.RunID == "" {
		return fmt.Errorf("write snapshot: run id is empty")
	}
	return WriteJSONAtomic(s.layout.SnapshotFile(snap.RunID), snap)
}

// Read returns the latest snapshot for runID. An empty runID reads the run
// in the active slot, or the most recent run if the slot is idle.
func (s *SnapshotStore) Read(runID string) (*models.StatusSnapshot, error) {
	if runID == "" {
		resolved, err := s.resolveRunID()
		if err != nil {
			return nil, err
		}
		runID = resolved
	}

	var snap models.StatusSnapshot
	if err := ReadJSON(s.layout.SnapshotFile(runID), &snap); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("snapshot for run %s: %w", runID, ErrNoRun)
		}
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotStore) resolveRunID() (string, error) {
	if s.registry == nil {
		return "", ErrNoRun
	}
	meta, err := s.registry.Current()
	if err != nil {
		return "", err
	}
	return meta.RunID, nil
}

// newDirWatcher watches dir with fsnotify. When the watcher cannot be
// created every return value is nil and callers rely on polling.
func newDirWatcher(dir string) (*fsnotify.Watcher, <-chan fsnotify.Event, <-chan error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, nil
	}
	return watcher, watcher.Events, watcher.Errors
}

// Watch emits the snapshot of runID each time it changes. File events drive
// updates, with a poll at interval as a fallback. The channel is closed
// after a terminal snapshot is delivered or when ctx is done.
func (s *SnapshotStore) Watch(ctx context.Context, runID string, interval time.Duration) (<-chan *models.StatusSnapshot, error) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if runID == "" {
		resolved, err := s.resolveRunID()
		if err != nil {
			return nil, err
		}
		runID = resolved
	}

	runDir := s.layout.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	watcher, events, errs := newDirWatcher(runDir)

	out := make(chan *models.StatusSnapshot, 1)
	target := filepath.Base(s.layout.SnapshotFile(runID))

	go func() {
		defer close(out)
		if watcher != nil {
			defer watcher.Close()
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last time.Time
		emit := func() bool {
			snap, err := s.Read(runID)
			if err != nil {
				return false
			}
			if !snap.UpdatedAt.After(last) && !last.IsZero() {
				return false
			}
			last = snap.UpdatedAt
			select {
			case out <- snap:
			case <-ctx.Done():
				return true
			}
			return snap.Status.IsTerminal()
		}

		if emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if emit() {
					return
				}
			case _, ok := <-errs:
				if !ok {
					errs = nil
				}
			case <-ticker.C:
				if emit() {
					return
				}
			}
		}
	}()

	return out, nil
}
