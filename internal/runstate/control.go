package runstate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StopRequest is written by a process that wants the coordinator of a run to stop it.
type StopRequest struct {
	RunID       string    `json:"runId"`
	RequestedBy int       `json:"requestedBy"`
	RequestedAt time.Time `json:"requestedAt"`
}

// ControlChannel carries stop requests to a coordinator through the signals directory.
type ControlChannel struct {
	layout Layout
}

// NewControlChannel creates a ControlChannel.
func NewControlChannel(layout Layout) *ControlChannel {
	return &ControlChannel{layout: layout}
}

// RequestStop asks the coordinator of runID to stop the run.
func (c *ControlChannel) RequestStop(runID string) error {
	if runID == "" {
		return fmt.Errorf("request stop: run id is empty")
	}
	req := StopRequest{
		RunID:       runID,
		RequestedBy: os.Getpid(),
		RequestedAt: time.Now(),
	}
	return WriteJSONAtomic(c.layout.StopRequestFile(runID), req)
}

// Pending returns the outstanding stop request for runID, if any.
func (c *ControlChannel) Pending(runID string) (*StopRequest, bool) {
	var req StopRequest
	if err := ReadJSON(c.layout.StopRequestFile(runID), &req); err != nil {
		return nil, false
	}
	return &req, true
}

// Clear removes the stop request for runID. A missing request is not an error.
func (c *ControlChannel) Clear(runID string) error {
	err := os.Remove(c.layout.StopRequestFile(runID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Listen calls handler once when a stop request for runID appears, then
// returns. The signals directory is watched with fsnotify and also polled at
// interval in case the watcher misses an event or cannot be created.
// The listener goroutine exits when ctx is done.
func (c *ControlChannel) Listen(ctx context.Context, runID string, interval time.Duration, handler func(StopRequest)) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	dir := c.layout.SignalsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}

	// A request left over from an earlier listener is stale.
	if err := c.Clear(runID); err != nil {
		log.Printf("[control] warning: failed to clear old stop request for %s: %v", runID, err)
	}

	watcher, events, errs := newDirWatcher(dir)
	target := filepath.Base(c.layout.StopRequestFile(runID))

	go func() {
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		check := func() bool {
			req, ok := c.Pending(runID)
			if !ok {
				return false
			}
			if err := c.Clear(runID); err != nil {
				log.Printf("[control] warning: failed to clear stop request for %s: %v", runID, err)
			}
			handler(*req)
			return true
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
				if check() {
					return
				}
			case _, ok := <-errs:
				if !ok {
					errs = nil
				}
			case <-ticker.C:
				if check() {
					return
				}
			}
		}
	}()

	return nil
}
