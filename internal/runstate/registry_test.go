package runstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// setupTestRegistry returns a registry in a temp dir whose liveness probe
// reports the pids in alive as running.
func setupTestRegistry(t *testing.T, alive ...int) *Registry {
	t.Helper()
	live := make(map[int]bool)
	for _, pid := range alive {
		live[pid] = true
	}
	layout := NewLayout(filepath.Join(t.TempDir(), DefaultDir))
	return NewRegistry(layout, WithLiveness(func(pid int) bool { return live[pid] }))
}

func running(runID string, pid int) models.RunMetadata {
	return models.RunMetadata{
		RunID:   runID,
		PID:     pid,
		Status:  models.RunRunning,
		SpecIDs: []string{"A", "B"},
	}
}

func TestRegisterAndActive(t *testing.T) {
	r := setupTestRegistry(t, 100)

	active, err := r.Active()
	if err != nil || active != nil {
		t.Fatalf("empty registry should have no active run, got %+v, %v", active, err)
	}

	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	active, err = r.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active == nil || active.RunID != "run-1" || active.PID != 100 {
		t.Fatalf("Active() = %+v, want run-1 pid 100", active)
	}
	if active.StartedAt.IsZero() {
		t.Error("Register should stamp StartedAt")
	}

	loaded, err := r.Load("run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RunID != "run-1" {
		t.Errorf("Load returned %s", loaded.RunID)
	}
}

func TestRegisterRejectsLiveActiveRun(t *testing.T) {
	r := setupTestRegistry(t, 100, 200)

	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.Register(running("run-2", 200))
	var active *ActiveRunError
	if !errors.As(err, &active) {
		t.Fatalf("expected ActiveRunError, got %v", err)
	}
	if active.RunID != "run-1" || active.PID != 100 {
		t.Errorf("conflict should name the active run, got %+v", active)
	}
	if !errors.Is(err, ErrRunActive) {
		t.Error("ActiveRunError should unwrap to ErrRunActive")
	}

	current, _ := r.Current()
	if current.RunID != "run-1" {
		t.Errorf("rejected run must not take the slot, slot holds %s", current.RunID)
	}
}

func TestRegisterReplacesStaleRun(t *testing.T) {
	// pid 100 is not alive.
	r := setupTestRegistry(t, 200)

	if err := r.Register(running("stale", 100)); err != nil {
		t.Fatalf("Register stale: %v", err)
	}
	if err := r.Register(running("fresh", 200)); err != nil {
		t.Fatalf("Register over stale run: %v", err)
	}

	current, err := r.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current.RunID != "fresh" {
		t.Errorf("slot holds %s, want fresh", current.RunID)
	}

	stale, err := r.Load("stale")
	if err != nil {
		t.Fatalf("Load stale: %v", err)
	}
	if stale.Status != models.RunFailed || stale.Reason != ReasonCoordinatorExited {
		t.Errorf("stale run = %s/%q, want failed/%q", stale.Status, stale.Reason, ReasonCoordinatorExited)
	}
	if stale.EndedAt == nil {
		t.Error("stale run should get an end time")
	}
}

func TestRegisterAfterTerminalRun(t *testing.T) {
	r := setupTestRegistry(t, 100, 200)

	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Finish("run-1", models.RunCompleted, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := r.Register(running("run-2", 200)); err != nil {
		t.Errorf("finished run should free the slot, got %v", err)
	}
}

func TestFinish(t *testing.T) {
	r := setupTestRegistry(t, 100)
	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	meta, err := r.Finish("run-1", models.RunFailed, "spec B failed")
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if meta.Status != models.RunFailed || meta.EndedAt == nil || meta.Reason != "spec B failed" {
		t.Errorf("unexpected metadata after Finish: %+v", meta)
	}

	active, err := r.Active()
	if err != nil || active != nil {
		t.Errorf("finished run should not be active, got %+v, %v", active, err)
	}

	if _, err := r.Finish("run-1", models.RunRunning, ""); err == nil {
		t.Error("Finish with a non-terminal status should fail")
	}
}

func TestMarkStoppedRecordsUnconfirmed(t *testing.T) {
	r := setupTestRegistry(t, 100)
	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	unconfirmed := []models.UnconfirmedAgent{{SpecID: "B", PID: 4242, Error: "still alive"}}
	if _, err := r.MarkStopped("run-1", "stopped by request", unconfirmed); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}

	current, _ := r.Current()
	if current.Status != models.RunStopped {
		t.Errorf("status = %s, want stopped", current.Status)
	}
	if len(current.Unconfirmed) != 1 || current.Unconfirmed[0].PID != 4242 {
		t.Errorf("unconfirmed workers not recorded: %+v", current.Unconfirmed)
	}

	// A later confirmed kill clears the list.
	if _, err := r.MarkStopped("run-1", "", nil); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}
	current, _ = r.Current()
	if len(current.Unconfirmed) != 0 {
		t.Errorf("expected unconfirmed list cleared, got %+v", current.Unconfirmed)
	}
}

func TestFinishDoesNotClobberNewerRun(t *testing.T) {
	r := setupTestRegistry(t, 200)

	// run-1's coordinator died; run-2 took the slot.
	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(running("run-2", 200)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.MarkStopped("run-1", "", nil); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}
	current, _ := r.Current()
	if current.RunID != "run-2" || current.Status != models.RunRunning {
		t.Errorf("slot should still hold running run-2, got %s/%s", current.RunID, current.Status)
	}
}

func TestLoadUnknownRun(t *testing.T) {
	r := setupTestRegistry(t)
	if _, err := r.Load("nope"); !errors.Is(err, ErrNoRun) {
		t.Errorf("expected ErrNoRun, got %v", err)
	}
	if _, err := r.Current(); !errors.Is(err, ErrNoRun) {
		t.Errorf("expected ErrNoRun from Current, got %v", err)
	}
}

func TestRegistryLockReleased(t *testing.T) {
	r := setupTestRegistry(t, 100)
	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := os.Stat(r.Layout().RunFile() + ".lock"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file should be removed after Register, stat err = %v", err)
	}
}

func TestRegistryBreaksStaleLock(t *testing.T) {
	r := setupTestRegistry(t, 100)
	if err := r.Layout().EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	lockPath := r.Layout().RunFile() + ".lock"
	if err := os.WriteFile(lockPath, []byte("1\n"), 0644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if err := r.Register(running("run-1", 100)); err != nil {
		t.Errorf("Register should break a stale lock, got %v", err)
	}
}
