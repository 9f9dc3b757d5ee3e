package runstate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

func snapshot(runID string, status models.RunStatus, at time.Time) *models.StatusSnapshot {
	return &models.StatusSnapshot{
		RunID:        runID,
		Status:       status,
		TotalBatches: 2,
		Specs: map[string]models.SpecRunState{
			"A": {Status: models.SpecCompleted, Attempts: 1},
			"B": {Status: models.SpecRunning, Attempts: 1, PID: 123},
		},
		UpdatedAt: at,
	}
}

func TestWriteJSONAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.json")

	for i := 0; i < 3; i++ {
		if err := WriteJSONAtomic(path, map[string]int{"n": i}); err != nil {
			t.Fatalf("WriteJSONAtomic: %v", err)
		}
	}

	var got map[string]int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got["n"] != 2 {
		t.Errorf("n = %d, want 2", got["n"])
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestReadJSONMissing(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &v)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestSnapshotWriteRead(t *testing.T) {
	r := setupTestRegistry(t, 100)
	store := NewSnapshotStore(r.Layout(), r)

	if err := store.Write(snapshot("run-1", models.RunRunning, time.Now())); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read("run-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Specs["B"].PID != 123 || got.Specs["A"].Status != models.SpecCompleted {
		t.Errorf("unexpected snapshot: %+v", got.Specs)
	}
}

func TestSnapshotReadResolvesCurrentRun(t *testing.T) {
	r := setupTestRegistry(t, 100)
	store := NewSnapshotStore(r.Layout(), r)

	if _, err := store.Read(""); !errors.Is(err, ErrNoRun) {
		t.Errorf("expected ErrNoRun with no runs, got %v", err)
	}

	if err := r.Register(running("run-1", 100)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.Write(snapshot("run-1", models.RunRunning, time.Now())); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := store.Read("")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.RunID != "run-1" {
		t.Errorf("resolved run %s, want run-1", got.RunID)
	}
}

func TestSnapshotWriteRequiresRunID(t *testing.T) {
	store := NewSnapshotStore(NewLayout(t.TempDir()), nil)
	if err := store.Write(&models.StatusSnapshot{}); err == nil {
		t.Error("expected error for snapshot without run id")
	}
}

func TestSnapshotWatchStopsOnTerminal(t *testing.T) {
	r := setupTestRegistry(t, 100)
	store := NewSnapshotStore(r.Layout(), r)

	start := time.Now()
	if err := store.Write(snapshot("run-1", models.RunRunning, start)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates, err := store.Watch(ctx, "run-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	first := <-updates
	if first == nil || first.Status != models.RunRunning {
		t.Fatalf("first update = %+v, want running", first)
	}

	if err := store.Write(snapshot("run-1", models.RunCompleted, start.Add(time.Second))); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var last *models.StatusSnapshot
	for snap := range updates {
		last = snap
	}
	if ctx.Err() != nil {
		t.Fatal("watch did not close after terminal snapshot")
	}
	if last == nil || last.Status != models.RunCompleted {
		t.Errorf("last update = %+v, want completed", last)
	}
}
