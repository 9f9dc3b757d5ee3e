package state

import (
	"testing"
	"time"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

func newRun(id string, startedAt time.Time) *RunRecord {
	return &RunRecord{
		ID:          id,
		PID:         100,
		Status:      models.RunRunning,
		SpecIDs:     []string{"A", "B"},
		MaxParallel: 2,
		MaxRetries:  1,
		StartedAt:   startedAt,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	db := setupTestDB(t)

	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := db.CreateRun(newRun("run-1", started)); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Status != models.RunRunning || got.MaxParallel != 2 || got.MaxRetries != 1 {
		t.Errorf("unexpected run: %+v", got)
	}
	if len(got.SpecIDs) != 2 || got.SpecIDs[1] != "B" {
		t.Errorf("SpecIDs = %v, want [A B]", got.SpecIDs)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.EndedAt != nil {
		t.Error("EndedAt should be nil for a running run")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetRun("missing")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestUpdateRun(t *testing.T) {
	db := setupTestDB(t)

	r := newRun("run-1", time.Now())
	if err := db.CreateRun(r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	ended := time.Now()
	r.Status = models.RunFailed
	r.EndedAt = &ended
	r.Reason = "spec B failed"
	if err := db.UpdateRun(r); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got, _ := db.GetRun("run-1")
	if got.Status != models.RunFailed || got.Reason != "spec B failed" || got.EndedAt == nil {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := db.UpdateRun(newRun("ghost", time.Now())); err == nil {
		t.Error("expected error updating a missing run")
	}
}

func TestListRuns(t *testing.T) {
	db := setupTestDB(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		r := newRun(id, base.Add(time.Duration(i)*time.Hour))
		if id == "mid" {
			r.Status = models.RunCompleted
		}
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun %s failed: %v", id, err)
		}
	}

	runs, err := db.ListRuns(0, nil)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "new" || runs[2].ID != "old" {
		t.Errorf("expected newest first, got %v", runIDs(runs))
	}

	runs, err = db.ListRuns(1, nil)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("limit not applied: %v", runIDs(runs))
	}

	completed := models.RunCompleted
	runs, err = db.ListRuns(0, &completed)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "mid" {
		t.Errorf("status filter not applied: %v", runIDs(runs))
	}
}

func TestAttempts(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateRun(newRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	start := time.Now()
	a := &AttemptRecord{
		RunID:     "run-1",
		SpecID:    "A",
		Attempt:   1,
		PID:       4242,
		Status:    models.SpecRunning,
		LogPath:   "/tmp/A.1.log",
		StartedAt: start,
	}
	if err := db.RecordAttempt(a); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	code := 1
	ended := start.Add(time.Second)
	a.Status = models.SpecFailed
	a.ExitCode = &code
	a.Error = "exit code 1"
	a.EndedAt = &ended
	if err := db.FinishAttempt(a); err != nil {
		t.Fatalf("FinishAttempt failed: %v", err)
	}

	second := &AttemptRecord{RunID: "run-1", SpecID: "A", Attempt: 2, Status: models.SpecRunning, StartedAt: ended}
	if err := db.RecordAttempt(second); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	attempts, err := db.ListAttempts("run-1")
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	first := attempts[0]
	if first.Attempt != 1 || first.Status != models.SpecFailed || first.ExitCode == nil || *first.ExitCode != 1 {
		t.Errorf("unexpected first attempt: %+v", first)
	}
	if first.LogPath != "/tmp/A.1.log" || first.EndedAt == nil {
		t.Errorf("first attempt lost fields: %+v", first)
	}
	if attempts[1].ExitCode != nil {
		t.Error("running attempt should have no exit code")
	}

	// Duplicate attempt numbers are rejected.
	if err := db.RecordAttempt(second); err == nil {
		t.Error("expected error for duplicate attempt")
	}
}

func TestDeleteRunCascadesAttempts(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateRun(newRun("run-1", time.Now())); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := db.RecordAttempt(&AttemptRecord{RunID: "run-1", SpecID: "A", Attempt: 1, Status: models.SpecRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	if err := db.DeleteRun("run-1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	attempts, err := db.ListAttempts("run-1")
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("attempts should be deleted with their run, got %d", len(attempts))
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := setupTestDB(t)
	if err := db.CreateRun(newRun("ancient", time.Now().Add(-48*time.Hour))); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := db.CreateRun(newRun("recent", time.Now())); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	n, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d runs, want 1", n)
	}
	if got, _ := db.GetRun("recent"); got == nil {
		t.Error("recent run should survive the purge")
	}
}

func TestRecoveryManager(t *testing.T) {
	db := setupTestDB(t)

	live := newRun("live", time.Now())
	live.PID = 1
	dead := newRun("dead", time.Now())
	dead.PID = 2
	done := newRun("done", time.Now())
	done.PID = 3
	done.Status = models.RunCompleted
	for _, r := range []*RunRecord{live, dead, done} {
		if err := db.CreateRun(r); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}
	if err := db.RecordAttempt(&AttemptRecord{RunID: "dead", SpecID: "A", Attempt: 1, Status: models.SpecRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	rm := NewRecoveryManager(db, func(pid int) bool { return pid == 1 })

	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		t.Fatalf("CheckForInterrupted failed: %v", err)
	}
	if len(interrupted) != 1 || interrupted[0].RunID != "dead" || interrupted[0].RunningAttempts != 1 {
		t.Fatalf("unexpected interrupted runs: %+v", interrupted)
	}

	n, err := rm.RecoverAll()
	if err != nil {
		t.Fatalf("RecoverAll failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d runs, want 1", n)
	}

	got, _ := db.GetRun("dead")
	if got.Status != models.RunFailed || got.Reason != InterruptedReason {
		t.Errorf("dead run = %s/%q, want failed/%q", got.Status, got.Reason, InterruptedReason)
	}
	attempts, _ := db.ListAttempts("dead")
	if attempts[0].Status != models.SpecFailed {
		t.Errorf("running attempt should be failed, got %s", attempts[0].Status)
	}

	if got, _ := db.GetRun("live"); got.Status != models.RunRunning {
		t.Error("run with a live coordinator must be left alone")
	}
}

func runIDs(runs []RunRecord) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
