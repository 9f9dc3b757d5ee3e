package state

import (
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// InterruptedReason is recorded on runs and attempts whose coordinator died.
const InterruptedReason = "coordinator exited"

// InterruptedRun describes a run left non-terminal by a coordinator that is gone.
type InterruptedRun struct {
	RunID           string
	PID             int
	StartedAt       time.Time
	RunningAttempts int
}

// RecoveryManager reconciles history rows left behind by coordinators that
// exited without recording a terminal status.
type RecoveryManager struct {
	db    *DB
	alive func(pid int) bool
}

// NewRecoveryManager creates a new RecoveryManager. alive reports whether a
// coordinator pid is still running.
func NewRecoveryManager(db *DB, alive func(pid int) bool) *RecoveryManager {
	return &RecoveryManager{db: db, alive: alive}
}

// CheckForInterrupted returns every pending or running run whose coordinator
// process is no longer alive.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedRun, error) {
	var interrupted []InterruptedRun
	for _, status := range []models.RunStatus{models.RunRunning, models.RunPending} {
		status := status
		runs, err := rm.db.ListRuns(0, &status)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		for _, r := range runs {
			if rm.alive(r.PID) {
				continue
			}

			attempts, err := rm.db.ListAttempts(r.ID)
			if err != nil {
				return nil, fmt.Errorf("list attempts: %w", err)
			}
			running := 0
			for _, a := range attempts {
				if a.Status == models.SpecRunning {
					running++
				}
			}

			interrupted = append(interrupted, InterruptedRun{
				RunID:           r.ID,
				PID:             r.PID,
				StartedAt:       r.StartedAt,
				RunningAttempts: running,
			})
		}
	}
	return interrupted, nil
}

// Clean marks an interrupted run and its unfinished attempts as failed.
func (rm *RecoveryManager) Clean(runID string) error {
	run, err := rm.db.GetRun(runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	attempts, err := rm.db.ListAttempts(runID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}

	now := time.Now()
	for _, a := range attempts {
		if a.Status != models.SpecRunning {
			continue
		}
		a.Status = models.SpecFailed
		a.Error = InterruptedReason
		a.EndedAt = &now
		if err := rm.db.FinishAttempt(&a); err != nil {
			return fmt.Errorf("fail attempt %s/%d: %w", a.SpecID, a.Attempt, err)
		}
	}

	run.Status = models.RunFailed
	run.Reason = InterruptedReason
	run.EndedAt = &now
	if err := rm.db.UpdateRun(run); err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}

	log.Printf("[state] run %s marked failed: %s", runID, InterruptedReason)
	return nil
}

// RecoverAll cleans every interrupted run and returns how many were cleaned.
func (rm *RecoveryManager) RecoverAll() (int, error) {
	interrupted, err := rm.CheckForInterrupted()
	if err != nil {
		return 0, err
	}
	for _, r := range interrupted {
		if err := rm.Clean(r.RunID); err != nil {
			return 0, err
		}
	}
	return len(interrupted), nil
}
