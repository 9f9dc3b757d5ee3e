package orchestrator

import (
	"log"
	"time"

	"github.com/ShayCichocki/specbatch/internal/agent"
	"github.com/ShayCichocki/specbatch/internal/state"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

// recordRunStart creates the run record in the history database.
func (o *Orchestrator) recordRunStart(meta *models.RunMetadata, opts RunOptions) {
	if o.opts.stateDB == nil {
		return // No-op if state DB not configured
	}

	run := &state.RunRecord{
		ID:          meta.RunID,
		PID:         meta.PID,
		Status:      meta.Status,
		SpecIDs:     meta.SpecIDs,
		MaxParallel: opts.MaxParallel,
		MaxRetries:  opts.MaxRetries,
		StartedAt:   meta.StartedAt,
	}
	if err := o.opts.stateDB.CreateRun(run); err != nil {
		log.Printf("[orchestrator] warning: failed to record run %s in history: %v", meta.RunID, err)
	}
}

// recordRunEnd updates the run record with its terminal status.
func (o *Orchestrator) recordRunEnd(runID string, status models.RunStatus, reason string) {
	if o.opts.stateDB == nil {
		return
	}

	run, err := o.opts.stateDB.GetRun(runID)
	if err != nil || run == nil {
		log.Printf("[orchestrator] warning: run %s missing from history: %v", runID, err)
		return
	}
	now := time.Now()
	run.Status = status
	run.Reason = reason
	run.EndedAt = &now
	if err := o.opts.stateDB.UpdateRun(run); err != nil {
		log.Printf("[orchestrator] warning: failed to update run %s in history: %v", runID, err)
	}
}

// recordAttemptStart inserts an attempt row when a worker starts.
func (o *Orchestrator) recordAttemptStart(h *agent.Handle) {
	if o.opts.stateDB == nil {
		return
	}

	a := &state.AttemptRecord{
		RunID:     h.RunID,
		SpecID:    h.SpecID,
		Attempt:   h.Attempt,
		PID:       h.PID,
		Status:    models.SpecRunning,
		LogPath:   h.LogPath,
		StartedAt: h.StartedAt,
	}
	if err := o.opts.stateDB.RecordAttempt(a); err != nil {
		log.Printf("[orchestrator] warning: failed to record attempt %s/%d: %v", h.SpecID, h.Attempt, err)
	}
}

// recordAttemptEnd stores the outcome of an attempt.
func (o *Orchestrator) recordAttemptEnd(h *agent.Handle, status models.SpecStatus, exit agent.ExitStatus) {
	if o.opts.stateDB == nil {
		return
	}

	now := time.Now()
	code := exit.ExitCode
	a := &state.AttemptRecord{
		RunID:     h.RunID,
		SpecID:    h.SpecID,
		Attempt:   h.Attempt,
		PID:       h.PID,
		Status:    status,
		ExitCode:  &code,
		Signal:    exit.Signal,
		LogPath:   h.LogPath,
		StartedAt: h.StartedAt,
		EndedAt:   &now,
	}
	if !exit.Success() {
		a.Error = exit.Describe()
	}
	if err := o.opts.stateDB.FinishAttempt(a); err != nil {
		log.Printf("[orchestrator] warning: failed to finish attempt %s/%d: %v", h.SpecID, h.Attempt, err)
	}
}

// recordSpawnFailure stores an attempt whose worker could not be started.
func (o *Orchestrator) recordSpawnFailure(runID, specID string, attempt int, spawnErr error) {
	if o.opts.stateDB == nil {
		return
	}

	now := time.Now()
	a := &state.AttemptRecord{
		RunID:     runID,
		SpecID:    specID,
		Attempt:   attempt,
		Status:    models.SpecFailed,
		Error:     spawnErr.Error(),
		StartedAt: now,
		EndedAt:   &now,
	}
	if err := o.opts.stateDB.RecordAttempt(a); err != nil {
		log.Printf("[orchestrator] warning: failed to record attempt %s/%d: %v", specID, attempt, err)
	}
}

// recordStopped marks a run stopped in the history database from a process
// that is not its coordinator.
func (o *Orchestrator) recordStopped(runID, reason string) {
	o.recordRunEnd(runID, models.RunStopped, reason)
}
