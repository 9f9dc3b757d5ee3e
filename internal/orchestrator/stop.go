package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ShayCichocki/specbatch/internal/agent"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

const (
	// StopFailedCode marks a stop that could not confirm every worker gone.
	StopFailedCode = "STOP_FAILED"
	// ReasonNoActiveRun is returned when there is nothing to stop.
	ReasonNoActiveRun = "no active run"
)

// StopResult is the outcome of Stop. A stop with nothing to act on is a
// successful no-op with Stopped false and an empty Code.
type StopResult struct {
	// Stopped is true when a run was stopped and every worker is confirmed gone.
	Stopped bool `json:"stopped"`
	// RunID is the run that was acted on, if any.
	RunID string `json:"runId,omitempty"`
	// Reason explains the outcome.
	Reason string `json:"reason"`
	// Code is StopFailedCode when termination could not be confirmed.
	Code string `json:"code,omitempty"`
	// Unconfirmed lists workers that may still be running.
	Unconfirmed []models.UnconfirmedAgent `json:"unconfirmed,omitempty"`
}

// Failed reports whether the stop must be retried.
func (r StopResult) Failed() bool {
	return r.Code == StopFailedCode
}

// Stop stops runID, or the active run when runID is empty. It is safe to
// call speculatively: with no matching active run it returns Stopped false
// and no error code. Calling it again after a successful stop is a no-op.
//
// The run is stopped in-process when this Orchestrator coordinates it.
// Otherwise a stop request is sent to the coordinating process, and if that
// process is gone or does not act within the ack timeout, the workers
// recorded in the latest snapshot are killed directly.
func (o *Orchestrator) Stop(ctx context.Context, runID string) StopResult {
	if run := o.current(); run != nil && (runID == "" || runID == run.id) {
		return o.stopActive(run, fmt.Sprintf("stopped by pid %d", os.Getpid()))
	}

	meta, err := o.registry.Active()
	if err != nil {
		return StopResult{
			RunID:  runID,
			Reason: fmt.Sprintf("read run registry: %v", err),
			Code:   StopFailedCode,
		}
	}
	if meta == nil || (runID != "" && meta.RunID != runID) {
		if runID != "" {
			if res, ok := o.retryUnconfirmed(ctx, runID); ok {
				return res
			}
		}
		o.logger.Log("Stop(%q): %s", runID, ReasonNoActiveRun)
		return StopResult{Reason: ReasonNoActiveRun}
	}

	if o.registry.Alive(meta) {
		if res, ok := o.requestRemoteStop(ctx, meta); ok {
			return res
		}
		log.Printf("[orchestrator] coordinator pid %d did not act on the stop request for %s within %v; killing workers directly",
			meta.PID, meta.RunID, o.opts.ackTimeout)
		return o.stopDirect(ctx, meta, fmt.Sprintf("stopped by pid %d; coordinator pid %d unresponsive", os.Getpid(), meta.PID))
	}

	if err := o.control.Clear(meta.RunID); err != nil {
		log.Printf("[orchestrator] warning: failed to clear stop request for %s: %v", meta.RunID, err)
	}
	return o.stopDirect(ctx, meta, fmt.Sprintf("stopped by pid %d; coordinator pid %d exited", os.Getpid(), meta.PID))
}

// stopActive stops a run coordinated by this process: no further workers
// are spawned, every live worker is killed and the run is marked stopped.
// Concurrent callers share the first caller's kill pass.
func (o *Orchestrator) stopActive(run *activeRun, reason string) StopResult {
	run.mu.Lock()
	if run.finished {
		run.mu.Unlock()
		return StopResult{Reason: ReasonNoActiveRun}
	}
	first := !run.stopping
	if first {
		run.stopping = true
		run.reason = reason
	}
	run.mu.Unlock()

	if first {
		log.Printf("[orchestrator] stopping run %s: %s", run.id, reason)
		o.emitter.Emit(OrchestratorEvent{
			Type:       EventStopRequested,
			RunID:      run.id,
			BatchIndex: run.sched.CurrentBatch(),
			Message:    reason,
		})

		// Close first so that no spawn can slip in after KillAll takes its list.
		run.spawner.Close()
		killCtx, cancel := context.WithTimeout(context.Background(),
			o.opts.gracePeriod+agent.DefaultConfirmTimeout+time.Second)
		run.report = run.spawner.KillAll(killCtx)
		cancel()

		if _, err := o.registry.MarkStopped(run.id, reason, run.report.Unconfirmed); err != nil {
			log.Printf("[orchestrator] warning: failed to record stopped run %s: %v", run.id, err)
		}
		close(run.stopped)
	} else {
		<-run.stopped
	}

	select {
	case <-run.done:
	case <-time.After(o.opts.ackTimeout):
		log.Printf("[orchestrator] warning: run %s did not record its final state within %v", run.id, o.opts.ackTimeout)
	}
	return stopResult(run.id, run.report)
}

// requestRemoteStop asks the coordinator of meta to stop and waits for the
// metadata to leave the active state. ok is false when nothing happened
// within the ack timeout.
func (o *Orchestrator) requestRemoteStop(ctx context.Context, meta *models.RunMetadata) (StopResult, bool) {
	if err := o.control.RequestStop(meta.RunID); err != nil {
		log.Printf("[orchestrator] warning: failed to send stop request for %s: %v", meta.RunID, err)
		return StopResult{}, false
	}
	o.logger.Log("Stop(): sent stop request for %s to pid %d", meta.RunID, meta.PID)

	deadline := time.NewTimer(o.opts.ackTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StopResult{}, false
		case <-deadline.C:
			return StopResult{}, false
		case <-ticker.C:
		}

		current, err := o.registry.Load(meta.RunID)
		if err != nil {
			continue
		}
		if current.IsActive() {
			if !o.registry.Alive(current) {
				return StopResult{}, false
			}
			continue
		}
		if current.Status != models.RunStopped {
			return StopResult{
				RunID:  current.RunID,
				Reason: fmt.Sprintf("run already %s", current.Status),
			}, true
		}
		return resultFromMetadata(current), true
	}
}

// stopDirect kills the workers recorded in the latest snapshot of meta and
// marks the run stopped on behalf of its coordinator.
func (o *Orchestrator) stopDirect(ctx context.Context, meta *models.RunMetadata, reason string) StopResult {
	snap, err := o.snapshots.Read(meta.RunID)
	if err != nil {
		log.Printf("[orchestrator] warning: no snapshot for %s, no worker pids known: %v", meta.RunID, err)
	}

	report := agent.KillPIDs(ctx, snap.RunningPIDs(), o.opts.gracePeriod)
	if _, err := o.registry.MarkStopped(meta.RunID, reason, report.Unconfirmed); err != nil {
		log.Printf("[orchestrator] warning: failed to record stopped run %s: %v", meta.RunID, err)
	}

	if snap != nil {
		now := time.Now()
		for _, specID := range report.Killed {
			st := snap.Specs[specID]
			st.Status = models.SpecStopped
			st.PID = 0
			st.EndedAt = &now
			snap.Specs[specID] = st
		}
		snap.Status = models.RunStopped
		snap.UpdatedAt = now
		if err := o.snapshots.Write(snap); err != nil {
			log.Printf("[orchestrator] warning: failed to write snapshot for %s: %v", meta.RunID, err)
		}
	}
	o.recordStopped(meta.RunID, reason)
	return stopResult(meta.RunID, report)
}

// retryUnconfirmed kills workers a previous stop of runID could not confirm.
func (o *Orchestrator) retryUnconfirmed(ctx context.Context, runID string) (StopResult, bool) {
	meta, err := o.registry.Load(runID)
	if err != nil || meta.Status != models.RunStopped || len(meta.Unconfirmed) == 0 {
		return StopResult{}, false
	}

	pids := make(map[string]int, len(meta.Unconfirmed))
	for _, u := range meta.Unconfirmed {
		pids[u.SpecID] = u.PID
	}
	log.Printf("[orchestrator] retrying termination of %d unconfirmed workers of %s", len(pids), runID)
	report := agent.KillPIDs(ctx, pids, o.opts.gracePeriod)
	if _, err := o.registry.MarkStopped(runID, meta.Reason, report.Unconfirmed); err != nil {
		log.Printf("[orchestrator] warning: failed to record stopped run %s: %v", runID, err)
	}
	return stopResult(runID, report), true
}

func stopResult(runID string, report agent.KillReport) StopResult {
	if report.Confirmed() {
		return StopResult{Stopped: true, RunID: runID, Reason: "stopped"}
	}
	return StopResult{
		RunID:       runID,
		Reason:      fmt.Sprintf("%d workers could not be confirmed terminated", len(report.Unconfirmed)),
		Code:        StopFailedCode,
		Unconfirmed: report.Unconfirmed,
	}
}

func resultFromMetadata(meta *models.RunMetadata) StopResult {
	return stopResult(meta.RunID, agent.KillReport{Unconfirmed: meta.Unconfirmed})
}
