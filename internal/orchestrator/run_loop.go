package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ShayCichocki/specbatch/internal/agent"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

// specResult is sent once by every spec handed out by the scheduler.
type specResult struct {
	specID string
	status models.SpecStatus
}

// dispatch walks the batches in order. Within a batch it keeps up to
// maxParallel specs in flight and refills slots as specs finish. A batch
// closes once every spec in it is terminal. A failed spec does not affect
// its own batch, which still drains, but no later batch is opened.
func (o *Orchestrator) dispatch(ctx context.Context, run *activeRun) (models.RunStatus, string) {
	completionCh := make(chan specResult, len(run.sched.specs))
	ctxDone := ctx.Done()
	var failedSpec string

	for i := range run.sched.batches {
		if run.isStopping() {
			break
		}
		run.sched.OpenBatch(i)
		o.emitter.Emit(OrchestratorEvent{
			Type:       EventBatchStarted,
			RunID:      run.id,
			BatchIndex: i,
			Message:    fmt.Sprintf("batch %d/%d: %v", i+1, len(run.sched.batches), run.sched.batches[i]),
		})
		o.writeSnapshot(run, models.RunRunning)

		for {
			if run.isStopping() {
				run.sched.Halt()
			} else {
				for _, specID := range run.sched.Schedule() {
					go o.runSpec(run, specID, completionCh)
				}
			}
			if run.sched.BatchDone() {
				break
			}

			select {
			case res := <-completionCh:
				o.logger.Log("[dispatch] %s finished as %s (%d in flight)", res.specID, res.status, run.sched.InFlight())
				if res.status == models.SpecFailed && failedSpec == "" {
					failedSpec = res.specID
					log.Printf("[orchestrator] spec %s failed; later batches will not start", res.specID)
				}
			case <-ctxDone:
				ctxDone = nil
				reason := fmt.Sprintf("interrupted: %v", ctx.Err())
				go o.stopActive(run, reason)
			}
		}

		if failedSpec != "" || run.isStopping() {
			break
		}
		o.emitter.Emit(OrchestratorEvent{
			Type:       EventBatchCompleted,
			RunID:      run.id,
			BatchIndex: i,
		})
	}

	switch {
	case run.isStopping():
		return models.RunStopped, ""
	case failedSpec != "":
		return models.RunFailed, fmt.Sprintf("spec %s failed", failedSpec)
	case run.sched.Count(models.SpecCompleted) != len(run.sched.specs):
		return models.RunFailed, "not every spec completed"
	default:
		return models.RunCompleted, ""
	}
}

// runSpec runs attempts for one spec until it succeeds, exhausts its
// attempts or the run is stopped, then reports on completionCh.
func (o *Orchestrator) runSpec(run *activeRun, specID string, completionCh chan<- specResult) {
	status := o.attemptSpec(run, specID)
	completionCh <- specResult{specID: specID, status: status}
}

func (o *Orchestrator) attemptSpec(run *activeRun, specID string) models.SpecStatus {
	maxAttempts := 1 + run.maxRetries
	var last agent.ExitStatus

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if run.isStopping() {
			return o.abandonSpec(run, specID, attempt)
		}

		h, err := run.spawner.Spawn(context.Background(), agent.SpawnRequest{
			SpecID:  specID,
			RunID:   run.id,
			Attempt: attempt,
			Command: o.command,
			Args:    o.opts.args,
			Dir:     o.opts.workDir,
			Timeout: o.opts.attemptTimeout,
		})
		if errors.Is(err, agent.ErrSpawnerClosed) {
			return o.abandonSpec(run, specID, attempt)
		}
		if err != nil {
			// The worker never started; count it as a failed attempt.
			last = agent.ExitStatus{ExitCode: -1, Err: err}
			log.Printf("[orchestrator] warning: spawn %s attempt %d: %v", specID, attempt, err)
			o.recordSpawnFailure(run.id, specID, attempt, err)
			run.sched.AttemptFailed(specID, attempt, last)
			if attempt < maxAttempts {
				o.writeSnapshot(run, models.RunRunning)
				o.emitRetry(run, specID, attempt, last, "")
			}
			continue
		}

		run.sched.Started(h)
		o.recordAttemptStart(h)
		o.writeSnapshot(run, models.RunRunning)
		o.emitter.Emit(OrchestratorEvent{
			Type:       EventSpecStarted,
			RunID:      run.id,
			SpecID:     specID,
			BatchIndex: run.sched.CurrentBatch(),
			Attempt:    attempt,
			PID:        h.PID,
			LogFile:    h.LogPath,
		})

		// Workers always exit once killed, so the wait is not bounded here.
		exit, _ := run.spawner.Await(context.Background(), h)
		last = exit

		switch {
		case exit.Success():
			o.recordAttemptEnd(h, models.SpecCompleted, exit)
			run.sched.Finish(specID, models.SpecCompleted, &exit, "")
			o.writeSnapshot(run, models.RunRunning)
			o.emitter.Emit(OrchestratorEvent{
				Type:       EventSpecCompleted,
				RunID:      run.id,
				SpecID:     specID,
				BatchIndex: run.sched.CurrentBatch(),
				Attempt:    attempt,
				Duration:   time.Since(h.StartedAt),
				LogFile:    h.LogPath,
			})
			return models.SpecCompleted

		case exit.Killed:
			o.recordAttemptEnd(h, models.SpecStopped, exit)
			run.sched.Finish(specID, models.SpecStopped, &exit, "")
			o.writeSnapshot(run, models.RunRunning)
			o.emitter.Emit(OrchestratorEvent{
				Type:       EventSpecStopped,
				RunID:      run.id,
				SpecID:     specID,
				BatchIndex: run.sched.CurrentBatch(),
				Attempt:    attempt,
				LogFile:    h.LogPath,
			})
			return models.SpecStopped
		}

		o.recordAttemptEnd(h, models.SpecFailed, exit)
		if attempt < maxAttempts {
			run.sched.AttemptFailed(specID, attempt, exit)
			o.writeSnapshot(run, models.RunRunning)
			o.emitRetry(run, specID, attempt, exit, h.LogPath)
		}
	}

	run.sched.Finish(specID, models.SpecFailed, &last, "")
	o.writeSnapshot(run, models.RunRunning)
	o.emitter.Emit(OrchestratorEvent{
		Type:       EventSpecFailed,
		RunID:      run.id,
		SpecID:     specID,
		BatchIndex: run.sched.CurrentBatch(),
		Attempt:    maxAttempts,
		Message:    fmt.Sprintf("%s after %d attempts", last.Describe(), maxAttempts),
		Error:      last.Err,
	})
	return models.SpecFailed
}

// abandonSpec handles a spec whose next attempt was prevented by a stop.
// A spec that never ran goes back to not_started; one that already ran an
// attempt is stopped.
func (o *Orchestrator) abandonSpec(run *activeRun, specID string, attempt int) models.SpecStatus {
	if attempt == 1 {
		run.sched.Release(specID)
		return models.SpecNotStarted
	}
	run.sched.Finish(specID, models.SpecStopped, nil, "")
	o.writeSnapshot(run, models.RunRunning)
	o.emitter.Emit(OrchestratorEvent{
		Type:       EventSpecStopped,
		RunID:      run.id,
		SpecID:     specID,
		BatchIndex: run.sched.CurrentBatch(),
		Attempt:    attempt - 1,
	})
	return models.SpecStopped
}

func (o *Orchestrator) emitRetry(run *activeRun, specID string, attempt int, exit agent.ExitStatus, logPath string) {
	o.emitter.Emit(OrchestratorEvent{
		Type:       EventSpecRetrying,
		RunID:      run.id,
		SpecID:     specID,
		BatchIndex: run.sched.CurrentBatch(),
		Attempt:    attempt,
		Message:    fmt.Sprintf("attempt %d/%d %s", attempt, 1+run.maxRetries, exit.Describe()),
		Error:      exit.Err,
		LogFile:    logPath,
	})
}
