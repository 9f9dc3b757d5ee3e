package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/specbatch/internal/agent"
	"github.com/ShayCichocki/specbatch/internal/graph"
	"github.com/ShayCichocki/specbatch/internal/runstate"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

// RunOptions are the per-run parameters.
type RunOptions struct {
	// MaxParallel caps concurrently running workers. Must be at least 1.
	MaxParallel int
	// MaxRetries is the number of extra attempts after a failed one.
	MaxRetries int
	// RunID overrides the generated run id.
	RunID string
}

// Orchestrator runs spec batches and answers status and stop requests for
// runs started by this process or by another one sharing the state directory.
type Orchestrator struct {
	command string
	opts    *orchestratorOptions

	layout    runstate.Layout
	registry  *runstate.Registry
	snapshots *runstate.SnapshotStore
	control   *runstate.ControlChannel
	emitter   *EventEmitter
	logger    *DebugLogger

	// mu protects active.
	mu     sync.Mutex
	active *activeRun

	// snapMu serializes snapshot builds and writes so a later state is never
	// overwritten by an earlier one.
	snapMu sync.Mutex
}

// activeRun is the in-process handle of a run coordinated by this Orchestrator.
type activeRun struct {
	id         string
	startedAt  time.Time
	maxRetries int
	sched      *Scheduler
	spawner    *agent.Spawner

	mu       sync.Mutex
	stopping bool
	finished bool
	reason   string
	report   agent.KillReport
	// stopped is closed once the stop kill pass has finished.
	stopped chan struct{}
	// done is closed once the run recorded its terminal status.
	done chan struct{}
}

func (r *activeRun) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// New creates an Orchestrator from the required configuration and options.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if strings.TrimSpace(req.StateDir) == "" {
		return nil, invalid("stateDir", "must not be empty")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = NopLogger()
	}
	setPackageLogger(logger)

	layout := runstate.NewLayout(req.StateDir)
	var regOpts []runstate.RegistryOption
	if o.liveness != nil {
		regOpts = append(regOpts, runstate.WithLiveness(o.liveness))
	}
	registry := runstate.NewRegistry(layout, regOpts...)

	return &Orchestrator{
		command:   req.Command,
		opts:      o,
		layout:    layout,
		registry:  registry,
		snapshots: runstate.NewSnapshotStore(layout, registry),
		control:   runstate.NewControlChannel(layout),
		emitter:   NewEventEmitter(o.eventBuffer),
		logger:    logger,
	}, nil
}

// Events returns the channel of orchestrator events.
func (o *Orchestrator) Events() <-chan OrchestratorEvent {
	return o.emitter.Events()
}

// DroppedEvents returns how many events were lost to a full buffer.
func (o *Orchestrator) DroppedEvents() uint64 {
	return o.emitter.DroppedCount()
}

// Layout returns the state directory layout.
func (o *Orchestrator) Layout() runstate.Layout {
	return o.layout
}

// Registry returns the run registry.
func (o *Orchestrator) Registry() *runstate.Registry {
	return o.registry
}

// Close releases the event channel. It must not be called while Run is active.
func (o *Orchestrator) Close() {
	o.emitter.Close()
}

// Plan computes the batches for specs without side effects.
func (o *Orchestrator) Plan(specs []models.SpecNode) ([]models.Batch, error) {
	return graph.Plan(specs, graph.WithDebugLog(debugLog))
}

// Status returns the latest persisted snapshot of runID, or of the run in
// the active slot when runID is empty. It is safe to call from a process
// that did not start the run.
func (o *Orchestrator) Status(runID string) (*models.StatusSnapshot, error) {
	return o.snapshots.Read(runID)
}

// Watch streams snapshots of runID until it reaches a terminal status.
func (o *Orchestrator) Watch(ctx context.Context, runID string, interval time.Duration) (<-chan *models.StatusSnapshot, error) {
	return o.snapshots.Watch(ctx, runID, interval)
}

// validate rejects run input before anything is registered or spawned.
func (o *Orchestrator) validate(specs []models.SpecNode, opts RunOptions) ([]models.Batch, error) {
	if strings.TrimSpace(o.command) == "" {
		return nil, invalid("command", "must not be empty")
	}
	if opts.MaxParallel < 1 {
		return nil, invalid("maxParallel", "must be at least 1, got %d", opts.MaxParallel)
	}
	if opts.MaxRetries < 0 {
		return nil, invalid("maxRetries", "must not be negative, got %d", opts.MaxRetries)
	}
	if len(specs) == 0 {
		return nil, invalid("specs", "must not be empty")
	}
	return o.Plan(specs)
}

// Run executes specs batch by batch and returns the final snapshot.
//
//  1. Validate input, build the graph and reject cycles (nothing is written)
//  2. Register the run in the active slot
//  3. Dispatch each batch with at most MaxParallel workers, retrying failures
//  4. Record the terminal status
//
// A run that ends failed or stopped is not an error; inspect the snapshot.
// Errors are returned for invalid input and for a conflicting active run.
func (o *Orchestrator) Run(ctx context.Context, specs []models.SpecNode, opts RunOptions) (*models.StatusSnapshot, error) {
	batches, err := o.validate(specs, opts)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	o.logger.Log("Run() %s: %d specs in %d batches, maxParallel=%d maxRetries=%d",
		runID, len(specs), len(batches), opts.MaxParallel, opts.MaxRetries)

	if err := o.layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare state dir: %w", err)
	}

	specIDs := make([]string, 0, len(specs))
	for _, s := range specs {
		specIDs = append(specIDs, s.ID)
	}
	meta := models.RunMetadata{
		RunID:     runID,
		PID:       os.Getpid(),
		StartedAt: time.Now(),
		Status:    models.RunRunning,
		SpecIDs:   specIDs,
	}
	if err := o.registry.Register(meta); err != nil {
		return nil, err
	}

	run := &activeRun{
		id:         runID,
		startedAt:  meta.StartedAt,
		maxRetries: opts.MaxRetries,
		sched:      NewScheduler(runID, batches, opts.MaxParallel),
		spawner: agent.NewSpawner(agent.Options{
			LogDir:      o.layout.LogDir(runID),
			GracePeriod: o.opts.gracePeriod,
			UsePTY:      o.opts.usePTY,
			Env:         o.opts.env,
			DebugLog:    debugLog,
		}),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	o.mu.Lock()
	o.active = run
	o.mu.Unlock()

	listenCtx, cancelListen := context.WithCancel(context.Background())
	defer cancelListen()
	if err := o.control.Listen(listenCtx, runID, o.opts.pollInterval, func(req runstate.StopRequest) {
		o.logger.Log("stop request for %s from pid %d", req.RunID, req.RequestedBy)
		o.stopActive(run, fmt.Sprintf("stop requested by pid %d", req.RequestedBy))
	}); err != nil {
		log.Printf("[orchestrator] warning: stop requests from other processes will not be seen: %v", err)
	}

	o.recordRunStart(&meta, opts)
	o.emitter.Emit(OrchestratorEvent{
		Type:       EventRunStarted,
		RunID:      runID,
		BatchIndex: -1,
		Message:    fmt.Sprintf("%d specs in %d batches", len(specs), len(batches)),
	})
	o.writeSnapshot(run, models.RunRunning)

	status, reason := o.dispatch(ctx, run)
	snap := o.finish(run, status, reason)
	return snap, nil
}

// finish records the terminal status of run and releases the active slot.
func (o *Orchestrator) finish(run *activeRun, status models.RunStatus, reason string) *models.StatusSnapshot {
	run.mu.Lock()
	run.finished = true
	stopping := run.stopping
	if stopping {
		status = models.RunStopped
		reason = run.reason
	}
	run.mu.Unlock()

	if stopping {
		<-run.stopped
		if _, err := o.registry.MarkStopped(run.id, reason, run.report.Unconfirmed); err != nil {
			log.Printf("[orchestrator] warning: failed to record stopped run %s: %v", run.id, err)
		}
	} else if _, err := o.registry.Finish(run.id, status, reason); err != nil {
		log.Printf("[orchestrator] warning: failed to record run %s as %s: %v", run.id, status, err)
	}

	snap := o.writeSnapshot(run, status)
	o.recordRunEnd(run.id, status, reason)
	run.spawner.Close()

	o.mu.Lock()
	if o.active == run {
		o.active = nil
	}
	o.mu.Unlock()
	close(run.done)

	msg := string(status)
	if reason != "" {
		msg += ": " + reason
	}
	o.emitter.Emit(OrchestratorEvent{
		Type:       EventRunDone,
		RunID:      run.id,
		BatchIndex: snap.CurrentBatchIndex,
		Message:    msg,
		Duration:   time.Since(run.startedAt),
	})
	o.logger.Log("Run() %s finished: %s", run.id, msg)
	return snap
}

// writeSnapshot persists the current state of run. Write failures are
// logged and never interrupt the run.
func (o *Orchestrator) writeSnapshot(run *activeRun, status models.RunStatus) *models.StatusSnapshot {
	o.snapMu.Lock()
	defer o.snapMu.Unlock()

	snap := run.sched.Snapshot(status)
	if err := o.snapshots.Write(snap); err != nil {
		log.Printf("[orchestrator] warning: failed to write snapshot for %s: %v", run.id, err)
	}
	if o.opts.observer != nil {
		o.opts.observer(snap)
	}
	return snap
}

func (o *Orchestrator) current() *activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}
