package orchestrator

import (
	"time"

	"github.com/ShayCichocki/specbatch/internal/state"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// StateDir is the directory holding run metadata, snapshots and logs.
	StateDir string
	// Command is the worker executable spawned once per spec attempt.
	Command string
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	args           []string
	env            map[string]string
	workDir        string
	usePTY         bool
	attemptTimeout time.Duration
	gracePeriod    time.Duration
	ackTimeout     time.Duration
	pollInterval   time.Duration
	eventBuffer    int
	logger         *DebugLogger
	stateDB        state.HistoryStore

	// Injectable dependencies for testing
	liveness func(pid int) bool
	observer func(*models.StatusSnapshot)
}

func defaultOptions() *orchestratorOptions {
	return &orchestratorOptions{
		gracePeriod:  5 * time.Second,
		ackTimeout:   10 * time.Second,
		pollInterval: 200 * time.Millisecond,
		eventBuffer:  100,
	}
}

// WithArgs sets the worker arguments. {{spec}}, {{run}} and {{attempt}} are
// substituted per attempt.
func WithArgs(args []string) Option {
	return func(o *orchestratorOptions) { o.args = append([]string(nil), args...) }
}

// WithEnv adds variables to every worker's environment.
func WithEnv(env map[string]string) Option {
	return func(o *orchestratorOptions) { o.env = env }
}

// WithWorkDir sets the working directory of workers.
func WithWorkDir(dir string) Option {
	return func(o *orchestratorOptions) { o.workDir = dir }
}

// WithPTY runs workers attached to a pseudo-terminal.
func WithPTY(b bool) Option {
	return func(o *orchestratorOptions) { o.usePTY = b }
}

// WithAttemptTimeout kills an attempt that runs longer than d. The attempt
// counts as failed. Zero disables the timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.attemptTimeout = d }
}

// WithGracePeriod sets the delay between SIGTERM and SIGKILL when stopping.
func WithGracePeriod(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.gracePeriod = d
		}
	}
}

// WithAckTimeout sets how long Stop waits for another coordinator to act on
// a stop request before killing its workers directly.
func WithAckTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

// WithPollInterval sets the stop-request poll fallback interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithEventBuffer sets the size of the event channel buffer.
func WithEventBuffer(n int) Option {
	return func(o *orchestratorOptions) { o.eventBuffer = n }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithStateDB records runs and attempts in the history store.
func WithStateDB(db state.HistoryStore) Option {
	return func(o *orchestratorOptions) { o.stateDB = db }
}

// WithLiveness overrides the coordinator liveness probe (mainly for testing).
func WithLiveness(fn func(pid int) bool) Option {
	return func(o *orchestratorOptions) { o.liveness = fn }
}

// WithSnapshotObserver registers a function called synchronously with every
// snapshot the run writes (mainly for testing).
func WithSnapshotObserver(fn func(*models.StatusSnapshot)) Option {
	return func(o *orchestratorOptions) { o.observer = fn }
}
