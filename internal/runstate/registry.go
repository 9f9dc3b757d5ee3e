package runstate

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ShayCichocki/specbatch/internal/agent"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

// ReasonCoordinatorExited marks a run whose coordinating process died
// without recording a terminal status.
const ReasonCoordinatorExited = "coordinator exited"

var (
	// ErrRunActive indicates another run holds the active slot.
	ErrRunActive = errors.New("another run is active")
	// ErrNoRun indicates no run has been recorded.
	ErrNoRun = errors.New("no run recorded")
)

// ActiveRunError identifies the run that holds the active slot.
type ActiveRunError struct {
	RunID string
	PID   int
}

func (e *ActiveRunError) Error() string {
	return fmt.Sprintf("run %s is already active (pid %d); stop it with 'specbatch stop %s' or wait for it to finish",
		e.RunID, e.PID, e.RunID)
}

func (e *ActiveRunError) Unwrap() error { return ErrRunActive }

const (
	lockRetry    = 25 * time.Millisecond
	lockWait     = 5 * time.Second
	lockStaleAge = 30 * time.Second
)

// Registry manages the single active run slot in run.json. The coordinating
// process is the only writer for its own run; any process may read.
type Registry struct {
	layout Layout
	alive  func(pid int) bool

	mu sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLiveness overrides the process liveness probe.
func WithLiveness(fn func(pid int) bool) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.alive = fn
		}
	}
}

// NewRegistry creates a Registry for the given layout.
func NewRegistry(layout Layout, opts ...RegistryOption) *Registry {
	r := &Registry{
		layout: layout,
		alive:  agent.ProcessAlive,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Layout returns the registry's state directory layout.
func (r *Registry) Layout() Layout {
	return r.layout
}

// Alive reports whether the coordinator of meta is still running.
func (r *Registry) Alive(meta *models.RunMetadata) bool {
	return meta != nil && r.alive(meta.PID)
}

// Register claims the active slot for meta. A live active run is rejected
// with an *ActiveRunError. An active run whose coordinator has died is
// retired as failed and replaced.
func (r *Registry) Register(meta models.RunMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := r.Current()
	if err != nil && !errors.Is(err, ErrNoRun) {
		return fmt.Errorf("read active run: %w", err)
	}
	if current.IsActive() {
		if r.alive(current.PID) {
			return &ActiveRunError{RunID: current.RunID, PID: current.PID}
		}
		log.Printf("[registry] run %s was left %s by pid %d which is no longer alive; marking failed",
			current.RunID, current.Status, current.PID)
		retireStale(current)
		if err := WriteJSONAtomic(r.layout.RunMetadataFile(current.RunID), current); err != nil {
			log.Printf("[registry] warning: failed to record stale run %s: %v", current.RunID, err)
		}
	}

	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	return r.write(&meta)
}

// Current returns whatever run occupies run.json, active or not.
// Returns ErrNoRun if no run has been recorded.
func (r *Registry) Current() (*models.RunMetadata, error) {
	var meta models.RunMetadata
	if err := ReadJSON(r.layout.RunFile(), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoRun
		}
		return nil, err
	}
	return &meta, nil
}

// Active returns the run holding the active slot, or nil if none does.
// A run whose coordinator has died is still returned; use Alive to check.
func (r *Registry) Active() (*models.RunMetadata, error) {
	meta, err := r.Current()
	if err != nil {
		if errors.Is(err, ErrNoRun) {
			return nil, nil
		}
		return nil, err
	}
	if !meta.IsActive() {
		return nil, nil
	}
	return meta, nil
}

// Load returns the metadata of a specific run.
func (r *Registry) Load(runID string) (*models.RunMetadata, error) {
	var meta models.RunMetadata
	if err := ReadJSON(r.layout.RunMetadataFile(runID), &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNoRun)
		}
		return nil, err
	}
	return &meta, nil
}

// Update applies fn to the metadata of runID and persists the result.
func (r *Registry) Update(runID string, fn func(*models.RunMetadata)) (*models.RunMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.Load(runID)
	if err != nil {
		// The per-run copy may be missing if it failed to write; fall back to the slot.
		current, curErr := r.Current()
		if curErr != nil || current.RunID != runID {
			return nil, err
		}
		meta = current
	}
	fn(meta)
	if err := r.write(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Finish records a terminal status for the run.
func (r *Registry) Finish(runID string, status models.RunStatus, reason string) (*models.RunMetadata, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish run %s: status %q is not terminal", runID, status)
	}
	return r.Update(runID, func(m *models.RunMetadata) {
		now := time.Now()
		m.Status = status
		m.EndedAt = &now
		if reason != "" {
			m.Reason = reason
		}
	})
}

// MarkStopped records the run as stopped along with any workers whose
// termination could not be confirmed.
func (r *Registry) MarkStopped(runID, reason string, unconfirmed []models.UnconfirmedAgent) (*models.RunMetadata, error) {
	return r.Update(runID, func(m *models.RunMetadata) {
		now := time.Now()
		m.Status = models.RunStopped
		if m.EndedAt == nil {
			m.EndedAt = &now
		}
		if reason != "" {
			m.Reason = reason
		}
		m.Unconfirmed = unconfirmed
	})
}

// write persists meta to its per-run copy and, unless another run has taken
// the slot since, to run.json.
func (r *Registry) write(meta *models.RunMetadata) error {
	if err := WriteJSONAtomic(r.layout.RunMetadataFile(meta.RunID), meta); err != nil {
		return fmt.Errorf("write run metadata: %w", err)
	}
	current, err := r.Current()
	if err == nil && current.RunID != meta.RunID && current.IsActive() && !meta.IsActive() {
		return nil
	}
	if err := WriteJSONAtomic(r.layout.RunFile(), meta); err != nil {
		return fmt.Errorf("write active run: %w", err)
	}
	return nil
}

// lock takes an exclusive lock file so two processes cannot register at once.
func (r *Registry) lock() (func(), error) {
	if err := os.MkdirAll(r.layout.Root, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := r.layout.RunFile() + ".lock"
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire registry lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAge {
			log.Printf("[registry] removing stale lock %s", path)
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire registry lock: timed out waiting for %s", path)
		}
		time.Sleep(lockRetry)
	}
}

func retireStale(meta *models.RunMetadata) {
	now := time.Now()
	meta.Status = models.RunFailed
	meta.EndedAt = &now
	meta.Reason = ReasonCoordinatorExited
}
