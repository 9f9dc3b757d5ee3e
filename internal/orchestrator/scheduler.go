package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/specbatch/internal/agent"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

// Scheduler coordinates the scheduling of a run's specs to worker slots.
// It walks the batches in order, never hands out more than maxParallel slots
// at once, and owns the per-spec run state that snapshots are built from.
type Scheduler struct {
	// runID identifies the run in snapshots.
	runID string
	// batches is the computed execution order.
	batches []models.Batch
	// maxParallel is the maximum number of concurrent workers allowed.
	maxParallel int
	// specs holds the state of every spec in the run.
	specs map[string]*models.SpecRunState
	// current is the index of the open batch, -1 before the first.
	current int
	// pending lists specs of the open batch that have not been handed out.
	pending []string
	// slots holds specs that were handed out and have not finished.
	slots map[string]struct{}
	// halted stops further specs of the open batch from being handed out.
	halted bool
	// mu protects all mutable fields.
	mu sync.RWMutex
}

// NewScheduler creates a Scheduler with every spec in not_started.
func NewScheduler(runID string, batches []models.Batch, maxParallel int) *Scheduler {
	if maxParallel < 1 {
		maxParallel = 1
	}
	s := &Scheduler{
		runID:       runID,
		batches:     batches,
		maxParallel: maxParallel,
		specs:       make(map[string]*models.SpecRunState),
		current:     -1,
		slots:       make(map[string]struct{}),
	}
	for _, batch := range batches {
		for _, id := range batch {
			s.specs[id] = &models.SpecRunState{Status: models.SpecNotStarted}
		}
	}
	return s
}

// OpenBatch makes batch i the current batch. Its specs become schedulable.
func (s *Scheduler) OpenBatch(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.batches) {
		return false
	}
	s.current = i
	s.halted = false
	s.pending = append([]string(nil), s.batches[i]...)
	sort.Strings(s.pending)
	debugLog("[scheduler] opened batch %d/%d: %v", i+1, len(s.batches), s.pending)
	return true
}

// Schedule hands out as many pending specs as there are free slots.
// Handed out specs hold their slot until Finish or Release.
func (s *Scheduler) Schedule() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted {
		return nil
	}
	free := s.maxParallel - len(s.slots)
	if free <= 0 || len(s.pending) == 0 {
		return nil
	}
	if free > len(s.pending) {
		free = len(s.pending)
	}
	ready := s.pending[:free:free]
	s.pending = s.pending[free:]
	for _, id := range ready {
		s.slots[id] = struct{}{}
	}
	return ready
}

// Halt stops handing out the remaining specs of the open batch. Specs that
// already hold a slot are unaffected.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = true
}

// BatchDone reports whether the open batch has nothing running and nothing
// left to hand out.
func (s *Scheduler) BatchDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots) == 0 && (s.halted || len(s.pending) == 0)
}

// InFlight returns how many slots are held.
func (s *Scheduler) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Started records a spawned attempt.
func (s *Scheduler) Started(h *agent.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.specs[h.SpecID]
	if !ok {
		return
	}
	st.Status = models.SpecRunning
	st.Attempts = h.Attempt
	st.PID = h.PID
	st.LogPath = h.LogPath
	st.ExitCode = nil
	st.Signal = ""
	st.Error = ""
	if st.StartedAt == nil {
		started := h.StartedAt
		st.StartedAt = &started
	}
}

// AttemptFailed records the outcome of a failed attempt, including one whose
// worker never started. The spec keeps its slot and counts as running until
// Finish.
func (s *Scheduler) AttemptFailed(specID string, attempt int, exit agent.ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.specs[specID]
	if !ok {
		return
	}
	if attempt > st.Attempts {
		st.Attempts = attempt
	}
	st.Status = models.SpecRunning
	st.PID = 0
	recordExit(st, exit)
}

// Finish moves a spec to a terminal status and frees its slot.
func (s *Scheduler) Finish(specID string, status models.SpecStatus, exit *agent.ExitStatus, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.slots, specID)
	st, ok := s.specs[specID]
	if !ok {
		return
	}
	now := time.Now()
	st.Status = status
	st.PID = 0
	st.EndedAt = &now
	if exit != nil {
		recordExit(st, *exit)
	}
	if errText != "" {
		st.Error = errText
	}
}

// Release frees the slot of a spec that was handed out but never spawned.
// The spec returns to not_started.
func (s *Scheduler) Release(specID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, specID)
}

// Status returns the state of one spec.
func (s *Scheduler) Status(specID string) (models.SpecRunState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.specs[specID]
	if !ok {
		return models.SpecRunState{}, false
	}
	return *st, true
}

// Count returns how many specs are in status.
func (s *Scheduler) Count(status models.SpecStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.specs {
		if st.Status == status {
			n++
		}
	}
	return n
}

// CurrentBatch returns the index of the open batch, -1 before the first.
func (s *Scheduler) CurrentBatch() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Snapshot builds a StatusSnapshot from the current state. Spec states are
// copied; the batch list is shared and never modified.
func (s *Scheduler) Snapshot(status models.RunStatus) *models.StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &models.StatusSnapshot{
		RunID:             s.runID,
		Status:            status,
		CurrentBatchIndex: s.current,
		TotalBatches:      len(s.batches),
		Specs:             make(map[string]models.SpecRunState, len(s.specs)),
		Batches:           s.batches,
		MaxParallel:       s.maxParallel,
		UpdatedAt:         time.Now(),
	}
	if snap.CurrentBatchIndex < 0 {
		snap.CurrentBatchIndex = 0
	}
	for id, st := range s.specs {
		snap.Specs[id] = copySpecState(st)
	}
	return snap
}

func recordExit(st *models.SpecRunState, exit agent.ExitStatus) {
	code := exit.ExitCode
	st.ExitCode = &code
	st.Signal = exit.Signal
	if exit.Success() {
		st.Error = ""
	} else {
		st.Error = exit.Describe()
	}
}

func copySpecState(st *models.SpecRunState) models.SpecRunState {
	c := *st
	if st.ExitCode != nil {
		code := *st.ExitCode
		c.ExitCode = &code
	}
	if st.StartedAt != nil {
		t := *st.StartedAt
		c.StartedAt = &t
	}
	if st.EndedAt != nil {
		t := *st.EndedAt
		c.EndedAt = &t
	}
	return c
}
