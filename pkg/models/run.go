package models

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunPending indicates the run has been created but not registered.
	RunPending RunStatus = "pending"
	// RunRunning indicates the run holds the active slot and is executing batches.
	RunRunning RunStatus = "running"
	// RunCompleted indicates every spec completed.
	RunCompleted RunStatus = "completed"
	// RunFailed indicates a spec exhausted its retries or the coordinator died.
	RunFailed RunStatus = "failed"
	// RunStopped indicates the run was cancelled by a stop request.
	RunStopped RunStatus = "stopped"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunCompleted, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether observers can stop polling a run in this state.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunStopped
}

// UnconfirmedAgent identifies a worker whose termination could not be confirmed.
type UnconfirmedAgent struct {
	SpecID string `json:"specId"`
	PID    int    `json:"pid"`
	Error  string `json:"error,omitempty"`
}

// RunMetadata is the durable record other processes use to find and act on a run.
type RunMetadata struct {
	// RunID identifies the run.
	RunID string `json:"runId"`
	// PID is the process id of the coordinating process.
	PID int `json:"pid"`
	// StartedAt is when the run registered itself.
	StartedAt time.Time `json:"startedAt"`
	// Status is the run lifecycle state.
	Status RunStatus `json:"status"`
	// SpecIDs lists every spec in the run.
	SpecIDs []string `json:"specIds"`
	// EndedAt is set once Status is terminal.
	EndedAt *time.Time `json:"endedAt,omitempty"`
	// Reason explains a terminal transition that was not a plain completion.
	Reason string `json:"reason,omitempty"`
	// Unconfirmed lists workers a stop could not confirm as terminated.
	Unconfirmed []UnconfirmedAgent `json:"unconfirmed,omitempty"`
}

// IsActive reports whether the run still holds the active slot.
func (m *RunMetadata) IsActive() bool {
	return m != nil && (m.Status == RunRunning || m.Status == RunPending)
}

// StatusSnapshot is a point-in-time view of a run for external observers.
type StatusSnapshot struct {
	RunID             string                  `json:"runId"`
	Status            RunStatus               `json:"status"`
	CurrentBatchIndex int                     `json:"currentBatchIndex"`
	TotalBatches      int                     `json:"totalBatches"`
	Specs             map[string]SpecRunState `json:"specs"`
	// Batches is the computed execution order, included for display.
	Batches []Batch `json:"batches,omitempty"`
	// MaxParallel is the concurrency ceiling the run was started with.
	MaxParallel int `json:"maxParallel,omitempty"`
	// UpdatedAt is when the snapshot was built.
	UpdatedAt time.Time `json:"updatedAt"`
}

// CountByStatus returns how many specs are in each status.
func (s *StatusSnapshot) CountByStatus() map[SpecStatus]int {
	counts := make(map[SpecStatus]int)
	if s == nil {
		return counts
	}
	for _, st := range s.Specs {
		counts[st.Status]++
	}
	return counts
}

// RunningPIDs returns the worker pid for every spec that is currently running.
func (s *StatusSnapshot) RunningPIDs() map[string]int {
	pids := make(map[string]int)
	if s == nil {
		return pids
	}
	for id, st := range s.Specs {
		if st.Status == SpecRunning && st.PID > 0 {
			pids[id] = st.PID
		}
	}
	return pids
}
