package models

import "time"

// SpecStatus represents the lifecycle state of a single spec within a run.
type SpecStatus string

const (
	// SpecNotStarted indicates no worker has been spawned for the spec yet.
	SpecNotStarted SpecStatus = "not_started"
	// SpecRunning indicates a worker process is currently executing the spec.
	SpecRunning SpecStatus = "running"
	// SpecCompleted indicates a worker exited with code zero.
	SpecCompleted SpecStatus = "completed"
	// SpecFailed indicates every allowed attempt exited unsuccessfully.
	SpecFailed SpecStatus = "failed"
	// SpecStopped indicates the worker was terminated by a stop request.
	SpecStopped SpecStatus = "stopped"
)

// Valid returns true if the status is a known value.
func (s SpecStatus) Valid() bool {
	switch s {
	case SpecNotStarted, SpecRunning, SpecCompleted, SpecFailed, SpecStopped:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the spec can no longer change state.
func (s SpecStatus) IsTerminal() bool {
	return s == SpecCompleted || s == SpecFailed || s == SpecStopped
}

// SpecNode is a declared unit of work and the ids it depends on.
type SpecNode struct {
	// ID uniquely identifies the spec within a run.
	ID string `json:"id" yaml:"id"`
	// Dependencies lists spec ids that must complete before this spec starts.
	Dependencies []string `json:"dependencies,omitempty" yaml:"depends_on,omitempty"`
	// Description is free text shown by plan and status output.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// SpecRunState tracks one spec's progress during a run.
type SpecRunState struct {
	// Status is the current lifecycle state.
	Status SpecStatus `json:"status"`
	// Attempts counts how many times a worker has been spawned for the spec.
	Attempts int `json:"attempts"`
	// PID is the process id of the live worker, zero when none is running.
	PID int `json:"pid,omitempty"`
	// ExitCode is the exit code of the most recent attempt.
	ExitCode *int `json:"exitCode,omitempty"`
	// Signal names the signal that terminated the most recent attempt, if any.
	Signal string `json:"signal,omitempty"`
	// Error describes why the most recent attempt failed.
	Error string `json:"error,omitempty"`
	// LogPath points at the captured output of the most recent attempt.
	LogPath string `json:"logPath,omitempty"`
	// StartedAt is when the first attempt was spawned.
	StartedAt *time.Time `json:"startedAt,omitempty"`
	// EndedAt is when the spec reached a terminal state.
	EndedAt *time.Time `json:"endedAt,omitempty"`
}

// Batch is a set of specs with no ordering constraint among themselves.
type Batch []string
