// Package orchestrator runs a set of specs as batches of worker processes.
package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventRunStarted indicates the run registered itself and is about to dispatch.
	EventRunStarted EventType = "run_started"
	// EventBatchStarted indicates a batch was opened.
	EventBatchStarted EventType = "batch_started"
	// EventBatchCompleted indicates every spec of a batch reached a terminal state.
	EventBatchCompleted EventType = "batch_completed"
	// EventSpecStarted indicates a worker attempt was spawned.
	EventSpecStarted EventType = "spec_started"
	// EventSpecRetrying indicates an attempt failed and another will be made.
	EventSpecRetrying EventType = "spec_retrying"
	// EventSpecCompleted indicates a spec's worker exited with code zero.
	EventSpecCompleted EventType = "spec_completed"
	// EventSpecFailed indicates a spec exhausted its attempts.
	EventSpecFailed EventType = "spec_failed"
	// EventSpecStopped indicates a spec's worker was killed by a stop.
	EventSpecStopped EventType = "spec_stopped"
	// EventStopRequested indicates a stop was received by the coordinator.
	EventStopRequested EventType = "stop_requested"
	// EventRunDone indicates the run reached a terminal status.
	EventRunDone EventType = "run_done"
)

// OrchestratorEvent represents an event emitted by the orchestrator.
// These events are used by the CLI to print progress.
type OrchestratorEvent struct {
	// Type is the kind of event.
	Type EventType
	// RunID is the run the event belongs to.
	RunID string
	// SpecID is the related spec, if applicable.
	SpecID string
	// BatchIndex is the zero-based batch, or -1 when not applicable.
	BatchIndex int
	// Attempt is the one-based attempt number for spec events.
	Attempt int
	// PID is the worker process id for spec_started.
	PID int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the elapsed time of the spec or run.
	Duration time.Duration
	// LogFile is the path to the worker log of the attempt.
	LogFile string
}
