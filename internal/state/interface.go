package state

import (
	"io"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// RunStore handles run-level persistence operations.
type RunStore interface {
	CreateRun(r *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	UpdateRun(r *RunRecord) error
	ListRuns(limit int, status *models.RunStatus) ([]RunRecord, error)
}

// AttemptStore handles per-attempt persistence operations.
type AttemptStore interface {
	RecordAttempt(a *AttemptRecord) error
	FinishAttempt(a *AttemptRecord) error
	ListAttempts(runID string) ([]AttemptRecord, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// HistoryStore defines the interface for run history persistence.
// This interface allows the orchestrator to record runs without depending
// on the concrete SQLite implementation.
type HistoryStore interface {
	io.Closer
	Migrator
	RunStore
	AttemptStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ HistoryStore = (*DB)(nil)
	_ Migrator     = (*DB)(nil)
	_ RunStore     = (*DB)(nil)
	_ AttemptStore = (*DB)(nil)
)
