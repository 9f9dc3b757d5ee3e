package state

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB opens and migrates a database in a temp directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func countRuns(t *testing.T, db *DB, id string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", id).Scan(&n); err != nil {
		t.Fatalf("count runs: %v", err)
	}
	return n
}

func TestOpen_CreatesNestedPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/proc/nonexistent/state.db"); err == nil {
		t.Error("expected error opening db under /proc")
	}
}

func TestClose_RejectsFurtherQueries(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := db.Query("SELECT 1"); err == nil {
		t.Error("expected error after close")
	}
}

func TestMigrate_CreatesTablesOnce(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		if err := db.Migrate(); err != nil {
			t.Fatalf("Migrate #%d failed: %v", i+1, err)
		}
	}

	for _, table := range []string{"schema_version", "runs", "spec_attempts"} {
		var n int
		row := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
		if err := row.Scan(&n); err != nil || n != 1 {
			t.Errorf("table %s missing (count %d, err %v)", table, n, err)
		}
	}

	version, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("SchemaVersion() = %d, want %d", version, len(migrations))
	}

	var rows int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != len(migrations) {
		t.Errorf("expected one schema_version row per migration, got %d", rows)
	}
}

func TestTransaction(t *testing.T) {
	db := setupTestDB(t)

	err := db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)",
			"kept", "running", "2026-01-01T00:00:00Z")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if countRuns(t, db, "kept") != 1 {
		t.Error("committed transaction lost its insert")
	}

	boom := errors.New("boom")
	err = db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)",
			"rolled-back", "running", "2026-01-01T00:00:00Z"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected fn error returned, got %v", err)
	}
	if countRuns(t, db, "rolled-back") != 0 {
		t.Error("failed transaction was not rolled back")
	}
}

func TestProjectDBPath(t *testing.T) {
	if got := ProjectDBPath("/my/project"); got != "/my/project/.specbatch/state.db" {
		t.Errorf("ProjectDBPath() = %q", got)
	}
}

func TestTimeColumns(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))
	parsed, err := parseTime(formatTime(now))
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("round trip = %v, want %v", parsed, now)
	}

	if parseNullableTime(sql.NullString{}) != nil {
		t.Error("NULL should parse to nil")
	}
	if parseNullableTime(sql.NullString{String: "yesterday", Valid: true}) != nil {
		t.Error("garbage should parse to nil")
	}
	if parseNullableTime(sql.NullString{String: "2026-01-01T12:00:00Z", Valid: true}) == nil {
		t.Error("valid time parsed to nil")
	}
}
