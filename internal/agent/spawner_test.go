//go:build !windows

package agent

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSpawner(t *testing.T) *Spawner {
	t.Helper()
	return NewSpawner(Options{
		LogDir:         t.TempDir(),
		GracePeriod:    200 * time.Millisecond,
		ConfirmTimeout: 2 * time.Second,
	})
}

func awaitStatus(t *testing.T, s *Spawner, h *Handle) ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := s.Await(ctx, h)
	if err != nil {
		t.Fatalf("Await(%s): %v", h.SpecID, err)
	}
	return status
}

func shell(specID, script string) SpawnRequest {
	return SpawnRequest{
		SpecID:  specID,
		RunID:   "run-1",
		Attempt: 1,
		Command: "sh",
		Args:    []string{"-c", script},
	}
}

func TestSpawnSuccessWritesLog(t *testing.T) {
	s := newTestSpawner(t)

	h, err := s.Spawn(context.Background(), shell("A", "echo hello"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if h.PID <= 0 {
		t.Errorf("expected a pid, got %d", h.PID)
	}

	status := awaitStatus(t, s, h)
	if !status.Success() {
		t.Fatalf("expected success, got %s", status.Describe())
	}

	data, err := os.ReadFile(h.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log %q does not contain worker output", data)
	}
	if filepath.Base(h.LogPath) != "A.1.log" {
		t.Errorf("unexpected log name %s", filepath.Base(h.LogPath))
	}
	if s.Running() != 0 {
		t.Errorf("exited worker should leave the arena, %d remain", s.Running())
	}
}

func TestSpawnNonZeroExit(t *testing.T) {
	s := newTestSpawner(t)

	h, err := s.Spawn(context.Background(), shell("A", "exit 3"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	status := awaitStatus(t, s, h)
	if status.Success() {
		t.Fatal("expected failure")
	}
	if status.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", status.ExitCode)
	}
	if status.Killed {
		t.Error("natural exit should not be reported as killed")
	}
}

func TestSpawnExportsEnvironmentAndPlaceholders(t *testing.T) {
	s := newTestSpawner(t)

	req := shell("spec-x", `echo "$SPECBATCH_SPEC_ID $SPECBATCH_RUN_ID $SPECBATCH_ATTEMPT $EXTRA {{spec}}/{{attempt}}"`)
	req.Attempt = 2
	req.Env = map[string]string{"EXTRA": "yes"}

	h, err := s.Spawn(context.Background(), req)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	awaitStatus(t, s, h)

	data, err := os.ReadFile(h.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	want := "spec-x run-1 2 yes spec-x/2"
	if strings.TrimSpace(string(data)) != want {
		t.Errorf("worker output = %q, want %q", strings.TrimSpace(string(data)), want)
	}
}

func TestSpawnRejectsDuplicateLiveSpec(t *testing.T) {
	s := newTestSpawner(t)

	h, err := s.Spawn(context.Background(), shell("A", "sleep 30"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Kill(h)

	if _, err := s.Spawn(context.Background(), shell("A", "true")); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSpawnAfterClose(t *testing.T) {
	s := newTestSpawner(t)
	s.Close()

	if _, err := s.Spawn(context.Background(), shell("A", "true")); !errors.Is(err, ErrSpawnerClosed) {
		t.Errorf("expected ErrSpawnerClosed, got %v", err)
	}
	if !s.Closed() {
		t.Error("Closed() should report true")
	}
}

func TestSpawnEmptyCommand(t *testing.T) {
	s := newTestSpawner(t)
	if _, err := s.Spawn(context.Background(), SpawnRequest{SpecID: "A"}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	s := newTestSpawner(t)

	h, err := s.Spawn(context.Background(), shell("A", "sleep 30"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := s.Kill(h); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	status := awaitStatus(t, s, h)
	if !status.Killed {
		t.Error("expected Killed status")
	}
	if status.Success() {
		t.Error("killed worker should not be a success")
	}

	if err := s.Kill(h); err != nil {
		t.Errorf("second Kill should be a no-op, got %v", err)
	}
}

func TestKillAllTerminatesEveryWorker(t *testing.T) {
	s := newTestSpawner(t)

	var handles []*Handle
	for _, id := range []string{"A", "B", "C"} {
		h, err := s.Spawn(context.Background(), shell(id, "sleep 30"))
		if err != nil {
			t.Fatalf("Spawn %s: %v", id, err)
		}
		handles = append(handles, h)
	}

	report := s.KillAll(context.Background())
	if !report.Confirmed() {
		t.Fatalf("expected all kills confirmed, unconfirmed: %+v", report.Unconfirmed)
	}
	if strings.Join(report.Killed, ",") != "A,B,C" {
		t.Errorf("Killed = %v, want [A B C]", report.Killed)
	}
	for _, h := range handles {
		if !h.Exited() {
			t.Errorf("%s still running after KillAll", h.SpecID)
		}
	}
	if s.Running() != 0 {
		t.Errorf("arena should be empty, %d remain", s.Running())
	}
}

func TestKillEscalatesToSIGKILL(t *testing.T) {
	s := newTestSpawner(t)

	h, err := s.Spawn(context.Background(), shell("stubborn", `trap "" TERM; sleep 30`))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// Give the shell time to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := s.Kill(h); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("worker ignoring SIGTERM died after %v, before the grace period", elapsed)
	}

	status := awaitStatus(t, s, h)
	if status.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", status.Signal)
	}
}

func TestSpawnTimeout(t *testing.T) {
	s := newTestSpawner(t)

	req := shell("slow", "sleep 30")
	req.Timeout = 100 * time.Millisecond
	h, err := s.Spawn(context.Background(), req)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	status := awaitStatus(t, s, h)
	if !status.TimedOut {
		t.Errorf("expected TimedOut, got %s", status.Describe())
	}
	if status.Killed {
		t.Error("timeout should not be reported as an explicit kill")
	}
}

func TestSpawnUnderPTY(t *testing.T) {
	s := NewSpawner(Options{LogDir: t.TempDir(), UsePTY: true})

	h, err := s.Spawn(context.Background(), shell("tty", "test -t 1 && echo on-a-tty"))
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	status := awaitStatus(t, s, h)
	if !status.Success() {
		t.Fatalf("expected success under pty, got %s", status.Describe())
	}
	data, err := os.ReadFile(h.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "on-a-tty") {
		t.Errorf("pty output not captured: %q", data)
	}
}

func TestKillPIDs(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	configureProcess(cmd, false)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go func() { _ = cmd.Wait() }()

	report := KillPIDs(context.Background(), map[string]int{"A": cmd.Process.Pid}, 200*time.Millisecond)
	if !report.Confirmed() {
		t.Fatalf("expected kill confirmed, got %+v", report.Unconfirmed)
	}
	if len(report.Killed) != 1 || report.Killed[0] != "A" {
		t.Errorf("Killed = %v, want [A]", report.Killed)
	}
	if ProcessAlive(cmd.Process.Pid) {
		t.Error("process still alive after KillPIDs")
	}
}

func TestKillPIDsAlreadyGone(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	report := KillPIDs(context.Background(), map[string]int{"A": cmd.Process.Pid}, time.Second)
	if !report.Confirmed() || len(report.Killed) != 1 {
		t.Errorf("exited pid should count as killed, got %+v", report)
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("own process should be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
