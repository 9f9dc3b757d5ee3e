// Package agent owns the OS-process lifecycle of spec workers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// Environment variables exported to every worker process.
const (
	EnvRunID   = "SPECBATCH_RUN_ID"
	EnvSpecID  = "SPECBATCH_SPEC_ID"
	EnvAttempt = "SPECBATCH_ATTEMPT"
)

const (
	// DefaultGracePeriod is how long a worker gets between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second
	// DefaultConfirmTimeout bounds the wait for exit after SIGKILL.
	DefaultConfirmTimeout = 2 * time.Second
)

var (
	// ErrSpawnerClosed is returned by Spawn once Close has been called.
	ErrSpawnerClosed = errors.New("spawner is closed")
	// ErrAlreadyRunning is returned when a spec already has a live worker.
	ErrAlreadyRunning = errors.New("spec already has a running worker")
	// ErrNotConfirmed is returned when a worker survives SIGKILL.
	ErrNotConfirmed = errors.New("worker termination not confirmed")
)

// Options configures a Spawner.
type Options struct {
	// LogDir receives one log file per attempt. Empty discards worker output.
	LogDir string
	// GracePeriod is the SIGTERM to SIGKILL delay. Zero uses DefaultGracePeriod.
	GracePeriod time.Duration
	// ConfirmTimeout bounds the wait after SIGKILL. Zero uses DefaultConfirmTimeout.
	ConfirmTimeout time.Duration
	// UsePTY runs workers attached to a pseudo-terminal.
	UsePTY bool
	// Env is added to every worker's environment.
	Env map[string]string
	// DebugLog receives verbose lifecycle messages.
	DebugLog func(format string, args ...interface{})
}

// SpawnRequest describes one worker attempt.
type SpawnRequest struct {
	SpecID  string
	RunID   string
	Attempt int
	Command string
	// Args may contain {{spec}}, {{run}} and {{attempt}} placeholders.
	Args []string
	Dir  string
	Env  map[string]string
	// Timeout kills the attempt after the given duration. Zero disables it.
	Timeout time.Duration
	// LogPath overrides the log file derived from Options.LogDir.
	LogPath string
}

// ExitStatus describes how a worker attempt ended.
type ExitStatus struct {
	// ExitCode is the process exit code, or -1 when it died from a signal.
	ExitCode int
	// Signal names the terminating signal, if any.
	Signal string
	// Killed is true when the worker was terminated through Kill or KillAll.
	Killed bool
	// TimedOut is true when the attempt exceeded its timeout.
	TimedOut bool
	// Err carries a wait error that is not a plain non-zero exit.
	Err error
}

// Success reports whether the attempt exited with code zero on its own.
func (s ExitStatus) Success() bool {
	return s.ExitCode == 0 && s.Signal == "" && !s.Killed && !s.TimedOut && s.Err == nil
}

// Describe returns a short human readable outcome.
func (s ExitStatus) Describe() string {
	switch {
	case s.TimedOut:
		return "timed out"
	case s.Killed:
		return "killed"
	case s.Err != nil:
		return s.Err.Error()
	case s.Signal != "":
		return "terminated by " + s.Signal
	default:
		return fmt.Sprintf("exit code %d", s.ExitCode)
	}
}

// Handle is a live worker attempt. It is owned by the Spawner that created it.
type Handle struct {
	SpecID    string
	RunID     string
	Attempt   int
	PID       int
	StartedAt time.Time
	LogPath   string

	cmd      *exec.Cmd
	pgid     int
	done     chan struct{}
	status   ExitStatus
	killed   atomic.Bool
	timedOut atomic.Bool
	timer    *time.Timer
}

// Done is closed once the worker has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the worker has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// KillReport summarises a bulk termination.
type KillReport struct {
	// Killed lists spec ids whose worker is confirmed gone.
	Killed []string
	// Unconfirmed lists workers that could not be confirmed terminated.
	Unconfirmed []models.UnconfirmedAgent
}

// Confirmed reports whether every targeted worker is gone.
func (r KillReport) Confirmed() bool {
	return len(r.Unconfirmed) == 0
}

// Spawner starts worker processes and tracks them in an arena keyed by spec id.
type Spawner struct {
	opts Options

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewSpawner creates a Spawner.
func NewSpawner(opts Options) *Spawner {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.DebugLog == nil {
		opts.DebugLog = func(format string, args ...interface{}) {}
	}
	return &Spawner{
		opts:    opts,
		handles: make(map[string]*Handle),
	}
}

// Spawn starts a worker for the request and registers it in the arena.
// The arena lock is held across process start so that a concurrent Close
// followed by KillAll always sees the new handle or prevents its creation.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*Handle, error) {
	if req.SpecID == "" {
		return nil, fmt.Errorf("spawn: spec id is empty")
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("spawn %s: command is empty", req.SpecID)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", req.SpecID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSpawnerClosed
	}
	if existing, ok := s.handles[req.SpecID]; ok && !existing.Exited() {
		return nil, fmt.Errorf("spawn %s: %w (pid %d)", req.SpecID, ErrAlreadyRunning, existing.PID)
	}

	cmd := exec.Command(req.Command, ExpandArgs(req.Args, req)...)
	cmd.Dir = req.Dir
	cmd.Env = s.buildEnv(req)
	configureProcess(cmd, s.opts.UsePTY)

	logPath := req.LogPath
	if logPath == "" && s.opts.LogDir != "" {
		logPath = filepath.Join(s.opts.LogDir, LogFileName(req.SpecID, req.Attempt))
	}
	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
	}

	var out io.Writer = io.Discard
	if logFile != nil {
		out = logFile
	}

	var ptyFile io.ReadCloser
	if s.opts.UsePTY {
		f, err := startWithPTY(cmd)
		if err != nil {
			closeQuietly(logFile)
			return nil, fmt.Errorf("start %s under pty: %w", req.SpecID, err)
		}
		ptyFile = f
	} else {
		if logFile != nil {
			cmd.Stdout = logFile
			cmd.Stderr = logFile
		}
		if err := cmd.Start(); err != nil {
			closeQuietly(logFile)
			return nil, fmt.Errorf("start %s: %w", req.SpecID, err)
		}
	}

	h := &Handle{
		SpecID:    req.SpecID,
		RunID:     req.RunID,
		Attempt:   req.Attempt,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		LogPath:   logPath,
		cmd:       cmd,
		pgid:      cmd.Process.Pid,
		done:      make(chan struct{}),
	}
	s.handles[req.SpecID] = h

	copyDone := make(chan struct{})
	if ptyFile != nil {
		go func() {
			defer close(copyDone)
			_, _ = io.Copy(out, ptyFile)
		}()
	} else {
		close(copyDone)
	}

	if req.Timeout > 0 {
		h.timer = time.AfterFunc(req.Timeout, func() {
			if h.Exited() {
				return
			}
			h.timedOut.Store(true)
			s.opts.DebugLog("[spawner] %s attempt %d exceeded timeout %v", h.SpecID, h.Attempt, req.Timeout)
			if err := s.terminate(context.Background(), h); err != nil {
				log.Printf("[spawner] warning: timeout kill of %s (pid %d): %v", h.SpecID, h.PID, err)
			}
		})
	}

	go s.wait(h, ptyFile, copyDone, logFile)

	s.opts.DebugLog("[spawner] started %s attempt %d pid=%d cmd=%s", h.SpecID, h.Attempt, h.PID, req.Command)
	return h, nil
}

// wait reaps the worker, records its exit status and removes it from the arena.
func (s *Spawner) wait(h *Handle, ptyFile io.Closer, copyDone <-chan struct{}, logFile *os.File) {
	err := h.cmd.Wait()

	if ptyFile != nil {
		select {
		case <-copyDone:
		case <-time.After(time.Second):
		}
		_ = ptyFile.Close()
		<-copyDone
	}
	closeQuietly(logFile)
	if h.timer != nil {
		h.timer.Stop()
	}

	status := ExitStatus{
		Killed:   h.killed.Load(),
		TimedOut: h.timedOut.Load(),
	}
	status.ExitCode, status.Signal = exitDetails(h.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	h.status = status

	s.mu.Lock()
	if s.handles[h.SpecID] == h {
		delete(s.handles, h.SpecID)
	}
	s.mu.Unlock()

	close(h.done)
	s.opts.DebugLog("[spawner] %s attempt %d pid=%d exited: %s", h.SpecID, h.Attempt, h.PID, status.Describe())
}

// Await blocks until the worker exits or ctx is done.
func (s *Spawner) Await(ctx context.Context, h *Handle) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Kill terminates a worker. Killing an exited worker is a no-op.
func (s *Spawner) Kill(h *Handle) error {
	if h == nil {
		return nil
	}
	h.killed.Store(true)
	return s.terminate(context.Background(), h)
}

// terminate sends SIGTERM to the worker's process group, escalates to SIGKILL
// after the grace period and waits for the worker to be reaped.
func (s *Spawner) terminate(ctx context.Context, h *Handle) error {
	if h.Exited() {
		return nil
	}

	if err := signalGroup(h.pgid, sigTerm); err != nil {
		s.opts.DebugLog("[spawner] SIGTERM %s pid=%d: %v", h.SpecID, h.PID, err)
	}

	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.done:
		// Sweep anything the worker left behind in its group.
		_ = signalGroup(h.pgid, sigKill)
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if err := signalGroup(h.pgid, sigKill); err != nil {
		s.opts.DebugLog("[spawner] SIGKILL %s pid=%d: %v", h.SpecID, h.PID, err)
	}

	confirm := time.NewTimer(s.opts.ConfirmTimeout)
	defer confirm.Stop()
	select {
	case <-h.done:
		return nil
	case <-confirm.C:
		return fmt.Errorf("%w: %s pid %d", ErrNotConfirmed, h.SpecID, h.PID)
	case <-ctx.Done():
		if h.Exited() {
			return nil
		}
		return fmt.Errorf("%w: %s pid %d: %v", ErrNotConfirmed, h.SpecID, h.PID, ctx.Err())
	}
}

// KillAll terminates every tracked worker in parallel. A worker that refuses
// to die does not prevent the others from being killed.
func (s *Spawner) KillAll(ctx context.Context) KillReport {
	handles := s.Handles()

	var (
		mu     sync.Mutex
		report KillReport
		g      errgroup.Group
	)
	for _, h := range handles {
		h.killed.Store(true)
		g.Go(func() error {
			err := s.terminate(ctx, h)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Unconfirmed = append(report.Unconfirmed, models.UnconfirmedAgent{
					SpecID: h.SpecID,
					PID:    h.PID,
					Error:  err.Error(),
				})
				return nil
			}
			report.Killed = append(report.Killed, h.SpecID)
			return nil
		})
	}
	_ = g.Wait()

	sortReport(&report)
	if len(handles) > 0 {
		s.opts.DebugLog("[spawner] KillAll: %d killed, %d unconfirmed", len(report.Killed), len(report.Unconfirmed))
	}
	return report
}

// Close prevents further spawns. Live workers are left running.
func (s *Spawner) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Spawner) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Handles returns the live handles sorted by spec id.
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].SpecID < handles[j].SpecID })
	return handles
}

// Lookup returns the live handle for a spec.
func (s *Spawner) Lookup(specID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[specID]
	return h, ok
}

// Running returns the number of live workers.
func (s *Spawner) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Spawner) buildEnv(req SpawnRequest) []string {
	env := os.Environ()
	env = appendEnv(env, s.opts.Env)
	env = appendEnv(env, req.Env)
	return append(env,
		EnvRunID+"="+req.RunID,
		EnvSpecID+"="+req.SpecID,
		EnvAttempt+"="+strconv.Itoa(req.Attempt),
	)
}

func appendEnv(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// ExpandArgs substitutes {{spec}}, {{run}} and {{attempt}} in args.
func ExpandArgs(args []string, req SpawnRequest) []string {
	r := strings.NewReplacer(
		"{{spec}}", req.SpecID,
		"{{run}}", req.RunID,
		"{{attempt}}", strconv.Itoa(req.Attempt),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// LogFileName returns the per-attempt log file name for a spec.
func LogFileName(specID string, attempt int) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, specID)
	return fmt.Sprintf("%s.%d.log", safe, attempt)
}

func sortReport(r *KillReport) {
	sort.Strings(r.Killed)
	sort.Slice(r.Unconfirmed, func(i, j int) bool { return r.Unconfirmed[i].SpecID < r.Unconfirmed[j].SpecID })
}

func closeQuietly(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
