package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// pollInterval is how often KillPIDs probes liveness while waiting.
var pollInterval = 50 * time.Millisecond

// KillPIDs terminates workers that this process does not own, such as those
// recorded by a coordinator that has died. pids maps spec id to worker pid.
// Workers are signalled as process groups, SIGTERM first and SIGKILL after grace.
func KillPIDs(ctx context.Context, pids map[string]int, grace time.Duration) KillReport {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	var (
		mu     sync.Mutex
		report KillReport
		g      errgroup.Group
	)
	for specID, pid := range pids {
		g.Go(func() error {
			err := killPID(ctx, pid, grace)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Unconfirmed = append(report.Unconfirmed, models.UnconfirmedAgent{
					SpecID: specID,
					PID:    pid,
					Error:  err.Error(),
				})
				return nil
			}
			report.Killed = append(report.Killed, specID)
			return nil
		})
	}
	_ = g.Wait()

	sortReport(&report)
	return report
}

func killPID(ctx context.Context, pid int, grace time.Duration) error {
	if !ProcessAlive(pid) {
		return nil
	}
	if err := signalGroup(pid, sigTerm); err != nil {
		return fmt.Errorf("SIGTERM pid %d: %w", pid, err)
	}
	if waitGone(ctx, pid, grace) {
		return nil
	}
	if err := signalGroup(pid, sigKill); err != nil {
		return fmt.Errorf("SIGKILL pid %d: %w", pid, err)
	}
	if waitGone(ctx, pid, DefaultConfirmTimeout) {
		return nil
	}
	return fmt.Errorf("%w: pid %d", ErrNotConfirmed, pid)
}

// waitGone polls until pid is no longer alive, the timeout elapses or ctx ends.
func waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !ProcessAlive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !ProcessAlive(pid)
		case <-ctx.Done():
			return !ProcessAlive(pid)
		}
	}
}
