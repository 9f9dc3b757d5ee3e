package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/orchestrator"
	"github.com/ShayCichocki/specbatch/internal/runstate"
	"github.com/ShayCichocki/specbatch/internal/tui"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

var (
	statusWatch    bool
	statusJSON     bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the state of a run",
	Long: `Display the latest status snapshot of a run.

Without a run id the active run is shown, or the most recent run when none
is active. Works from any process, including while the run is in progress.

With --watch the status is redrawn on every change until the run finishes.
On a terminal this opens a live view; press s to stop the run or q to leave
the view without stopping it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Follow the run until it finishes")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the snapshot as JSON")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 0, "Poll interval for --watch (default from config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}

	var runID string
	if len(args) > 0 {
		runID = args[0]
	}

	if statusWatch {
		interval := statusInterval
		if interval <= 0 {
			interval = cfg.Watch.Interval
		}
		return watchStatus(orch, runID, interval)
	}

	snap, err := orch.Status(runID)
	if errors.Is(err, runstate.ErrNoRun) {
		fmt.Println("No run recorded. Run 'specbatch run' to start.")
		return nil
	}
	if err != nil {
		return err
	}

	if statusJSON {
		return printJSON(snap)
	}
	printSnapshot(snap)
	warnIfOrphaned(orch, snap)
	return nil
}

// watchStatus follows a run until it reaches a terminal status.
func watchStatus(orch *orchestrator.Orchestrator, runID string, interval time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	updates, err := orch.Watch(ctx, runID, interval)
	if errors.Is(err, runstate.ErrNoRun) {
		fmt.Println("No run recorded. Run 'specbatch run' to start.")
		return nil
	}
	if err != nil {
		return err
	}

	if !statusJSON && isatty.IsTerminal(os.Stdout.Fd()) {
		program, app := tui.NewWatchProgram(updates)
		app.SetStopHandler(func() error {
			snap := app.Snapshot()
			if snap == nil {
				return fmt.Errorf("run not known yet")
			}
			go orch.Stop(context.Background(), snap.RunID)
			return nil
		})
		_, err := program.Run()
		return err
	}

	for snap := range updates {
		if statusJSON {
			if err := printJSON(snap); err != nil {
				return err
			}
			continue
		}
		printSnapshotLine(snap)
	}
	return nil
}

// printSnapshot prints a full status report.
func printSnapshot(snap *models.StatusSnapshot) {
	fmt.Printf("Run %s: %s\n", snap.RunID, runStatusColor(snap.Status).Sprint(snap.Status))
	fmt.Printf("  Batch: %d/%d\n", snap.CurrentBatchIndex+1, snap.TotalBatches)
	if snap.MaxParallel > 0 {
		fmt.Printf("  Max parallel: %d\n", snap.MaxParallel)
	}
	fmt.Printf("  Updated: %s ago\n", formatDuration(time.Since(snap.UpdatedAt)))
	fmt.Println()

	for i, batch := range snap.Batches {
		fmt.Println(color.New(color.Bold).Sprintf("Batch %d", i+1))
		for _, id := range batch {
			printSpecLine(id, snap.Specs[id])
		}
	}
	if len(snap.Batches) == 0 {
		ids := make([]string, 0, len(snap.Specs))
		for id := range snap.Specs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			printSpecLine(id, snap.Specs[id])
		}
	}
}

func printSpecLine(id string, st models.SpecRunState) {
	line := fmt.Sprintf("  %s %-24s %s", specStatusColor(st.Status).Sprint(tui.StatusIcon(st.Status)), id,
		specStatusColor(st.Status).Sprint(st.Status))
	if st.Attempts > 0 {
		line += fmt.Sprintf("  attempt %d", st.Attempts)
	}
	if st.Status == models.SpecRunning && st.PID > 0 {
		line += color.HiBlackString("  pid %d", st.PID)
		if st.StartedAt != nil {
			line += color.HiBlackString(" (%s)", formatDuration(time.Since(*st.StartedAt)))
		}
	}
	if st.Error != "" && st.Status != models.SpecCompleted {
		line += color.HiBlackString("  %s", st.Error)
	}
	fmt.Println(line)
}

// printSnapshotLine prints a one-line summary for non-interactive watching.
func printSnapshotLine(snap *models.StatusSnapshot) {
	counts := snap.CountByStatus()
	fmt.Printf("%s %s %s batch %d/%d: %d completed, %d running, %d failed, %d stopped, %d not started\n",
		color.HiBlackString(snap.UpdatedAt.Format("15:04:05")),
		snap.RunID,
		runStatusColor(snap.Status).Sprint(snap.Status),
		snap.CurrentBatchIndex+1, snap.TotalBatches,
		counts[models.SpecCompleted], counts[models.SpecRunning], counts[models.SpecFailed],
		counts[models.SpecStopped], counts[models.SpecNotStarted])
}

// warnIfOrphaned flags a run that claims to be running after its coordinator died.
func warnIfOrphaned(orch *orchestrator.Orchestrator, snap *models.StatusSnapshot) {
	if snap.Status.IsTerminal() {
		return
	}
	meta, err := orch.Registry().Load(snap.RunID)
	if err != nil || !meta.IsActive() || orch.Registry().Alive(meta) {
		return
	}
	fmt.Println()
	printStatus("⚠", fmt.Sprintf("coordinator pid %d is not running; use 'specbatch stop %s' to terminate its workers",
		meta.PID, snap.RunID), color.FgYellow)
}
