package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/state"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

var (
	historyLimit  int
	historyStatus string
	historyJSON   bool
	historyPrune  time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List past runs or the attempts of one run",
	Long: `Show runs recorded in .specbatch/state.db.

Without arguments the most recent runs are listed. With a run id every
worker attempt of that run is listed in start order, with its exit code and
log file.

--prune deletes runs older than the given age, with their attempts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Only list runs with this status")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print as JSON")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "Delete runs older than this age (e.g. 720h)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, ok := openExistingHistory(runstateLayout(cfg))
	if !ok {
		fmt.Println("No run history. Run 'specbatch run' to start.")
		return nil
	}
	defer db.Close()

	if historyPrune > 0 {
		n, err := db.PurgeOldRuns(historyPrune)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Pruned %d run(s) older than %s", n, historyPrune), color.FgGreen)
		return nil
	}

	if len(args) > 0 {
		return showAttempts(db, args[0])
	}
	return listRuns(db)
}

func listRuns(db *state.DB) error {
	var filter *models.RunStatus
	if historyStatus != "" {
		status := models.RunStatus(historyStatus)
		if !status.Valid() {
			return fmt.Errorf("invalid status %q", historyStatus)
		}
		filter = &status
	}

	runs, err := db.ListRuns(historyLimit, filter)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if historyJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	for _, r := range runs {
		duration := "running"
		if r.EndedAt != nil {
			duration = formatDuration(r.EndedAt.Sub(r.StartedAt))
		}
		line := fmt.Sprintf("%s  %-9s  %s  %d specs  %s",
			r.ID,
			runStatusColor(r.Status).Sprint(r.Status),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			len(r.SpecIDs),
			duration)
		if r.Reason != "" {
			line += color.HiBlackString("  %s", r.Reason)
		}
		fmt.Println(line)
	}
	return nil
}

func showAttempts(db *state.DB, runID string) error {
	run, err := db.GetRun(runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found in history", runID)
	}
	attempts, err := db.ListAttempts(runID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}

	if historyJSON {
		return printJSON(struct {
			Run      *state.RunRecord      `json:"run"`
			Attempts []state.AttemptRecord `json:"attempts"`
		}{run, attempts})
	}

	fmt.Printf("Run %s: %s\n", run.ID, runStatusColor(run.Status).Sprint(run.Status))
	fmt.Printf("  Started: %s (pid %d)\n", run.StartedAt.Local().Format(time.DateTime), run.PID)
	fmt.Printf("  Max parallel: %d, max retries: %d\n", run.MaxParallel, run.MaxRetries)
	if run.Reason != "" {
		fmt.Printf("  Reason: %s\n", run.Reason)
	}
	fmt.Println()

	for _, a := range attempts {
		exit := "-"
		if a.ExitCode != nil {
			exit = fmt.Sprintf("%d", *a.ExitCode)
		}
		line := fmt.Sprintf("  %-24s #%d  %-11s exit %-3s",
			a.SpecID, a.Attempt, specStatusColor(a.Status).Sprint(a.Status), exit)
		if a.EndedAt != nil {
			line += "  " + formatDuration(a.EndedAt.Sub(a.StartedAt))
		}
		if a.Error != "" {
			line += color.HiBlackString("  %s", a.Error)
		}
		if a.LogPath != "" {
			line += color.HiBlackString("  %s", a.LogPath)
		}
		fmt.Println(line)
	}
	return nil
}
