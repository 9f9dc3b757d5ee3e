package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/orchestrator"
)

var stopJSON bool

var stopCmd = &cobra.Command{
	Use:   "stop [run-id]",
	Short: "Stop the active run",
	Long: `Stop the active run and terminate every worker it started.

The coordinating 'specbatch run' process is asked to stop. If it has exited
or does not respond within stop.ack_timeout, the workers recorded in the
run's status are terminated directly.

With nothing to stop the command succeeds without doing anything. If some
workers could not be confirmed terminated the command exits non-zero with
STOP_FAILED; run 'specbatch stop <run-id>' again to retry them.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopJSON, "json", false, "Print the result as JSON")
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	extra := []orchestrator.Option{}
	if db, ok := openExistingHistory(runstateLayout(cfg)); ok {
		defer db.Close()
		extra = append(extra, orchestrator.WithStateDB(db))
	}
	orch, err := newOrchestrator(cfg, extra...)
	if err != nil {
		return err
	}

	var runID string
	if len(args) > 0 {
		runID = args[0]
	}

	res := orch.Stop(context.Background(), runID)
	if stopJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printStopResult(res)
	}
	if res.Failed() {
		return fmt.Errorf("%s: %s", res.Code, res.Reason)
	}
	return nil
}

func printStopResult(res orchestrator.StopResult) {
	switch {
	case res.Stopped:
		printStatus("■", fmt.Sprintf("Run %s stopped", res.RunID), color.FgYellow)
	case res.Failed():
		printStatus("✗", fmt.Sprintf("Run %s: %s", res.RunID, res.Reason), color.FgRed)
		for _, u := range res.Unconfirmed {
			fmt.Printf("  %s pid %d: %s\n", u.SpecID, u.PID, u.Error)
		}
	case res.RunID != "":
		printStatus("·", fmt.Sprintf("Run %s: %s", res.RunID, res.Reason), color.FgHiBlack)
	default:
		printStatus("·", "No active run", color.FgHiBlack)
	}
}
