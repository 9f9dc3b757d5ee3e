package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/config"
	"github.com/ShayCichocki/specbatch/internal/manifest"
	"github.com/ShayCichocki/specbatch/internal/orchestrator"
	"github.com/ShayCichocki/specbatch/internal/runstate"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

var (
	runManifest  string
	runParallel  int
	runRetries   int
	runWithDeps  bool
	runID        string
	runNoHistory bool
	runQuiet     bool
)

var runCmd = &cobra.Command{
	Use:   "run [spec-id...]",
	Short: "Run specs in dependency order",
	Long: `Run the specs declared in the manifest, one worker process per spec.

With no spec ids every spec in the manifest runs. Naming spec ids runs only
those; add --with-deps to include everything they depend on.

Each worker receives SPECBATCH_RUN_ID, SPECBATCH_SPEC_ID and SPECBATCH_ATTEMPT
in its environment, and {{spec}}, {{run}} and {{attempt}} are substituted in
agent.args. Worker output is written to
.specbatch/runs/<run-id>/logs/<spec-id>.<attempt>.log.

Press Ctrl+C to stop the run. Every worker is terminated and the run is
recorded as stopped. From another terminal use 'specbatch stop'.

The command exits non-zero unless every spec completed.`,
	RunE: runSpecs,
}

func init() {
	runCmd.Flags().StringVarP(&runManifest, "manifest", "f", "", "Spec manifest (default from config, specs.yaml)")
	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 0, "Maximum concurrent workers (default from config)")
	runCmd.Flags().IntVarP(&runRetries, "retries", "r", -1, "Retries after a failed attempt (default from config)")
	runCmd.Flags().BoolVar(&runWithDeps, "with-deps", false, "Include the dependencies of the named specs")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Use this run id instead of a generated one")
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "Do not record the run in the history database")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final summary")
}

// loadSpecs reads the manifest and selects the requested specs.
func loadSpecs(cfg *config.Config, path string, ids []string, withDeps bool) ([]models.SpecNode, error) {
	if path == "" {
		path = cfg.Defaults.Manifest
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	return m.Select(ids, withDeps)
}

func runSpecs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	specs, err := loadSpecs(cfg, runManifest, args, runWithDeps)
	if err != nil {
		return err
	}
	if err := CheckAgentCommand(cfg.Agent.Command); err != nil {
		return err
	}

	opts := orchestrator.RunOptions{
		MaxParallel: cfg.Defaults.MaxParallel,
		MaxRetries:  cfg.Defaults.MaxRetries,
		RunID:       runID,
	}
	if cmd.Flags().Changed("parallel") {
		opts.MaxParallel = runParallel
	}
	if cmd.Flags().Changed("retries") {
		opts.MaxRetries = runRetries
	}

	layout := runstate.NewLayout(cfg.State.Dir)
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare state dir: %w", err)
	}

	logger := orchestrator.NewDebugLoggerForState(cfg.State.Dir)
	defer logger.Close()

	extra := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if !runNoHistory {
		db, err := openHistory(layout)
		if err != nil {
			log.Printf("[specbatch] warning: run history disabled: %v", err)
		} else {
			defer db.Close()
			extra = append(extra, orchestrator.WithStateDB(db))
		}
	}

	orch, err := newOrchestrator(cfg, extra...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		fmt.Println("\nReceived interrupt, stopping workers...")
		cancel()
	}()

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range orch.Events() {
			if !runQuiet {
				printEvent(ev)
			}
		}
	}()

	snap, err := orch.Run(ctx, specs, opts)
	orch.Close()
	<-printerDone
	if err != nil {
		return err
	}

	printSummary(snap)
	if n := orch.DroppedEvents(); n > 0 && !runQuiet {
		fmt.Println(color.HiBlackString("  (%d progress events were not shown)", n))
	}
	if snap.Status != models.RunCompleted {
		return fmt.Errorf("run %s %s", snap.RunID, snap.Status)
	}
	return nil
}

// printEvent prints one orchestrator event as a progress line.
func printEvent(ev orchestrator.OrchestratorEvent) {
	ts := color.HiBlackString(ev.Timestamp.Format("15:04:05"))
	switch ev.Type {
	case orchestrator.EventRunStarted:
		fmt.Printf("%s %s run %s: %s\n", ts, color.CyanString("▶"), ev.RunID, ev.Message)
	case orchestrator.EventBatchStarted:
		fmt.Printf("%s %s %s\n", ts, color.CyanString("≡"), ev.Message)
	case orchestrator.EventSpecStarted:
		fmt.Printf("%s   %s %s attempt %d (pid %d)\n", ts, color.CyanString("▶"), ev.SpecID, ev.Attempt, ev.PID)
	case orchestrator.EventSpecRetrying:
		fmt.Printf("%s   %s %s %s, retrying\n", ts, color.YellowString("↻"), ev.SpecID, ev.Message)
	case orchestrator.EventSpecCompleted:
		fmt.Printf("%s   %s %s completed in %s\n", ts, color.GreenString("✓"), ev.SpecID, formatDuration(ev.Duration))
	case orchestrator.EventSpecFailed:
		fmt.Printf("%s   %s %s failed: %s\n", ts, color.RedString("✗"), ev.SpecID, ev.Message)
	case orchestrator.EventSpecStopped:
		fmt.Printf("%s   %s %s stopped\n", ts, color.YellowString("■"), ev.SpecID)
	case orchestrator.EventStopRequested:
		fmt.Printf("%s %s stopping: %s\n", ts, color.YellowString("■"), ev.Message)
	case orchestrator.EventRunDone:
		fmt.Printf("%s %s run %s in %s\n", ts, runStatusColor(runStatusFromMessage(ev.Message)).Sprint("●"),
			ev.Message, formatDuration(ev.Duration))
	}
}

// runStatusFromMessage extracts the leading status word of a run_done message.
func runStatusFromMessage(msg string) models.RunStatus {
	status, _, _ := strings.Cut(msg, ":")
	return models.RunStatus(status)
}

// printSummary prints the final state of every spec.
func printSummary(snap *models.StatusSnapshot) {
	fmt.Println()
	fmt.Printf("Run %s: %s\n", snap.RunID, runStatusColor(snap.Status).Sprint(snap.Status))

	ids := make([]string, 0, len(snap.Specs))
	for id := range snap.Specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := snap.Specs[id]
		line := fmt.Sprintf("  %-24s %s", id, specStatusColor(st.Status).Sprint(st.Status))
		if st.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", st.Attempts)
		}
		if st.Error != "" && st.Status != models.SpecCompleted {
			line += color.HiBlackString("  %s", st.Error)
		}
		if st.LogPath != "" && st.Status == models.SpecFailed {
			line += color.HiBlackString("  log: %s", st.LogPath)
		}
		fmt.Println(line)
	}
}
