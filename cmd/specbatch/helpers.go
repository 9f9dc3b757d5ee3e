package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/specbatch/internal/agent"
	"github.com/ShayCichocki/specbatch/internal/config"
	"github.com/ShayCichocki/specbatch/internal/orchestrator"
	"github.com/ShayCichocki/specbatch/internal/runstate"
	"github.com/ShayCichocki/specbatch/internal/state"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

// loadConfig loads configuration and applies the --state-dir override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if stateDirFlag != "" {
		cfg.State.Dir = stateDirFlag
	}
	return cfg, nil
}

// newOrchestrator builds an Orchestrator from cfg. Extra options are applied last.
func newOrchestrator(cfg *config.Config, extra ...orchestrator.Option) (*orchestrator.Orchestrator, error) {
	opts := []orchestrator.Option{
		orchestrator.WithArgs(cfg.Agent.Args),
		orchestrator.WithEnv(cfg.Agent.EnvMap()),
		orchestrator.WithPTY(cfg.Agent.PTY),
		orchestrator.WithAttemptTimeout(cfg.Agent.Timeout),
		orchestrator.WithGracePeriod(cfg.Stop.GracePeriod),
		orchestrator.WithAckTimeout(cfg.Stop.AckTimeout),
	}
	opts = append(opts, extra...)
	return orchestrator.New(orchestrator.RequiredConfig{
		StateDir: cfg.State.Dir,
		Command:  cfg.Agent.Command,
	}, opts...)
}

func runstateLayout(cfg *config.Config) runstate.Layout {
	return runstate.NewLayout(cfg.State.Dir)
}

// openHistory opens the run history database in the state directory and
// reconciles runs left open by coordinators that have exited.
func openHistory(layout runstate.Layout) (*state.DB, error) {
	db, err := state.Open(layout.DBPath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	recovered, err := state.NewRecoveryManager(db, agent.ProcessAlive).RecoverAll()
	if err != nil {
		log.Printf("[specbatch] warning: history recovery failed: %v", err)
	} else if recovered > 0 {
		log.Printf("[specbatch] marked %d interrupted runs as failed", recovered)
	}
	return db, nil
}

// openExistingHistory opens the history database only if a run has created it.
func openExistingHistory(layout runstate.Layout) (*state.DB, bool) {
	if _, err := os.Stat(layout.DBPath()); err != nil {
		return nil, false
	}
	db, err := openHistory(layout)
	if err != nil {
		log.Printf("[specbatch] warning: run history unavailable: %v", err)
		return nil, false
	}
	return db, true
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// runStatusColor returns the color used for a run status.
func runStatusColor(status models.RunStatus) *color.Color {
	switch status {
	case models.RunCompleted:
		return color.New(color.FgGreen, color.Bold)
	case models.RunFailed:
		return color.New(color.FgRed, color.Bold)
	case models.RunStopped:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgCyan, color.Bold)
	}
}

// specStatusColor returns the color used for a spec status.
func specStatusColor(status models.SpecStatus) *color.Color {
	switch status {
	case models.SpecCompleted:
		return color.New(color.FgGreen)
	case models.SpecFailed:
		return color.New(color.FgRed)
	case models.SpecStopped:
		return color.New(color.FgYellow)
	case models.SpecRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
