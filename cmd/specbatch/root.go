package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var stateDirFlag string

// CheckAgentCommand verifies that the configured worker executable can be found.
func CheckAgentCommand(command string) error {
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("worker command %q not found in PATH\n\n"+
			"Set the command to run for each spec with:\n"+
			"  specbatch config set agent.command <executable>\n\n"+
			"or in .specbatch.yaml:\n"+
			"  agent:\n"+
			"    command: <executable>", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "specbatch",
	Short: "Run spec workers in dependency-ordered batches",
	Long: `specbatch runs one worker process per spec, in batches computed from the
dependencies declared in a spec manifest.

Specs in a batch run concurrently, up to --parallel at a time. A batch starts
only after every spec of the previous batch completed. Failed attempts are
retried; a spec that exhausts its retries fails the run and no later batch
starts.

Run state lives in .specbatch/ so that 'specbatch status' and
'specbatch stop' work from any terminal in the project.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDirFlag, "state-dir", "", "State directory (default from config, .specbatch)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
