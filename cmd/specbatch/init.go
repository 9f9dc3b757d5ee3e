package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/config"
	"github.com/ShayCichocki/specbatch/internal/manifest"
	"github.com/ShayCichocki/specbatch/internal/runstate"
)

var (
	initForce    bool
	initNoIgnore bool
	initNoConfig bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a specbatch project",
	Long: `Initialize a directory for use with specbatch.

This command sets up:
  - the .specbatch state directory
  - a specs.yaml manifest template
  - a .specbatch.yaml project configuration template
  - .gitignore entries for run state

Existing files are never overwritten.

Examples:
  specbatch init              # Initialize current directory
  specbatch init ./myproject  # Initialize specific directory
  specbatch init --no-ignore  # Leave .gitignore alone`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initNoIgnore, "no-ignore", false, "Do not update .gitignore")
	initCmd.Flags().BoolVar(&initNoConfig, "no-config", false, "Do not create .specbatch.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing specbatch in %s...\n\n", absPath)

	layout := runstate.NewLayout(filepath.Join(absPath, runstate.DefaultDir))
	if _, err := os.Stat(layout.Root); err == nil && !initForce {
		fmt.Printf("Directory already initialized. Use --force to reinitialize.\n")
		return nil
	}

	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("creating %s: %w", runstate.DefaultDir, err)
	}
	printStatus("✓", "Created "+runstate.DefaultDir+" directory structure", color.FgGreen)

	created, err := writeIfMissing(filepath.Join(absPath, manifest.DefaultFile), manifestTemplate)
	if err != nil {
		return fmt.Errorf("creating manifest: %w", err)
	}
	if created {
		printStatus("✓", "Created "+manifest.DefaultFile+" template", color.FgGreen)
	} else {
		printStatus("·", manifest.DefaultFile+" already exists", color.FgHiBlack)
	}

	if !initNoConfig {
		created, err := writeIfMissing(filepath.Join(absPath, config.ProjectConfigName), projectConfigTemplate)
		if err != nil {
			return fmt.Errorf("creating project config: %w", err)
		}
		if created {
			printStatus("✓", "Created "+config.ProjectConfigName+" template", color.FgGreen)
		}
	}

	if !initNoIgnore {
		if err := updateGitignore(absPath); err != nil {
			return fmt.Errorf("updating .gitignore: %w", err)
		}
		printStatus("✓", "Updated .gitignore with specbatch entries", color.FgGreen)
	}

	fmt.Printf("\n%s specbatch initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	fmt.Println("  1. Declare your specs and their dependencies in " + manifest.DefaultFile)
	fmt.Println("  2. Set the worker command:")
	fmt.Println("     specbatch config --project agent.command <executable>")
	fmt.Println("  3. Check the batches, then run them:")
	fmt.Println("     specbatch plan")
	fmt.Println("     specbatch run")
	return nil
}

// writeIfMissing writes content to path unless the file exists.
func writeIfMissing(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return false, err
	}
	return true, nil
}

// updateGitignore appends the state directory to .gitignore if missing.
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existingContent string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existingContent = string(data)
	}

	entries := []string{
		runstate.DefaultDir + "/",
	}

	var missing []string
	for _, entry := range entries {
		if !strings.Contains(existingContent, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var newContent strings.Builder
	newContent.WriteString(existingContent)
	if len(existingContent) > 0 && !strings.HasSuffix(existingContent, "\n") {
		newContent.WriteString("\n")
	}
	newContent.WriteString("\n# specbatch\n")
	for _, entry := range missing {
		newContent.WriteString(entry + "\n")
	}

	return os.WriteFile(gitignorePath, []byte(newContent.String()), 0644)
}

const manifestTemplate = `# specbatch manifest
# Each spec runs as one worker process. A spec starts only after every spec
# it depends on completed.

specs:
  - id: example
    description: Replace with your first spec
  # - id: follow-up
  #   depends_on: [example]
`

const projectConfigTemplate = `# specbatch project configuration
# This file overrides defaults from ~/.config/specbatch/config.yaml

# agent:
#   command: claude
#   args: ["--print", "Implement spec {{spec}}"]
#   env:
#     - GITHUB_TOKEN=${GITHUB_TOKEN}
#   timeout: 30m

# defaults:
#   max_parallel: 3
#   max_retries: 2

# stop:
#   grace_period: 5s
#   ack_timeout: 10s
`
