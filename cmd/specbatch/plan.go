package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/specbatch/internal/graph"
	"github.com/ShayCichocki/specbatch/pkg/models"
)

var (
	planManifest string
	planWithDeps bool
	planJSON     bool
)

var planCmd = &cobra.Command{
	Use:   "plan [spec-id...]",
	Short: "Show the batches a run would execute",
	Long: `Compute the execution batches for the manifest without starting anything.

Specs in the same batch have no dependency on each other and may run
concurrently. Dependency cycles and unknown dependencies are reported here
exactly as 'specbatch run' would report them.`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planManifest, "manifest", "f", "", "Spec manifest (default from config, specs.yaml)")
	planCmd.Flags().BoolVar(&planWithDeps, "with-deps", false, "Include the dependencies of the named specs")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the batches as JSON")
}

// planOutput is the JSON form of a plan.
type planOutput struct {
	Specs   int            `json:"specs"`
	Batches []models.Batch `json:"batches"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	specs, err := loadSpecs(cfg, planManifest, args, planWithDeps)
	if err != nil {
		return err
	}

	batches, err := graph.Plan(specs)
	if err != nil {
		return err
	}

	if planJSON {
		return printJSON(planOutput{Specs: len(specs), Batches: batches})
	}

	descriptions := make(map[string]string, len(specs))
	deps := make(map[string][]string, len(specs))
	for _, s := range specs {
		descriptions[s.ID] = s.Description
		deps[s.ID] = s.Dependencies
	}

	fmt.Printf("%d specs in %d batches\n\n", len(specs), len(batches))
	for i, batch := range batches {
		fmt.Println(color.New(color.Bold).Sprintf("Batch %d", i+1))
		for _, id := range batch {
			line := "  " + id
			if len(deps[id]) > 0 {
				line += color.HiBlackString("  <- %v", deps[id])
			}
			if d := descriptions[id]; d != "" {
				line += color.HiBlackString("  %s", d)
			}
			fmt.Println(line)
		}
	}
	return nil
}
