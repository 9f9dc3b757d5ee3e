package graph

import (
	"sort"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// ComputeBatches layers the graph into batches using Kahn's algorithm.
// Every spec appears in exactly one batch, and for every edge a -> b
// (b depends on a) the batch holding a comes strictly before the one holding b.
// Batch members are sorted by id for presentation only.
// Returns a *CycleError if the graph cannot be fully layered.
func ComputeBatches(g *DependencyGraph) ([]models.Batch, error) {
	remaining := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		remaining[id] = len(g.edges[id])
	}

	var ready []string
	for _, id := range g.order {
		if remaining[id] == 0 {
			ready = append(ready, id)
		}
	}

	var batches []models.Batch
	placed := 0
	for len(ready) > 0 {
		batch := models.Batch(ready)
		sort.Strings(batch)
		batches = append(batches, batch)
		placed += len(batch)

		var next []string
		for _, id := range batch {
			for _, dependent := range g.dependents[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if placed < len(g.nodes) {
		path := g.DetectCycle()
		if len(path) == 0 {
			// Layering stalled without a DFS back edge; report what is left.
			for _, id := range g.order {
				if remaining[id] > 0 {
					path = append(path, id)
				}
			}
		}
		g.debugLog("[graph.ComputeBatches] stalled after %d of %d specs", placed, len(g.nodes))
		return nil, &CycleError{Path: path}
	}

	g.debugLog("[graph.ComputeBatches] %d specs in %d batches: %v", placed, len(batches), batches)
	return batches, nil
}

// Plan builds the graph, rejects cycles and computes batches in one step.
// It never has side effects and is safe for dry runs.
func Plan(specs []models.SpecNode, opts ...Option) ([]models.Batch, error) {
	g, err := Build(specs, opts...)
	if err != nil {
		return nil, err
	}
	if path := g.DetectCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	return ComputeBatches(g)
}

// BatchIndex maps every spec id to the index of the batch containing it.
func BatchIndex(batches []models.Batch) map[string]int {
	index := make(map[string]int)
	for i, batch := range batches {
		for _, id := range batch {
			index[id] = i
		}
	}
	return index
}
