// Package graph provides the spec dependency graph and batch layering.
package graph

import (
	"strings"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// DependencyGraph represents a directed graph of spec dependencies.
// Specs are nodes, and edges represent "blocked by" relationships.
// A graph is immutable once built.
type DependencyGraph struct {
	// nodes maps spec ID to the spec itself.
	nodes map[string]models.SpecNode
	// order preserves the caller's declaration order for deterministic traversal.
	order []string
	// edges maps spec ID to IDs of specs it depends on (is blocked by).
	edges map[string][]string
	// dependents is the reverse adjacency of edges.
	dependents map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// Option configures graph construction.
type Option func(*DependencyGraph)

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(g *DependencyGraph) {
		if fn != nil {
			g.debugLog = fn
		}
	}
}

// Build constructs the dependency graph from a slice of specs.
// Returns an *UnknownDependencyError if a dependency references a spec outside
// the set. Cycles are not rejected here; use DetectCycle or ComputeBatches.
func Build(specs []models.SpecNode, opts ...Option) (*DependencyGraph, error) {
	g := &DependencyGraph{
		nodes:      make(map[string]models.SpecNode, len(specs)),
		edges:      make(map[string][]string, len(specs)),
		dependents: make(map[string][]string, len(specs)),
		debugLog:   func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(g)
	}

	g.debugLog("[graph.Build] building graph from %d specs", len(specs))

	// First pass: register all specs as nodes.
	for _, spec := range specs {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return nil, invalidf("spec id is empty")
		}
		if _, exists := g.nodes[id]; exists {
			return nil, invalidf("duplicate spec id %q", id)
		}
		spec.ID = id
		g.nodes[id] = spec
		g.order = append(g.order, id)
		g.edges[id] = nil
	}

	// Second pass: build edges, ignoring repeated dependency ids.
	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, depID := range g.nodes[id].Dependencies {
			depID = strings.TrimSpace(depID)
			if _, exists := g.nodes[depID]; !exists {
				return nil, &UnknownDependencyError{SpecID: id, DependencyID: depID}
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[id] = append(g.edges[id], depID)
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	g.debugLog("[graph.Build] graph built with %d nodes, edges: %v", len(g.nodes), g.edges)
	return g, nil
}

// DetectCycle returns the first cycle found by a depth-first walk over
// dependency edges, or nil if the graph is acyclic. The returned path starts
// and ends with the same spec id, e.g. [A B A].
func (g *DependencyGraph) DetectCycle() []string {
	// Color states: 0 = white (unvisited), 1 = gray (on the active path), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		path = append(path, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the active path from depID and close it.
				for i, p := range path {
					if p == depID {
						cycle = append(append([]string{}, path[i:]...), depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			g.debugLog("[graph.DetectCycle] cycle found: %v", cycle)
			return cycle
		}
	}
	return nil
}

// Has reports whether the spec id is part of the graph.
func (g *DependencyGraph) Has(specID string) bool {
	_, ok := g.nodes[specID]
	return ok
}

// Spec returns the node for a given ID.
func (g *DependencyGraph) Spec(specID string) (models.SpecNode, bool) {
	spec, ok := g.nodes[specID]
	return spec, ok
}

// IDs returns every spec id in declaration order.
func (g *DependencyGraph) IDs() []string {
	return append([]string(nil), g.order...)
}

// Size returns the number of specs in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the IDs of specs that the given spec depends on.
func (g *DependencyGraph) Dependencies(specID string) []string {
	return append([]string(nil), g.edges[specID]...)
}

// Dependents returns the IDs of specs that depend on the given spec.
func (g *DependencyGraph) Dependents(specID string) []string {
	return append([]string(nil), g.dependents[specID]...)
}
