// Package orchestrator runs a set of specs as batches of worker processes.
//
// The orchestrator package provides functionality for:
//   - Planning: building the dependency graph and layering it into batches
//   - Dispatch: spawning up to MaxParallel workers per batch with bounded retries
//   - Control: stopping a run from the coordinating process or from another one
//
// Progress is persisted as a status snapshot after every spec transition so
// that a separate process can observe the run without sharing memory with it.
//
// Example usage:
//
//	o, err := orchestrator.New(orchestrator.RequiredConfig{
//		StateDir: ".specbatch",
//		Command:  "claude",
//	}, orchestrator.WithArgs([]string{"--print", "Implement spec {{spec}}"}))
//	snap, err := o.Run(ctx, specs, orchestrator.RunOptions{MaxParallel: 3, MaxRetries: 2})
package orchestrator
