// Package tui provides the terminal user interface for specbatch.
//
// The watch view is read-only apart from the 's' key, which asks the run to
// stop when a StopHandler is set. It renders each status snapshot as a
// progress bar and one line per spec in batch order.
//
// Usage:
//
//	updates, _ := orch.Watch(ctx, runID, time.Second)
//	program, app := tui.NewWatchProgram(updates)
//	app.SetStopHandler(func() error { ... })
//	program.Run()
package tui
