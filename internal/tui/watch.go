package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// SnapshotMsg carries a new status snapshot into the watch TUI.
type SnapshotMsg struct {
	Snapshot *models.StatusSnapshot
}

// WatchDoneMsg is sent when the snapshot stream ends.
type WatchDoneMsg struct {
	Err error
}

// StopHandler is called when the user asks to stop the watched run.
type StopHandler func() error

// RunView renders one status snapshot.
type RunView struct {
	snap  *models.StatusSnapshot
	width int

	headerStyle   lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	dimStyle      lipgloss.Style
	statusStyles  map[models.SpecStatus]lipgloss.Style
}

// NewRunView creates a new RunView.
func NewRunView() *RunView {
	return &RunView{
		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		progressFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		dimStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		statusStyles: map[models.SpecStatus]lipgloss.Style{
			models.SpecNotStarted: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
			models.SpecRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
			models.SpecCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.SpecFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			models.SpecStopped:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		},
	}
}

// SetSnapshot replaces the rendered snapshot.
func (v *RunView) SetSnapshot(snap *models.StatusSnapshot) {
	v.snap = snap
}

// Snapshot returns the rendered snapshot.
func (v *RunView) Snapshot() *models.StatusSnapshot {
	return v.snap
}

// SetWidth sets the view width.
func (v *RunView) SetWidth(width int) {
	v.width = width
}

// StatusIcon returns the single character marker for a spec status.
func StatusIcon(status models.SpecStatus) string {
	switch status {
	case models.SpecRunning:
		return "▶"
	case models.SpecCompleted:
		return "✓"
	case models.SpecFailed:
		return "✗"
	case models.SpecStopped:
		return "■"
	default:
		return "·"
	}
}

// View renders the snapshot.
func (v *RunView) View() string {
	if v.snap == nil {
		return v.dimStyle.Render("Waiting for status...")
	}

	var b strings.Builder
	b.WriteString(v.headerStyle.Render("Run " + v.snap.RunID))
	b.WriteString("\n")

	b.WriteString(v.labelStyle.Render("Status:"))
	b.WriteString(v.valueStyle.Render(string(v.snap.Status)))
	b.WriteString("\n")

	b.WriteString(v.labelStyle.Render("Batch:"))
	b.WriteString(v.valueStyle.Render(fmt.Sprintf("%d/%d", v.snap.CurrentBatchIndex+1, v.snap.TotalBatches)))
	b.WriteString("\n")

	counts := v.snap.CountByStatus()
	total := len(v.snap.Specs)
	pct := float64(0)
	if total > 0 {
		pct = float64(counts[models.SpecCompleted]) / float64(total) * 100
	}
	b.WriteString(v.labelStyle.Render("Specs:"))
	b.WriteString(v.valueStyle.Render(fmt.Sprintf("%d/%d complete", counts[models.SpecCompleted], total)))
	b.WriteString(v.dimStyle.Render(fmt.Sprintf("  %d running, %d failed, %d stopped",
		counts[models.SpecRunning], counts[models.SpecFailed], counts[models.SpecStopped])))
	b.WriteString("\n")
	b.WriteString(v.renderProgressBar(pct, 30))
	b.WriteString("\n\n")

	for _, line := range v.specLines() {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// specLines renders one line per spec in batch order.
func (v *RunView) specLines() []string {
	var lines []string
	for _, id := range orderedSpecIDs(v.snap) {
		st := v.snap.Specs[id]
		style := v.statusStyles[st.Status]

		detail := ""
		switch {
		case st.Status == models.SpecRunning && st.PID > 0:
			detail = fmt.Sprintf("pid %d", st.PID)
			if st.StartedAt != nil {
				detail += ", " + formatDuration(time.Since(*st.StartedAt))
			}
		case st.Error != "":
			detail = st.Error
		}
		if st.Attempts > 1 {
			detail = strings.TrimSpace(fmt.Sprintf("attempt %d %s", st.Attempts, detail))
		}

		line := fmt.Sprintf("  %s %-24s %s",
			style.Render(StatusIcon(st.Status)),
			truncate(id, 24),
			style.Render(string(st.Status)))
		if detail != "" {
			line += "  " + v.dimStyle.Render(detail)
		}
		lines = append(lines, line)
	}
	return lines
}

func (v *RunView) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}

	filled := int(pct / 100 * float64(width))
	empty := width - filled

	bar := v.progressFull.Render(strings.Repeat("█", filled)) +
		v.progressEmpty.Render(strings.Repeat("░", empty))

	return fmt.Sprintf("  %s %.0f%%", bar, pct)
}

// orderedSpecIDs lists spec ids in batch order, then any remaining ids sorted.
func orderedSpecIDs(snap *models.StatusSnapshot) []string {
	seen := make(map[string]bool, len(snap.Specs))
	ids := make([]string, 0, len(snap.Specs))
	for _, batch := range snap.Batches {
		for _, id := range batch {
			if _, ok := snap.Specs[id]; ok && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	var rest []string
	for id := range snap.Specs {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}

// WatchApp is the bubbletea model for 'specbatch status --watch'.
type WatchApp struct {
	view     *RunView
	spinner  spinner.Model
	updates  <-chan *models.StatusSnapshot
	onStop   StopHandler
	notice   string
	width    int
	quitting bool
	done     bool
	err      error

	errorStyle lipgloss.Style
	doneStyle  lipgloss.Style
	hintStyle  lipgloss.Style
}

// NewWatchApp creates a WatchApp that reads snapshots from updates.
func NewWatchApp(updates <-chan *models.StatusSnapshot) *WatchApp {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &WatchApp{
		view:    NewRunView(),
		spinner: s,
		updates: updates,

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		doneStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")).
			Bold(true),

		hintStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// SetStopHandler enables the 's' key.
func (a *WatchApp) SetStopHandler(handler StopHandler) {
	a.onStop = handler
}

// Snapshot returns the most recent snapshot received.
func (a *WatchApp) Snapshot() *models.StatusSnapshot {
	return a.view.Snapshot()
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, waitForSnapshot(a.updates))
}

// waitForSnapshot reads the next snapshot from ch.
func waitForSnapshot(ch <-chan *models.StatusSnapshot) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return WatchDoneMsg{}
		}
		return SnapshotMsg{Snapshot: snap}
	}
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			a.quitting = true
			return a, tea.Quit
		case "s":
			a.requestStop()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.view.SetWidth(msg.Width)

	case SnapshotMsg:
		a.view.SetSnapshot(msg.Snapshot)
		if msg.Snapshot != nil && msg.Snapshot.Status.IsTerminal() {
			a.done = true
			return a, tea.Quit
		}
		return a, waitForSnapshot(a.updates)

	case WatchDoneMsg:
		a.done = true
		a.err = msg.Err
		return a, tea.Quit

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *WatchApp) requestStop() {
	if a.onStop == nil || a.done {
		return
	}
	a.notice = "stop requested"
	if err := a.onStop(); err != nil {
		a.notice = fmt.Sprintf("stop failed: %v", err)
	}
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	var b strings.Builder

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Render("=== specbatch ===")
	if !a.done {
		title = a.spinner.View() + " " + title
	}
	b.WriteString(title)
	b.WriteString("\n\n")
	b.WriteString(a.view.View())
	b.WriteString("\n")

	if a.notice != "" {
		b.WriteString(a.hintStyle.Render(a.notice))
		b.WriteString("\n")
	}

	switch {
	case a.err != nil:
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
	case a.done:
		b.WriteString(a.doneStyle.Render("Run finished."))
	case a.onStop != nil:
		b.WriteString(a.hintStyle.Render(fmt.Sprintf("Updated %s | s to stop the run | q to quit",
			a.updatedAt())))
	default:
		b.WriteString(a.hintStyle.Render("q to quit"))
	}
	b.WriteString("\n")
	return b.String()
}

func (a *WatchApp) updatedAt() string {
	snap := a.view.Snapshot()
	if snap == nil || snap.UpdatedAt.IsZero() {
		return "never"
	}
	return snap.UpdatedAt.Format(time.TimeOnly)
}

// NewWatchProgram creates a bubbletea program that renders snapshots from updates.
func NewWatchProgram(updates <-chan *models.StatusSnapshot) (*tea.Program, *WatchApp) {
	app := NewWatchApp(updates)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}
