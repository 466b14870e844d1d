package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"steadyws/internal/report"
	"steadyws/internal/runner"
	"steadyws/internal/storage"
	"steadyws/internal/tui/styles"
	"steadyws/internal/tui/views"
)

// ErrInterrupted is the cancellation cause when the user stops a run from the dashboard.
var ErrInterrupted = errors.New("run stopped from dashboard")

type ClearStatusMsg struct{}

func clearStatusCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(_ time.Time) tea.Msg {
		return ClearStatusMsg{}
	})
}

// View Enum
type ViewID int

const (
	ViewDashboard ViewID = iota
	ViewResult
	ViewHistory
)

type StatsMsg runner.StatsSnapshot

// DoneMsg carries the runner's result once Run returns.
type DoneMsg struct {
	Report *report.Report
	Err    error
}

type Model struct {
	Runner  *runner.Runner
	Store   *storage.Store
	Updates runner.StatsUpdateChan

	// Core State
	RunActive bool
	RunCtx    context.Context
	RunCancel context.CancelCauseFunc
	Report    *report.Report
	Err       error

	// Layout
	Width  int
	Height int

	CurrentView ViewID
	MenuItems   []string

	DashView    views.DashboardView
	ResultView  views.ResultView
	HistoryView views.HistoryView

	// Feedback
	StatusMsg string
}

func NewModel(ctx context.Context, r *runner.Runner, store *storage.Store) Model {
	runCtx, cancel := context.WithCancelCause(ctx)
	return Model{
		Runner:      r,
		Updates:     r.Updates,
		Store:       store,
		RunActive:   true,
		RunCtx:      runCtx,
		RunCancel:   cancel,
		CurrentView: ViewDashboard,
		MenuItems:   []string{"[1] Dashboard", "[2] Result", "[3] History"},
		DashView:    views.NewDashboardView(r.Cfg, 80, 24),
		ResultView:  views.NewResultView(nil, 80, 24),
		HistoryView: views.NewHistoryView(store),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		startRun(m.RunCtx, m.Runner),
		waitForUpdate(m.Updates),
	)
}

func startRun(ctx context.Context, r *runner.Runner) tea.Cmd {
	return func() tea.Msg {
		rep, err := r.Run(ctx)
		return DoneMsg{Report: rep, Err: err}
	}
}

func waitForUpdate(sub runner.StatsUpdateChan) tea.Cmd {
	return func() tea.Msg {
		return StatsMsg(<-sub)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case ClearStatusMsg:
		m.StatusMsg = ""
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.RunActive {
				m.RunCancel(ErrInterrupted)
				m.StatusMsg = "Stopping run, closing sessions..."
				return m, nil
			}
			return m, tea.Quit

		case "1":
			m.CurrentView = ViewDashboard
			return m, nil
		case "2":
			m.CurrentView = ViewResult
			return m, nil
		case "3", "ctrl+h":
			m.HistoryView.Refresh()
			m.CurrentView = ViewHistory
			return m, nil

		case "tab":
			m.CurrentView = (m.CurrentView + 1) % 3
			if m.CurrentView == ViewHistory {
				m.HistoryView.Refresh()
			}
			return m, nil

		case "p": // Export
			rep := m.ResultView.Report
			if m.CurrentView == ViewHistory {
				if item := m.HistoryView.SelectedItem(); item != nil {
					rep = item.Report
				}
			}
			m.StatusMsg = exportReport(rep)
			return m, clearStatusCmd()
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		inner := tea.WindowSizeMsg{Width: m.Width, Height: m.Height - 7}

		m.DashView, _ = m.DashView.Update(inner)
		m.ResultView, _ = m.ResultView.Update(inner)
		m.HistoryView, _ = m.HistoryView.Update(inner)
		return m, nil

	case StatsMsg:
		var c tea.Cmd
		m.DashView, c = m.DashView.Update(runner.StatsSnapshot(msg))
		cmds = append(cmds, c)
		if m.RunActive {
			cmds = append(cmds, waitForUpdate(m.Updates))
		}
		return m, tea.Batch(cmds...)

	case DoneMsg:
		m.RunActive = false
		m.Report = msg.Report
		m.Err = msg.Err
		if msg.Report != nil {
			m.ResultView = views.NewResultView(msg.Report, m.Width, m.Height-7)
			m.ResultView.Notice = m.finish(msg.Report)
			m.CurrentView = ViewResult
			m.HistoryView.Refresh()
		}
		return m, nil
	}

	// Forward everything else (progress frames, scrolling) to the active view
	var c tea.Cmd
	switch m.CurrentView {
	case ViewDashboard:
		m.DashView, c = m.DashView.Update(msg)
	case ViewResult:
		m.ResultView, c = m.ResultView.Update(msg)
	case ViewHistory:
		m.HistoryView, c = m.HistoryView.Update(msg)
		if item := m.HistoryView.Selected; item != nil {
			m.HistoryView.Selected = nil
			if item.Report != nil {
				m.ResultView = views.NewResultView(item.Report, m.Width, m.Height-7)
				m.CurrentView = ViewResult
			}
		}
	}
	if _, ok := msg.(tea.KeyMsg); !ok && m.CurrentView != ViewDashboard {
		// keep the progress bar animating while another view is shown
		var dc tea.Cmd
		m.DashView, dc = m.DashView.Update(msg)
		cmds = append(cmds, dc)
	}
	cmds = append(cmds, c)

	return m, tea.Batch(cmds...)
}

// finish exports and stores the report, returning a one-line notice.
func (m Model) finish(rep *report.Report) string {
	var notes []string
	if prefix := m.Runner.Cfg.OutPrefix; prefix != "" {
		if paths, err := report.Export(rep, prefix); err != nil {
			notes = append(notes, fmt.Sprintf("export failed: %v", err))
		} else {
			notes = append(notes, "saved "+strings.Join(paths, ", "))
		}
	}
	if m.Store != nil {
		if err := m.Store.Save(storage.FromReport(rep)); err != nil {
			notes = append(notes, fmt.Sprintf("history save failed: %v", err))
		} else {
			notes = append(notes, "history saved")
		}
	}
	return strings.Join(notes, " · ")
}

func exportReport(rep *report.Report) string {
	if rep == nil {
		return "No report to export yet."
	}
	base := fmt.Sprintf("steadyws_report_%s", rep.ID)
	paths, err := report.Export(rep, base)
	if err != nil {
		return fmt.Sprintf("Export Failed: %v", err)
	}
	return "Exported to " + strings.Join(paths, ", ")
}

func (m Model) View() string {
	if m.Width == 0 {
		return "Loading..."
	}

	nav := strings.Builder{}
	for i, item := range m.MenuItems {
		if ViewID(i) == m.CurrentView {
			nav.WriteString(styles.TabActive.Render(item))
		} else {
			nav.WriteString(styles.TabBase.Render(item))
		}
	}
	navBar := styles.FooterBase.Width(m.Width).Render(nav.String())

	contentStr := ""
	switch m.CurrentView {
	case ViewDashboard:
		contentStr = m.DashView.View()
	case ViewResult:
		if m.ResultView.Report == nil {
			contentStr = styles.Subtle.Render("Run in progress. The report appears here when it ends.")
		} else {
			contentStr = m.ResultView.View()
		}
	case ViewHistory:
		contentStr = m.HistoryView.View()
	}

	content := styles.Panel.Width(m.Width - 2).Height(m.Height - 6).Render(contentStr)

	keys := []string{
		styles.RenderKey("Tab", "View"),
		styles.RenderKey("↑/↓", "Scroll"),
		styles.RenderKey("P", "Export"),
	}
	if m.RunActive {
		keys = append(keys, styles.RenderKey("Q", "Stop run"))
	} else {
		keys = append(keys, styles.RenderKey("Q", "Quit"))
	}
	footer := styles.FooterBase.Width(m.Width).Render(strings.Join(keys, "   "))

	if m.StatusMsg != "" {
		status := styles.Box.BorderForeground(styles.ColorHighlight).Render(m.StatusMsg)
		return lipgloss.JoinVertical(lipgloss.Left, navBar, content, status, footer)
	}

	return lipgloss.JoinVertical(lipgloss.Left, navBar, content, footer)
}
