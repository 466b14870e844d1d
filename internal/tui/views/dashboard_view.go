package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"steadyws/internal/config"
	"steadyws/internal/runner"
	"steadyws/internal/tui/components"
	"steadyws/internal/tui/styles"
)

type DashboardView struct {
	Stats    runner.StatsSnapshot
	Viewport viewport.Model
	Progress progress.Model
	Config   config.RunConfig

	VUsLine     components.Sparkline
	LatencyLine components.Sparkline
	MsgsLine    components.Sparkline

	LastUpdate time.Time
	lastRecv   int64

	Width  int
	Height int
}

func NewDashboardView(cfg config.RunConfig, width, height int) DashboardView {
	// Gradient Progress Bar
	prog := progress.New(
		progress.WithGradient("#7D56F4", "#04B575"),
		progress.WithWidth(max(width-10, 10)),
		progress.WithoutPercentage(),
	)

	half := max(width/2-8, 10)
	return DashboardView{
		Viewport:    viewport.New(max(width-6, 10), max(height-8, 5)),
		Progress:    prog,
		Config:      cfg,
		VUsLine:     components.NewSparkline(half, "VUs", "", styles.Active),
		LatencyLine: components.NewSparkline(half, "p95 latency", "ms", styles.Warn),
		MsgsLine:    components.NewSparkline(half, "received/s", "", styles.Value),
		LastUpdate:  time.Now(),
		Width:       width,
		Height:      height,
	}
}

func (m DashboardView) Init() tea.Cmd {
	return nil
}

func (m DashboardView) Update(msg tea.Msg) (DashboardView, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case runner.StatsSnapshot:
		now := time.Now()
		dt := now.Sub(m.LastUpdate).Seconds()
		if dt < 0.01 {
			dt = 0.01
		}
		m.VUsLine.Add(float64(msg.VUs))
		m.LatencyLine.Add(msg.P95Ms)
		m.MsgsLine.Add(float64(msg.MsgsReceived-m.lastRecv) / dt)

		m.Stats = msg
		m.lastRecv = msg.MsgsReceived
		m.LastUpdate = now

		pct := 0.0
		if msg.Total > 0 {
			pct = float64(msg.Elapsed) / float64(msg.Total)
		}
		if pct > 1.0 {
			pct = 1.0
		}
		cmds = append(cmds, m.Progress.SetPercent(pct))

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Progress.Width = max(msg.Width-10, 10)
		m.Viewport.Width = max(msg.Width-6, 10)
		m.Viewport.Height = max(msg.Height-8, 5)

		half := max(msg.Width/2-8, 10)
		m.VUsLine.Width = half
		m.LatencyLine.Width = half
		m.MsgsLine.Width = half

	case progress.FrameMsg:
		newModel, cmd := m.Progress.Update(msg)
		if newModel, ok := newModel.(progress.Model); ok {
			m.Progress = newModel
		}
		cmds = append(cmds, cmd)
	}

	m.Viewport, cmd = m.Viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// Phase names what the ramp is doing in the current stage.
func Phase(stages []config.Stage, stage int) string {
	if stage <= 0 || stage > len(stages) {
		return "Starting"
	}
	from := 0
	if stage > 1 {
		from = stages[stage-2].Target
	}
	to := stages[stage-1].Target
	switch {
	case to > from:
		return "Ramp Up"
	case to < from:
		return "Ramp Down"
	}
	return "Steady State"
}

func (m DashboardView) View() string {
	s := strings.Builder{}
	st := m.Stats

	// --- Header ---
	remaining := st.Total - st.Elapsed
	if remaining < 0 {
		remaining = 0
	}
	phase := Phase(m.Config.Stages, st.Stage)
	if st.Aborted {
		phase = "Aborting"
	}

	timer := fmt.Sprintf("%s / %s left", st.Elapsed.Round(time.Second), remaining.Round(time.Second))
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		styles.Title.Render("⚡ Testing in Progress"),
		lipgloss.NewStyle().MarginLeft(2).Foreground(styles.ColorSubtle).Render(timer),
		lipgloss.NewStyle().MarginLeft(4).Foreground(styles.ColorPrimary).Bold(true).
			Render(fmt.Sprintf("[Stage %d/%d]", st.Stage, st.Stages)),
		lipgloss.NewStyle().MarginLeft(1).Render(styles.PhaseBadge(phase)),
	)
	s.WriteString(header)
	s.WriteString("\n")
	s.WriteString(styles.Subtle.Render(fmt.Sprintf("%s  room=%s", m.Config.URL, m.Config.Room)))
	s.WriteString("\n\n")

	// --- Progress ---
	s.WriteString(m.Progress.View())
	s.WriteString("\n\n")

	// --- Metrics Grid ---
	// Row 1: VUs
	row1 := lipgloss.JoinHorizontal(lipgloss.Top,
		MakeCard("VUs", styles.Value.Render(fmt.Sprintf("%d", st.VUs))),
		MakeCard("Target", styles.Subtle.Render(fmt.Sprintf("%d", st.Target))),
		MakeCard("Closing", styles.Text.Render(fmt.Sprintf("%d", st.Closing))),
		MakeCard("Peak", styles.Active.Render(fmt.Sprintf("%d", st.PeakVUs))),
	)
	s.WriteString(row1)
	s.WriteString("\n")

	// Row 2: Broadcast latency
	row2 := lipgloss.JoinHorizontal(lipgloss.Top,
		MakeCard("P50 Latency", styles.Text.Render(fmt.Sprintf("%.1f ms", st.P50Ms))),
		MakeCard("P95 Latency", styles.Warn.Render(fmt.Sprintf("%.1f ms", st.P95Ms))),
		MakeCard("P99 Latency", styles.Error.Render(fmt.Sprintf("%.1f ms", st.P99Ms))),
		MakeCard("Max Latency", styles.Text.Render(fmt.Sprintf("%.1f ms", st.MaxMs))),
	)
	s.WriteString(row2)
	s.WriteString("\n")

	// Row 3: Traffic and errors
	errColor := styles.RateStyle(st.ErrorRate)
	row3 := lipgloss.JoinHorizontal(lipgloss.Top,
		MakeCard("Sent", styles.Value.Render(fmt.Sprintf("%d", st.MsgsSent))),
		MakeCard("Received", styles.Value.Render(fmt.Sprintf("%d", st.MsgsReceived))),
		MakeCard("Conn Errors", errColor.Render(fmt.Sprintf("%d/%d", st.ConnErrors, st.ConnAttempts))),
		MakeCard("Error Rate", errColor.Render(fmt.Sprintf("%.2f%%", st.ErrorRate*100))),
	)
	s.WriteString(row3)
	s.WriteString("\n\n")

	// --- Sparklines ---
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.VUsLine.View()),
		styles.Box.Render(m.LatencyLine.View()),
	))
	s.WriteString("\n")
	s.WriteString(styles.Box.Render(m.MsgsLine.View()))
	s.WriteString("\n\n")

	// --- Thresholds ---
	if len(st.Thresholds) > 0 {
		s.WriteString(styles.Subtle.Render("Thresholds"))
		s.WriteString("\n")
		for _, t := range st.Thresholds {
			observed := "no samples"
			if t.Evaluated {
				observed = fmt.Sprintf("%.4g", t.Observed)
			}
			abort := ""
			if t.AbortOnFail {
				abort = styles.Subtle.Render(" abortOnFail")
			}
			s.WriteString(fmt.Sprintf("%s  %s %s = %s%s\n",
				styles.Verdict(t.Passed), t.Metric, t.Expression, observed, abort))
		}
	}
	if st.SendErrors > 0 {
		s.WriteString("\n")
		s.WriteString(styles.Error.Render(fmt.Sprintf("%d send errors", st.SendErrors)))
		s.WriteString("\n")
	}

	content := styles.Panel.Width(max(m.Width-6, 20)).Render(s.String())
	m.Viewport.SetContent(content)

	return m.Viewport.View()
}

func MakeCard(title, value string) string {
	return styles.Box.Width(18).Align(lipgloss.Center).Render(
		fmt.Sprintf("%s\n%s", styles.Subtle.Render(title), value),
	)
}
