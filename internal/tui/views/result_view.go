package views

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"steadyws/internal/report"
	"steadyws/internal/tui/styles"
)

// ResultView shows a finished run: verdict header plus the printed summary
// in a scrollable viewport.
type ResultView struct {
	Report   *report.Report
	Viewport viewport.Model
	Notice   string

	Width  int
	Height int
}

func NewResultView(r *report.Report, width, height int) ResultView {
	m := ResultView{
		Report:   r,
		Viewport: viewport.New(max(width-6, 10), max(height-6, 5)),
		Width:    width,
		Height:   height,
	}
	m.Viewport.SetContent(m.body())
	return m
}

func (m ResultView) body() string {
	if m.Report == nil {
		return styles.Subtle.Render("No report.")
	}
	var buf bytes.Buffer
	report.Print(&buf, m.Report)
	return strings.TrimLeft(buf.String(), "\n")
}

func (m ResultView) Init() tea.Cmd {
	return nil
}

func (m ResultView) Update(msg tea.Msg) (ResultView, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Viewport.Width = max(msg.Width-6, 10)
		m.Viewport.Height = max(msg.Height-6, 5)
		m.Viewport.SetContent(m.body())
	}
	m.Viewport, cmd = m.Viewport.Update(msg)
	return m, cmd
}

func (m ResultView) View() string {
	s := strings.Builder{}
	if m.Report == nil {
		return styles.Subtle.Render("No report.")
	}

	title := "📊 Test Complete"
	switch m.Report.Status {
	case report.StatusAborted:
		title = "🛑 Test Aborted"
	case report.StatusInterrupted:
		title = "⏹  Test Interrupted"
	}
	s.WriteString(styles.Title.Render(title))
	s.WriteString("  ")
	s.WriteString(styles.StatusBadge(string(m.Report.Status)))
	s.WriteString("  ")
	s.WriteString(styles.Verdict(m.Report.Passed()))
	s.WriteString("\n")
	if failed := m.Report.FailedThresholds(); len(failed) > 0 {
		s.WriteString(styles.Error.Render(fmt.Sprintf("failed: %s", strings.Join(failed, ", "))))
		s.WriteString("\n")
	}
	if m.Notice != "" {
		s.WriteString(styles.Subtle.Render(m.Notice))
		s.WriteString("\n")
	}
	s.WriteString("\n")
	s.WriteString(m.Viewport.View())
	return s.String()
}
