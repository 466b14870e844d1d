package views

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"steadyws/internal/storage"
	"steadyws/internal/tui/styles"
)

type HistoryView struct {
	Store *storage.Store
	Table table.Model
	Items []storage.HistoryItem
	Err   error

	// Selected is set when enter is pressed; the parent consumes and clears it.
	Selected *storage.HistoryItem

	Width  int
	Height int
}

func NewHistoryView(store *storage.Store) HistoryView {
	columns := []table.Column{
		{Title: "Time", Width: 16},
		{Title: "Status", Width: 11},
		{Title: "URL", Width: 32},
		{Title: "Peak VUs", Width: 9},
		{Title: "Errors", Width: 8},
		{Title: "P95 (ms)", Width: 9},
		{Title: "Result", Width: 7},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10), // Will resize
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.ColorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(styles.ColorPrimary)

	s.Selected = s.Selected.
		Foreground(styles.ColorBg).
		Background(styles.ColorPrimary).
		Bold(true)

	t.SetStyles(s)

	m := HistoryView{
		Store: store,
		Table: t,
	}
	m.Refresh()
	return m
}

// Refresh reloads the runs from the store, newest first.
func (m *HistoryView) Refresh() {
	if m.Store == nil {
		return
	}

	m.Items, m.Err = m.Store.List()
	rows := make([]table.Row, len(m.Items))
	for i, item := range m.Items {
		result := "pass"
		if !item.Summary.Passed {
			result = "FAIL"
		}
		rows[i] = table.Row{
			item.Timestamp.Local().Format("01-02 15:04:05"),
			string(item.Summary.Status),
			item.Summary.URL,
			fmt.Sprintf("%d", item.Summary.PeakVUs),
			fmt.Sprintf("%.2f%%", item.Summary.ErrorRate*100),
			fmt.Sprintf("%.1f", item.Summary.P95LatencyMs),
			result,
		}
	}
	m.Table.SetRows(rows)
}

func (m HistoryView) Init() tea.Cmd {
	return nil
}

func (m HistoryView) Update(msg tea.Msg) (HistoryView, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetWidth(msg.Width - 4)
		m.Table.SetHeight(max(msg.Height-6, 3)) // Reserve space for header

	case tea.KeyMsg:
		if msg.String() == "enter" {
			if item := m.SelectedItem(); item != nil {
				m.Selected = item
				return m, nil
			}
		}
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m HistoryView) View() string {
	s := strings.Builder{}
	s.WriteString(styles.Title.Render("📜 Past Runs"))
	s.WriteString("\n\n")

	switch {
	case m.Err != nil:
		s.WriteString(styles.Error.Render(fmt.Sprintf("history unavailable: %v", m.Err)))
	case len(m.Table.Rows()) == 0:
		s.WriteString(styles.Subtle.Render("No history found.\nRun a test to generate data."))
	default:
		s.WriteString(styles.Box.Render(m.Table.View()))
	}
	s.WriteString("\n\n")
	s.WriteString(styles.Subtle.Render("[Enter] Open report"))
	return s.String()
}

func (m HistoryView) SelectedItem() *storage.HistoryItem {
	idx := m.Table.Cursor()
	if idx >= 0 && idx < len(m.Items) {
		item := m.Items[idx]
		return &item
	}
	return nil
}
