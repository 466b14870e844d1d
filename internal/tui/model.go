// Package tui runs a load test under the live bubbletea dashboard.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"steadyws/internal/report"
	"steadyws/internal/runner"
	"steadyws/internal/storage"
	"steadyws/internal/tui/app"
)

// Run shows the dashboard while r runs and returns once the user quits
// after the run has ended.
func Run(ctx context.Context, r *runner.Runner, store *storage.Store) (*report.Report, error) {
	m := app.NewModel(ctx, r, store)
	p := tea.NewProgram(m, tea.WithAltScreen())

	final, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	fm, ok := final.(app.Model)
	if !ok {
		return nil, fmt.Errorf("dashboard: unexpected model %T", final)
	}
	return fm.Report, fm.Err
}
