package views

import (
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steadyws/internal/config"
	"steadyws/internal/report"
	"steadyws/internal/runner"
	"steadyws/internal/storage"
	"steadyws/internal/threshold"
)

func TestPhase(t *testing.T) {
	stages := config.Default().Stages
	assert.Equal(t, "Starting", Phase(stages, 0))
	assert.Equal(t, "Ramp Up", Phase(stages, 1))
	assert.Equal(t, "Ramp Up", Phase(stages, 3))
	assert.Equal(t, "Steady State", Phase(stages, 4))
	assert.Equal(t, "Ramp Down", Phase(stages, 5))
	assert.Equal(t, "Starting", Phase(stages, 6))
}

func TestDashboardView(t *testing.T) {
	d := NewDashboardView(config.Default(), 140, 60)
	d, _ = d.Update(runner.StatsSnapshot{
		Elapsed: 45 * time.Second, Total: 4 * time.Minute,
		Stage: 2, Stages: 5, VUs: 180, Target: 190,
		P95Ms: 42, ErrorRate: 0.002,
		Thresholds: []threshold.Result{
			{Metric: "broadcast_latency", Expression: "p(95)<500", Passed: true, Evaluated: true, Observed: 42, AbortOnFail: true},
			{Metric: "connection_errors", Expression: "rate<0.01", Passed: true},
		},
	})

	out := d.View()
	assert.Contains(t, out, "Stage 2/5")
	assert.Contains(t, out, "Ramp Up")
	assert.Contains(t, out, "broadcast_latency p(95)<500 = 42")
	assert.Contains(t, out, "no samples")
	assert.Equal(t, 180.0, d.VUsLine.Last())
}

func TestHistoryViewSelect(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)
	defer store.Close()

	older := report.New(config.Default(), time.Now().Add(-time.Hour))
	newer := report.New(config.Default(), time.Now())
	require.NoError(t, store.Save(storage.FromReport(older)))
	require.NoError(t, store.Save(storage.FromReport(newer)))

	h := NewHistoryView(store)
	require.Len(t, h.Table.Rows(), 2)

	h, _ = h.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, h.Selected)
	assert.Equal(t, newer.ID, h.Selected.ID)
}

func TestResultView(t *testing.T) {
	rep := report.New(config.Default(), time.Now())
	rep.Status = report.StatusInterrupted
	rep.PeakVUs = 7

	v := NewResultView(rep, 100, 40)
	out := v.View()
	assert.Contains(t, out, "Test Interrupted")
	assert.Contains(t, out, "Peak VUs       : 7")
}
