package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steadyws/internal/config"
	"steadyws/internal/report"
	"steadyws/internal/storage"
)

func TestWriteConfigRoundTrip(t *testing.T) {
	v := viper.New()
	v.Set(config.KeyURL, "ws://chat.internal/ws")
	v.Set(config.KeyStage, []string{"10s:20", "30s:20", "5s:0"})
	v.Set(config.KeyThreshold, []string{"connection_errors:rate<0.05:abort"})

	path := filepath.Join(t.TempDir(), "steadyws.yaml")
	require.NoError(t, writeConfig(v, path, false))

	want, err := config.Load(v)
	require.NoError(t, err)

	back := viper.New()
	back.SetConfigFile(path)
	require.NoError(t, back.ReadInConfig())
	got, err := config.Load(back)
	require.NoError(t, err)
	assert.Equal(t, "ws://chat.internal/ws", got.URL)
	assert.Equal(t, want.Stages, got.Stages)
	assert.Equal(t, want.Thresholds, got.Thresholds)
	assert.Equal(t, want.SendInterval, got.SendInterval)
}

func TestWriteConfigRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steadyws.yaml")
	require.NoError(t, os.WriteFile(path, []byte("url: ws://keep/ws\n"), 0o644))

	err := writeConfig(viper.New(), path, false)
	assert.ErrorContains(t, err, "already exists")

	require.NoError(t, writeConfig(viper.New(), path, true))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ws://keep/ws")
}

func TestPrintHistory(t *testing.T) {
	var empty bytes.Buffer
	printHistory(&empty, nil)
	assert.Equal(t, "No runs recorded yet.\n", empty.String())

	rep := report.New(config.Default(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rep.Status = report.StatusAborted
	rep.PeakVUs = 150
	item := storage.FromReport(rep)
	item.Summary.Passed = false
	item.Summary.Failed = []string{"connection_errors rate<0.01"}

	var out bytes.Buffer
	printHistory(&out, []storage.HistoryItem{item})
	text := out.String()
	assert.Contains(t, text, rep.ID)
	assert.Contains(t, text, string(report.StatusAborted))
	assert.Contains(t, text, "150")
	assert.Contains(t, text, "❌ connection_errors rate<0.01")
}
