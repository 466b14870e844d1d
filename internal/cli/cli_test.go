package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steadyws/internal/config"
	"steadyws/internal/dummy"
	"steadyws/internal/report"
	"steadyws/internal/runner"
	"steadyws/internal/storage"
	"steadyws/internal/threshold"
)

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[----------]", progressBar(0, 10))
	assert.Equal(t, "[█████-----]", progressBar(0.5, 10))
	assert.Equal(t, "[██████████]", progressBar(1.7, 10))
	assert.Equal(t, "[----------]", progressBar(-1, 10))
}

func TestProgressLine(t *testing.T) {
	line := progressLine(runner.StatsSnapshot{
		Elapsed:      30 * time.Second,
		Total:        time.Minute,
		Stage:        2,
		Stages:       3,
		VUs:          40,
		Target:       42,
		Closing:      3,
		MsgsSent:     1200,
		MsgsReceived: 48000,
		ErrorRate:    0.005,
		P95Ms:        87.31,
		Aborted:      true,
	})

	assert.True(t, strings.HasPrefix(line, "\r[██████████----------]  50%"))
	assert.Contains(t, line, "Stage 2/3")
	assert.Contains(t, line, "VUs: 40/42")
	assert.Contains(t, line, "Err: 0.50%")
	assert.Contains(t, line, "p95: 87.3ms")
	assert.Contains(t, line, "Closing: 3")
	assert.Contains(t, line, "ABORTING")
}

func TestExitCode(t *testing.T) {
	rep := report.New(config.Default(), time.Now())
	rep.Thresholds = []threshold.Result{{Metric: "connection_errors", Expression: "rate<0.01", Passed: true}}
	assert.Equal(t, 0, ExitCode(rep))

	rep.Thresholds[0].Passed = false
	assert.Equal(t, ExitThresholdsFailed, ExitCode(rep))
	assert.Equal(t, 0, ExitCode(nil))
}

func TestStartHeadless(t *testing.T) {
	target := dummy.New(dummy.ServerConfig{})
	srv := httptest.NewServer(target)
	defer func() {
		target.Close()
		srv.Close()
	}()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	cfg.Stages = []config.Stage{{Duration: 0, Target: 2}, {Duration: 800 * time.Millisecond, Target: 2}}
	cfg.SendInterval = 100 * time.Millisecond
	cfg.Tick = 50 * time.Millisecond
	cfg.ThresholdInterval = 100 * time.Millisecond
	cfg.CloseWait = 100 * time.Millisecond
	cfg.OutPrefix = filepath.Join(dir, "run")

	store, err := storage.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	defer store.Close()

	r, err := runner.NewRunner(cfg, make(runner.StatsUpdateChan, 100))
	require.NoError(t, err)

	var out bytes.Buffer
	rep, err := Start(context.Background(), r, Options{Out: &out, Store: store})
	require.NoError(t, err)
	require.NotNil(t, rep)

	text := out.String()
	assert.Contains(t, text, "🚀 STARTING STEADYWS LOAD TEST")
	assert.Contains(t, text, "Threshold  : broadcast_latency p(95)<500 (abortOnFail)")
	assert.Contains(t, text, "📊 LOAD TEST RESULTS")
	assert.Contains(t, text, "Saved to history as "+rep.ID)
	assert.Equal(t, 0, ExitCode(rep))

	_, err = os.Stat(cfg.OutPrefix + ".json")
	assert.NoError(t, err)
	_, err = os.Stat(cfg.OutPrefix + "_timeline.csv")
	assert.NoError(t, err)

	item, err := store.Get(rep.ID)
	require.NoError(t, err)
	assert.Equal(t, report.StatusCompleted, item.Summary.Status)
}
