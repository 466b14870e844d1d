// Package cli runs a load test headless, printing a progress line and the
// final summary to a terminal.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"steadyws/internal/config"
	"steadyws/internal/logger"
	"steadyws/internal/report"
	"steadyws/internal/runner"
	"steadyws/internal/storage"
)

// ExitThresholdsFailed is the process exit code when any threshold failed.
const ExitThresholdsFailed = 99

type Options struct {
	Out   io.Writer      // defaults to os.Stdout
	Store *storage.Store // nil disables history
}

type runResult struct {
	rep *report.Report
	err error
}

// Start runs r to completion, rendering progress from its snapshot channel.
func Start(ctx context.Context, r *runner.Runner, opts Options) (*report.Report, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	printHeader(out, r.Cfg)

	done := make(chan runResult, 1)
	go func() {
		rep, err := r.Run(ctx)
		done <- runResult{rep, err}
	}()

	for {
		select {
		case snap := <-r.Updates:
			fmt.Fprint(out, progressLine(snap))
		case res := <-done:
			if res.err != nil {
				return res.rep, res.err
			}
			report.Print(out, res.rep)
			Finish(out, res.rep, r.Cfg.OutPrefix, opts.Store)
			return res.rep, nil
		}
	}
}

// Finish writes the exports and the history entry for a finished run.
func Finish(out io.Writer, rep *report.Report, prefix string, store *storage.Store) {
	if prefix != "" {
		fmt.Fprintf(out, "\n💾 Generating reports with prefix: %s\n", prefix)
		paths, err := report.Export(rep, prefix)
		if err != nil {
			fmt.Fprintf(out, "❌ Export failed: %v\n", err)
		} else {
			fmt.Fprintf(out, "✅ Reports saved to %s\n", strings.Join(paths, ", "))
		}
	}
	if store != nil {
		if err := store.Save(storage.FromReport(rep)); err != nil {
			logger.Warn("history save failed", zap.Error(err))
		} else {
			fmt.Fprintf(out, "📜 Saved to history as %s\n", rep.ID)
		}
	}
}

// ExitCode maps a report to the process exit status.
func ExitCode(rep *report.Report) int {
	if rep == nil || rep.Passed() {
		return 0
	}
	return ExitThresholdsFailed
}

func printHeader(out io.Writer, cfg config.RunConfig) {
	fmt.Fprintf(out, "\n🚀 STARTING STEADYWS LOAD TEST\n")
	fmt.Fprintf(out, "======================================================================\n")
	fmt.Fprintf(out, "Target URL : %s\n", cfg.URL)
	fmt.Fprintf(out, "Room       : %s\n", cfg.Room)
	fmt.Fprintf(out, "Stages     : %s\n", formatStages(cfg.Stages))
	fmt.Fprintf(out, "Duration   : %s (max %d VUs)\n", cfg.TotalDuration(), cfg.EffectiveMaxVUs())
	fmt.Fprintf(out, "Messages   : every %s, sessions live %s\n", cfg.SendInterval, cfg.SessionTimeout)
	for _, t := range cfg.Thresholds {
		abort := ""
		if t.AbortOnFail {
			abort = " (abortOnFail)"
		}
		fmt.Fprintf(out, "Threshold  : %s %s%s\n", t.Metric, t.Expression, abort)
	}
	fmt.Fprintf(out, "======================================================================\n\n")
}

func formatStages(stages []config.Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = s.String()
	}
	return strings.Join(parts, " → ")
}

func progressLine(s runner.StatsSnapshot) string {
	pct := 0.0
	if s.Total > 0 {
		pct = float64(s.Elapsed) / float64(s.Total)
	}
	if pct > 1.0 {
		pct = 1.0
	}

	line := fmt.Sprintf("\r%s %3.0f%% | %s/%s | Stage %d/%d | VUs: %d/%d | Sent: %d | Recv: %d | Err: %.2f%% | p95: %.1fms",
		progressBar(pct, 20), pct*100,
		s.Elapsed.Round(time.Second), s.Total,
		s.Stage, s.Stages,
		s.VUs, s.Target,
		s.MsgsSent, s.MsgsReceived,
		s.ErrorRate*100,
		s.P95Ms,
	)
	if s.Closing > 0 {
		line += fmt.Sprintf(" | Closing: %d", s.Closing)
	}
	if s.Aborted {
		line += " | ABORTING"
	}
	return line + "   "
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}
