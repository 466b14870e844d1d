// Package runner wires one load run together: the ramp controller spawning
// sessions, the threshold evaluator watching the metrics, and the live
// snapshot stream feeding the CLI and dashboard.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"steadyws/internal/config"
	"steadyws/internal/logger"
	"steadyws/internal/ramp"
	"steadyws/internal/report"
	"steadyws/internal/session"
	"steadyws/internal/stats"
	"steadyws/internal/threshold"
)

const snapshotInterval = 200 * time.Millisecond

type Runner struct {
	Cfg       config.RunConfig
	Metrics   *stats.Collector
	Ramp      *ramp.Controller
	Evaluator *threshold.Evaluator
	Dialer    session.Dialer

	templates *session.TemplateEngine
	content   *template.Template
	log       *zap.Logger

	// Event Channel
	Updates StatsUpdateChan

	mu       sync.Mutex
	timeline []report.Point
	last     pointState
}

type pointState struct {
	second int
	sent   int64
	recv   int64
}

// NewRunner validates cfg and prepares every component. Nothing connects
// until Run is called.
func NewRunner(cfg config.RunConfig, updates StatsUpdateChan) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := stats.NewCollector()
	eval, err := threshold.New(m, cfg.Thresholds, cfg.ThresholdInterval)
	if err != nil {
		return nil, err
	}

	engine := session.NewTemplateEngine()
	var content *template.Template
	if cfg.Content != "" {
		content, err = engine.Parse("content", cfg.Content)
		if err != nil {
			return nil, fmt.Errorf("content template: %w", err)
		}
	}

	if updates == nil {
		// Avoid nil panics if not provided
		updates = make(StatsUpdateChan, 10)
	}

	r := &Runner{
		Cfg:       cfg,
		Metrics:   m,
		Evaluator: eval,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		templates: engine,
		content:   content,
		log:       logger.Named("runner"),
		Updates:   updates,
	}
	r.Ramp = ramp.New(ramp.OptionsFrom(cfg), r.newSession, m)
	return r, nil
}

func (r *Runner) newSession(vu ramp.VU) ramp.Worker {
	endpoint, err := r.Cfg.Endpoint(vu.Username)
	if err != nil {
		r.log.Error("endpoint", zap.Error(err))
		return nil
	}
	return session.New(session.Options{
		VU:             vu.ID,
		Username:       vu.Username,
		Room:           r.Cfg.Room,
		URL:            endpoint,
		SendInterval:   r.Cfg.SendInterval,
		Timeout:        r.Cfg.SessionTimeout,
		ConnectTimeout: r.Cfg.ConnectTimeout,
		CloseWait:      r.Cfg.CloseWait,
		LatencyMode:    r.Cfg.LatencyMode,
		Dialer:         r.Dialer,
		Metrics:        r.Metrics,
		Templates:      r.templates,
		Content:        r.content,
		ContentText:    r.Cfg.Content,
		OnClosing:      vu.Leaving,
	})
}

// Run blocks until the last stage has finished and every session is closed,
// or until the run is cancelled by ctx or by an abortOnFail threshold. The
// returned report is complete in every case; the error is only for failures
// that prevented the run from producing one.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	started := time.Now()
	rep := report.New(r.Cfg, started)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	loopCtx, stopLoops := context.WithCancel(runCtx)
	defer stopLoops()

	r.log.Info("run starting",
		zap.String("id", rep.ID),
		zap.String("url", r.Cfg.URL),
		zap.String("room", r.Cfg.Room),
		zap.Int("stages", len(r.Cfg.Stages)),
		zap.Duration("duration", r.Cfg.TotalDuration()),
		zap.Int("thresholds", r.Evaluator.Len()))

	var g errgroup.Group
	g.Go(func() error {
		defer stopLoops()
		err := r.Ramp.Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		r.Evaluator.Run(loopCtx, cancel)
		return nil
	})
	g.Go(func() error {
		r.tickLoop(loopCtx)
		return nil
	})
	err := g.Wait()

	cause := context.Cause(runCtx)
	abortTime := r.Evaluator.Last()
	results := r.Evaluator.Evaluate()
	if errors.Is(cause, threshold.ErrAborted) {
		// a breach that aborted the run stays failed in the report
		for i := range results {
			if i < len(abortTime) && !abortTime[i].Passed && abortTime[i].AbortOnFail {
				results[i] = abortTime[i]
			}
		}
	}

	r.recordPoint(time.Since(started), true)
	r.sendUpdate()

	rep.Duration = time.Since(started)
	rep.Thresholds = results
	rep.Metrics = r.Metrics.Summaries()
	rep.PeakVUs = int(r.Metrics.VUs.Max())
	r.mu.Lock()
	rep.Timeline = append([]report.Point(nil), r.timeline...)
	r.mu.Unlock()

	switch {
	case errors.Is(cause, threshold.ErrAborted):
		rep.Status = report.StatusAborted
		rep.AbortReason = cause.Error()
	case cause != nil:
		rep.Status = report.StatusInterrupted
		rep.AbortReason = cause.Error()
	default:
		rep.Status = report.StatusCompleted
	}

	r.log.Info("run finished",
		zap.String("status", string(rep.Status)),
		zap.Duration("duration", rep.Duration),
		zap.Int("peak_vus", rep.PeakVUs),
		zap.Bool("thresholds_passed", rep.Passed()))
	return rep, err
}

func (r *Runner) tickLoop(ctx context.Context) {
	start := time.Now()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.recordPoint(time.Since(start), false)
			r.sendUpdate()
		}
	}
}

// recordPoint appends a timeline point each time a whole second has passed.
// With final set it also records the trailing partial second.
func (r *Runner) recordPoint(elapsed time.Duration, final bool) {
	second := int(elapsed / time.Second)
	if final {
		second++
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if second <= r.last.second {
		return
	}

	m := r.Metrics
	sent, recv := m.MsgsSent.Value(), m.MsgsReceived.Value()
	_, target := r.Ramp.Progress()
	r.timeline = append(r.timeline, report.Point{
		Second:       second,
		VUs:          int(m.VUs.Value()),
		Target:       target,
		MsgsSent:     sent - r.last.sent,
		MsgsReceived: recv - r.last.recv,
		P95Ms:        m.BroadcastLatency.Percentile(95),
		ErrorRate:    m.ConnectionErrors.Rate(),
	})
	r.last = pointState{second: second, sent: sent, recv: recv}
}

// Snapshot captures the current run state.
func (r *Runner) Snapshot() StatsSnapshot {
	m := r.Metrics
	elapsed, target := r.Ramp.Progress()
	trues, total := m.ConnectionErrors.Counts()
	lat := m.BroadcastLatency.Snapshot()

	stage := 0
	if total > 0 || elapsed > 0 {
		stage = ramp.StageAt(r.Cfg.Stages, elapsed) + 1
		if stage > len(r.Cfg.Stages) {
			stage = len(r.Cfg.Stages)
		}
	}

	return StatsSnapshot{
		Elapsed:      elapsed,
		Total:        r.Ramp.TotalDuration(),
		Stage:        stage,
		Stages:       len(r.Cfg.Stages),
		VUs:          r.Ramp.Live(),
		Target:       target,
		Closing:      r.Ramp.Closing(),
		PeakVUs:      int(m.VUs.Max()),
		Sessions:     m.Sessions.Value(),
		MsgsSent:     m.MsgsSent.Value(),
		MsgsReceived: m.MsgsReceived.Value(),
		SendErrors:   m.SendErrors.Value(),
		ConnAttempts: total,
		ConnErrors:   trues,
		ErrorRate:    m.ConnectionErrors.Rate(),
		P50Ms:        lat.Med,
		P95Ms:        lat.P95,
		P99Ms:        lat.P99,
		MaxMs:        lat.Max,
		Samples:      lat.Count,
		Thresholds:   r.Evaluator.Last(),
		Aborted:      r.Evaluator.Aborted(),
	}
}

func (r *Runner) sendUpdate() {
	s := r.Snapshot()

	// Non-blocking send
	select {
	case r.Updates <- s:
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}
