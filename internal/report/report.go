// Package report holds the final outcome of a run and its exports.
package report

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"steadyws/internal/config"
	"steadyws/internal/threshold"
)

// Status is how a run ended.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusAborted     Status = "aborted"
	StatusInterrupted Status = "interrupted"
)

// Point is one second of the run timeline.
type Point struct {
	Second       int     `json:"second"`
	VUs          int     `json:"vus"`
	Target       int     `json:"target"`
	MsgsSent     int64   `json:"msgs_sent"`
	MsgsReceived int64   `json:"msgs_received"`
	P95Ms        float64 `json:"p95_ms"`
	ErrorRate    float64 `json:"error_rate"`
}

// Report is the final summary of one run.
type Report struct {
	ID          string                        `json:"id"`
	StartedAt   time.Time                     `json:"started_at"`
	Duration    time.Duration                 `json:"duration"`
	Status      Status                        `json:"status"`
	AbortReason string                        `json:"abort_reason,omitempty"`
	URL         string                        `json:"url"`
	Room        string                        `json:"room"`
	Stages      []config.Stage                `json:"stages"`
	PeakVUs     int                           `json:"peak_vus"`
	Metrics     map[string]map[string]float64 `json:"metrics"`
	Thresholds  []threshold.Result            `json:"thresholds"`
	Timeline    []Point                       `json:"timeline,omitempty"`
}

func New(cfg config.RunConfig, startedAt time.Time) *Report {
	return &Report{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
		Status:    StatusCompleted,
		URL:       cfg.URL,
		Room:      cfg.Room,
		Stages:    cfg.Stages,
		Metrics:   make(map[string]map[string]float64),
	}
}

// Passed is true when every threshold passed.
func (r *Report) Passed() bool {
	return threshold.AllPassed(r.Thresholds)
}

// FailedThresholds lists "metric expression" for each failing threshold.
func (r *Report) FailedThresholds() []string {
	var out []string
	for _, t := range r.Thresholds {
		if !t.Passed {
			out = append(out, t.Metric+" "+t.Expression)
		}
	}
	return out
}

// MetricNames returns the metric names in a stable order.
func (r *Report) MetricNames() []string {
	names := make([]string, 0, len(r.Metrics))
	for n := range r.Metrics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
