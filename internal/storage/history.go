package storage

import (
	"time"

	"steadyws/internal/report"
)

// HistoryItem is one stored run.
type HistoryItem struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   RunSummary     `json:"summary"`
	Report    *report.Report `json:"report"`
}

type RunSummary struct {
	Status       report.Status `json:"status"`
	URL          string        `json:"url"`
	Room         string        `json:"room"`
	Duration     time.Duration `json:"duration"`
	PeakVUs      int           `json:"peak_vus"`
	Passed       bool          `json:"passed"`
	Failed       []string      `json:"failed,omitempty"`
	MsgsSent     float64       `json:"msgs_sent"`
	ErrorRate    float64       `json:"error_rate"`
	P95LatencyMs float64       `json:"p95_latency_ms"`
}

// FromReport builds the history entry for a finished run.
func FromReport(r *report.Report) HistoryItem {
	return HistoryItem{
		ID:        r.ID,
		Timestamp: r.StartedAt,
		Report:    r,
		Summary: RunSummary{
			Status:       r.Status,
			URL:          r.URL,
			Room:         r.Room,
			Duration:     r.Duration,
			PeakVUs:      r.PeakVUs,
			Passed:       r.Passed(),
			Failed:       r.FailedThresholds(),
			MsgsSent:     r.Metrics["ws_msgs_sent"]["count"],
			ErrorRate:    r.Metrics["connection_errors"]["rate"],
			P95LatencyMs: r.Metrics["broadcast_latency"]["p(95)"],
		},
	}
}
