package stats

import (
	"math"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const histMaxUs = int64(10 * time.Minute / time.Microsecond)

// Trend is a thread-safe distribution of millisecond values.
// Percentiles come from an hdrhistogram at microsecond resolution;
// count, min, max and sum are exact.
type Trend struct {
	mu    sync.Mutex
	hist  *hdrhistogram.Histogram
	count int64
	sum   float64
	min   float64
	max   float64
}

func NewTrend() *Trend {
	// 1us to 10min, 3 significant figures
	return &Trend{hist: hdrhistogram.New(1, histMaxUs, 3)}
}

// Add records a value in milliseconds. Negative values are recorded as zero.
func (t *Trend) Add(ms float64) {
	if ms < 0 || math.IsNaN(ms) {
		ms = 0
	}
	us := int64(math.Round(ms * 1000))
	if us > histMaxUs {
		us = histMaxUs
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.hist.RecordValue(us)
	if t.count == 0 || ms < t.min {
		t.min = ms
	}
	if t.count == 0 || ms > t.max {
		t.max = ms
	}
	t.count++
	t.sum += ms
}

func (t *Trend) AddDuration(d time.Duration) {
	t.Add(float64(d) / float64(time.Millisecond))
}

func (t *Trend) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Percentile returns the p-th percentile (0..100) in milliseconds, or 0 when empty.
func (t *Trend) Percentile(p float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentileLocked(p)
}

func (t *Trend) percentileLocked(p float64) float64 {
	if t.count == 0 {
		return 0
	}
	switch {
	case p <= 0:
		return t.min
	case p >= 100:
		return t.max
	}
	v := float64(t.hist.ValueAtQuantile(p)) / 1000.0
	// hdr reports the upper edge of a bucket; keep it inside the observed range
	return math.Max(t.min, math.Min(v, t.max))
}

// TrendSnapshot is a point-in-time copy of a Trend's aggregates.
type TrendSnapshot struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Med   float64 `json:"med"`
	Max   float64 `json:"max"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

func (t *Trend) Snapshot() TrendSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TrendSnapshot{
		Count: t.count,
		Sum:   t.sum,
		Min:   t.min,
		Max:   t.max,
		Med:   t.percentileLocked(50),
		P90:   t.percentileLocked(90),
		P95:   t.percentileLocked(95),
		P99:   t.percentileLocked(99),
	}
	if t.count > 0 {
		s.Avg = t.sum / float64(t.count)
	}
	return s
}
