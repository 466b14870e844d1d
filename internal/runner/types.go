package runner

import (
	"time"

	"steadyws/internal/threshold"
)

// StatsSnapshot is sent over the channel
type StatsSnapshot struct {
	Elapsed time.Duration
	Total   time.Duration
	Stage   int // 1-based, 0 before the first tick
	Stages  int

	VUs     int
	Target  int
	Closing int
	PeakVUs int

	Sessions     int64
	MsgsSent     int64
	MsgsReceived int64
	SendErrors   int64

	ConnAttempts int64
	ConnErrors   int64
	ErrorRate    float64

	// Broadcast latency so far, in milliseconds
	P50Ms   float64
	P95Ms   float64
	P99Ms   float64
	MaxMs   float64
	Samples int64

	Thresholds []threshold.Result
	Aborted    bool
}

// StatsUpdateChan is the channel type
type StatsUpdateChan chan StatsSnapshot
