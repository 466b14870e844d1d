package stats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Built-in metric names.
const (
	BroadcastLatency = "broadcast_latency"
	ConnectionErrors = "connection_errors"
	WSConnecting     = "ws_connecting"
	WSSessionLength  = "ws_session_duration"
	WSSessions       = "ws_sessions"
	WSMsgsSent       = "ws_msgs_sent"
	WSMsgsReceived   = "ws_msgs_received"
	WSSendErrors     = "ws_send_errors"
	VUs              = "vus"
	VUsTarget        = "vus_target"
	VUsSpawned       = "vus_spawned"
	VUsRetired       = "vus_retired"
)

var (
	ErrUnknownMetric    = errors.New("unknown metric")
	ErrUnknownAggregate = errors.New("unknown aggregate")
)

// Kind is the accumulator type behind a metric name.
type Kind int

const (
	KindTrend Kind = iota
	KindRate
	KindCounter
	KindGauge
)

func (k Kind) String() string {
	switch k {
	case KindTrend:
		return "trend"
	case KindRate:
		return "rate"
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	}
	return "unknown"
}

// Aggregates lists the aggregate names a kind supports. Trends also accept p(N).
func (k Kind) Aggregates() []string {
	switch k {
	case KindTrend:
		return []string{"avg", "min", "med", "max", "count"}
	case KindRate:
		return []string{"rate", "passes", "fails"}
	case KindCounter:
		return []string{"count", "rate"}
	case KindGauge:
		return []string{"value", "max"}
	}
	return nil
}

type entry struct {
	name    string
	kind    Kind
	help    string
	trend   *Trend
	rate    *Rate
	counter *Counter
	gauge   *Gauge
}

// Collector is the named registry of run metrics.
type Collector struct {
	BroadcastLatency *Trend
	ConnectionErrors *Rate
	Connecting       *Trend
	SessionDuration  *Trend
	Sessions         *Counter
	MsgsSent         *Counter
	MsgsReceived     *Counter
	SendErrors       *Counter
	VUs              *Gauge
	VUsTarget        *Gauge
	VUsSpawned       *Counter
	VUsRetired       *Counter

	start   time.Time
	entries []*entry
	byName  map[string]*entry
}

func NewCollector() *Collector {
	c := &Collector{
		BroadcastLatency: NewTrend(),
		ConnectionErrors: &Rate{},
		Connecting:       NewTrend(),
		SessionDuration:  NewTrend(),
		Sessions:         &Counter{},
		MsgsSent:         &Counter{},
		MsgsReceived:     &Counter{},
		SendErrors:       &Counter{},
		VUs:              &Gauge{},
		VUsTarget:        &Gauge{},
		VUsSpawned:       &Counter{},
		VUsRetired:       &Counter{},
		start:            time.Now(),
		byName:           make(map[string]*entry),
	}

	c.add(&entry{name: BroadcastLatency, kind: KindTrend, trend: c.BroadcastLatency, help: "Time from sendAt to receipt of a broadcast, in milliseconds."})
	c.add(&entry{name: ConnectionErrors, kind: KindRate, rate: c.ConnectionErrors, help: "Share of connection attempts that failed."})
	c.add(&entry{name: WSConnecting, kind: KindTrend, trend: c.Connecting, help: "WebSocket handshake time, in milliseconds."})
	c.add(&entry{name: WSSessionLength, kind: KindTrend, trend: c.SessionDuration, help: "Lifetime of open sessions, in milliseconds."})
	c.add(&entry{name: WSSessions, kind: KindCounter, counter: c.Sessions, help: "Sessions started."})
	c.add(&entry{name: WSMsgsSent, kind: KindCounter, counter: c.MsgsSent, help: "Messages written."})
	c.add(&entry{name: WSMsgsReceived, kind: KindCounter, counter: c.MsgsReceived, help: "Frames read."})
	c.add(&entry{name: WSSendErrors, kind: KindCounter, counter: c.SendErrors, help: "Failed writes."})
	c.add(&entry{name: VUs, kind: KindGauge, gauge: c.VUs, help: "Live virtual users."})
	c.add(&entry{name: VUsTarget, kind: KindGauge, gauge: c.VUsTarget, help: "Virtual users the ramp currently wants."})
	c.add(&entry{name: VUsSpawned, kind: KindCounter, counter: c.VUsSpawned, help: "Virtual users started."})
	c.add(&entry{name: VUsRetired, kind: KindCounter, counter: c.VUsRetired, help: "Virtual users retired by the ramp."})
	return c
}

func (c *Collector) add(e *entry) {
	c.entries = append(c.entries, e)
	c.byName[e.name] = e
}

// Names returns metric names in registration order.
func (c *Collector) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Kind reports the accumulator type of name.
func (c *Collector) Kind(name string) (Kind, bool) {
	e, ok := c.byName[name]
	if !ok {
		return 0, false
	}
	return e.kind, true
}

// Trend returns the named trend or nil.
func (c *Collector) Trend(name string) *Trend {
	if e, ok := c.byName[name]; ok {
		return e.trend
	}
	return nil
}

// Empty is true while a metric has nothing to report. Counters and gauges are never empty.
func (c *Collector) Empty(name string) bool {
	e, ok := c.byName[name]
	if !ok {
		return true
	}
	switch e.kind {
	case KindTrend:
		return e.trend.Count() == 0
	case KindRate:
		_, total := e.rate.Counts()
		return total == 0
	}
	return false
}

// Elapsed is the time since the collector was created.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.start)
}

// Summary returns the aggregates of name keyed the way k6 prints them:
// trends avg/min/med/max/p(90)/p(95)/p(99)/count, rates rate/passes/fails,
// counters count/rate, gauges value/max.
func (c *Collector) Summary(name string) (map[string]float64, bool) {
	e, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	switch e.kind {
	case KindTrend:
		s := e.trend.Snapshot()
		return map[string]float64{
			"avg":   s.Avg,
			"min":   s.Min,
			"med":   s.Med,
			"max":   s.Max,
			"p(90)": s.P90,
			"p(95)": s.P95,
			"p(99)": s.P99,
			"count": float64(s.Count),
		}, true
	case KindRate:
		trues, total := e.rate.Counts()
		out := map[string]float64{"passes": float64(trues), "fails": float64(total - trues), "rate": 0}
		if total > 0 {
			out["rate"] = float64(trues) / float64(total)
		}
		return out, true
	case KindCounter:
		n := e.counter.Value()
		out := map[string]float64{"count": float64(n), "rate": 0}
		if secs := c.Elapsed().Seconds(); secs > 0 {
			out["rate"] = float64(n) / secs
		}
		return out, true
	case KindGauge:
		return map[string]float64{"value": e.gauge.Value(), "max": e.gauge.Max()}, true
	}
	return nil, false
}

// Summaries returns Summary for every metric.
func (c *Collector) Summaries() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(c.entries))
	for _, e := range c.entries {
		out[e.name], _ = c.Summary(e.name)
	}
	return out
}

// ParsePercentile reads "p(95)" or "p(99.9)".
func ParsePercentile(agg string) (float64, bool) {
	if !strings.HasPrefix(agg, "p(") || !strings.HasSuffix(agg, ")") {
		return 0, false
	}
	p, err := strconv.ParseFloat(agg[2:len(agg)-1], 64)
	if err != nil || p < 0 || p > 100 {
		return 0, false
	}
	return p, true
}

// CheckAggregate verifies that agg can be computed for metric name.
func (c *Collector) CheckAggregate(name, agg string) error {
	kind, ok := c.Kind(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	if kind == KindTrend {
		if _, ok := ParsePercentile(agg); ok {
			return nil
		}
	}
	for _, a := range kind.Aggregates() {
		if a == agg {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not available on %s metric %q", ErrUnknownAggregate, agg, kind, name)
}

// Aggregate computes agg for metric name.
func (c *Collector) Aggregate(name, agg string) (float64, error) {
	if err := c.CheckAggregate(name, agg); err != nil {
		return 0, err
	}
	if p, ok := ParsePercentile(agg); ok {
		return c.byName[name].trend.Percentile(p), nil
	}
	sum, _ := c.Summary(name)
	return sum[agg], nil
}
