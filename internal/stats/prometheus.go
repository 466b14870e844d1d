package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "steadyws"

var quantiles = []float64{0.5, 0.9, 0.95, 0.99}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, e := range c.entries {
		for _, d := range c.descs(e) {
			ch <- d
		}
	}
}

// Collect implements prometheus.Collector. Trends are exported as summaries,
// rates as a ratio gauge plus sample counters, gauges with their maximum.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, e := range c.entries {
		descs := c.descs(e)
		switch e.kind {
		case KindTrend:
			s := e.trend.Snapshot()
			q := make(map[float64]float64, len(quantiles))
			for _, p := range quantiles {
				q[p] = e.trend.Percentile(p * 100)
			}
			ch <- prometheus.MustNewConstSummary(descs[0], uint64(s.Count), s.Sum, q)
		case KindRate:
			trues, total := e.rate.Counts()
			ratio := 0.0
			if total > 0 {
				ratio = float64(trues) / float64(total)
			}
			ch <- prometheus.MustNewConstMetric(descs[0], prometheus.GaugeValue, ratio)
			ch <- prometheus.MustNewConstMetric(descs[1], prometheus.CounterValue, float64(trues))
			ch <- prometheus.MustNewConstMetric(descs[2], prometheus.CounterValue, float64(total))
		case KindCounter:
			ch <- prometheus.MustNewConstMetric(descs[0], prometheus.CounterValue, float64(e.counter.Value()))
		case KindGauge:
			ch <- prometheus.MustNewConstMetric(descs[0], prometheus.GaugeValue, e.gauge.Value())
			ch <- prometheus.MustNewConstMetric(descs[1], prometheus.GaugeValue, e.gauge.Max())
		}
	}
}

func (c *Collector) descs(e *entry) []*prometheus.Desc {
	name := func(suffix string) string {
		return prometheus.BuildFQName(namespace, "", e.name+suffix)
	}
	switch e.kind {
	case KindTrend:
		return []*prometheus.Desc{prometheus.NewDesc(name("_ms"), e.help, nil, nil)}
	case KindRate:
		return []*prometheus.Desc{
			prometheus.NewDesc(name("_ratio"), e.help, nil, nil),
			prometheus.NewDesc(name("_true_total"), "Samples counted as true for "+e.name+".", nil, nil),
			prometheus.NewDesc(name("_samples_total"), "Samples recorded for "+e.name+".", nil, nil),
		}
	case KindCounter:
		return []*prometheus.Desc{prometheus.NewDesc(name("_total"), e.help, nil, nil)}
	default:
		return []*prometheus.Desc{
			prometheus.NewDesc(name(""), e.help, nil, nil),
			prometheus.NewDesc(name("_max"), "Highest value of "+e.name+" during the run.", nil, nil),
		}
	}
}
