// Package stats holds the run-wide metric accumulators. Every type here is
// safe for concurrent writers; readers see eventually consistent values.
package stats

import (
	"math"
	"sync/atomic"
)

// Rate is a boolean ratio: trues over total samples.
type Rate struct {
	total atomic.Int64
	trues atomic.Int64
}

// Add counts v. total is bumped before trues so a reader never sees more trues than samples.
func (r *Rate) Add(v bool) {
	r.total.Add(1)
	if v {
		r.trues.Add(1)
	}
}

// Amend turns one earlier false sample into a true without adding a sample.
// Callers must only amend a false they recorded themselves.
func (r *Rate) Amend() {
	r.trues.Add(1)
}

// Counts returns (trues, total).
func (r *Rate) Counts() (int64, int64) {
	trues := r.trues.Load()
	total := r.total.Load()
	return trues, total
}

// Rate returns trues/total, 0 when there are no samples.
func (r *Rate) Rate() float64 {
	trues, total := r.Counts()
	if total == 0 {
		return 0
	}
	return float64(trues) / float64(total)
}

// Counter is monotonic.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Inc()         { c.n.Add(1) }
func (c *Counter) Add(n int64)  { c.n.Add(n) }
func (c *Counter) Value() int64 { return c.n.Load() }

// Gauge holds a current value and the highest value seen.
type Gauge struct {
	bits atomic.Uint64
	max  atomic.Uint64
	set  atomic.Bool
}

func (g *Gauge) Set(v float64) {
	g.bits.Store(math.Float64bits(v))
	for {
		old := g.max.Load()
		if g.set.Load() && math.Float64frombits(old) >= v {
			break
		}
		if g.max.CompareAndSwap(old, math.Float64bits(v)) {
			g.set.Store(true)
			break
		}
	}
}

func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }
func (g *Gauge) Max() float64   { return math.Float64frombits(g.max.Load()) }
