// Package threshold evaluates pass/fail expressions against the run's
// metrics and raises the run-wide abort when an abortOnFail check fails.
package threshold

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"steadyws/internal/config"
	"steadyws/internal/logger"
	"steadyws/internal/stats"
)

var (
	ErrInvalidExpression = errors.New("invalid threshold expression")
	ErrUnknownMetric     = stats.ErrUnknownMetric
	ErrAborted           = errors.New("run aborted by threshold")
)

// Result is the outcome of one threshold at one evaluation.
type Result struct {
	Metric      string  `json:"metric"`
	Expression  string  `json:"expression"`
	AbortOnFail bool    `json:"abort_on_fail"`
	Passed      bool    `json:"passed"`
	Observed    float64 `json:"observed"`
	// Evaluated is false while the metric has no samples; such thresholds pass.
	Evaluated bool `json:"evaluated"`
}

type check struct {
	def  config.Threshold
	expr Expression
}

// Evaluator periodically checks thresholds against a stats.Collector.
type Evaluator struct {
	collector *stats.Collector
	checks    []check
	interval  time.Duration
	log       *zap.Logger

	abortOnce sync.Once
	aborted   atomic.Bool
	breaches  atomic.Int32

	mu   sync.Mutex
	last []Result
}

// New parses every threshold and checks it against the collector's metric kinds.
func New(c *stats.Collector, defs []config.Threshold, interval time.Duration) (*Evaluator, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	e := &Evaluator{
		collector: c,
		interval:  interval,
		log:       logger.Named("threshold"),
	}
	for _, def := range defs {
		expr, err := Parse(def.Expression)
		if err != nil {
			return nil, fmt.Errorf("threshold on %s: %w", def.Metric, err)
		}
		if err := c.CheckAggregate(def.Metric, expr.Aggregate); err != nil {
			return nil, fmt.Errorf("threshold %s %q: %w", def.Metric, def.Expression, err)
		}
		e.checks = append(e.checks, check{def: def, expr: expr})
	}
	return e, nil
}

// Len is the number of configured thresholds.
func (e *Evaluator) Len() int {
	return len(e.checks)
}

// Evaluate checks every threshold against the current metric values.
func (e *Evaluator) Evaluate() []Result {
	results := make([]Result, 0, len(e.checks))
	failed := 0
	for _, ch := range e.checks {
		r := Result{
			Metric:      ch.def.Metric,
			Expression:  ch.def.Expression,
			AbortOnFail: ch.def.AbortOnFail,
			Passed:      true,
		}
		if !e.collector.Empty(ch.def.Metric) {
			v, err := e.collector.Aggregate(ch.def.Metric, ch.expr.Aggregate)
			if err == nil {
				r.Evaluated = true
				r.Observed = v
				r.Passed = ch.expr.Check(v)
			}
		}
		if !r.Passed {
			failed++
		}
		results = append(results, r)
	}

	e.breaches.Store(int32(failed))
	e.mu.Lock()
	e.last = results
	e.mu.Unlock()
	return results
}

// Tick runs one evaluation and calls abort when an abortOnFail threshold fails.
// abort is called at most once over the Evaluator's lifetime, however many
// goroutines call Tick.
func (e *Evaluator) Tick(abort func(error)) []Result {
	results := e.Evaluate()

	var breached []string
	for _, r := range results {
		if !r.Passed && r.AbortOnFail {
			breached = append(breached, r.Metric+" "+r.Expression)
		}
	}
	if len(breached) == 0 {
		return results
	}

	sort.Strings(breached)
	e.abortOnce.Do(func() {
		e.aborted.Store(true)
		err := fmt.Errorf("%w: thresholds on metrics '%s' were crossed; abortOnFail enabled",
			ErrAborted, strings.Join(breached, ", "))
		e.log.Warn("threshold breached, aborting run", zap.Strings("thresholds", breached))
		if abort != nil {
			abort(err)
		}
	})
	return results
}

// Run evaluates every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context, abort func(error)) {
	if len(e.checks) == 0 {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := e.Tick(abort)
			for _, r := range results {
				if !r.Passed {
					e.log.Debug("threshold failing",
						zap.String("metric", r.Metric),
						zap.String("expression", r.Expression),
						zap.Float64("observed", r.Observed))
				}
			}
		}
	}
}

// Aborted reports whether an abortOnFail threshold has fired.
func (e *Evaluator) Aborted() bool {
	return e.aborted.Load()
}

// Breaches is the number of thresholds failing at the last evaluation.
func (e *Evaluator) Breaches() int {
	return int(e.breaches.Load())
}

// Last returns the results of the most recent evaluation.
func (e *Evaluator) Last() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.last...)
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
