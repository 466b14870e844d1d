package ramp

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"steadyws/internal/config"
	"steadyws/internal/logger"
	"steadyws/internal/session"
	"steadyws/internal/stats"
)

// Worker is one VU's session as the controller sees it. *session.Session satisfies it.
type Worker interface {
	Run(ctx context.Context) session.Outcome
	Retire()
	Kill()
}

// Factory builds the worker for a newly spawned VU.
type Factory func(vu VU) Worker

// Options configure the controller.
type Options struct {
	Stages         []config.Stage
	Tick           time.Duration
	MaxVUs         int
	SpawnJitter    time.Duration
	SpawnRate      float64 // spawns per second, 0 = unlimited
	GracefulStop   time.Duration
	UsernamePrefix string
}

// OptionsFrom derives controller options from a run config.
func OptionsFrom(cfg config.RunConfig) Options {
	return Options{
		Stages:         cfg.Stages,
		Tick:           cfg.Tick,
		MaxVUs:         cfg.EffectiveMaxVUs(),
		SpawnJitter:    cfg.SpawnJitter,
		SpawnRate:      cfg.SpawnRate,
		GracefulStop:   cfg.GracefulStop,
		UsernamePrefix: cfg.UsernamePrefix,
	}
}

// Controller spawns and retires workers to follow the stage targets.
type Controller struct {
	opts    Options
	factory Factory
	metrics *stats.Collector
	reg     *registry
	limiter *rate.Limiter
	log     *zap.Logger

	wg    sync.WaitGroup
	total time.Duration

	mu      sync.Mutex
	start   time.Time
	target  int
	elapsed time.Duration
}

func New(opts Options, factory Factory, m *stats.Collector) *Controller {
	if opts.Tick <= 0 {
		opts.Tick = 250 * time.Millisecond
	}
	c := &Controller{
		opts:    opts,
		factory: factory,
		metrics: m,
		reg:     newRegistry(),
		log:     logger.Named("ramp"),
	}
	for _, s := range opts.Stages {
		c.total += s.Duration
	}
	if opts.MaxVUs <= 0 {
		for _, s := range opts.Stages {
			if s.Target > c.opts.MaxVUs {
				c.opts.MaxVUs = s.Target
			}
		}
	}
	if opts.SpawnRate > 0 {
		burst := int(opts.SpawnRate)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.SpawnRate), burst)
	}
	return c
}

// Run drives the ramp until the last stage ends or ctx is cancelled. Either way
// every worker is closed before it returns: retired first, killed once the
// graceful stop period runs out. It returns context.Cause(ctx) when cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	c.tick(ctx, 0)
	for {
		select {
		case <-ctx.Done():
			c.log.Warn("ramp cancelled, stopping all VUs", zap.Error(context.Cause(ctx)))
			c.shutdown()
			return context.Cause(ctx)
		case <-ticker.C:
			elapsed := time.Since(c.startTime())
			if elapsed >= c.total {
				c.setProgress(c.total, Target(c.opts.Stages, c.total, c.opts.MaxVUs))
				c.log.Info("final stage complete, closing VUs")
				c.shutdown()
				return nil
			}
			c.tick(ctx, elapsed)
		}
	}
}

func (c *Controller) tick(ctx context.Context, elapsed time.Duration) {
	// cancellation wins over any spawn
	if ctx.Err() != nil {
		return
	}

	target := Target(c.opts.Stages, elapsed, c.opts.MaxVUs)
	c.setProgress(elapsed, target)
	c.metrics.VUsTarget.Set(float64(target))

	live, _ := c.reg.counts()
	switch {
	case target > live:
		n := target - live
		if room := c.opts.MaxVUs - c.reg.held(); n > room {
			n = room
		}
		for i := 0; i < n; i++ {
			c.spawn(ctx)
		}
	case target < live:
		for _, s := range c.reg.retireNewest(live - target) {
			c.metrics.VUsRetired.Inc()
			c.log.Debug("retire VU", zap.Int("vu", s.vu.ID), zap.Int("target", target))
			s.worker.Retire()
		}
	}

	live, _ = c.reg.counts()
	c.metrics.VUs.Set(float64(live))
}

func (c *Controller) spawn(ctx context.Context) {
	id := c.reg.acquireID()
	var s *slot
	vu := VU{ID: id, Username: c.opts.UsernamePrefix + strconv.Itoa(id)}
	vu.Leaving = func() { c.leave(s) }
	w := c.factory(vu)
	if w == nil {
		c.reg.releaseID(id)
		return
	}
	s = c.reg.add(vu, w)
	c.metrics.VUsSpawned.Inc()
	c.log.Debug("spawn VU", zap.Int("vu", id))

	var delay time.Duration
	if c.opts.SpawnJitter > 0 {
		delay = time.Duration(rand.Int63n(int64(c.opts.SpawnJitter)))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(s)

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		out := w.Run(ctx)
		if out.Err != nil {
			c.log.Debug("VU ended with error", zap.Int("vu", id), zap.String("reason", string(out.Reason)), zap.Error(out.Err))
		}
	}()
}

// leave hands the slot of a session closing on its own to the next tick's spawn.
func (c *Controller) leave(s *slot) {
	if !c.reg.leave(s) {
		return
	}
	live, _ := c.reg.counts()
	c.metrics.VUs.Set(float64(live))
	c.log.Debug("VU leaving", zap.Int("vu", s.vu.ID))
}

func (c *Controller) finish(s *slot) {
	c.reg.remove(s)
	live, _ := c.reg.counts()
	c.metrics.VUs.Set(float64(live))
}

// shutdown retires every worker, waits up to GracefulStop, then kills what is left.
func (c *Controller) shutdown() {
	slots := c.reg.retireAll()
	for _, s := range slots {
		s.worker.Retire()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(c.opts.GracefulStop)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		remaining := c.reg.retireAll()
		c.log.Warn("graceful stop expired, killing VUs", zap.Int("remaining", len(remaining)))
		for _, s := range remaining {
			s.worker.Kill()
		}
		<-done
	}
	c.metrics.VUs.Set(0)
}

func (c *Controller) startTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

func (c *Controller) setProgress(elapsed time.Duration, target int) {
	c.mu.Lock()
	c.elapsed = elapsed
	c.target = target
	c.mu.Unlock()
}

// Progress returns the elapsed time and target of the latest tick.
func (c *Controller) Progress() (time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed, c.target
}

// Live is the number of VUs the ramp currently counts toward its target.
func (c *Controller) Live() int {
	live, _ := c.reg.counts()
	return live
}

// Closing is the number of retired or draining VUs still shutting down.
func (c *Controller) Closing() int {
	_, closing := c.reg.counts()
	return closing
}

// TotalDuration is the sum of stage durations.
func (c *Controller) TotalDuration() time.Duration {
	return c.total
}
