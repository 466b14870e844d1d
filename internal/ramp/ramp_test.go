package ramp

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"steadyws/internal/config"
	"steadyws/internal/session"
	"steadyws/internal/stats"
)

func TestTargetScenario(t *testing.T) {
	stages := []config.Stage{
		{Duration: 30 * time.Second, Target: 100},
		{Duration: 60 * time.Second, Target: 500},
	}
	assert.Equal(t, 0, Target(stages, 0, 0))
	assert.Equal(t, 50, Target(stages, 15*time.Second, 0))
	assert.Equal(t, 100, Target(stages, 30*time.Second, 0))
	assert.Equal(t, 107, Target(stages, 31*time.Second, 0))
	assert.Equal(t, 500, Target(stages, 90*time.Second, 0))
	assert.Equal(t, 500, Target(stages, time.Hour, 0))
	assert.Equal(t, 300, Target(stages, time.Hour, 300))
	assert.InDelta(t, 100+400.0/60, TargetAt(stages, 31*time.Second), 1e-9)
}

func TestTargetDefaultRun(t *testing.T) {
	stages := config.Default().Stages
	assert.Equal(t, 100, Target(stages, 30*time.Second, 0))
	assert.Equal(t, 300, Target(stages, 60*time.Second, 0))
	assert.Equal(t, 1000, Target(stages, 150*time.Second, 0))
	assert.Equal(t, 1000, Target(stages, 210*time.Second, 0))
	assert.Equal(t, 500, Target(stages, 225*time.Second, 0))
	assert.Equal(t, 0, Target(stages, 240*time.Second, 0))
}

func TestStageAt(t *testing.T) {
	stages := []config.Stage{{Duration: 10 * time.Second, Target: 1}, {Duration: 5 * time.Second, Target: 2}}
	assert.Equal(t, 0, StageAt(stages, 0))
	assert.Equal(t, 0, StageAt(stages, 9*time.Second))
	assert.Equal(t, 1, StageAt(stages, 10*time.Second))
	assert.Equal(t, 2, StageAt(stages, 15*time.Second))
}

func genStages(t *rapid.T) []config.Stage {
	n := rapid.IntRange(1, 6).Draw(t, "n")
	stages := make([]config.Stage, n)
	for i := range stages {
		stages[i] = config.Stage{
			Duration: time.Duration(rapid.IntRange(1, 120).Draw(t, "secs")) * time.Second,
			Target:   rapid.IntRange(0, 2000).Draw(t, "target"),
		}
	}
	return stages
}

// TestProperty_TargetExactAtBoundaries: at every stage end the target equals the stage's value.
func TestProperty_TargetExactAtBoundaries(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stages := genStages(t)
		var end time.Duration
		for i, s := range stages {
			end += s.Duration
			if got := TargetAt(stages, end); got != float64(s.Target) {
				t.Fatalf("stage %d end: target %v, want %d", i, got, s.Target)
			}
		}
	})
}

// TestProperty_TargetContinuous: a small step in time moves the target by at
// most the steepest slope times the step.
func TestProperty_TargetContinuous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stages := genStages(t)
		var total time.Duration
		maxSlope := 0.0 // VUs per ms
		prev := 0
		for _, s := range stages {
			total += s.Duration
			slope := math.Abs(float64(s.Target-prev)) / float64(s.Duration.Milliseconds())
			maxSlope = math.Max(maxSlope, slope)
			prev = s.Target
		}

		at := time.Duration(rapid.Int64Range(0, int64(total)).Draw(t, "at"))
		step := time.Duration(rapid.IntRange(1, 50).Draw(t, "stepMs")) * time.Millisecond

		a, b := TargetAt(stages, at), TargetAt(stages, at+step)
		if diff := math.Abs(b - a); diff > maxSlope*float64(step.Milliseconds())+1e-6 {
			t.Fatalf("jump of %v over %v (max slope %v/ms)", diff, step, maxSlope)
		}
	})
}

func TestRegistryReusesLowestID(t *testing.T) {
	r := newRegistry()
	var slots []*slot
	for i := 0; i < 4; i++ {
		id := r.acquireID()
		slots = append(slots, r.add(VU{ID: id}, nil))
	}
	assert.Equal(t, 4, slots[3].vu.ID)

	r.remove(slots[2])
	r.remove(slots[0])
	assert.Equal(t, 1, r.acquireID())
	assert.Equal(t, 3, r.acquireID())
	assert.Equal(t, 5, r.acquireID())
}

func TestRegistryRetiresNewestFirst(t *testing.T) {
	r := newRegistry()
	for i := 0; i < 5; i++ {
		r.add(VU{ID: r.acquireID()}, nil)
	}

	picked := r.retireNewest(2)
	require.Len(t, picked, 2)
	assert.Equal(t, 5, picked[0].vu.ID)
	assert.Equal(t, 4, picked[1].vu.ID)

	live, closing := r.counts()
	assert.Equal(t, 3, live)
	assert.Equal(t, 2, closing)

	// already retiring slots are not picked again
	picked = r.retireNewest(1)
	require.Len(t, picked, 1)
	assert.Equal(t, 3, picked[0].vu.ID)
}

// fakeWorker stays "open" until retired, killed or cancelled.
type fakeWorker struct {
	vu       VU
	fail     bool
	stubborn bool // ignores Retire
	// leaveAfter makes Run announce it is leaving after this long, then drain for drain.
	leaveAfter time.Duration
	drain      time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	killed   atomic.Bool
	retired  atomic.Bool
}

func newFakeWorker(vu VU) *fakeWorker {
	return &fakeWorker{vu: vu, stop: make(chan struct{})}
}

func (w *fakeWorker) Run(ctx context.Context) session.Outcome {
	if w.fail {
		return session.Outcome{State: session.Failed, Reason: session.ReasonError, Err: errors.New("refused")}
	}
	if w.leaveAfter > 0 {
		select {
		case <-time.After(w.leaveAfter):
			w.vu.Leaving()
			select {
			case <-time.After(w.drain):
			case <-w.stop:
			}
			return session.Outcome{State: session.Closed, Reason: session.ReasonTimeout}
		case <-w.stop:
		case <-ctx.Done():
		}
		return session.Outcome{State: session.Closed, Reason: session.ReasonRetired}
	}
	select {
	case <-w.stop:
		if w.killed.Load() {
			return session.Outcome{State: session.Closed, Reason: session.ReasonKilled}
		}
		return session.Outcome{State: session.Closed, Reason: session.ReasonRetired}
	case <-ctx.Done():
		return session.Outcome{State: session.Closed, Reason: session.ReasonAborted}
	}
}

func (w *fakeWorker) Retire() {
	w.retired.Store(true)
	if !w.stubborn {
		w.stopOnce.Do(func() { close(w.stop) })
	}
}

func (w *fakeWorker) Kill() {
	w.killed.Store(true)
	w.stopOnce.Do(func() { close(w.stop) })
}

type fleet struct {
	mu      sync.Mutex
	workers []*fakeWorker
	build   func(VU) *fakeWorker
}

func (f *fleet) factory(vu VU) Worker {
	w := newFakeWorker(vu)
	if f.build != nil {
		w = f.build(vu)
	}
	f.mu.Lock()
	f.workers = append(f.workers, w)
	f.mu.Unlock()
	return w
}

func (f *fleet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

func TestControllerFollowsTargetAndNeverExceedsMax(t *testing.T) {
	m := stats.NewCollector()
	f := &fleet{}
	c := New(Options{
		Stages: []config.Stage{
			{Duration: 150 * time.Millisecond, Target: 20},
			{Duration: 300 * time.Millisecond, Target: 20},
			{Duration: 150 * time.Millisecond, Target: 0},
		},
		Tick:           10 * time.Millisecond,
		MaxVUs:         15,
		GracefulStop:   time.Second,
		UsernamePrefix: "user_",
	}, f.factory, m)

	var peak atomic.Int64
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			live, closing := c.reg.counts()
			if n := int64(live + closing); n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	reached := false
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			break loop
		case <-deadline:
			t.Fatal("controller did not finish")
		case <-time.After(5 * time.Millisecond):
			if c.Live() == 15 {
				reached = true
			}
		}
	}
	close(stop)

	assert.True(t, reached, "live count never reached the capped target")
	assert.LessOrEqual(t, peak.Load(), int64(15))
	assert.Equal(t, 0, c.Live())
	assert.Equal(t, 0, c.Closing())
	assert.Equal(t, 15.0, m.VUs.Max())
	assert.Equal(t, 0.0, m.VUs.Value())
	assert.GreaterOrEqual(t, m.VUsSpawned.Value(), int64(15))
}

func TestControllerReplacesFailedSpawns(t *testing.T) {
	m := stats.NewCollector()
	var built atomic.Int32
	f := &fleet{build: func(vu VU) *fakeWorker {
		w := newFakeWorker(vu)
		// the first three spawns fail to connect
		w.fail = built.Add(1) <= 3
		return w
	}}
	c := New(Options{
		Stages:       []config.Stage{{Duration: 0, Target: 5}, {Duration: time.Hour, Target: 5}},
		Tick:         5 * time.Millisecond,
		GracefulStop: time.Second,
	}, f.factory, m)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Live() == 5 && f.count() >= 8 }, 3*time.Second, 5*time.Millisecond)

	cancel(errors.New("test over"))
	err := <-done
	assert.EqualError(t, err, "test over")
	assert.Equal(t, 0, c.Live())
}

func TestControllerAbortStopsSpawning(t *testing.T) {
	m := stats.NewCollector()
	f := &fleet{}
	c := New(Options{
		Stages:       []config.Stage{{Duration: 0, Target: 50}, {Duration: time.Hour, Target: 50}},
		Tick:         5 * time.Millisecond,
		GracefulStop: time.Second,
	}, f.factory, m)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.Live() > 0 }, 3*time.Second, time.Millisecond)
	abort := errors.New("threshold crossed")
	cancel(abort)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, abort)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}

	spawned := f.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, spawned, f.count(), "spawned after cancellation")
	assert.Equal(t, 0, c.Live())
	assert.Equal(t, 0, c.Closing())
}

func TestControllerKillsAfterGracefulStop(t *testing.T) {
	m := stats.NewCollector()
	f := &fleet{build: func(vu VU) *fakeWorker {
		w := newFakeWorker(vu)
		w.stubborn = true
		return w
	}}
	c := New(Options{
		Stages:       []config.Stage{{Duration: 50 * time.Millisecond, Target: 3}},
		Tick:         5 * time.Millisecond,
		GracefulStop: 50 * time.Millisecond,
	}, f.factory, m)

	start := time.Now()
	require.NoError(t, c.Run(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NotZero(t, f.count())
	for _, w := range f.workers {
		assert.True(t, w.retired.Load())
		assert.True(t, w.killed.Load())
	}
}

func TestControllerReplacesLeavingSessionWithinATick(t *testing.T) {
	m := stats.NewCollector()
	var built atomic.Int32
	f := &fleet{build: func(vu VU) *fakeWorker {
		w := newFakeWorker(vu)
		if built.Add(1) <= 2 {
			// the first sessions time out and take a while to close
			w.leaveAfter = 20 * time.Millisecond
			w.drain = time.Second
		}
		return w
	}}
	c := New(Options{
		Stages:         []config.Stage{{Duration: 0, Target: 2}, {Duration: time.Hour, Target: 2}},
		Tick:           5 * time.Millisecond,
		GracefulStop:   2 * time.Second,
		UsernamePrefix: "user_",
	}, f.factory, m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// replacements run while the old sockets are still draining
	require.Eventually(t, func() bool {
		return f.count() == 4 && c.Live() == 2 && c.Closing() == 2
	}, 500*time.Millisecond, 2*time.Millisecond)

	f.mu.Lock()
	assert.ElementsMatch(t, []int{1, 2}, []int{f.workers[2].vu.ID, f.workers[3].vu.ID})
	f.mu.Unlock()

	cancel()
	<-done
	assert.Equal(t, 0, c.Live())
	assert.Equal(t, 0, c.Closing())
}

func TestRegistryLeaveFreesID(t *testing.T) {
	r := newRegistry()
	a := r.add(VU{ID: r.acquireID()}, nil)
	r.add(VU{ID: r.acquireID()}, nil)

	require.True(t, r.leave(a))
	assert.False(t, r.leave(a))
	live, closing := r.counts()
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, closing)
	assert.Equal(t, 1, r.held())
	assert.Equal(t, 1, r.acquireID())

	r.remove(a)
	_, closing = r.counts()
	assert.Equal(t, 0, closing)
}

func TestControllerRetiresNewestOnRampDown(t *testing.T) {
	m := stats.NewCollector()
	f := &fleet{}
	c := New(Options{
		Stages:       []config.Stage{{Duration: 0, Target: 4}, {Duration: time.Hour, Target: 4}},
		Tick:         5 * time.Millisecond,
		GracefulStop: time.Second,
	}, f.factory, m)

	ctx, cancel := context.WithCancel(context.Background())
	c.tick(ctx, time.Second)
	require.Equal(t, 4, c.Live())

	c.opts.Stages = []config.Stage{{Duration: 0, Target: 2}, {Duration: time.Hour, Target: 2}}
	c.tick(ctx, time.Second)
	assert.Equal(t, 2, c.Live())
	assert.Equal(t, int64(2), m.VUsRetired.Value())

	f.mu.Lock()
	for _, w := range f.workers {
		assert.Equal(t, w.vu.ID > 2, w.retired.Load(), "vu %d", w.vu.ID)
	}
	f.mu.Unlock()

	cancel()
	c.shutdown()
	assert.Equal(t, 0, c.Live())
}
