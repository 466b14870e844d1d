// Package ramp turns a stage list into a target VU count over time and keeps
// the number of live sessions on that target.
package ramp

import (
	"math"
	"time"

	"steadyws/internal/config"
)

// TargetAt is the fractional target at elapsed time t. The first stage ramps
// from zero; after the last stage the last target holds.
func TargetAt(stages []config.Stage, t time.Duration) float64 {
	prev := 0.0
	var start time.Duration
	for _, s := range stages {
		end := start + s.Duration
		if t < end {
			if t <= start {
				return prev
			}
			frac := float64(t-start) / float64(s.Duration)
			return prev + (float64(s.Target)-prev)*frac
		}
		prev = float64(s.Target)
		start = end
	}
	return prev
}

// Target rounds TargetAt and clamps it to [0, max]. max <= 0 disables the upper clamp.
func Target(stages []config.Stage, t time.Duration, max int) int {
	n := int(math.Round(TargetAt(stages, t)))
	if n < 0 {
		n = 0
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

// StageAt returns the index of the stage active at t, or len(stages) once all have elapsed.
func StageAt(stages []config.Stage, t time.Duration) int {
	var start time.Duration
	for i, s := range stages {
		start += s.Duration
		if t < start {
			return i
		}
	}
	return len(stages)
}
