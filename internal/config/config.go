// Package config holds the immutable description of a load run and the
// code that builds it from files, environment and flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrNoStages           = errors.New("at least one stage is required")
	ErrInvalidStage       = errors.New("invalid stage")
	ErrInvalidURL         = errors.New("invalid endpoint url")
	ErrInvalidInterval    = errors.New("interval must be positive")
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrInvalidLatencyMode = errors.New("invalid latency mode")
	ErrInvalidLimit       = errors.New("limit must not be negative")
)

// Stage is one segment of the ramp: reach Target VUs linearly over Duration.
type Stage struct {
	Duration time.Duration `json:"duration"`
	Target   int           `json:"target"`
}

func (s Stage) String() string {
	return fmt.Sprintf("%s:%d", s.Duration, s.Target)
}

// Threshold is a pass/fail expression bound to a metric.
type Threshold struct {
	Metric      string `json:"metric"`
	Expression  string `json:"expression"`
	AbortOnFail bool   `json:"abort_on_fail"`
}

// LatencyMode selects which inbound payloads produce latency samples.
type LatencyMode string

const (
	// LatencyAny measures every payload carrying sendAt, echoes and broadcasts alike.
	LatencyAny LatencyMode = "any"
	// LatencySelf measures only payloads sent by the receiving VU.
	LatencySelf LatencyMode = "self"
	// LatencyOthers measures only payloads sent by other participants.
	LatencyOthers LatencyMode = "others"
)

func (m LatencyMode) Valid() bool {
	switch m {
	case LatencyAny, LatencySelf, LatencyOthers:
		return true
	}
	return false
}

// RunConfig describes one run. It must not be mutated once the run starts.
type RunConfig struct {
	URL            string        `json:"url"`
	Room           string        `json:"room"`
	UsernamePrefix string        `json:"username_prefix"`
	Stages         []Stage       `json:"stages"`
	Thresholds     []Threshold   `json:"thresholds"`
	SendInterval   time.Duration `json:"send_interval"`
	SessionTimeout time.Duration `json:"session_timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	CloseWait      time.Duration `json:"close_wait"`

	// Scheduling
	Tick              time.Duration `json:"tick"`
	ThresholdInterval time.Duration `json:"threshold_interval"`
	MaxVUs            int           `json:"max_vus"`
	SpawnJitter       time.Duration `json:"spawn_jitter"`
	SpawnRate         float64       `json:"spawn_rate"`
	GracefulStop      time.Duration `json:"graceful_stop"`

	LatencyMode LatencyMode `json:"latency_mode"`
	Content     string      `json:"content"`
	OutPrefix   string      `json:"out_prefix"`
}

const (
	DefaultURL     = "ws://localhost:8080/ws"
	DefaultRoom    = "general"
	DefaultContent = "Message from {{.Username}}"
)

// Default returns the stock scenario: ramp to 1000 chatters over 2.5 minutes,
// hold, ramp down, aborting when p95 latency or the connection error rate degrade.
func Default() RunConfig {
	return RunConfig{
		URL:            DefaultURL,
		Room:           DefaultRoom,
		UsernamePrefix: "user_",
		Stages: []Stage{
			{Duration: 30 * time.Second, Target: 100},
			{Duration: time.Minute, Target: 500},
			{Duration: time.Minute, Target: 1000},
			{Duration: time.Minute, Target: 1000},
			{Duration: 30 * time.Second, Target: 0},
		},
		Thresholds: []Threshold{
			{Metric: "broadcast_latency", Expression: "p(95)<500", AbortOnFail: true},
			{Metric: "connection_errors", Expression: "rate<0.01", AbortOnFail: true},
		},
		SendInterval:      time.Second,
		SessionTimeout:    30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		CloseWait:         time.Second,
		Tick:              250 * time.Millisecond,
		ThresholdInterval: 2 * time.Second,
		GracefulStop:      5 * time.Second,
		LatencyMode:       LatencyAny,
		Content:           DefaultContent,
	}
}

// Validate reports the first configuration problem found.
func (c RunConfig) Validate() error {
	if len(c.Stages) == 0 {
		return ErrNoStages
	}
	for i, s := range c.Stages {
		if s.Duration < 0 || s.Target < 0 {
			return fmt.Errorf("%w: stage %d (%s)", ErrInvalidStage, i+1, s)
		}
	}
	if c.TotalDuration() <= 0 {
		return fmt.Errorf("%w: total duration is zero", ErrInvalidStage)
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	intervals := map[string]time.Duration{
		"send_interval":      c.SendInterval,
		"session_timeout":    c.SessionTimeout,
		"connect_timeout":    c.ConnectTimeout,
		"tick":               c.Tick,
		"threshold_interval": c.ThresholdInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%w: %s=%s", ErrInvalidInterval, name, d)
		}
	}

	if c.MaxVUs < 0 || c.SpawnJitter < 0 || c.SpawnRate < 0 || c.GracefulStop < 0 || c.CloseWait < 0 {
		return ErrInvalidLimit
	}
	if !c.LatencyMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLatencyMode, c.LatencyMode)
	}

	for _, t := range c.Thresholds {
		if t.Metric == "" || t.Expression == "" {
			return fmt.Errorf("%w: %q %q", ErrInvalidThreshold, t.Metric, t.Expression)
		}
	}
	return nil
}

// TotalDuration is the sum of all stage durations.
func (c RunConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range c.Stages {
		total += s.Duration
	}
	return total
}

// PeakTarget is the largest stage target.
func (c RunConfig) PeakTarget() int {
	peak := 0
	for _, s := range c.Stages {
		if s.Target > peak {
			peak = s.Target
		}
	}
	return peak
}

// EffectiveMaxVUs is the hard cap on live VUs. Zero MaxVUs means the peak target.
func (c RunConfig) EffectiveMaxVUs() int {
	if c.MaxVUs > 0 {
		return c.MaxVUs
	}
	return c.PeakTarget()
}

// Username derives the identity of VU id.
func (c RunConfig) Username(id int) string {
	return c.UsernamePrefix + strconv.Itoa(id)
}

// Endpoint returns the handshake URL for username, keeping any query
// parameters already present on the configured URL.
func (c RunConfig) Endpoint(username string) (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	q := u.Query()
	q.Set("room", c.Room)
	q.Set("username", username)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
