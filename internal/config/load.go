package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Keys understood by Load. Flag-style list values ("30s:100",
// "metric:expr:abort") live under KeyStage and KeyThreshold and replace the
// file-style KeyStages and KeyThresholds when present.
const (
	KeyURL               = "url"
	KeyRoom              = "room"
	KeyUsernamePrefix    = "username_prefix"
	KeyStages            = "stages"
	KeyStage             = "stage"
	KeyThresholds        = "thresholds"
	KeyThreshold         = "threshold"
	KeySendInterval      = "send_interval"
	KeySessionTimeout    = "session_timeout"
	KeyConnectTimeout    = "connect_timeout"
	KeyCloseWait         = "close_wait"
	KeyTick              = "tick"
	KeyThresholdInterval = "threshold_interval"
	KeyMaxVUs            = "max_vus"
	KeySpawnJitter       = "spawn_jitter"
	KeySpawnRate         = "spawn_rate"
	KeyGracefulStop      = "graceful_stop"
	KeyLatencyMode       = "latency_mode"
	KeyContent           = "content"
	KeyOut               = "out"
)

// Load overlays whatever v has set onto Default and validates the result.
func Load(v *viper.Viper) (RunConfig, error) {
	cfg := Default()

	if v.IsSet(KeyURL) {
		cfg.URL = v.GetString(KeyURL)
	}
	if v.IsSet(KeyRoom) {
		cfg.Room = v.GetString(KeyRoom)
	}
	if v.IsSet(KeyUsernamePrefix) {
		cfg.UsernamePrefix = v.GetString(KeyUsernamePrefix)
	}
	if v.IsSet(KeyContent) {
		cfg.Content = v.GetString(KeyContent)
	}
	if v.IsSet(KeyOut) {
		cfg.OutPrefix = v.GetString(KeyOut)
	}
	if v.IsSet(KeyLatencyMode) {
		cfg.LatencyMode = LatencyMode(strings.ToLower(v.GetString(KeyLatencyMode)))
	}
	if v.IsSet(KeyMaxVUs) {
		cfg.MaxVUs = v.GetInt(KeyMaxVUs)
	}
	if v.IsSet(KeySpawnRate) {
		cfg.SpawnRate = v.GetFloat64(KeySpawnRate)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{KeySendInterval, &cfg.SendInterval},
		{KeySessionTimeout, &cfg.SessionTimeout},
		{KeyConnectTimeout, &cfg.ConnectTimeout},
		{KeyCloseWait, &cfg.CloseWait},
		{KeyTick, &cfg.Tick},
		{KeyThresholdInterval, &cfg.ThresholdInterval},
		{KeySpawnJitter, &cfg.SpawnJitter},
		{KeyGracefulStop, &cfg.GracefulStop},
	}
	for _, d := range durations {
		if v.IsSet(d.key) {
			*d.dst = v.GetDuration(d.key)
		}
	}

	var err error
	switch {
	case v.IsSet(KeyStage) && len(v.GetStringSlice(KeyStage)) > 0:
		cfg.Stages, err = ParseStages(v.GetStringSlice(KeyStage))
	case v.IsSet(KeyStages):
		cfg.Stages, err = decodeStages(v.Get(KeyStages))
	}
	if err != nil {
		return cfg, err
	}

	switch {
	case v.IsSet(KeyThreshold) && len(v.GetStringSlice(KeyThreshold)) > 0:
		cfg.Thresholds, err = ParseThresholds(v.GetStringSlice(KeyThreshold))
	case v.IsSet(KeyThresholds):
		cfg.Thresholds, err = decodeThresholds(v.Get(KeyThresholds))
	}
	if err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// ParseStage reads "30s:100".
func ParseStage(s string) (Stage, error) {
	dur, target, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Stage{}, fmt.Errorf("%w: %q, want duration:target", ErrInvalidStage, s)
	}
	d, err := time.ParseDuration(strings.TrimSpace(dur))
	if err != nil {
		return Stage{}, fmt.Errorf("%w: %q: %v", ErrInvalidStage, s, err)
	}
	n, err := cast.ToIntE(strings.TrimSpace(target))
	if err != nil {
		return Stage{}, fmt.Errorf("%w: %q: %v", ErrInvalidStage, s, err)
	}
	return Stage{Duration: d, Target: n}, nil
}

// ParseStages accepts repeated and comma separated stage specs.
func ParseStages(specs []string) ([]Stage, error) {
	var stages []Stage
	for _, spec := range specs {
		for _, part := range strings.Split(spec, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := ParseStage(part)
			if err != nil {
				return nil, err
			}
			stages = append(stages, st)
		}
	}
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	return stages, nil
}

// ParseThreshold reads "metric:expression" with an optional ":abort" suffix.
func ParseThreshold(s string) (Threshold, error) {
	metric, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(metric) == "" {
		return Threshold{}, fmt.Errorf("%w: %q, want metric:expression[:abort]", ErrInvalidThreshold, s)
	}
	t := Threshold{Metric: strings.TrimSpace(metric)}
	if expr, flag, ok := strings.Cut(rest, ":"); ok {
		switch strings.ToLower(strings.TrimSpace(flag)) {
		case "abort", "abortonfail", "true":
			t.AbortOnFail = true
		case "", "false":
		default:
			return Threshold{}, fmt.Errorf("%w: unknown flag %q in %q", ErrInvalidThreshold, flag, s)
		}
		rest = expr
	}
	t.Expression = strings.TrimSpace(rest)
	if t.Expression == "" {
		return Threshold{}, fmt.Errorf("%w: empty expression in %q", ErrInvalidThreshold, s)
	}
	return t, nil
}

func ParseThresholds(specs []string) ([]Threshold, error) {
	out := make([]Threshold, 0, len(specs))
	for _, spec := range specs {
		t, err := ParseThreshold(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeStages(raw any) ([]Stage, error) {
	switch val := raw.(type) {
	case string:
		return ParseStages([]string{val})
	case []string:
		return ParseStages(val)
	case []any:
		stages := make([]Stage, 0, len(val))
		for i, item := range val {
			switch it := item.(type) {
			case string:
				st, err := ParseStage(it)
				if err != nil {
					return nil, err
				}
				stages = append(stages, st)
			case map[string]any:
				d, err := cast.ToDurationE(lookup(it, "duration"))
				if err != nil {
					return nil, fmt.Errorf("%w: stage %d duration: %v", ErrInvalidStage, i+1, err)
				}
				n, err := cast.ToIntE(lookup(it, "target"))
				if err != nil {
					return nil, fmt.Errorf("%w: stage %d target: %v", ErrInvalidStage, i+1, err)
				}
				stages = append(stages, Stage{Duration: d, Target: n})
			default:
				return nil, fmt.Errorf("%w: stage %d has type %T", ErrInvalidStage, i+1, item)
			}
		}
		if len(stages) == 0 {
			return nil, ErrNoStages
		}
		return stages, nil
	}
	return nil, fmt.Errorf("%w: stages has type %T", ErrInvalidStage, raw)
}

// decodeThresholds reads the k6 options shape:
//
//	thresholds:
//	  broadcast_latency:
//	    - threshold: p(95)<500
//	      abortOnFail: true
//	  connection_errors: ["rate<0.01"]
func decodeThresholds(raw any) ([]Threshold, error) {
	switch val := raw.(type) {
	case string:
		// env form: "metric:expr[:abort],metric:expr"
		var specs []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				specs = append(specs, part)
			}
		}
		return ParseThresholds(specs)
	case []string:
		return ParseThresholds(val)
	case []any:
		specs := make([]string, 0, len(val))
		for _, item := range val {
			specs = append(specs, cast.ToString(item))
		}
		return ParseThresholds(specs)
	}

	byMetric, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	metrics := make([]string, 0, len(byMetric))
	for m := range byMetric {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var out []Threshold
	for _, metric := range metrics {
		entries, ok := byMetric[metric].([]any)
		if !ok {
			entries = []any{byMetric[metric]}
		}
		for _, e := range entries {
			switch it := e.(type) {
			case string:
				out = append(out, Threshold{Metric: metric, Expression: it})
			case map[string]any:
				expr := cast.ToString(lookup(it, "threshold"))
				abort, err := cast.ToBoolE(orFalse(lookup(it, "abortOnFail")))
				if err != nil {
					return nil, fmt.Errorf("%w: %s abortOnFail: %v", ErrInvalidThreshold, metric, err)
				}
				out = append(out, Threshold{Metric: metric, Expression: expr, AbortOnFail: abort})
			default:
				return nil, fmt.Errorf("%w: %s entry has type %T", ErrInvalidThreshold, metric, e)
			}
		}
	}
	return out, nil
}

// lookup is a case-insensitive map read; viper lowercases nested keys.
func lookup(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func orFalse(v any) any {
	if v == nil {
		return false
	}
	return v
}

type fileStage struct {
	Duration string `yaml:"duration"`
	Target   int    `yaml:"target"`
}

type fileThreshold struct {
	Threshold   string `yaml:"threshold"`
	AbortOnFail bool   `yaml:"abortOnFail"`
}

type fileConfig struct {
	URL               string                     `yaml:"url"`
	Room              string                     `yaml:"room"`
	UsernamePrefix    string                     `yaml:"username_prefix"`
	Stages            []fileStage                `yaml:"stages"`
	Thresholds        map[string][]fileThreshold `yaml:"thresholds"`
	SendInterval      string                     `yaml:"send_interval"`
	SessionTimeout    string                     `yaml:"session_timeout"`
	ConnectTimeout    string                     `yaml:"connect_timeout"`
	CloseWait         string                     `yaml:"close_wait"`
	Tick              string                     `yaml:"tick"`
	ThresholdInterval string                     `yaml:"threshold_interval"`
	MaxVUs            int                        `yaml:"max_vus"`
	SpawnJitter       string                     `yaml:"spawn_jitter"`
	SpawnRate         float64                    `yaml:"spawn_rate"`
	GracefulStop      string                     `yaml:"graceful_stop"`
	LatencyMode       string                     `yaml:"latency_mode"`
	Content           string                     `yaml:"content"`
	Out               string                     `yaml:"out,omitempty"`
}

// Marshal renders cfg as a YAML file that Load reads back unchanged.
func Marshal(cfg RunConfig) ([]byte, error) {
	fc := fileConfig{
		URL:               cfg.URL,
		Room:              cfg.Room,
		UsernamePrefix:    cfg.UsernamePrefix,
		Thresholds:        make(map[string][]fileThreshold),
		SendInterval:      cfg.SendInterval.String(),
		SessionTimeout:    cfg.SessionTimeout.String(),
		ConnectTimeout:    cfg.ConnectTimeout.String(),
		CloseWait:         cfg.CloseWait.String(),
		Tick:              cfg.Tick.String(),
		ThresholdInterval: cfg.ThresholdInterval.String(),
		MaxVUs:            cfg.MaxVUs,
		SpawnJitter:       cfg.SpawnJitter.String(),
		SpawnRate:         cfg.SpawnRate,
		GracefulStop:      cfg.GracefulStop.String(),
		LatencyMode:       string(cfg.LatencyMode),
		Content:           cfg.Content,
		Out:               cfg.OutPrefix,
	}
	for _, s := range cfg.Stages {
		fc.Stages = append(fc.Stages, fileStage{Duration: s.Duration.String(), Target: s.Target})
	}
	for _, t := range cfg.Thresholds {
		fc.Thresholds[t.Metric] = append(fc.Thresholds[t.Metric], fileThreshold{
			Threshold:   t.Expression,
			AbortOnFail: t.AbortOnFail,
		})
	}
	return yaml.Marshal(fc)
}
