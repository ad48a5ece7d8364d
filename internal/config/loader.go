package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REALTALK"

// maxLevelInterval is the slowest level sampling that still gives 15 Hz.
const maxLevelInterval = 66 * time.Millisecond

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over [Default], applies environment
// overrides and validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrides lists the settings that can be replaced from the environment,
// e.g. REALTALK_POSTGRES_DSN. Unset variables leave the file value alone.
type overrides struct {
	ListenAddr        *string `envconfig:"LISTEN_ADDR"`
	LogLevel          *string `envconfig:"LOG_LEVEL"`
	SignalingEndpoint *string `envconfig:"SIGNALING_ENDPOINT"`
	PostgresDSN       *string `envconfig:"POSTGRES_DSN"`
	Simulation        *bool   `envconfig:"SIMULATION"`
}

// ApplyEnv copies REALTALK_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	if o.ListenAddr != nil {
		cfg.Server.ListenAddr = *o.ListenAddr
	}
	if o.LogLevel != nil {
		cfg.Server.LogLevel = LogLevel(*o.LogLevel)
	}
	if o.SignalingEndpoint != nil {
		cfg.Signaling.Endpoint = *o.SignalingEndpoint
	}
	if o.PostgresDSN != nil {
		cfg.Store.PostgresDSN = *o.PostgresDSN
	}
	if o.Simulation != nil {
		cfg.Match.Simulation.Enabled = *o.Simulation
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Signaling.Endpoint == "" {
		errs = append(errs, errors.New("signaling.endpoint is required"))
	}

	positive := []struct {
		key string
		d   time.Duration
	}{
		{"match.search_timeout", cfg.Match.SearchTimeout},
		{"match.found_dwell", cfg.Match.FoundDwell},
		{"match.connecting_dwell", cfg.Match.ConnectingDwell},
		{"feedback.display_window", cfg.Feedback.DisplayWindow},
		{"feedback.welcome_delay", cfg.Feedback.WelcomeDelay},
		{"capture.level_interval", cfg.Capture.LevelInterval},
		{"capture.max_record_duration", cfg.Capture.MaxRecordDuration},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.d))
		}
	}
	if cfg.Capture.LevelInterval > maxLevelInterval {
		errs = append(errs, fmt.Errorf("capture.level_interval %s is slower than 15 Hz", cfg.Capture.LevelInterval))
	}
	if cfg.Capture.SampleRate <= 0 || cfg.Capture.Channels <= 0 {
		errs = append(errs, fmt.Errorf("capture format %d Hz / %d channels is invalid", cfg.Capture.SampleRate, cfg.Capture.Channels))
	}

	sim := cfg.Match.Simulation
	errs = append(errs, probability("match.simulation.match_probability", sim.MatchProbability))
	if sim.MinDelay < 0 || sim.MinDelay > sim.MaxDelay {
		errs = append(errs, fmt.Errorf("match.simulation: min_delay %s must be within [0, max_delay %s]", sim.MinDelay, sim.MaxDelay))
	}

	if cfg.Drift.Initial < 0 || cfg.Drift.Initial > 100 {
		errs = append(errs, fmt.Errorf("drift.initial %g is outside [0, 100]", cfg.Drift.Initial))
	}
	ds := cfg.Drift.Simulator
	errs = append(errs, probability("drift.simulator.change_probability", ds.ChangeProbability))
	if ds.Enabled && ds.Interval <= 0 {
		errs = append(errs, fmt.Errorf("drift.simulator.interval must be positive, got %s", ds.Interval))
	}
	if ds.MaxStep < 0 {
		errs = append(errs, fmt.Errorf("drift.simulator.max_step %g is negative", ds.MaxStep))
	}
	ach := cfg.Drift.Achievements
	errs = append(errs, probability("drift.achievements.probability", ach.Probability))
	if ach.Enabled && (ach.MinInterval <= 0 || ach.MinInterval > ach.MaxInterval) {
		errs = append(errs, fmt.Errorf("drift.achievements: min_interval %s must be positive and at most max_interval %s", ach.MinInterval, ach.MaxInterval))
	}

	return errors.Join(errs...)
}

// probability returns nil when p is in [0,1].
func probability(key string, p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%s %g is outside [0, 1]", key, p)
	}
	return nil
}
