// Package config provides the configuration schema and loader for RealTalk.
// Both binaries read the same file; each uses the sections it needs.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a slog level. Unknown levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Signaling SignalingConfig `yaml:"signaling"`
	Match     MatchConfig     `yaml:"match"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Drift     DriftConfig     `yaml:"drift"`
	Capture   CaptureConfig   `yaml:"capture"`
	Store     StoreConfig     `yaml:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the hub server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// OriginPatterns restricts websocket origins. Empty allows same-origin
	// requests only.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// SignalingConfig tells clients where the hub is and how to reach peers.
type SignalingConfig struct {
	Endpoint   string   `yaml:"endpoint"`
	ICEServers []string `yaml:"ice_servers"`
}

// MatchConfig holds matchmaking timings.
type MatchConfig struct {
	SearchTimeout   time.Duration    `yaml:"search_timeout"`
	FoundDwell      time.Duration    `yaml:"found_dwell"`
	ConnectingDwell time.Duration    `yaml:"connecting_dwell"`
	Simulation      SimulationConfig `yaml:"simulation"`
}

// SimulationConfig controls the local partner simulation a client falls
// back to when the hub is unreachable.
type SimulationConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MatchProbability float64       `yaml:"match_probability"`
	MinDelay         time.Duration `yaml:"min_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
}

// FeedbackConfig holds feedback timings.
type FeedbackConfig struct {
	DisplayWindow time.Duration `yaml:"display_window"`
	WelcomeDelay  time.Duration `yaml:"welcome_delay"`
}

// DriftConfig configures the drift producers of a call.
type DriftConfig struct {
	Initial      float64            `yaml:"initial"`
	Simulator    DriftSimulator     `yaml:"simulator"`
	Achievements AchievementsConfig `yaml:"achievements"`
}

// DriftSimulator stands in for a real drift scoring model.
type DriftSimulator struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	ChangeProbability float64       `yaml:"change_probability"`
	MaxStep           float64       `yaml:"max_step"`
}

// AchievementsConfig controls the random achievement notifications.
type AchievementsConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Probability float64       `yaml:"probability"`
}

// CaptureConfig describes the local microphone stream.
type CaptureConfig struct {
	SampleRate        int           `yaml:"sample_rate"`
	Channels          int           `yaml:"channels"`
	LevelInterval     time.Duration `yaml:"level_interval"`
	MaxRecordDuration time.Duration `yaml:"max_record_duration"`
}

// StoreConfig selects persistence. An empty DSN keeps everything in memory.
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig holds OpenTelemetry resource settings.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// Default returns the reference configuration. Keys missing from a loaded
// file keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080", LogLevel: LogInfo},
		Signaling: SignalingConfig{
			Endpoint:   "ws://localhost:8080/ws",
			ICEServers: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		},
		Match: MatchConfig{
			SearchTimeout:   30 * time.Second,
			FoundDwell:      3 * time.Second,
			ConnectingDwell: 2 * time.Second,
			Simulation: SimulationConfig{
				Enabled:          true,
				MatchProbability: 0.7,
				MinDelay:         3 * time.Second,
				MaxDelay:         8 * time.Second,
			},
		},
		Feedback: FeedbackConfig{DisplayWindow: 3 * time.Second, WelcomeDelay: 3 * time.Second},
		Drift: DriftConfig{
			Initial: 25,
			Simulator: DriftSimulator{
				Enabled:           true,
				Interval:          5 * time.Second,
				ChangeProbability: 0.3,
				MaxStep:           10,
			},
			Achievements: AchievementsConfig{
				Enabled:     true,
				MinInterval: 15 * time.Second,
				MaxInterval: 30 * time.Second,
				Probability: 0.4,
			},
		},
		Capture: CaptureConfig{
			SampleRate:        48000,
			Channels:          2,
			LevelInterval:     50 * time.Millisecond,
			MaxRecordDuration: 60 * time.Second,
		},
		Telemetry: TelemetryConfig{ServiceName: "realtalk"},
	}
}
