package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SearchTimeoutChanged bool
	NewSearchTimeout     time.Duration

	// Restart lists keys that changed but only take effect after a restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SearchTimeoutChanged && len(d.Restart) == 0
}

// Diff compares old and new configs. Log level and search timeout are
// applied live by the server; every other server-side change is reported in
// Restart. Client-only sections are not tracked.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Match.SearchTimeout != new.Match.SearchTimeout {
		d.SearchTimeoutChanged = true
		d.NewSearchTimeout = new.Match.SearchTimeout
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.Restart = append(d.Restart, "server.listen_addr")
	}
	if !slices.Equal(old.Server.OriginPatterns, new.Server.OriginPatterns) {
		d.Restart = append(d.Restart, "server.origin_patterns")
	}
	if old.Store.PostgresDSN != new.Store.PostgresDSN {
		d.Restart = append(d.Restart, "store.postgres_dsn")
	}
	if old.Telemetry != new.Telemetry {
		d.Restart = append(d.Restart, "telemetry")
	}
	return d
}
