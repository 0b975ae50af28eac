package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level,
// scoring weights and feature parameters apply live; everything listed in
// RestartRequired only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WeightsChanged  bool
	FeaturesChanged bool

	// RestartRequired names the top-level settings that changed but cannot
	// be applied to a running server.
	RestartRequired []string
}

// Changed reports whether d carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.WeightsChanged || d.FeaturesChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.WeightsChanged = !reflect.DeepEqual(old.Scoring.Weights, new.Scoring.Weights)
	d.FeaturesChanged = old.FeatureParams() != new.FeatureParams()

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	for _, c := range []struct {
		name    string
		changed bool
	}{
		{"server", !reflect.DeepEqual(oldServer, newServer)},
		{"audio", old.Audio != new.Audio},
		{"decoders", !reflect.DeepEqual(old.Decoders, new.Decoders)},
		{"rate_limit", old.RateLimit != new.RateLimit},
		{"observe", !reflect.DeepEqual(old.Observe, new.Observe)},
	} {
		if c.changed {
			d.RestartRequired = append(d.RestartRequired, c.name)
		}
	}
	return d
}
