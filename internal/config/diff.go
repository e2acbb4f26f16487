package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider,
// storage, and listen address changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ForgeChanged is true when any pipeline tuning knob changed. New
	// pipelines pick the values up; in-flight runs finish on the old ones.
	ForgeChanged bool
	NewForge     ForgeConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !forgeEqual(old.Forge, new.Forge) {
		d.ForgeChanged = true
		d.NewForge = new.Forge
	}

	return d
}

func forgeEqual(a, b ForgeConfig) bool {
	if a.MaxDiscoveries != b.MaxDiscoveries ||
		a.SimilarityThreshold != b.SimilarityThreshold ||
		a.ContextTokenBudget != b.ContextTokenBudget ||
		a.RosterLimit != b.RosterLimit {
		return false
	}
	if len(a.StubOverrides) != len(b.StubOverrides) {
		return false
	}
	for forgeType, fields := range a.StubOverrides {
		other, ok := b.StubOverrides[forgeType]
		if !ok || !maps.Equal(fields, other) {
			return false
		}
	}
	return true
}
