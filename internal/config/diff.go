package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; device
// address or credential changes are surfaced so the caller can warn.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// FastPathChanged covers debounce, open timeout, and XML mode tuning.
	FastPathChanged bool

	// NoiseGateChanged covers the telephony noise-gate threshold. Applies
	// to calls started after the reload.
	NoiseGateChanged bool

	// DevicesChanged covers device hosts and passwords. These are bound at
	// startup, so a restart is required for them to take effect.
	DevicesChanged bool
}

// Empty reports whether no tracked field changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.FastPathChanged && !d.NoiseGateChanged && !d.DevicesChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !fastPathEqual(old.FastPath, new.FastPath) {
		d.FastPathChanged = true
	}

	if old.Telephony.NoiseGate() != new.Telephony.NoiseGate() {
		d.NoiseGateChanged = true
	}

	if old.Devices != new.Devices {
		d.DevicesChanged = true
	}

	return d
}

func fastPathEqual(a, b FastPathConfig) bool {
	if a.OpenTimeout != b.OpenTimeout || a.Debounce != b.Debounce || a.XMLMode != b.XMLMode {
		return false
	}
	return maps.Equal(a.Actions, b.Actions)
}
