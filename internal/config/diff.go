package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged reports a change to any session timing parameter.
	// Applies to sessions started after the reload; live sessions keep the
	// parameters they were created with.
	SessionChanged bool
	NewSession     SessionConfig

	// KWSThresholdChanged reports a change to the keyword acceptance
	// threshold. Applies to sessions started after the reload.
	KWSThresholdChanged bool
	NewKWSThreshold     float64
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.Engines.KWS.Threshold != new.Engines.KWS.Threshold {
		d.KWSThresholdChanged = true
		d.NewKWSThreshold = new.Engines.KWS.Threshold
	}

	return d
}
