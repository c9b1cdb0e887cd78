package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// is applied live; every other changed section needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the changed top-level sections, in declaration
	// order, that take effect only after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Compare sections with the live-applied field masked out.
	o, n := *old, *new
	o.Server.LogLevel, n.Server.LogLevel = "", ""

	ov, nv := reflect.ValueOf(o), reflect.ValueOf(n)
	t := ov.Type()
	for i := range t.NumField() {
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			d.RestartRequired = append(d.RestartRequired, t.Field(i).Tag.Get("yaml"))
		}
	}
	return d
}
