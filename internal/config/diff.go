package config

import (
	"reflect"

	logx "fpsched/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the logging block. Only logging is applied
// live; callers report the rest as "restart required".
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, fields []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"kernel", oldCfg.Kernel, newCfg.Kernel},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"resources", oldCfg.Resources, newCfg.Resources},
		{"tasks", oldCfg.Tasks, newCfg.Tasks},
		{"journal", oldCfg.Journal, newCfg.Journal},
		{"report", oldCfg.Report, newCfg.Report},
		{"status", oldCfg.Status, newCfg.Status},
		{"systemd", oldCfg.Systemd, newCfg.Systemd},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	return changed, fields
}

// RestartRequired reports whether changed names anything besides logging.
func RestartRequired(changed []string) bool {
	for _, c := range changed {
		if c != "logging" {
			return true
		}
	}
	return false
}

// LogConfig maps the logging block onto the logger service config.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}
