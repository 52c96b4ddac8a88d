package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	logx "fpsched/pkg/logx"
)

const (
	DefaultMaxPriorities = 8
	DefaultCapacity      = 10
	DefaultWatchdogStack = 1024
	DefaultHeartbeat     = 100
	DefaultReportSpec    = "@every 10s"
	DefaultStatusAddr    = "127.0.0.1:9464"
	DefaultJournalQueue  = 256
	DefaultJournalRetry  = 3
)

// specParser accepts 5- and 6-field (with seconds) cron specs and descriptors
// such as "@every 10s".
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// BoolOr dereferences p, or returns def when p is nil.
func BoolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// ApplyDefaults fills omitted fields in place.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Kernel.MaxPriorities == 0 {
		c.Kernel.MaxPriorities = DefaultMaxPriorities
	}
	if strings.TrimSpace(c.Scheduler.Policy) == "" {
		c.Scheduler.Policy = "rms"
	}
	if c.Scheduler.Capacity == 0 {
		c.Scheduler.Capacity = DefaultCapacity
		if n := len(c.Tasks); n > c.Scheduler.Capacity {
			c.Scheduler.Capacity = n
		}
	}
	if c.Scheduler.Watchdog.StackSize == 0 {
		c.Scheduler.Watchdog.StackSize = DefaultWatchdogStack
	}
	if c.Scheduler.Watchdog.PeriodTicks == 0 {
		c.Scheduler.Watchdog.PeriodTicks = DefaultHeartbeat
	}
	for i := range c.Tasks {
		if c.Tasks[i].Deadline == 0 {
			c.Tasks[i].Deadline = c.Tasks[i].Period
		}
	}
	if c.Journal != nil {
		c.Journal.Driver = strings.ToLower(strings.TrimSpace(c.Journal.Driver))
		if c.Journal.Driver == "" {
			c.Journal.Driver = "none"
		}
		if c.Journal.QueueSize <= 0 {
			c.Journal.QueueSize = DefaultJournalQueue
		}
		if c.Journal.RetryMax <= 0 {
			c.Journal.RetryMax = DefaultJournalRetry
		}
	}
	if c.Report != nil && strings.TrimSpace(c.Report.Spec) == "" {
		c.Report.Spec = DefaultReportSpec
	}
	if c.Status != nil && strings.TrimSpace(c.Status.Addr) == "" {
		c.Status.Addr = DefaultStatusAddr
	}
}

// Validate checks a defaulted config. Problems that only deserve attention
// (deadline beyond period) come back as warnings.
func Validate(c *Config) (warnings []string, err error) {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !logx.ValidLevel(c.Logging.Level) {
		bad("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Kernel.TickRateHz < 0 {
		bad("kernel.tick_rate_hz must be >= 0")
	}
	if c.Kernel.MaxPriorities < 3 {
		bad("kernel.max_priorities must be >= 3 (idle, tasks, watchdog)")
	}
	if c.Kernel.MaxTasks < 0 {
		bad("kernel.max_tasks must be >= 0")
	}

	switch strings.ToLower(c.Scheduler.Policy) {
	case "rms", "dms", "manual":
	default:
		bad("scheduler.policy: unknown policy %q (rms|dms|manual)", c.Scheduler.Policy)
	}
	if c.Scheduler.Capacity < len(c.Tasks) {
		bad("scheduler.capacity %d < %d tasks", c.Scheduler.Capacity, len(c.Tasks))
	}
	if c.Scheduler.Watchdog.Enabled != nil && !*c.Scheduler.Watchdog.Enabled {
		warnings = append(warnings, "scheduler.watchdog.enabled is false: no recovery, and task status, metrics and reports are not refreshed after start")
	}
	if p := c.Scheduler.Watchdog.Priority; p < 0 || p >= c.Kernel.MaxPriorities {
		bad("scheduler.watchdog.priority %d out of range [0,%d)", p, c.Kernel.MaxPriorities)
	}

	resources := map[string]bool{}
	for i, r := range c.Resources {
		name := strings.TrimSpace(r)
		if name == "" {
			bad("resources[%d]: empty name", i)
			continue
		}
		if resources[name] {
			bad("resources[%d]: duplicate %q", i, name)
		}
		resources[name] = true
	}

	names := map[string]bool{}
	for i, t := range c.Tasks {
		at := fmt.Sprintf("tasks[%d]", i)
		if strings.TrimSpace(t.Name) == "" {
			bad("%s.name is required", at)
		} else {
			if names[t.Name] {
				bad("%s: duplicate task name %q", at, t.Name)
			}
			names[t.Name] = true
			at = fmt.Sprintf("tasks[%s]", t.Name)
		}
		if t.Period == 0 {
			bad("%s.period must be > 0", at)
		}
		if t.WCET == 0 {
			bad("%s.wcet must be > 0", at)
		}
		if t.Priority < 0 || t.Priority >= c.Kernel.MaxPriorities {
			bad("%s.priority %d out of range", at, t.Priority)
		}
		if t.Deadline > t.Period {
			warnings = append(warnings, fmt.Sprintf("%s: deadline %d exceeds period %d", at, t.Deadline, t.Period))
		}
		if t.Overrun != nil && len(t.Overrun.Instances) > 0 && t.Overrun.Compute == 0 {
			bad("%s.overrun.compute must be > 0", at)
		}
		if t.Resource != nil {
			if !resources[t.Resource.Name] {
				bad("%s.resource.name %q is not declared in resources", at, t.Resource.Name)
			}
			if t.Resource.Hold > t.Compute {
				warnings = append(warnings, fmt.Sprintf("%s: resource hold %d exceeds compute %d", at, t.Resource.Hold, t.Compute))
			}
		}
	}

	if j := c.Journal; j != nil {
		switch j.Driver {
		case "none":
		case "file", "sqlite":
			if strings.TrimSpace(j.Path) == "" {
				bad("journal.path is required for driver %q", j.Driver)
			}
		default:
			bad("journal.driver: unknown driver %q (none|file|sqlite)", j.Driver)
		}
		if _, err := ParseDurationField("journal.retry_base", j.RetryBase); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if r := c.Report; r != nil && r.Enabled {
		if _, err := specParser.Parse(r.Spec); err != nil {
			bad("report.spec %q: %v", r.Spec, err)
		}
	}
	if s := c.Status; s != nil {
		if _, err := ParseDurationField("status.read_timeout", s.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("status.write_timeout", s.WriteTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	return warnings, errors.Join(errs...)
}
