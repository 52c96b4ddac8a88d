package config

// Config is the daemon configuration. Tick-valued fields are kernel ticks;
// duration-valued fields are Go duration strings (e.g. "500ms", "10s").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Kernel    KernelConfig    `json:"kernel"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Resources are shared mutexes created before start, referenced by name
	// from tasks[].resource.name.
	Resources []string     `json:"resources,omitempty"`
	Tasks     []TaskConfig `json:"tasks"`

	Journal *JournalConfig `json:"journal,omitempty"`
	Report  *ReportConfig  `json:"report,omitempty"`
	Status  *StatusConfig  `json:"status,omitempty"`
	Systemd *SystemdConfig `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// KernelConfig controls the simulated kernel.
//
// Defaults (when fields are omitted/zero):
//   - tick_rate_hz: 0 (unpaced)
//   - max_priorities: 8
//   - max_tasks: 0 (unlimited)
//   - stop_after_ticks: 0 (run until signal)
type KernelConfig struct {
	TickRateHz     float64 `json:"tick_rate_hz,omitempty"`
	MaxPriorities  int     `json:"max_priorities,omitempty"`
	MaxTasks       int     `json:"max_tasks,omitempty"`
	TimeSlicing    *bool   `json:"time_slicing,omitempty"`
	StopAfterTicks uint64  `json:"stop_after_ticks,omitempty"`
}

// SchedulerConfig controls the periodic-task layer.
//
// DetectDeadline and DetectWCET are pointers so omission means enabled.
type SchedulerConfig struct {
	Policy         string         `json:"policy,omitempty"` // rms | dms | manual
	Capacity       int            `json:"capacity,omitempty"`
	DetectDeadline *bool          `json:"detect_deadline,omitempty"`
	DetectWCET     *bool          `json:"detect_wcet,omitempty"`
	Watchdog       WatchdogConfig `json:"watchdog"`
}

type WatchdogConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Priority    int    `json:"priority,omitempty"` // 0 = highest kernel priority
	StackSize   uint32 `json:"stack_size,omitempty"`
	PeriodTicks uint64 `json:"period_ticks,omitempty"`
}

// TaskConfig declares one periodic task with a synthetic workload.
type TaskConfig struct {
	Name      string `json:"name"`
	Phase     uint64 `json:"phase,omitempty"`
	Period    uint64 `json:"period"`
	Deadline  uint64 `json:"deadline,omitempty"` // 0 = period
	WCET      uint64 `json:"wcet"`
	Priority  int    `json:"priority,omitempty"` // used by policy=manual
	StackSize uint32 `json:"stack_size,omitempty"`

	// Compute is the CPU time one instance consumes, in ticks.
	Compute  uint64          `json:"compute"`
	Overrun  *OverrunConfig  `json:"overrun,omitempty"`
	Resource *ResourceConfig `json:"resource,omitempty"`
}

// OverrunConfig injects longer instances (0-based instance numbers).
type OverrunConfig struct {
	Instances []uint64 `json:"instances"`
	Compute   uint64   `json:"compute"`
}

// ResourceConfig makes each instance hold a shared resource for Hold ticks
// of its compute time.
type ResourceConfig struct {
	Name string `json:"name"`
	Hold uint64 `json:"hold"`
}

// JournalConfig controls persistence of timing events.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./fpsched.db" }
type JournalConfig struct {
	Driver    string `json:"driver"` // none | file | sqlite
	Path      string `json:"path,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	RetryMax  int    `json:"retry_max,omitempty"`
	RetryBase string `json:"retry_base,omitempty"`
	// BusyTimeout is a Go duration string (sqlite).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ReportConfig controls the periodic task-table summary.
type ReportConfig struct {
	Enabled bool   `json:"enabled"`
	Spec    string `json:"spec,omitempty"` // cron spec, default "@every 10s"
}

// StatusConfig controls the HTTP status server.
//
// Prefer binding to localhost; pprof exposes process internals.
type StatusConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// SystemdConfig controls sd_notify integration.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}
