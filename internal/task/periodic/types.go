package periodic

import (
	"fmt"
	"strings"

	"fpsched/internal/kernel"
)

// MaxHeldResources is the number of shared resources one task may hold at once.
const MaxHeldResources = 5

// DefaultCapacity is the registry size used when Config.Capacity is 0.
const DefaultCapacity = 10

// Func is the user code of a periodic task. It runs once per instance and
// must return when the instance's work is done.
type Func func(params any)

// Policy selects how priorities are assigned at Start.
type Policy int

const (
	// PolicyManual keeps the priority given at creation.
	PolicyManual Policy = iota
	// PolicyRMS orders by period (rate-monotonic).
	PolicyRMS
	// PolicyDMS orders by relative deadline (deadline-monotonic).
	PolicyDMS
)

func (p Policy) String() string {
	switch p {
	case PolicyManual:
		return "manual"
	case PolicyRMS:
		return "rms"
	case PolicyDMS:
		return "dms"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "rms", "dms" or "manual" (case-insensitive). Empty means rms.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rms", "rate-monotonic":
		return PolicyRMS, nil
	case "dms", "deadline-monotonic":
		return PolicyDMS, nil
	case "manual", "none", "fixed":
		return PolicyManual, nil
	default:
		return 0, fmt.Errorf("unknown scheduling policy %q", s)
	}
}

// Config controls the scheduler.
type Config struct {
	Policy   Policy
	Capacity int

	DetectDeadline bool
	DetectWCET     bool

	Watchdog WatchdogConfig
}

// WatchdogConfig controls the supervisory task.
type WatchdogConfig struct {
	Enabled bool
	// Priority of the watchdog task. 0 selects the highest kernel priority.
	Priority  kernel.Priority
	StackSize uint32
	// PeriodTicks is the heartbeat: the tick hook wakes the watchdog every
	// PeriodTicks ticks even without a violation. 0 disables the heartbeat.
	PeriodTicks kernel.Tick
}

// DefaultConfig enables RMS, both detectors and the watchdog.
func DefaultConfig() Config {
	return Config{
		Policy:         PolicyRMS,
		Capacity:       DefaultCapacity,
		DetectDeadline: true,
		DetectWCET:     true,
		Watchdog: WatchdogConfig{
			Enabled:     true,
			StackSize:   1024,
			PeriodTicks: 100,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Watchdog.StackSize == 0 {
		c.Watchdog.StackSize = 1024
	}
	return c
}

// TaskSpec describes a periodic task to register.
type TaskSpec struct {
	Name      string
	Func      Func
	Params    any
	StackSize uint32
	// Priority is used as is under PolicyManual and overwritten otherwise.
	Priority kernel.Priority

	Phase  kernel.Tick
	Period kernel.Tick
	WCET   kernel.Tick
	// Deadline is relative to each release. 0 means Period.
	Deadline kernel.Tick
}

// TaskID identifies a registered periodic task. It stays valid across
// delete-and-recreate recovery, unlike the kernel handle.
type TaskID uint64

func newTaskID(slot int, gen uint32) TaskID {
	return TaskID(uint64(gen)<<32 | uint64(slot+1))
}

func (id TaskID) slot() int   { return int(uint32(id)) - 1 }
func (id TaskID) gen() uint32 { return uint32(uint64(id) >> 32) }

func (id TaskID) String() string { return fmt.Sprintf("%d.%d", id.slot(), id.gen()) }

// TaskStatus is a point-in-time copy of one registered task.
type TaskStatus struct {
	ID               TaskID          `json:"id"`
	Name             string          `json:"name"`
	Handle           kernel.Handle   `json:"handle"`
	Priority         kernel.Priority `json:"priority"`
	PriorityAssigned bool            `json:"priority_assigned"`

	Phase    kernel.Tick `json:"phase"`
	Period   kernel.Tick `json:"period"`
	Deadline kernel.Tick `json:"deadline"`
	WCET     kernel.Tick `json:"wcet"`

	LastWake    kernel.Tick `json:"last_wake"`
	ExecTime    kernel.Tick `json:"exec_time"`
	AbsDeadline kernel.Tick `json:"abs_deadline"`
	NextRelease kernel.Tick `json:"next_release"`

	WorkDone         bool     `json:"work_done"`
	ExecutedOnce     bool     `json:"executed_once"`
	DeadlineExceeded bool     `json:"deadline_exceeded"`
	WCETExceeded     bool     `json:"wcet_exceeded"`
	ResourceAcquired bool     `json:"resource_acquired"`
	HeldResources    []string `json:"held_resources,omitempty"`

	Instances      uint64 `json:"instances"`
	DeadlineMisses uint64 `json:"deadline_misses"`
	Overruns       uint64 `json:"overruns"`
	Recoveries     uint64 `json:"recoveries"`
	Deferrals      uint64 `json:"deferrals"`
}

// Stats aggregates counters over all registered tasks.
type Stats struct {
	Tick          kernel.Tick `json:"tick"`
	Started       bool        `json:"started"`
	Tasks         int         `json:"tasks"`
	Instances     uint64      `json:"instances"`
	DeadlineMiss  uint64      `json:"deadline_misses"`
	WCETOverruns  uint64      `json:"wcet_overruns"`
	Recoveries    uint64      `json:"recoveries"`
	Deferrals     uint64      `json:"deferrals"`
	WatchdogWakes uint64      `json:"watchdog_wakes"`
}

// Event types published on the bus.
const (
	EventDeadlineMissed   = "task.deadline_missed"
	EventWCETExceeded     = "task.wcet_exceeded"
	EventRecovered        = "task.recovered"
	EventRecoveryDeferred = "task.recovery_deferred"
	EventWatchdogWake     = "watchdog.wake"
)

// Violation names the kind of timing error.
type Violation string

const (
	ViolationDeadline Violation = "deadline"
	ViolationWCET     Violation = "wcet"
)

// TimingEvent is the payload of every task.* event.
type TimingEvent struct {
	ID          TaskID      `json:"id"`
	Task        string      `json:"task"`
	Kind        Violation   `json:"kind"`
	Tick        kernel.Tick `json:"tick"`
	LastWake    kernel.Tick `json:"last_wake"`
	AbsDeadline kernel.Tick `json:"abs_deadline"`
	ExecTime    kernel.Tick `json:"exec_time"`
	NextRelease kernel.Tick `json:"next_release,omitempty"`
	Recoveries  uint64      `json:"recoveries"`
}

// WakeEvent is the payload of watchdog.wake.
type WakeEvent struct {
	Tick    kernel.Tick `json:"tick"`
	Flagged int         `json:"flagged"`
}
