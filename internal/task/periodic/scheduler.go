package periodic

import (
	"context"
	"fmt"
	"sync/atomic"

	"fpsched/internal/eventbus"
	"fpsched/internal/kernel"
	logx "fpsched/pkg/logx"
)

// Scheduler owns the task registry and drives a kernel.Kernel.
type Scheduler struct {
	k   kernel.Kernel
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	fatal func(error)

	reg       *Registry
	startTime kernel.Tick
	started   bool

	watchdog      kernel.Handle
	wakeCounter   kernel.Tick
	watchdogWakes uint64

	published atomic.Pointer[published]
}

type published struct {
	tasks []TaskStatus
	stats Stats
}

// New creates a scheduler bound to k. bus may be nil.
func New(k kernel.Kernel, cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		k:     k,
		cfg:   cfg.withDefaults(),
		log:   log.With(logx.String("comp", "periodic")),
		bus:   bus,
		fatal: defaultFatal,
	}
	s.Init()
	return s
}

// Init resets the registry to all-free. New calls it; calling it again
// discards every registered task and is only valid before Start.
func (s *Scheduler) Init() {
	if s.reg == nil || s.reg.Cap() != s.cfg.Capacity {
		s.reg = NewRegistry(s.cfg.Capacity)
	} else {
		s.reg.Reset()
	}
	s.startTime = 0
	s.started = false
	s.watchdog = 0
	s.wakeCounter = 0
	s.watchdogWakes = 0
	s.publish()
}

// SetFatalHandler replaces the handler invoked with a *ContractViolation
// where no error can be returned. The default panics.
func (s *Scheduler) SetFatalHandler(fn func(error)) {
	if fn == nil {
		fn = defaultFatal
	}
	s.fatal = fn
}

// Fail reports a contract violation detected in task code, such as a
// resource call that failed for any reason other than ErrResourceTake, to
// the fatal handler. The caller must not continue the instance afterwards.
func (s *Scheduler) Fail(task string, err error) { s.violation("task", task, err) }

func (s *Scheduler) violation(op, task string, err error) {
	cv := &ContractViolation{Op: op, Task: task, Err: err}
	s.log.Error("contract violation", logx.String("op", op), logx.String("task", task), logx.Err(err))
	s.fatal(cv)
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// CreatePeriodicTask registers a task. The kernel task is created by Start.
func (s *Scheduler) CreatePeriodicTask(spec TaskSpec) (TaskID, error) {
	if s.started {
		return 0, fmt.Errorf("create %q: %w", spec.Name, ErrStarted)
	}
	if spec.Func == nil {
		return 0, fmt.Errorf("create %q: nil function: %w", spec.Name, ErrInvalidTask)
	}
	if spec.Period == 0 {
		return 0, fmt.Errorf("create %q: period must be > 0: %w", spec.Name, ErrInvalidTask)
	}
	if spec.WCET == 0 {
		return 0, fmt.Errorf("create %q: wcet must be > 0: %w", spec.Name, ErrInvalidTask)
	}
	if spec.Deadline == 0 {
		spec.Deadline = spec.Period
	}
	if spec.Deadline > spec.Period {
		s.log.Warn("relative deadline exceeds period",
			logx.String("task", spec.Name),
			logx.Uint64("deadline", uint64(spec.Deadline)),
			logx.Uint64("period", uint64(spec.Period)))
	}

	s.k.EnterCritical()
	slot, ok := s.reg.Allocate()
	if !ok {
		s.k.ExitCritical()
		return 0, fmt.Errorf("create %q: %w (capacity %d)", spec.Name, ErrCapacity, s.reg.Cap())
	}
	d := s.reg.at(slot)
	d.name = spec.Name
	d.fn = spec.Func
	d.params = spec.Params
	d.stack = spec.StackSize
	d.prio = spec.Priority
	d.phase = spec.Phase
	d.period = spec.Period
	d.deadline = spec.Deadline
	d.wcet = spec.WCET
	d.nextRelease = spec.Phase
	d.lastWake = s.startTime
	d.absDeadline = s.startTime + spec.Phase + spec.Deadline
	id := d.id(slot)
	s.k.ExitCritical()

	s.log.Debug("periodic task registered",
		logx.String("task", spec.Name),
		logx.String("id", id.String()),
		logx.Uint64("phase", uint64(spec.Phase)),
		logx.Uint64("period", uint64(spec.Period)),
		logx.Uint64("deadline", uint64(spec.Deadline)),
		logx.Uint64("wcet", uint64(spec.WCET)))
	s.publish()
	return id, nil
}

// DeletePeriodicTask frees the task's slot and deletes its kernel task.
// After Start it must be called from task context; a task may delete itself.
func (s *Scheduler) DeletePeriodicTask(id TaskID) error {
	s.k.EnterCritical()
	slot, ok := s.reg.Lookup(id)
	if !ok {
		s.k.ExitCritical()
		return fmt.Errorf("delete %s: %w", id, ErrUnknownTask)
	}
	d := s.reg.at(slot)
	name, handle, held := d.name, d.handle, d.heldCount
	if err := s.reg.Free(slot); err != nil {
		s.k.ExitCritical()
		return err
	}
	s.k.ExitCritical()

	if held > 0 {
		s.log.Warn("deleted task still holds resources", logx.String("task", name), logx.Int("held", held))
	}
	s.log.Info("periodic task deleted", logx.String("task", name), logx.String("id", id.String()))
	s.publish()
	if handle != 0 {
		s.k.Delete(handle)
	}
	return nil
}

// Count is the number of registered periodic tasks.
func (s *Scheduler) Count() int { return s.reg.Len() }

// Start assigns priorities, creates the watchdog and every registered task,
// records the start time and runs the kernel until it halts.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.started {
		return ErrStarted
	}

	AssignPriorities(s.reg, s.cfg.Policy, s.topPriority())

	s.startTime = s.k.TickCount()
	if s.cfg.Watchdog.Enabled {
		h, err := s.k.Create(s.watchdogLoop, "Watchdog", s.cfg.Watchdog.StackSize, nil, s.cfg.Watchdog.Priority)
		if err != nil {
			return fmt.Errorf("create watchdog: %w: %w", ErrKernel, err)
		}
		s.watchdog = h
		s.k.SetTickHook(s.TickHook)
	}

	var createErr error
	s.reg.each(func(slot int, d *descriptor) {
		if createErr != nil {
			return
		}
		d.lastWake = s.startTime
		d.absDeadline = s.startTime + d.nextRelease + d.deadline
		h, err := s.k.Create(s.runPeriodic, d.name, d.stack, d.params, d.prio)
		if err != nil {
			createErr = fmt.Errorf("create %q: %w: %w", d.name, ErrKernel, err)
			return
		}
		d.handle = h
		s.log.Info("periodic task created",
			logx.String("task", d.name),
			logx.Uint64("handle", uint64(h)),
			logx.Int("prio", int(d.prio)),
			logx.String("policy", s.cfg.Policy.String()))
	})
	if createErr != nil {
		return createErr
	}

	s.started = true
	s.publish()
	s.log.Info("scheduler starting",
		logx.Int("tasks", s.reg.Len()),
		logx.String("policy", s.cfg.Policy.String()),
		logx.Bool("watchdog", s.cfg.Watchdog.Enabled),
		logx.Uint64("start_tick", uint64(s.startTime)))

	err := s.k.Run(ctx)
	s.publish()
	return err
}

// topPriority resolves the watchdog priority and returns the highest level
// left for periodic tasks.
func (s *Scheduler) topPriority() kernel.Priority {
	maxPrio := s.k.MaxPriorities()
	if !s.cfg.Watchdog.Enabled {
		return maxPrio - 1
	}
	wp := s.cfg.Watchdog.Priority
	if wp <= 0 || wp >= maxPrio {
		wp = maxPrio - 1
	}
	s.cfg.Watchdog.Priority = wp
	return wp - 1
}

// Plan assigns priorities the way Start will and returns the task table
// without creating any kernel task.
func (s *Scheduler) Plan() ([]TaskStatus, error) {
	if s.started {
		return nil, ErrStarted
	}
	AssignPriorities(s.reg, s.cfg.Policy, s.topPriority())
	s.publish()
	return s.Snapshot(), nil
}

// Snapshot returns the last published copy of every registered task. Copies
// are published on registry changes and on every watchdog wake; with the
// watchdog disabled or Watchdog.PeriodTicks 0 and no violations, it keeps
// showing the state at Start.
func (s *Scheduler) Snapshot() []TaskStatus {
	p := s.published.Load()
	if p == nil {
		return nil
	}
	out := make([]TaskStatus, len(p.tasks))
	copy(out, p.tasks)
	return out
}

// Stats returns the last published aggregate counters.
func (s *Scheduler) Stats() Stats {
	p := s.published.Load()
	if p == nil {
		return Stats{}
	}
	return p.stats
}

// publish must run where no other task can touch the registry: before Run,
// after it, or from task context.
func (s *Scheduler) publish() {
	p := &published{tasks: make([]TaskStatus, 0, s.reg.Len())}
	p.stats = Stats{
		Tick:          s.k.TickCount(),
		Started:       s.started,
		Tasks:         s.reg.Len(),
		WatchdogWakes: s.watchdogWakes,
	}
	s.reg.each(func(slot int, d *descriptor) {
		st := TaskStatus{
			ID:               d.id(slot),
			Name:             d.name,
			Handle:           d.handle,
			Priority:         d.prio,
			PriorityAssigned: d.prioAssigned,
			Phase:            d.phase,
			Period:           d.period,
			Deadline:         d.deadline,
			WCET:             d.wcet,
			LastWake:         d.lastWake,
			ExecTime:         d.execTime,
			AbsDeadline:      d.absDeadline,
			NextRelease:      d.nextRelease,
			WorkDone:         d.workDone,
			ExecutedOnce:     d.executedOnce,
			DeadlineExceeded: d.deadlineExceeded,
			WCETExceeded:     d.wcetExceeded,
			ResourceAcquired: d.resourceAcquired,
			Instances:        d.instances,
			DeadlineMisses:   d.deadlineMisses,
			Overruns:         d.overruns,
			Recoveries:       d.recoveries,
			Deferrals:        d.deferrals,
		}
		for i := 0; i < d.heldCount; i++ {
			st.HeldResources = append(st.HeldResources, d.held[i].Name())
		}
		p.tasks = append(p.tasks, st)

		p.stats.Instances += d.instances
		p.stats.DeadlineMiss += d.deadlineMisses
		p.stats.WCETOverruns += d.overruns
		p.stats.Recoveries += d.recoveries
		p.stats.Deferrals += d.deferrals
	})
	s.published.Store(p)
}

func (s *Scheduler) emit(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
