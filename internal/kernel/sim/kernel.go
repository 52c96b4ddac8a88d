// Package sim is a deterministic, tick-driven, preemptive fixed-priority
// kernel that implements kernel.Kernel on goroutines.
//
// Exactly one goroutine holds the CPU at any time. A task gives the CPU away
// only at kernel calls: Compute (once per simulated tick), DelayUntil, Take,
// Give, NotifyTake, Delete of itself, or by returning. The tick hook runs on
// the goroutine of the task that consumed the tick, like an interrupt on the
// interrupted task's stack, so Current() inside the hook is that task.
//
// Kernel calls must come from task context while Run is active. Before Run
// and after it returns the kernel may be configured and inspected from any
// single goroutine.
//
// Create never switches immediately; a higher-priority task created from task
// context starts at the creator's next scheduling point.
package sim

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/time/rate"

	"fpsched/internal/kernel"
	logx "fpsched/pkg/logx"
)

// Config controls the simulated kernel.
type Config struct {
	// TickRate paces ticks in real time (ticks per second). 0 runs unpaced.
	TickRate float64
	// MaxPriorities is the number of priority levels (idle uses 0).
	MaxPriorities kernel.Priority
	// MaxTasks bounds live tasks, idle included. 0 means unlimited.
	MaxTasks int
	// TimeSlicing rotates equal-priority ready tasks on every tick.
	TimeSlicing bool
	// StopAfter halts the kernel once this many ticks elapsed. 0 runs until
	// the context passed to Run is done.
	StopAfter kernel.Tick
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		MaxPriorities: 8,
		TimeSlicing:   true,
	}
}

// Kernel is the simulated kernel.
type Kernel struct {
	cfg Config
	log logx.Logger

	cs sync.Mutex

	tick    kernel.Tick
	tasks   map[kernel.Handle]*task
	order   []*task // creation order, for deterministic scans
	nextID  kernel.Handle
	seq     uint64
	current *task
	idle    *task
	hook    func()
	limiter *rate.Limiter

	running  bool
	stopping bool
	ctx      context.Context
	halted   chan struct{}
	haltOnce sync.Once
	wg       sync.WaitGroup
}

var _ kernel.Kernel = (*Kernel)(nil)

// New creates a kernel. Zero fields in cfg take DefaultConfig values, except
// TimeSlicing which is used as given.
func New(cfg Config, log logx.Logger) *Kernel {
	if cfg.MaxPriorities <= 1 {
		cfg.MaxPriorities = DefaultConfig().MaxPriorities
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	k := &Kernel{
		cfg:   cfg,
		log:   log,
		tasks: map[kernel.Handle]*task{},
	}
	if cfg.TickRate > 0 {
		k.limiter = rate.NewLimiter(rate.Limit(cfg.TickRate), 1)
	}
	return k
}

// ─── Task lifecycle ─────────────────────────────────────────────────────────

func (k *Kernel) Create(fn kernel.TaskFunc, name string, stackSize uint32, params any, prio kernel.Priority) (kernel.Handle, error) {
	if fn == nil {
		return 0, fmt.Errorf("create %q: nil task function", name)
	}
	if prio < 0 {
		return 0, fmt.Errorf("create %q: %w", name, kernel.ErrBadPriority)
	}
	if prio >= k.cfg.MaxPriorities {
		prio = k.cfg.MaxPriorities - 1
	}
	if k.cfg.MaxTasks > 0 && len(k.order) >= k.cfg.MaxTasks {
		return 0, fmt.Errorf("create %q: %w", name, kernel.ErrNoMemory)
	}
	t := k.newTask(fn, name, stackSize, params, prio)
	k.log.Debug("task created", logx.String("task", name), logx.Uint64("handle", uint64(t.handle)), logx.Int("prio", int(prio)))
	return t.handle, nil
}

func (k *Kernel) newTask(fn kernel.TaskFunc, name string, stackSize uint32, params any, prio kernel.Priority) *task {
	k.nextID++
	t := &task{
		handle: k.nextID,
		name:   name,
		stack:  stackSize,
		fn:     fn,
		params: params,
		base:   prio,
		prio:   prio,
		resume: make(chan bool, 1),
	}
	k.makeReady(t)
	k.tasks[t.handle] = t
	k.order = append(k.order, t)
	return t
}

// Delete removes a task. Resources the task holds stay held.
func (k *Kernel) Delete(h kernel.Handle) {
	t := k.tasks[h]
	if t == nil {
		return
	}
	k.remove(t)
	k.log.Debug("task deleted", logx.String("task", t.name), logx.Uint64("handle", uint64(h)))

	if !k.running {
		return
	}
	if t == k.current {
		k.switchTo(t, k.pick())
		runtime.Goexit()
	}
	if t.started {
		t.resume <- false
	}
}

func (k *Kernel) remove(t *task) {
	t.state = stateDeleted
	t.killed = true
	if m := t.waitingOn; m != nil {
		m.dropWaiter(t)
		t.waitingOn = nil
		if m.owner != nil {
			m.owner.prio = m.owner.effectivePriority()
		}
	}
	delete(k.tasks, t.handle)
	for i, o := range k.order {
		if o == t {
			k.order = append(k.order[:i], k.order[i+1:]...)
			break
		}
	}
}

func (k *Kernel) Current() kernel.Handle {
	if k.current == nil {
		return 0
	}
	return k.current.handle
}

func (k *Kernel) Idle() kernel.Handle {
	if k.idle == nil {
		return 0
	}
	return k.idle.handle
}

func (k *Kernel) MaxPriorities() kernel.Priority { return k.cfg.MaxPriorities }

// ─── Clock ──────────────────────────────────────────────────────────────────

func (k *Kernel) TickCount() kernel.Tick        { return k.tick }
func (k *Kernel) TickCountFromISR() kernel.Tick { return k.tick }

func (k *Kernel) DelayUntil(ref *kernel.Tick, inc kernel.Tick) {
	cur := k.enter()
	wake := *ref + inc
	*ref = wake
	if wake <= k.tick {
		return
	}
	cur.block(blockDelay, wake)
	k.reschedule(cur, false)
}

// Compute consumes ticks of CPU time on behalf of the calling task. Every
// tick boundary is a preemption point.
func (k *Kernel) Compute(ticks kernel.Tick) {
	for i := kernel.Tick(0); i < ticks; i++ {
		cur := k.enter()
		k.advance()
		k.reschedule(cur, true)
	}
}

func (k *Kernel) advance() {
	if k.cfg.StopAfter > 0 && k.tick >= k.cfg.StopAfter {
		k.halt()
	}
	if k.ctx.Err() != nil {
		k.halt()
	}
	if k.limiter != nil {
		if err := k.limiter.Wait(k.ctx); err != nil {
			k.halt()
		}
	}

	k.tick++
	for _, t := range k.order {
		if t.state != stateBlocked || t.wakeAt > k.tick {
			continue
		}
		if m := t.waitingOn; m != nil {
			m.dropWaiter(t)
			t.waitingOn = nil
			t.took = false
			if m.owner != nil {
				m.owner.prio = m.owner.effectivePriority()
			}
		}
		k.makeReady(t)
	}

	if k.hook != nil {
		k.hook()
	}
}

// ─── Sync ───────────────────────────────────────────────────────────────────

// NewMutex creates a priority-inheriting, non-recursive mutex.
func (k *Kernel) NewMutex(name string) *Mutex {
	return &Mutex{name: name}
}

func (k *Kernel) Take(r kernel.Resource, timeout kernel.Tick) bool {
	cur := k.enter()
	m := mustMutex(r)
	if m.owner == nil {
		m.owner = cur
		cur.held = append(cur.held, m)
		return true
	}
	if m.owner == cur || timeout == 0 {
		return false
	}

	m.waiters = append(m.waiters, cur)
	cur.waitingOn = m
	cur.took = false
	cur.block(blockResource, deadlineAfter(k.tick, timeout))
	inherit(m.owner, cur.prio)
	k.reschedule(cur, false)
	return cur.took
}

func (k *Kernel) Give(r kernel.Resource) bool {
	cur := k.enter()
	m := mustMutex(r)
	if m.owner != cur {
		return false
	}
	cur.dropHeld(m)
	cur.prio = cur.effectivePriority()
	m.owner = nil

	if w := m.popWaiter(); w != nil {
		m.owner = w
		w.held = append(w.held, m)
		w.waitingOn = nil
		w.took = true
		k.makeReady(w)
	}
	k.reschedule(cur, false)
	return true
}

func (k *Kernel) NotifyGiveFromISR(h kernel.Handle) {
	t := k.tasks[h]
	if t == nil {
		return
	}
	t.notify++
	if t.state == stateBlocked && t.reason == blockNotify {
		k.makeReady(t)
	}
}

func (k *Kernel) NotifyTake(clear bool, timeout kernel.Tick) uint32 {
	cur := k.enter()
	if cur.notify == 0 {
		if timeout == 0 {
			return 0
		}
		cur.block(blockNotify, deadlineAfter(k.tick, timeout))
		k.reschedule(cur, false)
	}
	v := cur.notify
	if v > 0 {
		if clear {
			cur.notify = 0
		} else {
			cur.notify--
		}
	}
	return v
}

func (k *Kernel) EnterCritical() { k.cs.Lock() }
func (k *Kernel) ExitCritical()  { k.cs.Unlock() }

// ─── Scheduler ──────────────────────────────────────────────────────────────

func (k *Kernel) SetTickHook(fn func()) { k.hook = fn }

// Run creates the idle task, dispatches the highest-priority ready task and
// blocks until the kernel halts (StopAfter reached or ctx done).
func (k *Kernel) Run(ctx context.Context) error {
	if k.running {
		return kernel.ErrAlreadyRunning
	}
	k.running = true
	k.ctx = ctx
	k.halted = make(chan struct{})
	k.idle = k.newTask(k.idleBody, "IDLE", 0, nil, 0)
	k.log.Info("kernel started", logx.Int("tasks", len(k.order)), logx.Int("max_prio", int(k.cfg.MaxPriorities)))

	first := k.pick()
	k.current = first
	first.started = true
	k.wg.Add(1)
	go k.taskMain(first)

	<-k.halted
	for _, t := range k.order {
		if t.started && t != k.current {
			t.resume <- false
		}
	}
	k.wg.Wait()
	k.running = false
	k.log.Info("kernel halted", logx.Uint64("tick", uint64(k.tick)))
	return nil
}

func (k *Kernel) idleBody(any) {
	for {
		k.Compute(1)
	}
}

func (k *Kernel) taskMain(t *task) {
	defer k.wg.Done()
	t.fn(t.params)

	// A returning task deletes itself.
	k.remove(t)
	k.log.Debug("task returned", logx.String("task", t.name))
	k.switchTo(t, k.pick())
}

func (k *Kernel) halt() {
	k.stopping = true
	k.haltOnce.Do(func() { close(k.halted) })
	runtime.Goexit()
}

func (k *Kernel) enter() *task {
	cur := k.current
	if cur == nil || !k.running {
		panic(kernel.ErrNotRunning)
	}
	if k.stopping || cur.killed {
		runtime.Goexit()
	}
	return cur
}

// reschedule gives the CPU to a more urgent task, or to any ready task when
// cur blocked. At tick boundaries with time slicing, equal priorities rotate.
func (k *Kernel) reschedule(cur *task, tick bool) {
	slice := tick && k.cfg.TimeSlicing
	if cur.state == stateReady && slice {
		k.makeReady(cur)
	}
	next := k.pick()
	if next == cur {
		return
	}
	if cur.state == stateReady && next.prio <= cur.prio && !slice {
		return
	}
	k.switchTo(cur, next)
}

// switchTo hands the CPU from prev to next and parks prev until it is
// dispatched again. A deleted prev returns without parking. prev's state is
// read before the handoff: once next runs it may write it.
func (k *Kernel) switchTo(prev, next *task) {
	deleted := prev.state == stateDeleted
	k.current = next
	if !next.started {
		next.started = true
		k.wg.Add(1)
		go k.taskMain(next)
	} else {
		next.resume <- true
	}
	if deleted {
		return
	}
	if ok := <-prev.resume; !ok {
		runtime.Goexit()
	}
}

func (k *Kernel) pick() *task {
	var best *task
	for _, t := range k.order {
		if t.state != stateReady {
			continue
		}
		if best == nil || t.prio > best.prio || (t.prio == best.prio && t.readySeq < best.readySeq) {
			best = t
		}
	}
	return best
}

func (k *Kernel) makeReady(t *task) {
	k.seq++
	t.state = stateReady
	t.reason = blockNone
	t.readySeq = k.seq
}

// ─── Inspection ─────────────────────────────────────────────────────────────

// Info describes a task for diagnostics and tests.
type Info struct {
	Handle       kernel.Handle
	Name         string
	Priority     kernel.Priority
	BasePriority kernel.Priority
	State        string
	StackSize    uint32
	Held         int
}

// Info returns a task description; ok is false for unknown handles.
func (k *Kernel) Info(h kernel.Handle) (Info, bool) {
	t := k.tasks[h]
	if t == nil {
		return Info{}, false
	}
	return Info{
		Handle:       t.handle,
		Name:         t.name,
		Priority:     t.prio,
		BasePriority: t.base,
		State:        t.state.String(),
		StackSize:    t.stack,
		Held:         len(t.held),
	}, true
}

// Tasks lists live tasks in creation order.
func (k *Kernel) Tasks() []Info {
	out := make([]Info, 0, len(k.order))
	for _, t := range k.order {
		info, _ := k.Info(t.handle)
		out = append(out, info)
	}
	return out
}

func deadlineAfter(now, timeout kernel.Tick) kernel.Tick {
	if timeout == kernel.Forever || now+timeout < now {
		return kernel.Forever
	}
	return now + timeout
}
