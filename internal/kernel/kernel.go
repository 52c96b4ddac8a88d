// Package kernel declares the primitives the periodic-task layer consumes from
// the underlying preemptive real-time kernel.
//
// Two execution contexts exist:
//   - task context: ordinary kernel tasks; may block (DelayUntil, Take, NotifyTake).
//   - interrupt context: the tick hook; bounded time, never blocks, and may only
//     use the FromISR variants.
//
// Priorities follow the usual RTOS convention: a larger number is more urgent,
// 0 is the idle priority and MaxPriorities()-1 is the highest usable level.
package kernel

import (
	"context"
	"errors"
	"math"
)

// Handle identifies a kernel task. The zero Handle is never a live task.
type Handle uint32

// Tick is a count of kernel timer ticks.
type Tick uint64

// Priority is a kernel task priority.
type Priority int

// Forever blocks without timeout.
const Forever Tick = math.MaxUint64

// TaskFunc is the body of a kernel task. It receives the parameters given at
// creation time and is not expected to return.
type TaskFunc func(params any)

// Resource is an opaque shared resource (mutex/semaphore) created by the kernel.
type Resource interface {
	Name() string
}

var (
	ErrNoMemory       = errors.New("kernel: could not allocate required memory")
	ErrBadPriority    = errors.New("kernel: priority out of range")
	ErrNotRunning     = errors.New("kernel: scheduler not running")
	ErrAlreadyRunning = errors.New("kernel: scheduler already running")
)

// TaskControl covers task lifecycle.
type TaskControl interface {
	Create(fn TaskFunc, name string, stackSize uint32, params any, prio Priority) (Handle, error)
	Delete(h Handle)
	Current() Handle
	Idle() Handle
	MaxPriorities() Priority
}

// Clock covers tick-based timing.
type Clock interface {
	TickCount() Tick
	TickCountFromISR() Tick
	// DelayUntil blocks until *ref+inc and advances *ref by inc. It returns
	// immediately (still advancing *ref) when that time already passed.
	DelayUntil(ref *Tick, inc Tick)
}

// Sync covers resources and direct-to-task notifications.
type Sync interface {
	Take(r Resource, timeout Tick) bool
	Give(r Resource) bool
	// NotifyGiveFromISR increments h's notification value and makes it
	// eligible to run. It never blocks.
	NotifyGiveFromISR(h Handle)
	// NotifyTake blocks the calling task until its notification value is
	// non-zero, then returns it (cleared to zero when clear is set,
	// decremented otherwise).
	NotifyTake(clear bool, timeout Tick) uint32
}

// CriticalSection is a short non-preemptible region.
type CriticalSection interface {
	EnterCritical()
	ExitCritical()
}

// Scheduler hands control to the kernel.
type Scheduler interface {
	// SetTickHook installs the function invoked once per tick in interrupt
	// context.
	SetTickHook(fn func())
	// Run starts the kernel's scheduling loop and blocks until ctx is done or
	// the kernel halts.
	Run(ctx context.Context) error
}

// Kernel is the full collaborator surface.
type Kernel interface {
	TaskControl
	Clock
	Sync
	CriticalSection
	Scheduler
}
