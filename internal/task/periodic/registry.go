package periodic

import (
	"fmt"

	"fpsched/internal/kernel"
)

// descriptor is one registry slot.
type descriptor struct {
	inUse bool
	gen   uint32

	name   string
	handle kernel.Handle

	fn     Func
	params any
	stack  uint32
	prio   kernel.Priority

	phase    kernel.Tick
	period   kernel.Tick
	deadline kernel.Tick
	wcet     kernel.Tick

	lastWake    kernel.Tick
	execTime    kernel.Tick
	absDeadline kernel.Tick
	// nextRelease is the first wake of a (re)created task; phase at creation.
	nextRelease kernel.Tick

	prioAssigned     bool
	workDone         bool
	executedOnce     bool
	deadlineExceeded bool
	wcetExceeded     bool
	resourceAcquired bool

	held      [MaxHeldResources]kernel.Resource
	heldCount int

	// reported marks violations already published, so a deferred recovery
	// is announced once.
	reportedDeadline bool
	reportedWCET     bool
	deferred         bool

	instances      uint64
	deadlineMisses uint64
	overruns       uint64
	recoveries     uint64
	deferrals      uint64
}

func (d *descriptor) id(slot int) TaskID { return newTaskID(slot, d.gen) }

func (d *descriptor) holds(r kernel.Resource) int {
	for i := 0; i < d.heldCount; i++ {
		if d.held[i] == r {
			return i
		}
	}
	return -1
}

func (d *descriptor) flagged() bool { return d.deadlineExceeded || d.wcetExceeded }

// Registry is a fixed-capacity slot table of task descriptors.
//
// Allocate and Find start scanning where the previous call stopped, so a
// steady-state lookup of the running task is usually one probe.
type Registry struct {
	slots      []descriptor
	count      int
	freeCursor int
	findCursor int
}

// NewRegistry returns an empty registry with capacity slots.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{slots: make([]descriptor, capacity)}
}

// Reset frees every slot. Generations survive so stale TaskIDs stay invalid.
func (r *Registry) Reset() {
	for i := range r.slots {
		gen := r.slots[i].gen
		r.slots[i] = descriptor{gen: gen}
	}
	r.count = 0
	r.freeCursor = 0
	r.findCursor = 0
}

// Allocate claims the next free slot. ok is false when the registry is full.
func (r *Registry) Allocate() (slot int, ok bool) {
	n := len(r.slots)
	for i := 0; i < n; i++ {
		idx := r.freeCursor
		r.freeCursor = (r.freeCursor + 1) % n
		if !r.slots[idx].inUse {
			d := &r.slots[idx]
			gen := d.gen + 1
			*d = descriptor{inUse: true, gen: gen}
			r.count++
			return idx, true
		}
	}
	return -1, false
}

// Find returns the slot whose live task has handle h.
func (r *Registry) Find(h kernel.Handle) (slot int, ok bool) {
	if h == 0 {
		return -1, false
	}
	n := len(r.slots)
	for i := 0; i < n; i++ {
		idx := r.findCursor
		if d := &r.slots[idx]; d.inUse && d.handle == h {
			return idx, true
		}
		r.findCursor = (r.findCursor + 1) % n
	}
	return -1, false
}

// Lookup resolves a TaskID to its slot.
func (r *Registry) Lookup(id TaskID) (slot int, ok bool) {
	idx := id.slot()
	if idx < 0 || idx >= len(r.slots) {
		return -1, false
	}
	d := &r.slots[idx]
	if !d.inUse || d.gen != id.gen() {
		return -1, false
	}
	return idx, true
}

// Free releases an in-use slot.
func (r *Registry) Free(slot int) error {
	if slot < 0 || slot >= len(r.slots) {
		return fmt.Errorf("free slot %d: %w", slot, ErrSlotNotInUse)
	}
	d := &r.slots[slot]
	if !d.inUse {
		return fmt.Errorf("free slot %d: %w", slot, ErrSlotNotInUse)
	}
	gen := d.gen
	*d = descriptor{gen: gen}
	r.count--
	return nil
}

// Len is the number of in-use slots.
func (r *Registry) Len() int { return r.count }

// Cap is the number of slots.
func (r *Registry) Cap() int { return len(r.slots) }

func (r *Registry) at(slot int) *descriptor { return &r.slots[slot] }

// each calls fn for every in-use slot in index order.
func (r *Registry) each(fn func(slot int, d *descriptor)) {
	for i := range r.slots {
		if r.slots[i].inUse {
			fn(i, &r.slots[i])
		}
	}
}
