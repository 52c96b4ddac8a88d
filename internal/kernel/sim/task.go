package sim

import (
	"fmt"

	"fpsched/internal/kernel"
)

type state int

const (
	stateReady state = iota
	stateBlocked
	stateDeleted
)

func (s state) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateBlocked:
		return "blocked"
	case stateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

type blockReason int

const (
	blockNone blockReason = iota
	blockDelay
	blockResource
	blockNotify
)

type task struct {
	handle kernel.Handle
	name   string
	stack  uint32
	fn     kernel.TaskFunc
	params any

	base kernel.Priority
	prio kernel.Priority // base raised by inheritance

	state    state
	reason   blockReason
	wakeAt   kernel.Tick
	readySeq uint64

	waitingOn *Mutex
	took      bool
	held      []*Mutex
	notify    uint32

	started bool
	killed  bool
	resume  chan bool // true: dispatched, false: killed
}

func (t *task) block(r blockReason, until kernel.Tick) {
	t.state = stateBlocked
	t.reason = r
	t.wakeAt = until
}

func (t *task) dropHeld(m *Mutex) {
	for i, h := range t.held {
		if h == m {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}
}

// effectivePriority is the base priority raised to the most urgent waiter
// on any mutex t still holds.
func (t *task) effectivePriority() kernel.Priority {
	p := t.base
	for _, m := range t.held {
		for _, w := range m.waiters {
			if w.prio > p {
				p = w.prio
			}
		}
	}
	return p
}

func inherit(owner *task, p kernel.Priority) {
	for owner != nil && owner.prio < p {
		owner.prio = p
		if owner.waitingOn == nil {
			return
		}
		owner = owner.waitingOn.owner
	}
}

// Mutex is a non-recursive mutex with priority inheritance.
type Mutex struct {
	name    string
	owner   *task
	waiters []*task
}

func (m *Mutex) Name() string { return m.name }

// Owner reports the holding task, or 0 when free.
func (m *Mutex) Owner() kernel.Handle {
	if m.owner == nil {
		return 0
	}
	return m.owner.handle
}

func (m *Mutex) dropWaiter(t *task) {
	for i, w := range m.waiters {
		if w == t {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// popWaiter removes the most urgent waiter; equal priorities are FIFO.
func (m *Mutex) popWaiter() *task {
	if len(m.waiters) == 0 {
		return nil
	}
	best := 0
	for i, w := range m.waiters[1:] {
		if w.prio > m.waiters[best].prio {
			best = i + 1
		}
	}
	w := m.waiters[best]
	m.waiters = append(m.waiters[:best], m.waiters[best+1:]...)
	return w
}

func mustMutex(r kernel.Resource) *Mutex {
	m, ok := r.(*Mutex)
	if !ok || m == nil {
		panic(fmt.Sprintf("sim: resource %T was not created by this kernel", r))
	}
	return m
}
