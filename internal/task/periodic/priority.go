package periodic

import (
	"math"

	"fpsched/internal/kernel"
)

// AssignPriorities gives every registered task a fixed priority under policy,
// starting at top for the shortest key (period for RMS, relative deadline for
// DMS). Equal keys share a level; each distinct larger key gets the next
// lower level, never going below 1. PolicyManual only marks tasks assigned.
//
// The scan selects the minimum with <=, so among equal keys the highest slot
// index is picked first. Equal keys share a level, so the order is not
// observable.
func AssignPriorities(reg *Registry, policy Policy, top kernel.Priority) {
	if top < 1 {
		top = 1
	}
	reg.each(func(_ int, d *descriptor) { d.prioAssigned = false })

	if policy == PolicyManual {
		reg.each(func(_ int, d *descriptor) { d.prioAssigned = true })
		return
	}

	key := func(d *descriptor) kernel.Tick {
		if policy == PolicyDMS {
			return d.deadline
		}
		return d.period
	}

	level := top
	var prev kernel.Tick
	for n := 0; n < reg.Len(); n++ {
		var pick *descriptor
		shortest := kernel.Forever
		reg.each(func(_ int, d *descriptor) {
			if d.prioAssigned {
				return
			}
			if k := key(d); k <= shortest {
				shortest = k
				pick = d
			}
		})
		if pick == nil {
			return
		}
		if n > 0 && shortest != prev && level > 1 {
			level--
		}
		pick.prio = level
		pick.prioAssigned = true
		prev = shortest
	}
}

// Utilization returns the processor utilization of tasks (sum of WCET over
// period) and the Liu and Layland bound n(2^(1/n)-1) for n tasks. Both are
// reported for information; nothing admits or rejects tasks on them.
func Utilization(tasks []TaskStatus) (u, bound float64) {
	n := 0
	for _, t := range tasks {
		if t.Period == 0 {
			continue
		}
		u += float64(t.WCET) / float64(t.Period)
		n++
	}
	if n == 0 {
		return 0, 1
	}
	return u, float64(n) * (math.Pow(2, 1/float64(n)) - 1)
}
