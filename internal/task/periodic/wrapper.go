package periodic

import "fmt"

// runPeriodic is the body of every periodic kernel task.
func (s *Scheduler) runPeriodic(params any) {
	self := s.k.Current()
	slot, ok := s.reg.Find(self)
	if !ok {
		s.violation("periodic task", "", fmt.Errorf("handle %d: %w", self, ErrUnknownTask))
		return
	}
	d := s.reg.at(slot)

	if d.nextRelease == 0 {
		d.lastWake = s.startTime
	} else {
		s.k.DelayUntil(&d.lastWake, d.nextRelease)
	}

	for {
		d.workDone = false
		d.executedOnce = true
		d.absDeadline = d.lastWake + d.deadline
		d.instances++

		d.fn(params)

		d.execTime = 0
		d.workDone = true
		s.k.DelayUntil(&d.lastWake, d.period)
	}
}
