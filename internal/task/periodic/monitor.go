package periodic

// TickHook runs once per kernel tick in interrupt context. It charges the
// tick to the running periodic task, raises WCET and deadline flags, and
// wakes the watchdog on a new flag or on every heartbeat.
func (s *Scheduler) TickHook() {
	cur := s.k.Current()
	if cur != 0 && cur != s.watchdog && cur != s.k.Idle() {
		if slot, ok := s.reg.Find(cur); ok {
			s.monitor(s.reg.at(slot))
		}
	}

	if s.watchdog == 0 || s.cfg.Watchdog.PeriodTicks == 0 {
		return
	}
	s.wakeCounter++
	if s.wakeCounter >= s.cfg.Watchdog.PeriodTicks {
		s.wakeCounter = 0
		s.wakeWatchdog()
	}
}

func (s *Scheduler) monitor(d *descriptor) {
	d.execTime++

	if s.cfg.DetectWCET && !d.wcetExceeded && d.execTime >= d.wcet {
		d.wcetExceeded = true
		s.wakeWatchdog()
	}

	if s.cfg.DetectDeadline && !d.deadlineExceeded && d.executedOnce && !d.workDone {
		d.absDeadline = d.lastWake + d.deadline
		if d.absDeadline < s.k.TickCountFromISR() {
			d.deadlineExceeded = true
			s.wakeWatchdog()
		}
	}
}

func (s *Scheduler) wakeWatchdog() {
	if s.watchdog != 0 {
		s.k.NotifyGiveFromISR(s.watchdog)
	}
}
