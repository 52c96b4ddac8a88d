package periodic

import (
	"fmt"

	"fpsched/internal/kernel"
	logx "fpsched/pkg/logx"
)

// watchdogLoop is the supervisory task: scan, recover what is safe, sleep
// until the tick hook notifies again.
func (s *Scheduler) watchdogLoop(any) {
	log := s.log.With(logx.String("comp", "watchdog"))
	for {
		now := s.k.TickCount()
		flagged := 0
		s.reg.each(func(slot int, d *descriptor) {
			if d.flagged() {
				flagged++
				s.check(log, now, slot, d)
			}
		})
		s.watchdogWakes++
		s.publish()
		s.emit(EventWatchdogWake, WakeEvent{Tick: now, Flagged: flagged})

		s.k.NotifyTake(true, kernel.Forever)
	}
}

// check handles one flagged task. Recovery is safe once the instance is done
// or it holds no shared resource.
func (s *Scheduler) check(log logx.Logger, now kernel.Tick, slot int, d *descriptor) {
	s.report(log, now, slot, d)

	if !d.workDone && d.resourceAcquired {
		if !d.deferred {
			d.deferred = true
			d.deferrals++
			log.Debug("recovery deferred: resource held",
				logx.String("task", d.name),
				logx.Int("held", d.heldCount),
				logx.Uint64("tick", uint64(now)))
			s.emit(EventRecoveryDeferred, s.timingEvent(slot, d, now, ""))
		}
		return
	}

	kind := ViolationDeadline
	if !d.deadlineExceeded {
		kind = ViolationWCET
	}
	s.recreate(log, slot, d)
	if kind == ViolationDeadline {
		d.deadlineExceeded = false
		d.reportedDeadline = false
	}
	d.deferred = false

	ev := s.timingEvent(slot, d, now, kind)
	log.Info("task recovered",
		logx.String("task", d.name),
		logx.String("kind", string(kind)),
		logx.Uint64("handle", uint64(d.handle)),
		logx.Uint64("next_release", uint64(d.nextRelease)),
		logx.Uint64("abs_deadline", uint64(d.absDeadline)))
	s.emit(EventRecovered, ev)
}

// report announces each raised flag once per episode.
func (s *Scheduler) report(log logx.Logger, now kernel.Tick, slot int, d *descriptor) {
	if d.deadlineExceeded && !d.reportedDeadline {
		d.reportedDeadline = true
		d.deadlineMisses++
		log.Warn("deadline missed",
			logx.String("task", d.name),
			logx.String("kind", string(ViolationDeadline)),
			logx.Uint64("tick", uint64(now)),
			logx.Uint64("last_wake", uint64(d.lastWake)),
			logx.Uint64("abs_deadline", uint64(d.absDeadline)),
			logx.Uint64("exec", uint64(d.execTime)))
		s.emit(EventDeadlineMissed, s.timingEvent(slot, d, now, ViolationDeadline))
	}
	if d.wcetExceeded && !d.reportedWCET {
		d.reportedWCET = true
		d.overruns++
		log.Warn("WCET exceeded",
			logx.String("task", d.name),
			logx.String("kind", string(ViolationWCET)),
			logx.Uint64("tick", uint64(now)),
			logx.Uint64("last_wake", uint64(d.lastWake)),
			logx.Uint64("abs_deadline", uint64(d.absDeadline)),
			logx.Uint64("exec", uint64(d.execTime)),
			logx.Uint64("wcet", uint64(d.wcet)))
		s.emit(EventWCETExceeded, s.timingEvent(slot, d, now, ViolationWCET))
	}
}

// recreate deletes the task's kernel task and creates a fresh one for the
// same slot, released one period after lastWake. If the flagged instance
// already finished, the wrapper's DelayUntil has advanced lastWake to the
// next release, so that release is skipped and the task resumes one period
// later.
func (s *Scheduler) recreate(log logx.Logger, slot int, d *descriptor) {
	if d.handle == 0 {
		s.violation("recover", d.name, fmt.Errorf("slot %d has no kernel task: %w", slot, ErrUnknownTask))
		return
	}
	if d.heldCount > 0 {
		log.Warn("recovering finished instance that still holds resources",
			logx.String("task", d.name), logx.Int("held", d.heldCount))
	}

	s.k.Delete(d.handle)

	s.k.EnterCritical()
	d.handle = 0
	d.execTime = 0
	d.held = [MaxHeldResources]kernel.Resource{}
	d.heldCount = 0
	d.resourceAcquired = false
	s.k.ExitCritical()

	h, err := s.k.Create(s.runPeriodic, d.name, d.stack, d.params, d.prio)
	if err != nil {
		s.violation("recover", d.name, fmt.Errorf("%w: %w", ErrKernel, err))
		return
	}

	s.k.EnterCritical()
	d.handle = h
	d.executedOnce = false
	d.wcetExceeded = false
	d.reportedWCET = false
	d.nextRelease = d.lastWake + d.period
	d.lastWake = s.startTime
	d.absDeadline = d.nextRelease + d.deadline
	d.recoveries++
	s.k.ExitCritical()
}

func (s *Scheduler) timingEvent(slot int, d *descriptor, now kernel.Tick, kind Violation) TimingEvent {
	return TimingEvent{
		ID:          d.id(slot),
		Task:        d.name,
		Kind:        kind,
		Tick:        now,
		LastWake:    d.lastWake,
		AbsDeadline: d.absDeadline,
		ExecTime:    d.execTime,
		NextRelease: d.nextRelease,
		Recoveries:  d.recoveries,
	}
}
