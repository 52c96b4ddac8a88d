package periodic

import (
	"errors"
	"testing"

	"fpsched/internal/kernel"
)

func TestRateMonotonicTaskSetRunsClean(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1000, func(c *Config) { c.Watchdog.PeriodTicks = 100 })

	var ra, rb, rc []kernel.Tick
	h.add(TaskSpec{Name: "A", Func: releases(h.k, &ra, constant(4)), Period: 20, WCET: 5})
	h.add(TaskSpec{Name: "B", Func: releases(h.k, &rb, constant(9)), Period: 50, WCET: 10})
	h.add(TaskSpec{Name: "C", Func: releases(h.k, &rc, constant(19)), Period: 100, WCET: 20})
	h.run()

	a, b, c := h.status("A"), h.status("B"), h.status("C")
	if !(a.Priority > b.Priority && b.Priority > c.Priority) {
		t.Fatalf("priorities A=%d B=%d C=%d, want strictly decreasing", a.Priority, b.Priority, c.Priority)
	}
	if a.Priority != 6 {
		t.Fatalf("A priority = %d, want 6 (one below the watchdog)", a.Priority)
	}

	st := h.s.Stats()
	if st.DeadlineMiss != 0 || st.WCETOverruns != 0 || st.Recoveries != 0 {
		t.Fatalf("stats = %+v, want no violations", st)
	}
	if st.WatchdogWakes < 10 {
		t.Fatalf("watchdog wakes = %d, want heartbeat wakes", st.WatchdogWakes)
	}
	if a.Instances < 50 || b.Instances < 20 || c.Instances < 10 {
		t.Fatalf("instances A=%d B=%d C=%d", a.Instances, b.Instances, c.Instances)
	}
	ticksEqual(t, "A releases", ra, []kernel.Tick{0, 20, 40, 60, 80, 100})
	if rc[0] != 13 {
		t.Fatalf("C first ran at %d, want 13 (after A and B)", rc[0])
	}
}

func TestWCETOverrunRecoversAtNextPeriod(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 200, nil)

	var rel []kernel.Tick
	work := func(n int) kernel.Tick {
		if n == 1 {
			return 8
		}
		return 3
	}
	h.add(TaskSpec{Name: "ovr", Func: releases(h.k, &rel, work), Period: 30, WCET: 5})
	h.run()

	ticksEqual(t, "releases", rel, []kernel.Tick{0, 30, 60, 90, 120})

	over := h.timing(EventWCETExceeded)
	if len(over) != 1 {
		t.Fatalf("wcet events = %d, want 1", len(over))
	}
	if over[0].Tick != 35 || over[0].ExecTime != 5 {
		t.Fatalf("wcet event = %+v, want tick 35 exec 5", over[0])
	}

	rec := h.timing(EventRecovered)
	if len(rec) != 1 {
		t.Fatalf("recovered events = %d, want 1", len(rec))
	}
	if rec[0].NextRelease != 60 || rec[0].Kind != ViolationWCET {
		t.Fatalf("recovered = %+v, want next release 60", rec[0])
	}
	if rec[0].AbsDeadline != 90 {
		t.Fatalf("abs deadline after recovery = %d, want 90", rec[0].AbsDeadline)
	}

	st := h.s.Stats()
	if st.WCETOverruns != 1 || st.Recoveries != 1 || st.DeadlineMiss != 0 {
		t.Fatalf("stats = %+v", st)
	}
	s := h.status("ovr")
	if s.WCETExceeded || s.DeadlineExceeded {
		t.Fatalf("flags still set after recovery: %+v", s)
	}
}

func TestDeadlineMissRecovers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100, nil)

	var rel []kernel.Tick
	work := func(n int) kernel.Tick {
		if n == 0 {
			return 12
		}
		return 5
	}
	h.add(TaskSpec{Name: "late", Func: releases(h.k, &rel, work), Period: 20, Deadline: 10, WCET: 15})
	h.run()

	miss := h.timing(EventDeadlineMissed)
	if len(miss) != 1 {
		t.Fatalf("deadline events = %d, want 1", len(miss))
	}
	if miss[0].Tick != 11 || miss[0].AbsDeadline != 10 {
		t.Fatalf("deadline event = %+v, want tick 11 abs 10", miss[0])
	}
	ticksEqual(t, "releases", rel, []kernel.Tick{0, 20, 40, 60, 80})

	st := h.s.Stats()
	if st.DeadlineMiss != 1 || st.Recoveries != 1 || st.WCETOverruns != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCompletionBeforeDeadlineNeverFlags(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 300, nil)

	var rel []kernel.Tick
	h.add(TaskSpec{Name: "tight", Func: releases(h.k, &rel, constant(10)), Period: 25, Deadline: 10, WCET: 11})
	h.run()

	if st := h.s.Stats(); st.DeadlineMiss != 0 || st.Recoveries != 0 {
		t.Fatalf("stats = %+v, want no deadline miss for work == deadline", st)
	}
}

func TestPhaseDelaysFirstRelease(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 60, nil)

	var rel []kernel.Tick
	h.add(TaskSpec{Name: "phased", Func: releases(h.k, &rel, constant(2)), Phase: 7, Period: 10, WCET: 5})
	h.run()

	ticksEqual(t, "releases", rel, []kernel.Tick{7, 17, 27, 37, 47, 57})
}

func TestReleasesStayOnGridUnderJitter(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 200, nil)

	var hi, lo []kernel.Tick
	h.add(TaskSpec{Name: "hi", Func: releases(h.k, &hi, func(n int) kernel.Tick { return kernel.Tick(1 + n%4) }), Period: 10, WCET: 6})
	h.add(TaskSpec{Name: "lo", Func: releases(h.k, &lo, constant(7)), Phase: 3, Period: 40, WCET: 20})
	h.run()

	for i, r := range hi {
		if r != kernel.Tick(i*10) {
			t.Fatalf("hi release %d at %d, want %d", i, r, i*10)
		}
	}
	ticksEqual(t, "lo releases", lo, []kernel.Tick{3, 43})
}

func TestResourceHeldDefersRecovery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 120, func(c *Config) { c.Watchdog.PeriodTicks = 2 })
	m := h.k.NewMutex("bus")

	var rel []kernel.Tick
	var releasedAt kernel.Tick
	n := 0
	h.add(TaskSpec{Name: "holder", Period: 50, WCET: 5, Func: func(any) {
		rel = append(rel, h.k.TickCount())
		n++
		if n > 1 {
			h.k.Compute(1)
			return
		}
		if err := h.s.AcquireResource(m); err != nil {
			t.Errorf("acquire: %v", err)
			return
		}
		h.k.Compute(8)
		if err := h.s.ReleaseResource(m); err != nil {
			t.Errorf("release: %v", err)
			return
		}
		releasedAt = h.k.TickCount()
		h.k.Compute(3)
	}})
	h.run()

	if releasedAt != 8 {
		t.Fatalf("released at %d, want 8", releasedAt)
	}
	def := h.timing(EventRecoveryDeferred)
	if len(def) != 1 || def[0].Tick != 5 {
		t.Fatalf("deferred events = %+v, want one at tick 5", def)
	}
	rec := h.timing(EventRecovered)
	if len(rec) != 1 {
		t.Fatalf("recovered events = %d, want 1", len(rec))
	}
	if rec[0].Tick != 10 || rec[0].Tick < releasedAt {
		t.Fatalf("recovered at %d, want 10 (after release at %d)", rec[0].Tick, releasedAt)
	}
	if rec[0].NextRelease != 50 {
		t.Fatalf("next release = %d, want 50", rec[0].NextRelease)
	}
	ticksEqual(t, "releases", rel, []kernel.Tick{0, 50, 100})
	if m.Owner() != 0 {
		t.Fatalf("mutex still owned by %d", m.Owner())
	}
	if st := h.s.Stats(); st.Deferrals != 1 || st.Recoveries != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFinishedInstanceRecoversOnHeartbeat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 260, func(c *Config) { c.Watchdog.PeriodTicks = 20 })
	m := h.k.NewMutex("bus")

	var rel []kernel.Tick
	n := 0
	h.add(TaskSpec{Name: "holder", Period: 50, WCET: 10, Func: func(any) {
		rel = append(rel, h.k.TickCount())
		n++
		if n > 1 {
			h.k.Compute(1)
			return
		}
		if err := h.s.AcquireResource(m); err != nil {
			t.Errorf("acquire: %v", err)
			return
		}
		h.k.Compute(12)
		if err := h.s.ReleaseResource(m); err != nil {
			t.Errorf("release: %v", err)
		}
	}})
	h.run()

	// The overrun is deferred while the mutex is held. The instance ends at
	// tick 12 and its DelayUntil moves lastWake to 50 before the heartbeat
	// at 20 recovers it, so the release at 50 is skipped.
	if def := h.timing(EventRecoveryDeferred); len(def) != 1 {
		t.Fatalf("deferred events = %+v, want 1", def)
	}
	rec := h.timing(EventRecovered)
	if len(rec) != 1 || rec[0].Tick != 20 || rec[0].NextRelease != 100 {
		t.Fatalf("recovered events = %+v, want one at 20 with next release 100", rec)
	}
	ticksEqual(t, "releases", rel, []kernel.Tick{0, 100, 150, 200, 250})
	if m.Owner() != 0 {
		t.Fatalf("mutex still owned by %d", m.Owner())
	}
}

func TestWatchdogDisabledLeavesOverrunAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100, func(c *Config) { c.Watchdog.Enabled = false })

	var rel []kernel.Tick
	h.add(TaskSpec{Name: "ovr", Func: releases(h.k, &rel, constant(8)), Period: 30, WCET: 5})
	h.run()

	ticksEqual(t, "releases", rel, []kernel.Tick{0, 30, 60, 90})
	st := h.s.Stats()
	if st.Recoveries != 0 || st.WatchdogWakes != 0 {
		t.Fatalf("stats = %+v, want no supervision", st)
	}
	if s := h.status("ovr"); s.Priority != 7 {
		t.Fatalf("priority = %d, want top level 7 without watchdog", s.Priority)
	}
}

func TestDetectorsCanBeDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100, func(c *Config) {
		c.DetectWCET = false
		c.DetectDeadline = false
	})

	var rel []kernel.Tick
	h.add(TaskSpec{Name: "ovr", Func: releases(h.k, &rel, constant(12)), Period: 30, Deadline: 10, WCET: 5})
	h.run()

	if st := h.s.Stats(); st.Recoveries != 0 || st.WCETOverruns != 0 || st.DeadlineMiss != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestManualPolicyKeepsPriorities(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 10, func(c *Config) { c.Policy = PolicyManual })

	var r1, r2 []kernel.Tick
	h.add(TaskSpec{Name: "slow", Func: releases(h.k, &r1, constant(1)), Period: 100, WCET: 5, Priority: 5})
	h.add(TaskSpec{Name: "fast", Func: releases(h.k, &r2, constant(1)), Period: 10, WCET: 5, Priority: 2})
	h.run()

	if p := h.status("slow").Priority; p != 5 {
		t.Fatalf("slow priority = %d, want 5", p)
	}
	if p := h.status("fast").Priority; p != 2 {
		t.Fatalf("fast priority = %d, want 2", p)
	}
}

func TestStartTwiceAndCreateAfterStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, nil)
	var rel []kernel.Tick
	h.add(TaskSpec{Name: "t", Func: releases(h.k, &rel, constant(1)), Period: 10, WCET: 5})
	h.run()

	if err := h.s.Start(t.Context()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start err = %v, want ErrStarted", err)
	}
	_, err := h.s.CreatePeriodicTask(TaskSpec{Name: "late", Func: func(any) {}, Period: 10, WCET: 1})
	if !errors.Is(err, ErrStarted) {
		t.Fatalf("create after start err = %v, want ErrStarted", err)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	noop := func(any) {}

	cases := []struct {
		name string
		spec TaskSpec
	}{
		{"nil func", TaskSpec{Name: "a", Period: 10, WCET: 1}},
		{"zero period", TaskSpec{Name: "b", Func: noop, WCET: 1}},
		{"zero wcet", TaskSpec{Name: "c", Func: noop, Period: 10}},
	}
	for _, tc := range cases {
		if _, err := h.s.CreatePeriodicTask(tc.spec); !errors.Is(err, ErrInvalidTask) {
			t.Fatalf("%s: err = %v, want ErrInvalidTask", tc.name, err)
		}
	}

	id := h.add(TaskSpec{Name: "d", Func: noop, Period: 10, WCET: 1})
	st := h.s.Snapshot()
	if len(st) != 1 || st[0].ID != id || st[0].Deadline != 10 {
		t.Fatalf("snapshot = %+v, want deadline defaulted to period", st)
	}

	if _, err := h.s.CreatePeriodicTask(TaskSpec{Name: "e", Func: noop, Period: 10, Deadline: 15, WCET: 1}); err != nil {
		t.Fatalf("deadline > period must be accepted: %v", err)
	}
}

func TestCapacityExhaustion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, func(c *Config) { c.Capacity = 3 })
	noop := func(any) {}

	for _, name := range []string{"a", "b", "c"} {
		h.add(TaskSpec{Name: name, Func: noop, Period: 10, WCET: 1})
	}
	for i := 0; i < 3; i++ {
		_, err := h.s.CreatePeriodicTask(TaskSpec{Name: "extra", Func: noop, Period: 10, WCET: 1})
		if !errors.Is(err, ErrCapacity) {
			t.Fatalf("attempt %d err = %v, want ErrCapacity", i, err)
		}
	}
	if h.s.Count() != 3 {
		t.Fatalf("count = %d, want 3", h.s.Count())
	}
	for i, st := range h.s.Snapshot() {
		if st.Name != []string{"a", "b", "c"}[i] || st.Period != 10 {
			t.Fatalf("entry %d corrupted: %+v", i, st)
		}
	}
}

func TestDeletePeriodicTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	noop := func(any) {}

	a := h.add(TaskSpec{Name: "a", Func: noop, Period: 10, WCET: 1})
	h.add(TaskSpec{Name: "b", Func: noop, Period: 10, WCET: 1})

	if err := h.s.DeletePeriodicTask(a); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.s.DeletePeriodicTask(a); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("second delete err = %v, want ErrUnknownTask", err)
	}
	if h.s.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.s.Count())
	}
	c := h.add(TaskSpec{Name: "c", Func: noop, Period: 10, WCET: 1})
	if c == a {
		t.Fatalf("reused slot produced the stale id %s", a)
	}
}

func TestDeleteRunningTaskFromAnotherTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 100, nil)

	var victimRel, killerRel []kernel.Tick
	victim := h.add(TaskSpec{Name: "victim", Func: releases(h.k, &victimRel, constant(1)), Period: 10, WCET: 5})
	var delErr error
	done := false
	h.add(TaskSpec{Name: "killer", Period: 25, WCET: 5, Func: func(any) {
		killerRel = append(killerRel, h.k.TickCount())
		if killerRel[len(killerRel)-1] == 25 && !done {
			done = true
			delErr = h.s.DeletePeriodicTask(victim)
		}
	}})
	h.run()

	if delErr != nil {
		t.Fatalf("delete: %v", delErr)
	}
	ticksEqual(t, "victim", victimRel, []kernel.Tick{0, 10, 20})
	if len(victimRel) != 3 {
		t.Fatalf("victim kept running after delete: %v", victimRel)
	}
	if h.s.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.s.Count())
	}
}

func TestUnregisteredWrapperIsContractViolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5, nil)

	var got error
	h.s.SetFatalHandler(func(err error) { got = err })
	if _, err := h.k.Create(h.s.runPeriodic, "stray", 0, nil, 3); err != nil {
		t.Fatalf("kernel create: %v", err)
	}
	h.run()

	if !IsContractViolation(got) || !errors.Is(got, ErrUnknownTask) {
		t.Fatalf("fatal err = %v, want contract violation wrapping ErrUnknownTask", got)
	}
}

func TestDefaultFatalPanics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, nil)
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !IsContractViolation(err) {
			t.Fatalf("recover() = %v, want *ContractViolation", r)
		}
	}()
	h.s.violation("test", "x", ErrUnknownTask)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	cases := map[string]Policy{"": PolicyRMS, "RMS": PolicyRMS, "dms": PolicyDMS, "manual": PolicyManual}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("edf"); err == nil {
		t.Fatalf("ParsePolicy(edf) should fail")
	}
}
