package workload

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fpsched/internal/config"
	"fpsched/internal/kernel"
	"fpsched/internal/kernel/sim"
	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

func newScheduler(t *testing.T, stopAfter kernel.Tick) (*sim.Kernel, *periodic.Scheduler) {
	t.Helper()
	k := sim.New(sim.Config{MaxPriorities: 8, StopAfter: stopAfter}, logx.Nop())
	cfg := periodic.DefaultConfig()
	cfg.Watchdog.PeriodTicks = 0
	return k, periodic.New(k, cfg, logx.Nop(), nil)
}

func start(t *testing.T, s *periodic.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("kernel did not halt")
	}
}

func TestInjectedOverrunIsRecovered(t *testing.T) {
	t.Parallel()
	k, s := newScheduler(t, 70)
	tc := config.TaskConfig{
		Name: "sensor", Period: 20, WCET: 5, Compute: 3,
		Overrun: &config.OverrunConfig{Instances: []uint64{1}, Compute: 10},
	}
	j, err := New(tc, k, s, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.CreatePeriodicTask(j.Spec(tc)); err != nil {
		t.Fatalf("create: %v", err)
	}
	start(t, s)

	st := s.Stats()
	if st.WCETOverruns != 1 || st.Recoveries != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if j.Overruns() != 1 {
		t.Fatalf("injected overruns = %d", j.Overruns())
	}
	// Releases at 0, 20 (overrun), then 40 and 60 after recovery.
	if j.Instances() != 4 {
		t.Fatalf("instances = %d, want 4", j.Instances())
	}
}

func TestResourceIsHeldThenReleased(t *testing.T) {
	t.Parallel()
	k, s := newScheduler(t, 50)
	bus := k.NewMutex("bus")
	tc := config.TaskConfig{
		Name: "logger", Period: 20, WCET: 10, Compute: 3,
		Resource: &config.ResourceConfig{Name: "bus", Hold: 2},
	}
	j, err := New(tc, k, s, map[string]kernel.Resource{"bus": bus}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.CreatePeriodicTask(j.Spec(tc)); err != nil {
		t.Fatalf("create: %v", err)
	}
	start(t, s)

	if j.Failures() != 0 {
		t.Fatalf("failures = %d", j.Failures())
	}
	if j.Instances() != 3 {
		t.Fatalf("instances = %d, want 3", j.Instances())
	}
	if bus.Owner() != 0 {
		t.Fatalf("resource still owned by %d", bus.Owner())
	}
	for _, st := range s.Snapshot() {
		if st.ResourceAcquired || len(st.HeldResources) != 0 {
			t.Fatalf("status = %+v", st)
		}
	}
}

func TestNewRejectsBadResource(t *testing.T) {
	t.Parallel()
	k, s := newScheduler(t, 1)
	tc := config.TaskConfig{Name: "x", Period: 10, WCET: 2, Resource: &config.ResourceConfig{Name: "nope"}}
	if _, err := New(tc, k, s, nil, logx.Nop()); err == nil {
		t.Fatalf("unknown resource accepted")
	}
	if _, err := New(tc, k, nil, map[string]kernel.Resource{"nope": k.NewMutex("nope")}, logx.Nop()); err == nil {
		t.Fatalf("nil locker accepted")
	}
	if _, err := New(config.TaskConfig{Name: "y"}, nil, nil, nil, logx.Nop()); err == nil {
		t.Fatalf("nil cpu accepted")
	}
}

type fakeCPU struct{ used kernel.Tick }

func (c *fakeCPU) Compute(ticks kernel.Tick) { c.used += ticks }

type fakeLocker struct {
	acquireErr error
	releaseErr error
	failed     []error
}

func (l *fakeLocker) AcquireResource(kernel.Resource) error { return l.acquireErr }
func (l *fakeLocker) ReleaseResource(kernel.Resource) error { return l.releaseErr }
func (l *fakeLocker) Fail(_ string, err error)              { l.failed = append(l.failed, err) }

func TestResourceErrors(t *testing.T) {
	t.Parallel()
	k := sim.New(sim.Config{MaxPriorities: 8}, logx.Nop())
	resources := map[string]kernel.Resource{"bus": k.NewMutex("bus")}
	tc := config.TaskConfig{
		Name: "logger", Period: 20, WCET: 10, Compute: 5,
		Resource: &config.ResourceConfig{Name: "bus", Hold: 2},
	}

	cases := []struct {
		name      string
		locker    *fakeLocker
		wantFatal error
		wantTicks kernel.Tick
	}{
		{"clean", &fakeLocker{}, nil, 5},
		{"take timeout keeps computing", &fakeLocker{acquireErr: fmt.Errorf("acquire: %w", periodic.ErrResourceTake)}, nil, 5},
		{"held twice is fatal", &fakeLocker{acquireErr: fmt.Errorf("acquire: %w", periodic.ErrResourceHeld)}, periodic.ErrResourceHeld, 0},
		{"not periodic is fatal", &fakeLocker{acquireErr: fmt.Errorf("acquire: %w", periodic.ErrNotPeriodic)}, periodic.ErrNotPeriodic, 0},
		{"release not held is fatal", &fakeLocker{releaseErr: fmt.Errorf("release: %w", periodic.ErrResourceNotHeld)}, periodic.ErrResourceNotHeld, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cpu := &fakeCPU{}
			j, err := New(tc, cpu, c.locker, resources, logx.Nop())
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			j.Run(nil)

			if cpu.used != c.wantTicks {
				t.Fatalf("computed %d ticks, want %d", cpu.used, c.wantTicks)
			}
			switch {
			case c.wantFatal == nil && len(c.locker.failed) != 0:
				t.Fatalf("unexpected fatal: %v", c.locker.failed)
			case c.wantFatal != nil && (len(c.locker.failed) != 1 || !errors.Is(c.locker.failed[0], c.wantFatal)):
				t.Fatalf("fatal = %v, want %v", c.locker.failed, c.wantFatal)
			}
		})
	}
}

func TestDoubleAcquireIsFatal(t *testing.T) {
	t.Parallel()
	k, s := newScheduler(t, 100)
	bus := k.NewMutex("bus")

	var fatal error
	s.SetFatalHandler(func(err error) {
		if fatal == nil {
			fatal = err
		}
	})
	tc := config.TaskConfig{
		Name: "logger", Period: 20, WCET: 10, Compute: 3,
		Resource: &config.ResourceConfig{Name: "bus", Hold: 2},
	}
	j, err := New(tc, k, s, map[string]kernel.Resource{"bus": bus}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	spec := j.Spec(tc)
	spec.Func = func(p any) {
		if err := s.AcquireResource(bus); err != nil {
			t.Errorf("first acquire: %v", err)
			return
		}
		j.Run(p)
	}
	if _, err := s.CreatePeriodicTask(spec); err != nil {
		t.Fatalf("create: %v", err)
	}
	start(t, s)

	if !periodic.IsContractViolation(fatal) || !errors.Is(fatal, periodic.ErrResourceHeld) {
		t.Fatalf("fatal = %v", fatal)
	}
	if j.Failures() == 0 {
		t.Fatalf("failure not counted")
	}
}
