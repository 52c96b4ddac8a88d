package periodic

import (
	"context"
	"testing"
	"time"

	"fpsched/internal/eventbus"
	"fpsched/internal/kernel"
	"fpsched/internal/kernel/sim"
	logx "fpsched/pkg/logx"
)

type harness struct {
	t      *testing.T
	k      *sim.Kernel
	s      *Scheduler
	ch     <-chan eventbus.Event
	events []eventbus.Event
}

// newHarness builds an 8-level simulated kernel that halts after stopAfter
// ticks. The heartbeat is off unless mutate turns it on.
func newHarness(t *testing.T, stopAfter kernel.Tick, mutate func(*Config)) *harness {
	t.Helper()
	k := sim.New(sim.Config{MaxPriorities: 8, StopAfter: stopAfter}, logx.Nop())
	cfg := DefaultConfig()
	cfg.Watchdog.PeriodTicks = 0
	if mutate != nil {
		mutate(&cfg)
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4096)
	t.Cleanup(unsub)
	return &harness{t: t, k: k, s: New(k, cfg, logx.Nop(), bus), ch: ch}
}

func (h *harness) add(spec TaskSpec) TaskID {
	h.t.Helper()
	if spec.Name == "" {
		spec.Name = "task"
	}
	id, err := h.s.CreatePeriodicTask(spec)
	if err != nil {
		h.t.Fatalf("CreatePeriodicTask(%s): %v", spec.Name, err)
	}
	return id
}

func (h *harness) run() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.s.Start(ctx); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	if ctx.Err() != nil {
		h.t.Fatalf("kernel did not halt before timeout")
	}
	for {
		select {
		case e := <-h.ch:
			h.events = append(h.events, e)
		default:
			return
		}
	}
}

func (h *harness) timing(typ string) []TimingEvent {
	var out []TimingEvent
	for _, e := range h.events {
		if e.Type != typ {
			continue
		}
		if te, ok := e.Data.(TimingEvent); ok {
			out = append(out, te)
		}
	}
	return out
}

func (h *harness) status(name string) TaskStatus {
	h.t.Helper()
	for _, st := range h.s.Snapshot() {
		if st.Name == name {
			return st
		}
	}
	h.t.Fatalf("task %q not in snapshot", name)
	return TaskStatus{}
}

// releases returns a task body that logs its release tick and then computes
// for work(instance) ticks.
func releases(k *sim.Kernel, log *[]kernel.Tick, work func(n int) kernel.Tick) Func {
	n := 0
	return func(any) {
		*log = append(*log, k.TickCount())
		c := work(n)
		n++
		k.Compute(c)
	}
}

func constant(c kernel.Tick) func(int) kernel.Tick { return func(int) kernel.Tick { return c } }

func ticksEqual(t *testing.T, what string, got, want []kernel.Tick) {
	t.Helper()
	if len(got) < len(want) {
		t.Fatalf("%s: got %v, want prefix %v", what, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s: got %v, want prefix %v", what, got, want)
		}
	}
}
