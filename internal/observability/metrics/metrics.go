// Package metrics exposes scheduler counters as Prometheus metrics.
//
// Event counters are fed from the bus; per-task series are read from the
// scheduler's published snapshot at scrape time.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fpsched/internal/eventbus"
	"fpsched/internal/task/periodic"
)

const namespace = "fpsched"

// Source is the read side of the scheduler.
type Source interface {
	Stats() periodic.Stats
	Snapshot() []periodic.TaskStatus
}

type Metrics struct {
	reg *prometheus.Registry

	Violations *prometheus.CounterVec
	Recoveries *prometheus.CounterVec
	Deferrals  *prometheus.CounterVec
	Wakes      prometheus.Counter
}

// New registers every collector on a fresh registry. bus may be nil.
func New(src Source, bus eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	m := &Metrics{reg: reg}

	// ─── Events ─────────────────────────────────────────────────────────────

	m.Violations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "timing_violations_total",
		Help:      "Timing violations reported by the watchdog.",
	}, []string{"task", "kind"})

	m.Recoveries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recoveries_total",
		Help:      "Tasks deleted and recreated by the watchdog.",
	}, []string{"task", "kind"})

	m.Deferrals = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "recovery_deferrals_total",
		Help:      "Recoveries postponed because the task held a resource.",
	}, []string{"task"})

	m.Wakes = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watchdog_wakes_total",
		Help:      "Watchdog activations.",
	})

	// ─── Scheduler state ────────────────────────────────────────────────────

	if src != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kernel_tick",
			Help:      "Kernel tick count at the last published snapshot.",
		}, func() float64 { return float64(src.Stats().Tick) })

		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_registered",
			Help:      "Periodic tasks in the registry.",
		}, func() float64 { return float64(src.Stats().Tasks) })

		reg.MustRegister(newTaskCollector(src))
	}

	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events not delivered because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) })
	}

	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

// Registry is the gatherer for promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Subscribe registers for the events Run consumes.
func (m *Metrics) Subscribe(bus eventbus.Bus, buffer int) (<-chan eventbus.Event, func()) {
	return bus.Subscribe(buffer, "task.", "watchdog.")
}

// Run counts events until ctx is done or events closes.
func (m *Metrics) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe counts one event.
func (m *Metrics) Observe(e eventbus.Event) {
	if e.Type == periodic.EventWatchdogWake {
		m.Wakes.Inc()
		return
	}
	te, ok := e.Data.(periodic.TimingEvent)
	if !ok {
		return
	}
	switch e.Type {
	case periodic.EventDeadlineMissed, periodic.EventWCETExceeded:
		m.Violations.WithLabelValues(te.Task, string(te.Kind)).Inc()
	case periodic.EventRecovered:
		m.Recoveries.WithLabelValues(te.Task, string(te.Kind)).Inc()
	case periodic.EventRecoveryDeferred:
		m.Deferrals.WithLabelValues(te.Task).Inc()
	}
}

// taskCollector emits per-task series from the snapshot.
type taskCollector struct {
	src Source

	instances *prometheus.Desc
	priority  *prometheus.Desc
	execTime  *prometheus.Desc
	held      *prometheus.Desc
}

func newTaskCollector(src Source) *taskCollector {
	labels := []string{"task"}
	return &taskCollector{
		src:       src,
		instances: prometheus.NewDesc(namespace+"_task_instances_total", "Instances released per task.", labels, nil),
		priority:  prometheus.NewDesc(namespace+"_task_priority", "Assigned kernel priority.", labels, nil),
		execTime:  prometheus.NewDesc(namespace+"_task_exec_ticks", "Ticks charged to the current instance.", labels, nil),
		held:      prometheus.NewDesc(namespace+"_task_held_resources", "Resources currently held.", labels, nil),
	}
}

func (c *taskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.priority
	ch <- c.execTime
	ch <- c.held
}

func (c *taskCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.src.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.CounterValue, float64(t.Instances), t.Name)
		ch <- prometheus.MustNewConstMetric(c.priority, prometheus.GaugeValue, float64(t.Priority), t.Name)
		ch <- prometheus.MustNewConstMetric(c.execTime, prometheus.GaugeValue, float64(t.ExecTime), t.Name)
		ch <- prometheus.MustNewConstMetric(c.held, prometheus.GaugeValue, float64(len(t.HeldResources)), t.Name)
	}
}
