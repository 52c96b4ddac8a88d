// Package app wires configuration, the simulated kernel, the periodic
// scheduler and its observers into one daemon run.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fpsched/internal/config"
	"fpsched/internal/eventbus"
	"fpsched/internal/journal"
	"fpsched/internal/kernel"
	"fpsched/internal/kernel/sim"
	"fpsched/internal/observability/metrics"
	"fpsched/internal/observability/status"
	"fpsched/internal/report"
	"fpsched/internal/runtime/sdnotify"
	"fpsched/internal/runtime/supervisor"
	"fpsched/internal/storage"
	"fpsched/internal/task/periodic"
	"fpsched/internal/task/workload"
	logx "fpsched/pkg/logx"
)

const shutdownGrace = 10 * time.Second

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	runID string

	kernel *sim.Kernel
	sched  *periodic.Scheduler
	jobs   map[string]*workload.Job

	journal  *journal.Journal
	metrics  *metrics.Metrics
	status   *status.Server
	reporter *report.Reporter
	notifier *sdnotify.Notifier

	sup *supervisor.Supervisor

	mu       sync.Mutex
	fatalErr error
	closed   bool
}

// New loads cfgPath and builds every component. Nothing runs until Run.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, warnings, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	a := &App{
		cfgm:  cfgm,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   eventbus.New(),
		runID: uuid.NewString(),
		jobs:  make(map[string]*workload.Job, len(cfg.Tasks)),
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	for _, w := range warnings {
		a.log.Warn("config warning", logx.String("warning", w))
	}

	if err := a.build(log); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(log logx.Logger) error {
	cfg := a.cfg

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("journal storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	a.kernel = sim.New(mapKernelConfig(cfg), log.With(logx.String("comp", "kernel")))

	pcfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = periodic.New(a.kernel, pcfg, log, a.bus)
	a.sched.SetFatalHandler(a.fatal)

	resources := make(map[string]kernel.Resource, len(cfg.Resources))
	for _, name := range cfg.Resources {
		resources[name] = a.kernel.NewMutex(name)
	}
	for _, tc := range cfg.Tasks {
		job, err := workload.New(tc, a.kernel, a.sched, resources, log.With(logx.String("comp", "workload"), logx.String("task", tc.Name)))
		if err != nil {
			return err
		}
		id, err := a.sched.CreatePeriodicTask(job.Spec(tc))
		if err != nil {
			return fmt.Errorf("task %q: %w", tc.Name, err)
		}
		a.jobs[tc.Name] = job
		a.log.Debug("task registered", logx.String("task", tc.Name), logx.String("id", id.String()))
	}

	a.metrics = metrics.New(a.sched, a.bus)

	if a.store != nil {
		jcfg, err := mapJournalConfig(cfg)
		if err != nil {
			return err
		}
		a.journal = journal.New(a.store, a.runID, jcfg, log)
	}

	if scfg, enabled, err := mapStatusConfig(cfg); err != nil {
		return err
	} else if enabled {
		a.status = status.New(scfg, status.Deps{
			Source:   a.sched,
			Gatherer: a.metrics.Registry(),
			Journal:  a.store,
			RunID:    a.runID,
			Health:   a.health,
		}, log)
	}

	if cfg.Report != nil && cfg.Report.Enabled {
		a.reporter = report.New(a.sched, log)
	}
	a.notifier = sdnotify.New(cfg.Systemd != nil && cfg.Systemd.Notify, log)
	return nil
}

// RunID identifies this execution in the journal.
func (a *App) RunID() string { return a.runID }

// Scheduler exposes the read side for callers that outlive Run.
func (a *App) Scheduler() *periodic.Scheduler { return a.sched }

// Run starts the kernel and every observer and blocks until the kernel halts
// (tick limit), ctx is done (signal) or a component fails. It releases every
// resource before returning; an App runs once.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Subscribe before the kernel starts so no early event is missed.
	if a.journal != nil {
		events, unsub := a.journal.Subscribe(a.bus)
		defer unsub()
		a.sup.Go("journal", func(c context.Context) error { return a.journal.Run(c, events) })
	}
	{
		events, unsub := a.metrics.Subscribe(a.bus, 256)
		defer unsub()
		a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, events) })
	}
	{
		events, unsub := a.notifier.Subscribe(a.bus)
		defer unsub()
		a.sup.Go("sdnotify", func(c context.Context) error { return a.notifier.Run(c, events) })
	}
	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		a.sup.Go("eventbus.log", func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Uint64("seq", e.Seq))
				}
			}
		})
	}

	policy := a.sched.Config().Policy.String()
	if a.store != nil {
		err := a.store.BeginRun(ctx, storage.Run{
			ID:        a.runID,
			StartedAt: time.Now(),
			Policy:    policy,
			Tasks:     a.sched.Count(),
		})
		if err != nil {
			a.log.Warn("journal run not recorded", logx.Err(err))
		}
	}

	if a.status != nil {
		a.sup.GoRestart("status", a.status.Run,
			supervisor.WithBackoff(time.Second, 30*time.Second), supervisor.WithMaxRestarts(5))
	}
	if a.reporter != nil {
		spec := a.cfg.Report.Spec
		a.sup.Go("report", func(c context.Context) error { return a.reporter.Run(c, spec) })
	}
	if a.cfgm.Path() != "" {
		sub := a.cfgm.Subscribe(4)
		a.sup.Go("config.watch", a.cfgm.Watch)
		a.sup.Go("config.reload", func(c context.Context) error {
			a.reloadLoop(c, sub)
			return nil
		})
	}

	a.sup.Go("kernel", func(c context.Context) error {
		defer a.sup.Cancel()
		return a.sched.Start(c)
	})
	a.notifier.Ready(fmt.Sprintf("%d periodic tasks, policy %s", a.sched.Count(), policy))
	a.log.Info("fpsched started",
		logx.String("run_id", a.runID),
		logx.Int("tasks", a.sched.Count()),
		logx.String("policy", policy))

	<-a.sup.Context().Done()
	a.notifier.Stopping()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	werr := a.sup.Stop(sctx)
	if errors.Is(werr, context.DeadlineExceeded) {
		a.log.Warn("shutdown grace elapsed with goroutines still running", logx.Any("goroutines", a.sup.Snapshot()))
		werr = a.sup.Err()
	}

	reason, err := a.stopReason(ctx, werr)
	st := a.sched.Stats()
	if a.store != nil {
		fctx, fcancel := context.WithTimeout(context.Background(), 2*time.Second)
		ferr := a.store.FinishRun(fctx, storage.Run{
			ID:         a.runID,
			FinishedAt: time.Now(),
			Policy:     policy,
			Tasks:      st.Tasks,
			Reason:     string(reason),
		})
		fcancel()
		if ferr != nil {
			a.log.Warn("journal run not finalized", logx.Err(ferr))
		}
	}

	fields := []logx.Field{
		logx.String("reason", string(reason)),
		logx.Uint64("tick", uint64(st.Tick)),
		logx.Uint64("instances", st.Instances),
		logx.Uint64("deadline_misses", st.DeadlineMiss),
		logx.Uint64("wcet_overruns", st.WCETOverruns),
		logx.Uint64("recoveries", st.Recoveries),
		logx.Uint64("deferrals", st.Deferrals),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
	}
	if a.journal != nil {
		js := a.journal.Stats()
		fields = append(fields, logx.Uint64("journal_written", js.Written), logx.Uint64("journal_failed", js.Failed))
	}
	if err != nil {
		a.log.Error("fpsched stopped", append(fields, logx.Err(err))...)
	} else {
		a.log.Info("fpsched stopped", fields...)
	}
	return err
}

func (a *App) stopReason(ctx context.Context, werr error) (StopReason, error) {
	a.mu.Lock()
	fatal := a.fatalErr
	a.mu.Unlock()

	switch {
	case fatal != nil:
		return StopFatalError, fatal
	case werr != nil:
		return StopFatalError, werr
	case ctx.Err() != nil:
		return StopSignal, nil
	}
	if limit := a.cfg.Kernel.StopAfterTicks; limit > 0 && uint64(a.sched.Stats().Tick) >= limit {
		return StopTickLimit, nil
	}
	return StopUnknown, nil
}

// fatal receives contract violations from kernel context. The first one
// wins; the kernel halts at its next tick.
func (a *App) fatal(err error) {
	a.mu.Lock()
	if a.fatalErr == nil {
		a.fatalErr = err
	}
	a.mu.Unlock()
	a.log.Error("stopping on contract violation", logx.Err(err))
	if a.sup != nil {
		a.sup.Cancel()
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = latest(sub, next)
			changed, fields := config.SummarizeChange(applied, next)
			if len(changed) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}
			a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
			if slices.Contains(changed, "logging") {
				a.logs.Apply(next.LogConfig())
				a.log.Info("logging reconfigured", logx.String("level", next.Logging.Level))
			}
			if config.RestartRequired(changed) {
				a.log.Warn("config change takes effect after restart", logx.String("changed", strings.Join(changed, ",")))
			}
			applied = next
		}
	}
}

// latest drains sub and keeps the newest config.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case next, ok := <-sub:
			if !ok {
				return cfg
			}
			if next != nil {
				cfg = next
			}
		default:
			return cfg
		}
	}
}

func (a *App) health() any {
	h := map[string]any{
		"bus_dropped": a.bus.Dropped(),
	}
	if a.sup != nil {
		h["goroutines"] = a.sup.Snapshot()
	}
	if a.journal != nil {
		h["journal"] = a.journal.Stats()
	}
	jobs := make(map[string]map[string]uint64, len(a.jobs))
	for name, j := range a.jobs {
		jobs[name] = map[string]uint64{
			"instances": j.Instances(),
			"overruns":  j.Overruns(),
			"failures":  j.Failures(),
		}
	}
	h["workloads"] = jobs
	return h
}

func (a *App) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
