package app

import (
	"fmt"
	"strings"
	"time"

	"fpsched/internal/config"
	"fpsched/internal/journal"
	"fpsched/internal/kernel"
	"fpsched/internal/kernel/sim"
	"fpsched/internal/observability/status"
	"fpsched/internal/storage"
	"fpsched/internal/task/periodic"
)

func mapKernelConfig(cfg *config.Config) sim.Config {
	kc := cfg.Kernel
	return sim.Config{
		TickRate:      kc.TickRateHz,
		MaxPriorities: kernel.Priority(kc.MaxPriorities),
		MaxTasks:      kc.MaxTasks,
		TimeSlicing:   config.BoolOr(kc.TimeSlicing, true),
		StopAfter:     kernel.Tick(kc.StopAfterTicks),
	}
}

func mapSchedulerConfig(cfg *config.Config) (periodic.Config, error) {
	sc := cfg.Scheduler
	policy, err := periodic.ParsePolicy(sc.Policy)
	if err != nil {
		return periodic.Config{}, fmt.Errorf("scheduler.policy: %w", err)
	}
	return periodic.Config{
		Policy:         policy,
		Capacity:       sc.Capacity,
		DetectDeadline: config.BoolOr(sc.DetectDeadline, true),
		DetectWCET:     config.BoolOr(sc.DetectWCET, true),
		Watchdog: periodic.WatchdogConfig{
			Enabled:     config.BoolOr(sc.Watchdog.Enabled, true),
			Priority:    kernel.Priority(sc.Watchdog.Priority),
			StackSize:   sc.Watchdog.StackSize,
			PeriodTicks: kernel.Tick(sc.Watchdog.PeriodTicks),
		},
	}, nil
}

// mapStorageConfig returns false when the journal is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	jc := cfg.Journal
	if jc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(jc.Path)}, true, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(jc.Path)
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}

func mapJournalConfig(cfg *config.Config) (journal.Config, error) {
	jc := journal.DefaultConfig()
	if cfg.Journal == nil {
		return jc, nil
	}
	if cfg.Journal.QueueSize > 0 {
		jc.QueueSize = cfg.Journal.QueueSize
	}
	jc.RetryMax = cfg.Journal.RetryMax
	base, err := config.ParseDurationOrDefault("journal.retry_base", cfg.Journal.RetryBase, jc.RetryBase)
	if err != nil {
		return journal.Config{}, err
	}
	jc.RetryBase = base
	return jc, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, bool, error) {
	sc := cfg.Status
	if sc == nil || !sc.Enabled {
		return status.Config{}, false, nil
	}
	rt, err := config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return status.Config{}, false, err
	}
	wt, err := config.ParseDurationOrDefault("status.write_timeout", sc.WriteTimeout, 30*time.Second)
	if err != nil {
		return status.Config{}, false, err
	}
	return status.Config{Addr: sc.Addr, Pprof: sc.Pprof, ReadTimeout: rt, WriteTimeout: wt}, true, nil
}
