package app

import (
	"errors"
	"fmt"

	"fpsched/internal/config"
	"fpsched/internal/kernel"
	"fpsched/internal/kernel/sim"
	"fpsched/internal/storage"
	"fpsched/internal/task/periodic"
	"fpsched/internal/task/workload"
	logx "fpsched/pkg/logx"
)

// Plan registers cfg's tasks on a kernel that never runs and returns the
// task table with the priorities Start would assign.
func Plan(cfg *config.Config) ([]periodic.TaskStatus, error) {
	pcfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	k := sim.New(mapKernelConfig(cfg), logx.Nop())
	s := periodic.New(k, pcfg, logx.Nop(), nil)

	resources := make(map[string]kernel.Resource, len(cfg.Resources))
	for _, name := range cfg.Resources {
		resources[name] = k.NewMutex(name)
	}
	for _, tc := range cfg.Tasks {
		job, err := workload.New(tc, k, s, resources, logx.Nop())
		if err != nil {
			return nil, err
		}
		if _, err := s.CreatePeriodicTask(job.Spec(tc)); err != nil {
			return nil, fmt.Errorf("task %q: %w", tc.Name, err)
		}
	}
	return s.Plan()
}

// OpenJournal opens the store configured under journal for reading.
func OpenJournal(cfg *config.Config) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, errors.New("journal is disabled in this config")
	}
	return storage.Open(sc, logx.Nop())
}
