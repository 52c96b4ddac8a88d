// Package workload turns task declarations from the config file into
// periodic job bodies that burn simulated CPU, optionally overrunning on
// chosen instances and holding a shared resource for part of each instance.
package workload

import (
	"errors"
	"fmt"
	"sync/atomic"

	"fpsched/internal/config"
	"fpsched/internal/kernel"
	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

// CPU consumes ticks on behalf of the running task.
type CPU interface {
	Compute(ticks kernel.Tick)
}

// Locker is the resource tracker surface a job needs. Fail receives
// contract violations; it is the scheduler's fatal handler.
type Locker interface {
	AcquireResource(r kernel.Resource) error
	ReleaseResource(r kernel.Resource) error
	Fail(task string, err error)
}

// Job is one task's synthetic workload. Instance numbers count every call,
// across recoveries, starting at 0.
type Job struct {
	name     string
	compute  kernel.Tick
	overrun  map[uint64]kernel.Tick
	resource kernel.Resource
	hold     kernel.Tick

	cpu  CPU
	lock Locker
	log  logx.Logger

	instances atomic.Uint64
	overruns  atomic.Uint64
	failures  atomic.Uint64
}

// New builds the job for tc. resources maps declared names to kernel
// resources; lock may be nil when tc holds none.
func New(tc config.TaskConfig, cpu CPU, lock Locker, resources map[string]kernel.Resource, log logx.Logger) (*Job, error) {
	if cpu == nil {
		return nil, fmt.Errorf("workload %q: nil cpu", tc.Name)
	}
	j := &Job{
		name:    tc.Name,
		compute: kernel.Tick(tc.Compute),
		cpu:     cpu,
		lock:    lock,
		log:     log.With(logx.String("task", tc.Name)),
	}
	if tc.Overrun != nil && len(tc.Overrun.Instances) > 0 {
		j.overrun = make(map[uint64]kernel.Tick, len(tc.Overrun.Instances))
		for _, n := range tc.Overrun.Instances {
			j.overrun[n] = kernel.Tick(tc.Overrun.Compute)
		}
	}
	if rc := tc.Resource; rc != nil {
		r, ok := resources[rc.Name]
		if !ok {
			return nil, fmt.Errorf("workload %q: unknown resource %q", tc.Name, rc.Name)
		}
		if lock == nil {
			return nil, fmt.Errorf("workload %q: resource %q needs a locker", tc.Name, rc.Name)
		}
		j.resource = r
		j.hold = kernel.Tick(rc.Hold)
	}
	return j, nil
}

// Spec wraps the job into a periodic task declaration.
func (j *Job) Spec(tc config.TaskConfig) periodic.TaskSpec {
	return periodic.TaskSpec{
		Name:      tc.Name,
		Func:      j.Run,
		StackSize: tc.StackSize,
		Priority:  kernel.Priority(tc.Priority),
		Phase:     kernel.Tick(tc.Phase),
		Period:    kernel.Tick(tc.Period),
		WCET:      kernel.Tick(tc.WCET),
		Deadline:  kernel.Tick(tc.Deadline),
	}
}

// Run executes one instance.
func (j *Job) Run(any) {
	n := j.instances.Add(1) - 1
	c := j.compute
	if oc, ok := j.overrun[n]; ok {
		c = oc
		j.overruns.Add(1)
		j.log.Debug("injecting overrun", logx.Uint64("instance", n), logx.Uint64("compute", uint64(c)))
	}

	if j.resource == nil {
		j.cpu.Compute(c)
		return
	}

	hold := min(j.hold, c)
	if err := j.lock.AcquireResource(j.resource); err != nil {
		j.failures.Add(1)
		if !errors.Is(err, periodic.ErrResourceTake) {
			j.lock.Fail(j.name, err)
			return
		}
		j.log.Warn("resource acquire failed", logx.String("resource", j.resource.Name()), logx.Err(err))
		j.cpu.Compute(c)
		return
	}
	j.cpu.Compute(hold)
	if err := j.lock.ReleaseResource(j.resource); err != nil {
		j.failures.Add(1)
		j.lock.Fail(j.name, err)
		return
	}
	j.cpu.Compute(c - hold)
}

// Instances is the number of instances started.
func (j *Job) Instances() uint64 { return j.instances.Load() }

// Overruns is the number of injected overruns.
func (j *Job) Overruns() uint64 { return j.overruns.Load() }

// Failures counts resource operations that returned an error.
func (j *Job) Failures() uint64 { return j.failures.Load() }
