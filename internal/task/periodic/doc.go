// Package periodic turns kernel tasks into phased periodic jobs with
// fixed-priority assignment and timing supervision.
//
// Execution contexts:
//   - application context: New, CreatePeriodicTask, DeletePeriodicTask and
//     Start are called before the kernel runs (Start then blocks inside it).
//   - task context: the periodic wrapper, AcquireResource/ReleaseResource and
//     the watchdog task.
//   - interrupt context: TickHook, installed on the kernel when the watchdog
//     is enabled. It never blocks, never logs and never publishes.
//
// A timing violation (deadline miss or WCET overrun) is flagged by the tick
// hook and resolved by the watchdog through delete-and-recreate: the kernel
// task is deleted and a fresh one is created for the same registry slot,
// released again at the next period boundary of the failed instance.
// Recovery is deferred while the offending instance is unfinished and still
// holds a shared resource.
//
// Snapshot and Stats may be called from any goroutine; they return the copy
// published at the last registry change or watchdog wake.
package periodic
