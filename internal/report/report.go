// Package report logs a periodic summary of the task table on a cron
// schedule.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/robfig/cron/v3"

	"fpsched/internal/task/periodic"
	logx "fpsched/pkg/logx"
)

// Source is the read side of the scheduler.
type Source interface {
	Stats() periodic.Stats
	Snapshot() []periodic.TaskStatus
}

type Reporter struct {
	src    Source
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	last periodic.Stats
}

func New(src Source, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		src: src,
		log: log.With(logx.String("comp", "report")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Run reports on spec until ctx is done.
func (r *Reporter) Run(ctx context.Context, spec string) error {
	sched, err := r.parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return fmt.Errorf("report spec %q: %w", spec, err)
	}
	c := cron.New(cron.WithParser(r.parser))
	c.Schedule(sched, cron.FuncJob(r.Report))
	c.Start()
	r.log.Debug("reporter started", logx.String("spec", spec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Report logs one summary. Counters in the log line are deltas since the
// previous report; the table carries totals.
func (r *Reporter) Report() {
	st := r.src.Stats()
	tasks := r.src.Snapshot()

	r.mu.Lock()
	prev := r.last
	r.last = st
	r.mu.Unlock()

	lvl := r.log.Info
	if st.DeadlineMiss > prev.DeadlineMiss || st.WCETOverruns > prev.WCETOverruns {
		lvl = r.log.Warn
	}
	lvl("task summary",
		logx.Uint64("tick", uint64(st.Tick)),
		logx.Int("tasks", st.Tasks),
		logx.Uint64("instances", st.Instances-prev.Instances),
		logx.Uint64("deadline_misses", st.DeadlineMiss-prev.DeadlineMiss),
		logx.Uint64("wcet_overruns", st.WCETOverruns-prev.WCETOverruns),
		logx.Uint64("recoveries", st.Recoveries-prev.Recoveries),
		logx.Uint64("deferrals", st.Deferrals-prev.Deferrals),
	)
	if len(tasks) > 0 {
		r.log.Debug("task table\n" + Table(tasks))
	}
}

// Table renders tasks as aligned text columns.
func Table(tasks []periodic.TaskStatus) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPRIO\tPERIOD\tDEADLINE\tWCET\tLAST_WAKE\tEXEC\tINST\tMISS\tOVR\tREC\tDEF\tHELD")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			t.ID, t.Name, t.Priority, t.Period, t.Deadline, t.WCET, t.LastWake, t.ExecTime,
			t.Instances, t.DeadlineMisses, t.Overruns, t.Recoveries, t.Deferrals, held(t.HeldResources))
	}
	_ = w.Flush()
	return b.String()
}

func held(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}
