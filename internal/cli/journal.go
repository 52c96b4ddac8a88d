package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fpsched/internal/app"
	"fpsched/internal/config"
	"fpsched/internal/storage"
)

var (
	journalRun   string
	journalLimit int
	journalJSON  bool
	runsLimit    int
)

func init() {
	journalCmd.Flags().StringVar(&journalRun, "run", "", "run ID (default: latest run)")
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "number of events to show")
	journalCmd.Flags().BoolVar(&journalJSON, "json", false, "print records as JSON lines")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "number of runs to show")
	rootCmd.AddCommand(journalCmd, runsCmd)
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show journaled timing events of a run",
	Args:  cobra.NoArgs,
	RunE:  runJournal,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List journaled runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func openJournal() (storage.Store, error) {
	cfg, _, err := config.NewManager(configPath).Load()
	if err != nil {
		return nil, err
	}
	return app.OpenJournal(cfg)
}

func runJournal(cmd *cobra.Command, args []string) error {
	st, err := openJournal()
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.Recent(contextOrBackground(cmd), journalRun, journalLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if journalJSON {
		enc := json.NewEncoder(out)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tTYPE\tTASK\tKIND\tTICK\tLAST_WAKE\tEXEC\tNEXT\tREC")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.Seq, r.At.Format(time.TimeOnly), r.Type, dash(r.Task), dash(r.Kind),
			r.Tick, r.LastWake, r.ExecTime, r.NextRelease, r.Recoveries)
	}
	return w.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	st, err := openJournal()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.Runs(contextOrBackground(cmd), runsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tPOLICY\tTASKS\tREASON")
	for _, r := range runs {
		dur := "running"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), dur, r.Policy, r.Tasks, dash(r.Reason))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
