package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fpsched/internal/app"
	"fpsched/internal/config"
	"fpsched/internal/task/periodic"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and show the priorities each task would get",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, warnings, err := config.NewManager(configPath).Load()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, w := range warnings {
		fmt.Fprintln(out, "warning:", w)
	}

	plan, err := app.Plan(cfg)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		fmt.Fprintln(out, "No tasks configured.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRIO\tPHASE\tPERIOD\tDEADLINE\tWCET\tU")
	for _, t := range plan {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%.3f\n",
			t.Name, t.Priority, t.Phase, t.Period, t.Deadline, t.WCET,
			float64(t.WCET)/float64(t.Period))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	policy, err := periodic.ParsePolicy(cfg.Scheduler.Policy)
	if err != nil {
		return err
	}
	u, bound := periodic.Utilization(plan)
	fmt.Fprintf(out, "\npolicy %s, utilization %.3f (Liu-Layland bound %.3f, informational only)\n",
		policy, u, bound)
	if u > 1 {
		fmt.Fprintln(out, "warning: declared WCETs exceed the CPU; deadline misses are certain")
	}
	return nil
}
