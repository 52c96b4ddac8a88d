// Package cli implements the fpsched command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fpsched",
	Short: "fpsched runs fixed-priority periodic tasks with timing supervision",
	Long: `fpsched schedules periodic tasks on a simulated fixed-priority kernel.
Priorities come from rate- or deadline-monotonic assignment; deadline misses
and WCET overruns are detected on every tick and the offending task is
deleted and recreated at its next release.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./fpsched.yaml", "path to config (yaml, toml or json)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
