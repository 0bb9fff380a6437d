package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/conductor/cmd/conductor/commands"
	"github.com/teranos/conductor/logger"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor - resource-constrained job orchestration",
	Long: `conductor schedules jobs, runs each job as a pipeline of dependent nodes,
and routes backend calls by capability, availability and remaining capacity
under a daily cost budget.

Available commands:
  am       - Manage configuration ("I am")
  pulse    - Run the scheduler and inspect jobs
  pipeline - Validate and inspect pipeline definitions
  version  - Show build information

Examples:
  conductor am show                  # Show current configuration
  conductor pulse start --simulate   # Run the scheduler with simulated backends
  conductor pulse jobs               # List persisted jobs
  conductor pipeline validate pipelines/*.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands that print machine-readable output keep stdout clean
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.PipelineCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
