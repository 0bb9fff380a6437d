package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/orchestrator"
	"github.com/teranos/conductor/pulse/pipeline"
	"github.com/teranos/conductor/pulse/router"
	"github.com/teranos/conductor/pulse/schedule"
	"github.com/teranos/conductor/sym"
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the scheduler and inspect jobs",
	Long: sym.Pulse + ` Pulse - the scheduler.

Pulse admits due jobs on every tick under business-hour, weekday, daily
budget and concurrency gates, runs each job's pipeline with a hard timeout,
and reschedules recurring jobs.

Example:
  conductor pulse start --simulate   # Run in foreground with simulated backends
  conductor pulse jobs               # List persisted jobs
  conductor pulse history <job-id>   # Show a job's recent pipeline results
  conductor pulse run triage         # Run one pipeline now`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the scheduler in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler",
	Long: `Start the scheduler in foreground mode.

Pipelines are loaded from pipeline.dir and jobs from orchestrator.jobs_file.
Changes to the active config file are applied while running. Runs until
interrupted (Ctrl+C); in-flight jobs are cancelled and return to pending.`,
	RunE: runPulseStart,
}

var pulseJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List persisted jobs",
	RunE:  runPulseJobs,
}

var pulseHistoryCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show a job's recent pipeline results",
	Args:  cobra.ExactArgs(1),
	RunE:  runPulseHistory,
}

var pulseRunCmd = &cobra.Command{
	Use:   "run <pipeline-id>",
	Short: "Run one pipeline immediately, outside the scheduler",
	Args:  cobra.ExactArgs(1),
	RunE:  runPulseRun,
}

func init() {
	PulseStartCmd.Flags().Bool("simulate", false, "Answer backend calls locally instead of contacting backends")
	pulseRunCmd.Flags().Bool("simulate", true, "Answer backend calls locally instead of contacting backends")
	pulseRunCmd.Flags().StringSlice("input", nil, "Initial shared data as key=value (repeatable)")
	pulseHistoryCmd.Flags().Int("limit", 20, "Number of results to show")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseJobsCmd)
	PulseCmd.AddCommand(pulseHistoryCmd)
	PulseCmd.AddCommand(pulseRunCmd)
}

func orchestratorOptions(cmd *cobra.Command) []orchestrator.Option {
	opts := []orchestrator.Option{orchestrator.WithOrchestratorLogger(logger.Logger)}
	if simulate, _ := cmd.Flags().GetBool("simulate"); simulate {
		opts = append(opts, orchestrator.WithCaller(orchestrator.SimulatedCaller{Latency: 50 * time.Millisecond}))
	}
	return opts
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s Starting Pulse...\n", sym.Pulse)

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	orc, err := orchestrator.New(cfg, orchestratorOptions(cmd)...)
	if err != nil {
		return err
	}
	if !orc.Registry().Has(orchestrator.BackendWorkerName) {
		pterm.Warning.Println("No backend caller configured: pipelines using the backend worker will be rejected (use --simulate)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orc.Start(ctx); err != nil {
		_ = orc.Stop()
		return err
	}

	if path := am.ActiveConfigPath(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			pterm.Warning.Printfln("Config changes will not be applied: %v", err)
		} else {
			watcher.OnReload(func(next *am.Config) error {
				orc.ApplyConfig(next)
				return nil
			})
			watcher.Start()
			am.SetGlobalWatcher(watcher)
			defer watcher.Stop()
		}
	}

	status := orc.Scheduler().Status()
	fmt.Printf("%s Pulse started\n", sym.Pulse)
	fmt.Printf("  Tick interval: %v\n", cfg.Pulse.TickInterval())
	fmt.Printf("  Max concurrent jobs: %d\n", status.MaxConcurrent)
	fmt.Printf("  Budget: %s\n", orc.Scheduler().Budget().Status())
	fmt.Printf("  Pipelines: %s\n", strings.Join(orc.Catalog().IDs(), ", "))
	fmt.Printf("  Jobs: %d\n", status.TotalJobs)
	fmt.Printf("  Backends: %s\n", strings.Join(orc.Tracker().Keys(), ", "))
	fmt.Printf("\n%s Press Ctrl+C to stop\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Stopping...\n", sym.Pulse)
	if err := orc.Stop(); err != nil {
		return err
	}
	fmt.Printf("%s Pulse stopped\n", sym.Pulse)
	return nil
}

// openStateDB opens the configured database; jobs and results only exist there
func openStateDB() (*am.Config, func() error, *schedule.Store, *orchestrator.ResultStore, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Path == "" {
		return nil, nil, nil, nil, fmt.Errorf("database.path is not set: jobs and results are kept in memory only")
	}
	conn, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, conn.Close, schedule.NewStore(conn), orchestrator.NewResultStore(conn), nil
}

func runPulseJobs(cmd *cobra.Command, args []string) error {
	_, closeDB, jobs, _, err := openStateDB()
	if err != nil {
		return err
	}
	defer closeDB()

	list, err := jobs.LoadJobs(cmd.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}

	data := pterm.TableData{{"ID", "PIPELINE", "KIND", "PRIORITY", "STATUS", "NEXT RUN", "RUNS", "FAILURES", "COST"}}
	for _, j := range list {
		data = append(data, []string{
			j.ID,
			j.Spec.PipelineID,
			string(j.Spec.Kind),
			j.Spec.Priority.String(),
			colorStatus(j.Status),
			j.NextRunAt.Local().Format("2006-01-02 15:04"),
			fmt.Sprint(j.ExecutionCount),
			fmt.Sprint(j.FailureCount),
			fmt.Sprintf("%.2f", j.TotalCostSpent),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func colorStatus(s schedule.Status) string {
	switch s {
	case schedule.StatusFailed:
		return pterm.Red(string(s))
	case schedule.StatusRunning:
		return pterm.LightCyan(string(s))
	case schedule.StatusCompleted:
		return pterm.Green(string(s))
	case schedule.StatusPaused, schedule.StatusCancelled:
		return pterm.Gray(string(s))
	}
	return string(s)
}

func runPulseHistory(cmd *cobra.Command, args []string) error {
	_, closeDB, _, results, err := openStateDB()
	if err != nil {
		return err
	}
	defer closeDB()

	limit, _ := cmd.Flags().GetInt("limit")
	list, err := results.ListByJob(cmd.Context(), args[0], limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Printfln("No results for job %s", args[0])
		return nil
	}

	data := pterm.TableData{{"STARTED", "EXECUTION", "PIPELINE", "RESULT", "NODES", "SKIPPED", "DURATION", "ERROR"}}
	for _, r := range list {
		result := pterm.Green("ok")
		if !r.Success {
			result = pterm.Red("failed")
		}
		data = append(data, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.ID,
			r.PipelineID,
			result,
			fmt.Sprint(r.NodeCount),
			fmt.Sprint(r.SkippedCount),
			r.Duration.String(),
			r.ErrorMessage,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runPulseRun(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	orc, err := orchestrator.New(cfg, orchestratorOptions(cmd)...)
	if err != nil {
		return err
	}
	defer orc.Stop()

	if err := orc.Catalog().Load(); err != nil {
		return err
	}
	graph, err := orc.Catalog().Graph(args[0])
	if err != nil {
		return err
	}

	pairs, _ := cmd.Flags().GetStringSlice("input")
	input := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --input %q, expected key=value", kv)
		}
		input[k] = parseValue(v)
	}

	ctx := router.NewContext(cmd.Context(), orc.Router())
	ec, runErr := orc.Executor().Execute(ctx, graph, input)

	data := pterm.TableData{{"NODE", "WORKER", "STATUS", "ATTEMPTS"}}
	for _, n := range graph.Nodes {
		status := ec.Status(n.ID)
		label := string(status)
		switch status {
		case pipeline.StatusCompleted:
			label = pterm.Green(label)
		case pipeline.StatusFailed:
			label = pterm.Red(label)
		case pipeline.StatusSkipped:
			label = pterm.Gray(label)
		}
		data = append(data, []string{n.ID, n.Worker, label, fmt.Sprint(ec.Attempts[n.ID])})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	for _, w := range ec.Warnings {
		pterm.Warning.Println(w)
	}

	if runErr != nil || ec.Failed() {
		for _, e := range ec.Errors {
			pterm.Error.Println(e.Error())
		}
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("pipeline %s finished with %d failed node(s)", graph.ID, ec.ErrorCount())
	}
	pterm.Success.Printfln("%s %s completed in %v (cost %.4f)", sym.Chain, graph.ID, ec.Duration().Round(time.Millisecond), ec.CostUnits)
	return nil
}
