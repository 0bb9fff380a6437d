package commands

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/orchestrator"
	"github.com/teranos/conductor/pulse/pipeline"
	"github.com/teranos/conductor/sym"
)

// PipelineCmd represents the pipeline command
var PipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: sym.Chain + " Validate and inspect pipeline definitions",
	Long: sym.Chain + ` Pipelines are YAML graphs of nodes bound to workers.

Examples:
  conductor pipeline list                     # Pipelines found in pipeline.dir
  conductor pipeline validate pipelines/*.yaml
  conductor pipeline levels pipelines/triage.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pipelineValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check pipeline files against the built-in workers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPipelineValidate,
}

var pipelineLevelsCmd = &cobra.Command{
	Use:   "levels <file>",
	Short: "Show the parallel execution levels of a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineLevels,
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the pipelines in pipeline.dir",
	RunE:  runPipelineList,
}

func init() {
	PipelineCmd.AddCommand(pipelineValidateCmd)
	PipelineCmd.AddCommand(pipelineLevelsCmd)
	PipelineCmd.AddCommand(pipelineListCmd)
}

// workerNames satisfies pipeline.WorkerLookup without real workers
type workerNames []string

func (w workerNames) Has(name string) bool { return slices.Contains(w, name) }

// builtinWorkers is what `pulse start --simulate` registers
var builtinWorkers = workerNames{orchestrator.PassthroughWorkerName, orchestrator.BackendWorkerName}

func runPipelineValidate(cmd *cobra.Command, args []string) error {
	failed := 0
	for _, path := range args {
		g, err := pipeline.LoadGraphFile(path)
		if err == nil {
			err = g.Validate(builtinWorkers)
		}
		if err != nil {
			failed++
			pterm.Error.Printfln("%s: %v", path, err)
			continue
		}
		pterm.Success.Printfln("%s: %s (%d nodes, %s)", path, g.ID, len(g.Nodes), g.Mode)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pipeline file(s) invalid", failed, len(args))
	}
	return nil
}

func runPipelineLevels(cmd *cobra.Command, args []string) error {
	g, err := pipeline.LoadGraphFile(args[0])
	if err != nil {
		return err
	}
	pterm.Info.Printfln("%s %s (%s)", sym.Chain, g.ID, g.Mode)
	for i, level := range pipeline.Levels(g) {
		pterm.Printf("  %s %s\n", pterm.Gray(fmt.Sprintf("level %d", i)), strings.Join(level, ", "))
	}
	return nil
}

func runPipelineList(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c := orchestrator.NewCatalog(cfg.Pipeline.Dir, nil)
	if err := c.Load(); err != nil {
		return err
	}

	data := pterm.TableData{{"ID", "NAME", "MODE", "NODES", "LEVELS"}}
	for _, id := range c.IDs() {
		g, err := c.Graph(id)
		if err != nil {
			return err
		}
		data = append(data, []string{g.ID, g.Name, string(g.Mode), fmt.Sprint(len(g.Nodes)), fmt.Sprint(len(pipeline.Levels(g)))})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
