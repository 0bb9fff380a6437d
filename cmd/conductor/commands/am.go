package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage conductor configuration",
	Long: sym.AM + ` am - Manage conductor configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/conductor/am.toml)
3. User config (~/.conductor/am.toml)
4. Project config (./am.toml, searched upwards)
5. Environment variables (CONDUCTOR_* prefix)

Examples:
  conductor am show                         # Show current configuration
  conductor am show --format json           # Show configuration as JSON
  conductor am show --sources               # Show where every value came from
  conductor am get budget.daily_cost_limit  # Get one value
  conductor am set budget.daily_cost_limit 20
  conductor am validate                     # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective conductor configuration from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., pulse.max_concurrent_jobs)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Write one value into a config file. The previous file is kept as a backup
and a running "conductor pulse start" applies budget, concurrency and
pipeline changes without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which config file is active",
	RunE: func(cmd *cobra.Command, args []string) error {
		if path := am.ActiveConfigPath(); path != "" {
			fmt.Println(path)
			return nil
		}
		fmt.Println("No config file found; using defaults and environment")
		return nil
	},
}

var (
	configFormat string
	showSources  bool
	setFile      string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amShowCmd.Flags().BoolVar(&showSources, "sources", false, "Show the source of every setting")
	amSetCmd.Flags().StringVar(&setFile, "file", "", "Config file to write (default: active config, else ~/.conductor/am.toml)")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	if showSources {
		return showSettingSources()
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# conductor configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# conductor configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func showSettingSources() error {
	settings, err := am.Introspect()
	if err != nil {
		return fmt.Errorf("failed to inspect config: %w", err)
	}

	data := pterm.TableData{{"KEY", "VALUE", "SOURCE", "FROM"}}
	for _, s := range settings {
		value := fmt.Sprintf("%v", s.Value)
		if len(value) > 50 {
			value = value[:47] + "..."
		}
		data = append(data, []string{s.Key, value, string(s.Source), s.SourcePath})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := setFile
	if path == "" {
		path = am.ActiveConfigPath()
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".conductor", "am.toml")
	}

	if err := am.SetValue(path, args[0], parseValue(args[1])); err != nil {
		return err
	}
	pterm.Success.Printfln("%s = %s written to %s", args[0], args[1], path)
	return nil
}

// parseValue keeps numbers and booleans typed in the TOML output
func parseValue(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}
