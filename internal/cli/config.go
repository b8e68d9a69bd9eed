package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yairfalse/conveyor/pkg/config"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Conveyor configuration",
	Long: `Configuration sources (in priority order):
  1. Command line flags
  2. Environment variables (CONVEYOR_*, e.g. CONVEYOR_BATCH_MAXRECORDS)
  3. Configuration file
  4. Built-in defaults`,

	Example: `  # Write a configuration file
  conveyor config init production

  # Show the effective configuration
  conveyor config show --format json

  # Validate a file
  conveyor config validate conveyor.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [template]",
	Short: "Initialize configuration file",
	Long: `Initialize a new configuration file from a template.

Templates available:
  • default     - JetStream source, object store sink, JetStream checkpoints
  • development - Local object store, in-memory checkpoints, debug logging
  • production  - Replicated streams, dead-letter routing, zstd objects`,

	Example: `  conveyor config init
  conveyor config init development --file ./dev.yaml --force`,

	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate configuration",
	Long: `Validate a configuration file merged with defaults and environment
variables. Every problem is reported at once, each with a suggested fix.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigValidate,
}

// Config command flags
var (
	configFile   string
	configFormat string
	configForce  bool
)

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVar(&configFile, "file", "./conveyor.yaml", "Configuration file path")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format (yaml, json)")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	template := "default"
	if len(args) > 0 {
		template = args[0]
	}

	if err := config.InitConfig(configFile, template, configForce); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration initialized: %s\n", configFile)
	fmt.Fprintf(out, "Template: %s\n", template)
	fmt.Fprintf(out, "Run 'conveyor provision --config %s' to create the resources it needs\n", configFile)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch configFormat {
	case "yaml", "yml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal configuration: %w", err)
		}
		fmt.Fprint(out, string(data))
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal configuration: %w", err)
		}
		fmt.Fprintln(out, string(data))
	default:
		return fmt.Errorf("unsupported format: %s (use yaml or json)", configFormat)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader()
	switch {
	case len(args) > 0:
		loader = loader.WithConfigFile(args[0])
	case cfgFile != "":
		loader = loader.WithConfigFile(cfgFile)
	}

	if _, err := loader.Load(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if used := loader.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "%s is valid\n", used)
	} else {
		fmt.Fprintf(out, "No configuration file found, defaults are valid (searched %s)\n",
			strings.Join(config.GetConfigPaths(), ", "))
	}
	return nil
}
