package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/yairfalse/conveyor/pkg/config"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Move records from partitioned streams into sinks, exactly where you left off",
	Long: `Conveyor reads records from every partition of a stream, filters and
transforms them, batches them and writes each batch to a sink. After a batch
is written the partition's position is saved durably, so a restarted
connector continues right after the last record it delivered.

Sources: NATS JetStream, Kafka
Sinks:   object store, Elasticsearch, Neo4j, NATS JetStream`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(os.Stderr, err)
	}
	return err
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./conveyor.yaml, then $HOME/.conveyor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig merges defaults, the config file, CONVEYOR_* environment
// variables and flag overrides
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	if logLevel != "" {
		loader = loader.WithOverride("logging.level", logLevel)
	}
	return loader.Load()
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	var validationErrs config.ValidationErrors
	if errors.As(err, &validationErrs) {
		for _, suggestion := range validationErrs.GetFixSuggestions() {
			fmt.Fprintf(w, "  hint: %s\n", suggestion)
		}
		return
	}

	var configErr config.ConfigError
	if errors.As(err, &configErr) && configErr.Suggestion != "" {
		fmt.Fprintf(w, "  hint: %s\n", configErr.Suggestion)
	}
}
