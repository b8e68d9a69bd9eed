package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/yairfalse/conveyor/internal/connector"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the streams, buckets, indices and directories the config refers to",
	Long: `Provision creates every external resource the connector needs and leaves
existing ones untouched, so it can run on every deploy. Kafka topics are
expected to exist already.

Run it once with provision.createResources=false in the connector config to
keep the running connector from creating anything itself.`,

	Example: `  conveyor provision --config production.yaml`,

	Args: cobra.NoArgs,
	RunE: runProvision,
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	resources, err := connector.Provision(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range resources {
		fmt.Fprintf(out, "ready  %-10s %s\n", r.Kind, r.Name)
	}
	return nil
}
