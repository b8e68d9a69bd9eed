package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/yairfalse/conveyor/internal/connector"
)

var checkpointsOutput string

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Show the stored position of every partition",
	Long: `Checkpoints lists the partitions the source currently knows and the last
position saved for each of them. A partition without a checkpoint will be read
from its first record.`,

	Example: `  conveyor checkpoints
  conveyor checkpoints --output json`,

	Args: cobra.NoArgs,
	RunE: runCheckpoints,
}

func init() {
	checkpointsCmd.Flags().StringVarP(&checkpointsOutput, "output", "o", "table", "Output format (table, json)")
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	if checkpointsOutput != "table" && checkpointsOutput != "json" {
		return fmt.Errorf("unsupported output: %s (use table or json)", checkpointsOutput)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	inspector, err := connector.Inspect(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = inspector.Close(context.Background()) }()

	checkpoints, err := inspector.Checkpoints(cmd.Context())
	if err != nil {
		return err
	}
	return writeCheckpoints(cmd.OutOrStdout(), checkpointsOutput, checkpoints)
}

func writeCheckpoints(w io.Writer, format string, checkpoints []connector.StoredCheckpoint) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(checkpoints)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tPOSITION\tRESUMES AT")
	for _, c := range checkpoints {
		if !c.Found {
			fmt.Fprintf(tw, "%s\t-\tstart\n", c.Partition)
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", c.Partition, c.Position, c.Position+1)
	}
	return tw.Flush()
}
