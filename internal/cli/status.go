package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/conveyor/internal/connector"
)

var (
	statusAddress       string
	statusRestart       []string
	statusRestartFailed bool
	statusTimeout       time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show partition health of a running connector",
	Long: `Status asks a running connector's status server for the state of each
partition worker. Failed partitions can be restarted from their last
checkpoint without restarting the process.`,

	Example: `  # Show partitions
  conveyor status --address localhost:8080

  # Restart one failed partition
  conveyor status --restart orders/3

  # Restart every failed partition
  conveyor status --restart-failed`,

	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddress, "address", "", "status server address (default is status.address from the config)")
	statusCmd.Flags().StringSliceVar(&statusRestart, "restart", nil, "restart the given failed partitions")
	statusCmd.Flags().BoolVar(&statusRestartFailed, "restart-failed", false, "restart every failed partition")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "request timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	address := statusAddress
	if address == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		address = cfg.Status.Address
	}
	if address == "" {
		return fmt.Errorf("no status address: pass --address or set status.address")
	}

	client := &statusClient{base: baseURL(address), http: &http.Client{Timeout: statusTimeout}}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	for _, partition := range statusRestart {
		if err := client.post(ctx, "/partitions/"+partition+"/restart"); err != nil {
			return fmt.Errorf("failed to restart %s: %w", partition, err)
		}
		fmt.Fprintf(out, "restarted %s\n", partition)
	}
	if statusRestartFailed {
		if err := client.post(ctx, "/partitions/restart"); err != nil {
			return fmt.Errorf("failed to restart partitions: %w", err)
		}
		fmt.Fprintln(out, "restarted failed partitions")
	}

	report, err := client.health(ctx)
	if err != nil {
		return err
	}
	return writeHealth(out, report)
}

// baseURL accepts host:port, :port or a full URL
func baseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/")
	}
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}
	return "http://" + address
}

type statusClient struct {
	base string
	http *http.Client
}

func (c *statusClient) health(ctx context.Context) (connector.HealthReport, error) {
	var report connector.HealthReport

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return report, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return report, fmt.Errorf("failed to reach status server: %w", err)
	}
	defer resp.Body.Close()

	// 503 still carries the report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("failed to decode health report (HTTP %d): %w", resp.StatusCode, err)
	}
	return report, nil
}

func (c *statusClient) post(ctx context.Context, path string) error {
	u, err := url.JoinPath(c.base, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach status server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("%s", body.Error)
}

func writeHealth(w io.Writer, report connector.HealthReport) error {
	health := "healthy"
	if !report.Healthy {
		health = "unhealthy"
	}
	fmt.Fprintf(w, "connector is %s (%d partitions)\n\n", health, len(report.Partitions))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PARTITION\tSTATE\tCURSOR\tBUFFERED\tEMITTED\tLAST ERROR")
	for _, p := range report.Partitions {
		cursor := "-"
		if p.Cursor.Valid {
			cursor = fmt.Sprintf("%d", p.Cursor.Position)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			p.Partition, p.State, cursor, p.Buffered, p.Stats.EmittedRecords, p.LastError)
	}
	return tw.Flush()
}
