package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yairfalse/conveyor/internal/connector"
	"github.com/yairfalse/conveyor/internal/telemetry"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the connector until interrupted",
	Long: `Run starts one worker per source partition and keeps them running until
SIGINT or SIGTERM. On shutdown every worker stops fetching, flushes what it
has buffered and saves its checkpoint before the process exits.

Partitions that fail are reported on the status server and can be restarted
there without restarting the process.`,

	Example: `  # Run with ./conveyor.yaml
  conveyor run

  # Run with an explicit file and verbose logging
  conveyor run --config /etc/conveyor/orders.yaml --log-level debug`,

	Args: cobra.NoArgs,
	RunE: runConnector,
}

func runConnector(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("app", cfg.AppName))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryConfig := cfg.Telemetry
	if telemetryConfig.ServiceVersion == "" || telemetryConfig.ServiceVersion == "dev" {
		telemetryConfig.ServiceVersion = version
	}
	provider, err := telemetry.NewProvider(ctx, telemetryConfig, logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	var opts []connector.Option
	if cfg.Status.Address != "" {
		status, err := connector.NewStatusServer(cfg.Status.Address, provider.Handler(), logger.Named("status"))
		if err != nil {
			return err
		}
		opts = append(opts, connector.WithStatusServer(status))
	}

	c, err := connector.Build(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			logger.Warn("Failed to close connector", zap.Error(err))
		}
	}()

	logger.Info("Conveyor started",
		zap.String("source", cfg.Source.Kind),
		zap.String("sink", cfg.Sink.Kind),
		zap.String("checkpoint", cfg.Checkpoint.Kind),
		zap.String("status_address", cfg.Status.Address))

	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("connector stopped: %w", err)
	}

	logger.Info("Conveyor stopped", zap.Bool("healthy", c.Supervisor().Healthy()))
	return nil
}
