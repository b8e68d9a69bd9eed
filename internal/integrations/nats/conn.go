package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/yairfalse/conveyor/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const drainTimeout = 5 * time.Second

// Connection is a NATS connection with its JetStream context. Sources,
// sinks and the checkpoint store share one Connection.
type Connection struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config config.NATSConfig
	logger *zap.Logger
	closed chan struct{}
}

// Connect dials NATS and opens a JetStream context
func Connect(ctx context.Context, cfg config.NATSConfig, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid NATS config: %w", err)
	}

	_, span := otel.Tracer("integrations.nats").Start(ctx, "nats.connect")
	defer span.End()

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closed)
		}),
	}
	if cfg.ConnectionTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectionTimeout))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	span.SetAttributes(
		attribute.String("nats.url", cfg.URL),
		attribute.Bool("nats.connected", nc.IsConnected()),
	)
	logger.Info("Connected to NATS", zap.String("url", cfg.URL))

	return &Connection{nc: nc, js: js, config: cfg, logger: logger, closed: closed}, nil
}

// Conn returns the underlying NATS connection
func (c *Connection) Conn() *nats.Conn {
	return c.nc
}

// JetStream returns the JetStream context
func (c *Connection) JetStream() jetstream.JetStream {
	return c.js
}

// Config returns the configuration the connection was opened with
func (c *Connection) Config() config.NATSConfig {
	return c.config
}

// StreamConfig returns a stream definition using the configured retention
// settings
func (c *Connection) StreamConfig(name string, subjects []string, replicas int) jetstream.StreamConfig {
	storage := jetstream.FileStorage
	if c.config.Storage == "memory" {
		storage = jetstream.MemoryStorage
	}
	if replicas < 1 {
		replicas = 1
	}
	return jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    storage,
		Replicas:   replicas,
		MaxAge:     c.config.MaxAge,
		MaxBytes:   c.config.MaxBytes,
		Duplicates: c.config.DuplicateWindow,
	}
}

// EnsureStream creates or updates a stream
func (c *Connection) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
	}
	c.logger.Info("Stream ready",
		zap.String("stream", cfg.Name),
		zap.Strings("subjects", cfg.Subjects))
	return stream, nil
}

// Close drains pending publishes and closes the connection
func (c *Connection) Close() error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	select {
	case <-c.closed:
	case <-time.After(drainTimeout):
		c.nc.Close()
	}
	c.logger.Info("NATS connection closed")
	return nil
}
