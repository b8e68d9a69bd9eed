package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "conveyor.neo4j"

// Client wraps the Neo4j driver with tracing and transaction metrics
type Client struct {
	driver neo4j.DriverWithContext
	config Config
	logger *zap.Logger

	// OTEL instrumentation
	tracer              trace.Tracer
	transactionsTotal   metric.Int64Counter
	transactionDuration metric.Float64Histogram
	errorsTotal         metric.Int64Counter
}

// NewClient creates a new Neo4j client with the given configuration
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	auth := neo4j.BasicAuth(config.Username, config.Password, "")

	driverConfig := func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = config.MaxConnections
		c.ConnectionAcquisitionTimeout = config.ConnectionTimeout
		c.MaxTransactionRetryTime = config.MaxTransactionRetryTime
		c.FetchSize = config.FetchSize

		if config.EnableConnectionLogging {
			c.Log = neo4j.ConsoleLogger(neo4j.INFO)
		}
	}

	driver, err := neo4j.NewDriverWithContext(config.URI, auth, driverConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	client := &Client{
		driver: driver,
		config: config,
		logger: logger,
	}

	if err := client.initOTEL(); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("failed to initialize OTEL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	logger.Info("Neo4j client connected",
		zap.String("uri", config.URI),
		zap.String("database", config.Database))

	return client, nil
}

// initOTEL creates the tracer and transaction instruments. Instrument
// failures are logged and leave the instrument nil.
func (c *Client) initOTEL() error {
	c.tracer = otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	var err error

	c.transactionsTotal, err = meter.Int64Counter(
		"conveyor_neo4j_transactions_total",
		metric.WithDescription("Total Neo4j transactions executed"),
	)
	if err != nil {
		c.logger.Warn("Failed to create transactions counter", zap.Error(err))
	}

	c.transactionDuration, err = meter.Float64Histogram(
		"conveyor_neo4j_transaction_duration_ms",
		metric.WithDescription("Neo4j transaction duration in milliseconds"),
	)
	if err != nil {
		c.logger.Warn("Failed to create transaction duration histogram", zap.Error(err))
	}

	c.errorsTotal, err = meter.Int64Counter(
		"conveyor_neo4j_errors_total",
		metric.WithDescription("Total Neo4j errors"),
	)
	if err != nil {
		c.logger.Warn("Failed to create errors counter", zap.Error(err))
	}

	return nil
}

// execute runs work in a managed transaction and records its duration and
// outcome under the transaction type
func (c *Client) execute(ctx context.Context, mode neo4j.AccessMode, work neo4j.ManagedTransactionWork) (any, error) {
	txType := "read"
	if mode == neo4j.AccessModeWrite {
		txType = "write"
	}
	typeAttr := attribute.String("transaction_type", txType)

	ctx, span := c.tracer.Start(ctx, "neo4j.execute_"+txType)
	defer span.End()

	start := time.Now()
	defer func() {
		if c.transactionDuration != nil {
			c.transactionDuration.Record(ctx, time.Since(start).Seconds()*1000, metric.WithAttributes(typeAttr))
		}
	}()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.config.Database,
		AccessMode:   mode,
	})
	defer session.Close(ctx)

	var (
		result any
		err    error
	)
	if mode == neo4j.AccessModeWrite {
		result, err = session.ExecuteWrite(ctx, work)
	} else {
		result, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if c.errorsTotal != nil {
			c.errorsTotal.Add(ctx, 1, metric.WithAttributes(typeAttr, attribute.Bool("retryable", IsRetryable(err))))
		}
		return nil, fmt.Errorf("%s transaction failed: %w", txType, err)
	}

	if c.transactionsTotal != nil {
		c.transactionsTotal.Add(ctx, 1, metric.WithAttributes(typeAttr, attribute.String("status", "success")))
	}
	span.SetStatus(codes.Ok, "Transaction committed")
	return result, nil
}

// ExecuteTypedWrite runs work in a write transaction
func (c *Client) ExecuteTypedWrite(ctx context.Context, work TransactionWork) error {
	_, err := c.execute(ctx, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, work(ctx, &TypedTransaction{tx: tx})
	})
	return err
}

// TypedReadWork is a read transaction body
type TypedReadWork func(ctx context.Context, tx *TypedTransaction) (any, error)

// ExecuteTypedRead runs work in a read transaction and returns its result
func (c *Client) ExecuteTypedRead(ctx context.Context, work TypedReadWork) (any, error) {
	return c.execute(ctx, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(ctx, &TypedTransaction{tx: tx})
	})
}

// EnsureSchema runs idempotent DDL statements (IF NOT EXISTS) one per transaction
func (c *Client) EnsureSchema(ctx context.Context, statements []string) error {
	ctx, span := c.tracer.Start(ctx, "neo4j.ensure_schema")
	defer span.End()

	for _, statement := range statements {
		if err := c.ExecuteTypedWrite(ctx, func(ctx context.Context, tx *TypedTransaction) error {
			_, err := tx.Run(ctx, statement, nil)
			return err
		}); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to apply %q: %w", statement, err)
		}
	}

	span.SetAttributes(attribute.Int("statements", len(statements)))
	c.logger.Info("Neo4j schema ready", zap.Int("statements", len(statements)))
	return nil
}

// IsRetryable reports whether err is a connectivity or transient database error
func IsRetryable(err error) bool {
	return neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err)
}

// VerifyConnectivity checks if the connection to Neo4j is working
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "neo4j.verify_connectivity")
	defer span.End()

	if err := c.driver.VerifyConnectivity(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("Neo4j connectivity check failed: %w", err)
	}

	span.SetStatus(codes.Ok, "Connectivity verified")
	return nil
}

// Close closes the Neo4j driver
func (c *Client) Close(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "neo4j.close")
	defer span.End()

	if err := c.driver.Close(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to close Neo4j driver: %w", err)
	}

	span.SetStatus(codes.Ok, "Driver closed")
	c.logger.Info("Neo4j client closed")
	return nil
}

