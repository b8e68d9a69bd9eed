package connector

import (
	"context"
	"errors"
	"fmt"

	natsint "github.com/yairfalse/conveyor/internal/integrations/nats"
	neo4jint "github.com/yairfalse/conveyor/internal/integrations/neo4j"
	"github.com/yairfalse/conveyor/pkg/config"
	"go.uber.org/zap"
)

// backends holds the shared connections. Each one is opened on first use so
// a connector that never touches Neo4j never dials it.
type backends struct {
	config *config.Config
	logger *zap.Logger

	nats  *natsint.Connection
	neo4j *neo4jint.Client

	closers []func(ctx context.Context) error
}

func newBackends(cfg *config.Config, logger *zap.Logger) *backends {
	return &backends{config: cfg, logger: logger}
}

func (b *backends) NATS(ctx context.Context) (*natsint.Connection, error) {
	if b.nats != nil {
		return b.nats, nil
	}
	conn, err := natsint.Connect(ctx, b.config.NATS, b.logger)
	if err != nil {
		return nil, err
	}
	b.nats = conn
	return conn, nil
}

func (b *backends) Neo4j(ctx context.Context) (*neo4jint.Client, error) {
	if b.neo4j != nil {
		return b.neo4j, nil
	}
	cfg := neo4jint.FromConfig(b.config.Neo4j)
	client, err := neo4jint.NewClient(cfg, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}
	if err := client.VerifyConnectivity(ctx); err != nil {
		_ = client.Close(context.Background())
		return nil, err
	}
	b.neo4j = client
	return client, nil
}

// onClose registers a cleanup that runs before the shared connections close
func (b *backends) onClose(fn func(ctx context.Context) error) {
	b.closers = append(b.closers, fn)
}

// Close runs registered cleanups in reverse order, then closes the
// connections. All errors are returned together.
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil

	if b.neo4j != nil {
		if err := b.neo4j.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		b.neo4j = nil
	}
	if b.nats != nil {
		if err := b.nats.Close(); err != nil {
			errs = append(errs, err)
		}
		b.nats = nil
	}
	return errors.Join(errs...)
}
