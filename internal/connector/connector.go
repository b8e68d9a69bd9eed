// Package connector assembles a pipeline from configuration: it picks the
// source, filter, transformer, emitter, checkpoint store and dead-letter
// target, wires them into a Supervisor and owns the backend connections they
// share.
package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Connector is a ready-to-run pipeline
type Connector struct {
	config     *config.Config
	logger     *zap.Logger
	backends   *backends
	components pipeline.Components
	supervisor *pipeline.Supervisor
	status     *StatusServer
}

// Option customises a connector at build time
type Option func(*Connector)

// WithStatusServer serves health and metrics while the connector runs
func WithStatusServer(status *StatusServer) Option {
	return func(c *Connector) {
		c.status = status
	}
}

// Build validates the configuration and wires every component. Connections
// opened along the way are closed again if a later step fails.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Connector, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := newBackends(cfg, logger)
	components, err := b.components(ctx)
	if err != nil {
		if closeErr := b.Close(context.Background()); closeErr != nil {
			logger.Warn("Failed to release backends", zap.Error(closeErr))
		}
		return nil, err
	}

	c, err := assemble(cfg, components, b, logger)
	if err != nil {
		_ = b.Close(context.Background())
		return nil, err
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func assemble(cfg *config.Config, components pipeline.Components, b *backends, logger *zap.Logger) (*Connector, error) {
	supervisor, err := pipeline.NewSupervisor(SupervisorConfig(cfg), components, logger.Named("supervisor"))
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}
	logComponents(logger, components)

	return &Connector{
		config:     cfg,
		logger:     logger,
		backends:   b,
		components: components,
		supervisor: supervisor,
	}, nil
}

func (b *backends) components(ctx context.Context) (pipeline.Components, error) {
	transformer, err := NewTransformer(b.config.Transform)
	if err != nil {
		return pipeline.Components{}, err
	}

	source, err := b.source(ctx)
	if err != nil {
		return pipeline.Components{}, fmt.Errorf("failed to create %s source: %w", b.config.Source.Kind, err)
	}
	b.onClose(func(context.Context) error { return source.Close() })

	emitter, err := b.emitter(ctx)
	if err != nil {
		return pipeline.Components{}, fmt.Errorf("failed to create %s sink: %w", b.config.Sink.Kind, err)
	}

	store, err := b.checkpointStore(ctx)
	if err != nil {
		return pipeline.Components{}, fmt.Errorf("failed to create %s checkpoint store: %w", b.config.Checkpoint.Kind, err)
	}

	deadLetter, err := b.deadLetter(ctx, emitter)
	if err != nil {
		return pipeline.Components{}, fmt.Errorf("failed to create dead-letter target: %w", err)
	}

	return pipeline.Components{
		Source:      source,
		Filter:      NewFilter(b.config.Filter),
		Transformer: transformer,
		Emitter:     emitter,
		Store:       store,
		DeadLetter:  deadLetter,
		NewBuffer:   bufferFactory(b.config.Batch),
	}, nil
}

// Supervisor returns the partition supervisor
func (c *Connector) Supervisor() *pipeline.Supervisor {
	return c.supervisor
}

// Source returns the configured record source
func (c *Connector) Source() pipeline.Source {
	return c.components.Source
}

// Store returns the configured checkpoint store
func (c *Connector) Store() pipeline.CheckpointStore {
	return c.components.Store
}

// Run processes records until ctx is cancelled. The status server, when
// configured, runs alongside and stops with it.
func (c *Connector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.supervisor.Run(ctx)
	})
	if c.status != nil {
		c.status.SetSupervisor(c.supervisor)
		g.Go(func() error {
			return c.status.Run(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the source and every backend connection
func (c *Connector) Close(ctx context.Context) error {
	return c.backends.Close(ctx)
}
