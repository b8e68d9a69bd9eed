package connector

import (
	"context"
	"fmt"

	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/config"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// StoredCheckpoint is the durable position of one partition
type StoredCheckpoint struct {
	Partition domain.PartitionID `json:"partition"`
	Position  domain.Position    `json:"position"`
	Found     bool               `json:"found"`
}

// Inspector reads checkpoints without assembling a pipeline. It opens the
// source and the checkpoint store only, and never provisions anything.
type Inspector struct {
	backends *backends
	source   pipeline.Source
	store    pipeline.CheckpointStore
}

// Inspect opens the configured source and checkpoint store
func Inspect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Inspector, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	readOnly := *cfg
	readOnly.Provision.CreateResources = false

	b := newBackends(&readOnly, logger)
	source, err := b.source(ctx)
	if err != nil {
		_ = b.Close(context.Background())
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	b.onClose(func(context.Context) error { return source.Close() })

	store, err := b.checkpointStore(ctx)
	if err != nil {
		_ = b.Close(context.Background())
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	return &Inspector{backends: b, source: source, store: store}, nil
}

// Checkpoints loads the stored position of every partition the source lists
func (i *Inspector) Checkpoints(ctx context.Context) ([]StoredCheckpoint, error) {
	partitions, err := i.source.ListPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	checkpoints := make([]StoredCheckpoint, 0, len(partitions))
	for _, p := range partitions {
		pos, found, err := i.store.Load(ctx, p)
		if err != nil {
			return checkpoints, fmt.Errorf("failed to load checkpoint for %s: %w", p, err)
		}
		checkpoints = append(checkpoints, StoredCheckpoint{Partition: p, Position: pos, Found: found})
	}
	return checkpoints, nil
}

// Close releases the source and store connections
func (i *Inspector) Close(ctx context.Context) error {
	return i.backends.Close(ctx)
}
