package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// CheckpointStore durably records per-partition positions.
// Each partition only reads and writes its own key, so stores only need
// per-key atomic upsert semantics.
type CheckpointStore interface {
	// Load returns the committed position, or false if the partition has none
	Load(ctx context.Context, partition domain.PartitionID) (domain.Position, bool, error)

	// Save must not return until the position is durable
	Save(ctx context.Context, partition domain.PartitionID, pos domain.Position) error
}

// Checkpointer owns the durable cursor of one partition. The cursor only moves
// after the store confirms the save, and only forward.
type Checkpointer struct {
	store   CheckpointStore
	cursor  domain.Cursor
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *instruments
}

func newCheckpointer(store CheckpointStore, partition domain.PartitionID, policy RetryPolicy, logger *zap.Logger, metrics *instruments) *Checkpointer {
	return &Checkpointer{
		store:   store,
		cursor:  domain.NewCursor(partition),
		policy:  policy,
		logger:  logger,
		metrics: metrics,
	}
}

// Resume loads the last committed position. A partition with no checkpoint
// starts at the beginning of the stream.
func (c *Checkpointer) Resume(ctx context.Context) (domain.Cursor, error) {
	partition := c.cursor.Partition

	var (
		pos   domain.Position
		found bool
	)
	err := retry(ctx, c.policy, c.policy.MaxCheckpointAttempts, func(ctx context.Context, _ int) error {
		var err error
		pos, found, err = c.store.Load(ctx, partition)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("Checkpoint load failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err != nil {
		return c.cursor, &CheckpointStoreError{Partition: partition, Op: "load", Err: err}
	}

	if found {
		c.cursor = domain.ResumeCursor(partition, pos)
	} else {
		c.cursor = domain.NewCursor(partition)
	}
	return c.cursor, nil
}

// Commit durably stores pos and then advances the cursor. Positions must
// strictly increase.
func (c *Checkpointer) Commit(ctx context.Context, pos domain.Position) error {
	partition := c.cursor.Partition
	if c.cursor.Valid && pos <= c.cursor.Position {
		return fmt.Errorf("%w: partition %s at %d, got %d", ErrCheckpointRegression, partition, c.cursor.Position, pos)
	}

	start := time.Now()
	err := retry(ctx, c.policy, c.policy.MaxCheckpointAttempts, func(ctx context.Context, _ int) error {
		return c.store.Save(ctx, partition, pos)
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("Checkpoint save failed, retrying",
			zap.Uint64("position", uint64(pos)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	c.metrics.recordCheckpoint(ctx, partition, time.Since(start), err)
	if err != nil {
		return &CheckpointStoreError{Partition: partition, Op: "save", Err: err}
	}

	if err := c.cursor.Advance(pos, true); err != nil {
		return err
	}
	return nil
}

// Cursor returns the durable cursor
func (c *Checkpointer) Cursor() domain.Cursor {
	return c.cursor
}
