// Package checkpoint provides the durable stores behind pipeline.Checkpointer.
// Every store keeps one position per partition and refuses to move it back.
package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
)

// MemoryStore keeps checkpoints in process memory. Positions survive
// executor restarts but not process restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[domain.PartitionID]domain.Position
}

var _ pipeline.CheckpointStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[domain.PartitionID]domain.Position)}
}

func (s *MemoryStore) Load(_ context.Context, partition domain.PartitionID) (domain.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[partition]
	return pos, ok, nil
}

func (s *MemoryStore) Save(ctx context.Context, partition domain.PartitionID, pos domain.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.positions[partition]; ok {
		if err := checkForward(partition, stored, pos); err != nil {
			return err
		}
	}
	s.positions[partition] = pos
	return nil
}

// Snapshot returns a copy of all stored positions
func (s *MemoryStore) Snapshot() map[domain.PartitionID]domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[domain.PartitionID]domain.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// checkForward accepts a repeat of the stored position so a retried save
// whose first attempt landed is not reported as a failure.
func checkForward(partition domain.PartitionID, stored, pos domain.Position) error {
	if pos < stored {
		return fmt.Errorf("%w: partition %s is at %d, refusing %d",
			pipeline.ErrCheckpointRegression, partition, stored, pos)
	}
	return nil
}
