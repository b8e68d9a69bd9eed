package pipeline

import (
	"context"

	"github.com/yairfalse/conveyor/pkg/domain"
)

// Emitter delivers one sealed batch to a sink.
//
// The executor retries transient failures, and after a crash the same records
// are emitted again, so every implementation must make repeated delivery of an
// equivalent batch leave the sink in the same state (deterministic object names,
// upserts keyed by record ID, broker-side message deduplication).
//
// Implementations are shared by all partition workers and must be safe for
// concurrent use. Return *EmitError to classify a failure; any other error is
// treated as transient.
type Emitter interface {
	Emit(ctx context.Context, batch domain.Batch) error
	Name() string
}

// DeadLetter receives batches that a sink rejected permanently
type DeadLetter interface {
	Route(ctx context.Context, batch domain.Batch, cause error) error
	Name() string
}

// DeadLetterPolicy decides what a permanent emit failure does
type DeadLetterPolicy string

const (
	// DeadLetterHalt fails the partition and keeps the checkpoint before the batch
	DeadLetterHalt DeadLetterPolicy = "halt"
	// DeadLetterRoute sends the batch to the dead-letter target and checkpoints past it
	DeadLetterRoute DeadLetterPolicy = "deadletter"
)

// Valid reports whether p is a known policy
func (p DeadLetterPolicy) Valid() bool {
	return p == DeadLetterHalt || p == DeadLetterRoute
}
