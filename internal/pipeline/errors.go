package pipeline

import (
	"errors"
	"fmt"

	"github.com/yairfalse/conveyor/pkg/domain"
)

var (
	// ErrRetriesExhausted is wrapped into errors returned after the retry ceiling is hit
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCheckpointRegression is returned when a checkpoint would not move forward
	ErrCheckpointRegression = errors.New("checkpoint must strictly increase")

	// ErrDrainTimeout is wrapped into the error of a worker that could not
	// flush and checkpoint within the drain timeout after shutdown began
	ErrDrainTimeout = errors.New("drain timeout exceeded")

	// ErrSupervisorStopped is returned by Restart after the supervisor has shut down
	ErrSupervisorStopped = errors.New("supervisor stopped")
)

// ErrorKind classifies sink and source failures for retry decisions
type ErrorKind int

const (
	// Transient errors (network, throttling) are retried with backoff
	Transient ErrorKind = iota
	// Permanent errors (malformed batch, sink rejection) are never retried
	Permanent
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// SourceFetchError wraps a failure to read from the record source
type SourceFetchError struct {
	Partition domain.PartitionID
	Kind      ErrorKind
	Err       error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("fetch from partition %s failed (%s): %v", e.Partition, e.Kind, e.Err)
}

func (e *SourceFetchError) Unwrap() error {
	return e.Err
}

// TransformError is returned by a Transformer for a malformed record
type TransformError struct {
	Partition domain.PartitionID
	Position  domain.Position
	Err       error
}

// NewTransformError creates a transform error for a raw record
func NewTransformError(raw domain.RawRecord, err error) *TransformError {
	return &TransformError{
		Partition: raw.Partition,
		Position:  raw.Position,
		Err:       err,
	}
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform of %s@%d failed: %v", e.Partition, e.Position, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// EmitError is returned by an Emitter. Errors that are not EmitErrors are
// treated as transient.
type EmitError struct {
	Sink string
	Kind ErrorKind
	Err  error
}

// NewTransientEmitError marks a sink failure as retryable
func NewTransientEmitError(sink string, err error) *EmitError {
	return &EmitError{Sink: sink, Kind: Transient, Err: err}
}

// NewPermanentEmitError marks a sink failure as not retryable
func NewPermanentEmitError(sink string, err error) *EmitError {
	return &EmitError{Sink: sink, Kind: Permanent, Err: err}
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit to %s failed (%s): %v", e.Sink, e.Kind, e.Err)
}

func (e *EmitError) Unwrap() error {
	return e.Err
}

// CheckpointStoreError wraps a failure of the checkpoint store. It is always
// fatal for the partition: the cursor never advances without a durable save.
type CheckpointStoreError struct {
	Partition domain.PartitionID
	Op        string
	Err       error
}

func (e *CheckpointStoreError) Error() string {
	return fmt.Sprintf("checkpoint %s for partition %s failed: %v", e.Op, e.Partition, e.Err)
}

func (e *CheckpointStoreError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a permanent classification
func IsPermanent(err error) bool {
	var emitErr *EmitError
	if errors.As(err, &emitErr) {
		return emitErr.Kind == Permanent
	}
	var fetchErr *SourceFetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind == Permanent
	}
	return false
}
