package domain

import (
	"fmt"
	"time"
)

// PartitionID identifies an independently ordered subdivision of the input stream
// (a Kinesis shard, a Kafka topic partition, a JetStream subject).
type PartitionID string

// Position is a sequence position within one partition. Positions only grow.
type Position uint64

// RawRecord is a record exactly as read from the source.
// It is immutable once read; filters and transformers receive copies.
type RawRecord struct {
	// CORE IDENTITY (never empty)
	Partition PartitionID `json:"partition"`
	Position  Position    `json:"position"`

	// PAYLOAD
	Key     string            `json:"key,omitempty"`
	Payload []byte            `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`

	ArrivedAt time.Time `json:"arrived_at"`
}

// Validate ensures the raw record carries enough identity for checkpoint attribution
func (r *RawRecord) Validate() error {
	if r.Partition == "" {
		return NewValidationError("Partition", r.Partition, "cannot be empty")
	}
	if r.ArrivedAt.IsZero() {
		return NewValidationError("ArrivedAt", r.ArrivedAt, "cannot be zero")
	}
	return nil
}

// Record is a transformed, sink-native record. It keeps the position and
// arrival time of the raw record it was derived from so a batch can be
// attributed to a checkpoint and re-emitted unchanged.
type Record struct {
	Partition PartitionID `json:"partition"`
	Position  Position    `json:"position"`
	Key       string      `json:"key,omitempty"`
	Data      []byte      `json:"data"`
	ArrivedAt time.Time   `json:"arrived_at"`
}

// Size returns the number of bytes the record contributes to a buffer
func (r Record) Size() int {
	return len(r.Data)
}

// ID returns the sink identity of the record. Sinks that upsert per record use it
// so that re-emitting the same record is a no-op.
func (r Record) ID() string {
	return fmt.Sprintf("%s-%d", r.Partition, r.Position)
}

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Rule    string
	wrapped error
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value interface{}, rule string) *ValidationError {
	return &ValidationError{
		Field: field,
		Value: value,
		Rule:  rule,
	}
}

func (e *ValidationError) Error() string {
	return "validation failed for field " + e.Field + ": " + e.Rule
}

func (e *ValidationError) Unwrap() error {
	return e.wrapped
}
