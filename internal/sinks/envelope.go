// Package sinks holds what the emitters and dead-letter targets share.
package sinks

import (
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/conveyor/pkg/domain"
)

var deadLetterNamespace = uuid.MustParse("5b0f3e0c-52a7-4f51-9d0e-3b6f3f8f2a61")

// DeadLetterEnvelope is the payload written for a batch a sink rejected
// permanently. Its ID is derived from the batch ID so routing the same batch
// twice yields the same envelope ID.
type DeadLetterEnvelope struct {
	ID            string             `json:"id"`
	BatchID       string             `json:"batch_id"`
	Partition     domain.PartitionID `json:"partition"`
	FirstPosition domain.Position    `json:"first_position"`
	Checkpoint    domain.Position    `json:"checkpoint"`
	Cause         string             `json:"cause"`
	RoutedAt      time.Time          `json:"routed_at"`
	Records       []domain.Record    `json:"records"`
}

// NewDeadLetterEnvelope wraps a rejected batch
func NewDeadLetterEnvelope(batch domain.Batch, cause error, now time.Time) DeadLetterEnvelope {
	envelope := DeadLetterEnvelope{
		ID:            DeadLetterID(batch),
		BatchID:       batch.ID(),
		Partition:     batch.Partition,
		FirstPosition: batch.FirstPosition,
		Checkpoint:    batch.Checkpoint,
		RoutedAt:      now.UTC(),
		Records:       batch.Records,
	}
	if cause != nil {
		envelope.Cause = cause.Error()
	}
	return envelope
}

// DeadLetterID returns the envelope ID for a batch
func DeadLetterID(batch domain.Batch) string {
	return uuid.NewSHA1(deadLetterNamespace, []byte(batch.ID())).String()
}
