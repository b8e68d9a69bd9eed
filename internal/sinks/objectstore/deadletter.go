package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/internal/sinks"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// DeadLetterStore writes rejected batches as JSON envelopes, keyed the same
// way as Store
type DeadLetterStore struct {
	bucket Bucket
	codec  Codec
	logger *zap.Logger
	now    func() time.Time
}

var _ pipeline.DeadLetter = (*DeadLetterStore)(nil)

func NewDeadLetterStore(bucket Bucket, compression string, logger *zap.Logger) (*DeadLetterStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bucket == nil {
		return nil, fmt.Errorf("dead-letter bucket is required")
	}
	codec, err := NewCodec(compression)
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{bucket: bucket, codec: codec, logger: logger, now: time.Now}, nil
}

func (d *DeadLetterStore) Name() string {
	return "file-deadletter"
}

// EnvelopeKey returns the key the envelope of a batch is written under
func (d *DeadLetterStore) EnvelopeKey(batch domain.Batch) string {
	return objectKey(batch.Partition, batch.ID()+".json"+d.codec.Extension())
}

func (d *DeadLetterStore) Route(ctx context.Context, batch domain.Batch, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(sinks.NewDeadLetterEnvelope(batch, cause, d.now()))
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter envelope: %w", err)
	}
	body, err := d.codec.Encode(data)
	if err != nil {
		return err
	}

	key := d.EnvelopeKey(batch)
	if err := d.bucket.Put(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("failed to write dead-letter envelope: %w", err)
	}

	d.logger.Warn("Batch dead-lettered",
		zap.String("partition", string(batch.Partition)),
		zap.String("batch_id", batch.ID()),
		zap.String("object", d.bucket.Location(key)),
		zap.Int("records", batch.Len()))
	return nil
}

// ReadEnvelope decodes an envelope written by Route
func (d *DeadLetterStore) ReadEnvelope(ctx context.Context, key string) (sinks.DeadLetterEnvelope, error) {
	var envelope sinks.DeadLetterEnvelope
	data, err := d.bucket.Get(ctx, key)
	if err != nil {
		return envelope, err
	}
	plain, err := d.codec.Decode(data)
	if err != nil {
		return envelope, err
	}
	err = json.Unmarshal(plain, &envelope)
	return envelope, err
}
