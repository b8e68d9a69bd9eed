// Package objectstore writes batches as immutable objects, one object per
// batch, to a local directory or an S3-compatible bucket. Object keys derive
// from the batch ID, so re-emitting a batch after a lost checkpoint finds the
// object already present and skips the upload.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

const (
	sinkName          = "objectstore"
	recordContentType = "application/x-ndjson"
)

// Store is a pipeline.Emitter that writes newline-delimited batch objects
type Store struct {
	bucket Bucket
	codec  Codec
	logger *zap.Logger
}

var _ pipeline.Emitter = (*Store)(nil)

func NewStore(bucket Bucket, compression string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if bucket == nil {
		return nil, fmt.Errorf("bucket is required")
	}
	codec, err := NewCodec(compression)
	if err != nil {
		return nil, err
	}
	return &Store{bucket: bucket, codec: codec, logger: logger}, nil
}

func (s *Store) Name() string {
	return sinkName
}

// ObjectKey returns the key a batch is stored under
func (s *Store) ObjectKey(batch domain.Batch) string {
	return objectKey(batch.Partition, batch.ID()+".ndjson"+s.codec.Extension())
}

// Emit writes the batch object. An existing object for the same batch ID is
// left in place.
func (s *Store) Emit(ctx context.Context, batch domain.Batch) error {
	if err := ctx.Err(); err != nil {
		return pipeline.NewTransientEmitError(sinkName, err)
	}
	if batch.IsCheckpointOnly() {
		return nil
	}

	key := s.ObjectKey(batch)
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return classify(err)
	}
	if exists {
		s.logger.Debug("Batch object already present",
			zap.String("partition", string(batch.Partition)),
			zap.String("object", s.bucket.Location(key)))
		return nil
	}

	body, err := s.codec.Encode(encodeRecords(batch.Records))
	if err != nil {
		return pipeline.NewPermanentEmitError(sinkName, err)
	}
	if err := s.bucket.Put(ctx, key, body, recordContentType); err != nil {
		return classify(err)
	}

	s.logger.Debug("Wrote batch object",
		zap.String("partition", string(batch.Partition)),
		zap.String("object", s.bucket.Location(key)),
		zap.Int("records", batch.Len()),
		zap.Int("bytes", len(body)))
	return nil
}

// ReadObject decodes an object written by Emit into record payloads
func (s *Store) ReadObject(ctx context.Context, key string) ([][]byte, error) {
	data, err := s.bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := s.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	lines := bytes.SplitAfter(plain, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	return lines, nil
}

// encodeRecords joins record data with newlines. Records that already end in
// a newline are written unchanged.
func encodeRecords(records []domain.Record) []byte {
	size := 0
	for _, rec := range records {
		size += len(rec.Data) + 1
	}
	buf := make([]byte, 0, size)
	for _, rec := range records {
		buf = append(buf, rec.Data...)
		if len(rec.Data) == 0 || rec.Data[len(rec.Data)-1] != '\n' {
			buf = append(buf, '\n')
		}
	}
	return buf
}

func objectKey(partition domain.PartitionID, name string) string {
	return url.PathEscape(string(partition)) + "/" + name
}

// classify treats permission and path errors, and S3 client errors other than
// throttling and timeouts, as permanent; everything else is retried
func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrInvalid) {
		return pipeline.NewPermanentEmitError(sinkName, err)
	}
	var s3Err minio.ErrorResponse
	if errors.As(err, &s3Err) {
		status := s3Err.StatusCode
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
			return pipeline.NewPermanentEmitError(sinkName, err)
		}
	}
	return pipeline.NewTransientEmitError(sinkName, err)
}
