package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/internal/sinks"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap/zaptest"
)

func testBatch(partition domain.PartitionID, payloads ...string) domain.Batch {
	batch := domain.Batch{Partition: partition, SealedAt: time.Now()}
	for i, p := range payloads {
		pos := domain.Position(100 + i)
		batch.Records = append(batch.Records, domain.Record{Partition: partition, Position: pos, Data: []byte(p)})
		batch.Bytes += len(p)
		batch.Checkpoint = pos
	}
	batch.FirstPosition = 100
	return batch
}

func TestCodecs_RoundTrip(t *testing.T) {
	input := []byte(strings.Repeat("conveyor record payload\n", 200))

	for _, name := range []string{"", CompressionNone, CompressionSnappy, CompressionZstd, CompressionLZ4, CompressionGzip} {
		t.Run("codec "+name, func(t *testing.T) {
			codec, err := NewCodec(name)
			require.NoError(t, err)

			encoded, err := codec.Encode(input)
			require.NoError(t, err)
			if name != "" && name != CompressionNone {
				assert.Less(t, len(encoded), len(input))
				assert.NotEmpty(t, codec.Extension())
			}

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, input, decoded)
		})
	}

	_, err := NewCodec("brotli")
	assert.Error(t, err)
}

func TestStore_EmitIsIdempotent(t *testing.T) {
	root := t.TempDir()
	bucket, err := NewFilesystemBucket(root)
	require.NoError(t, err)
	store, err := NewStore(bucket, CompressionSnappy, zaptest.NewLogger(t))
	require.NoError(t, err)

	batch := testBatch("orders/3", "a\n", "b", "c\n")
	require.NoError(t, store.Emit(context.Background(), batch))

	key := store.ObjectKey(batch)
	assert.Equal(t, "orders%2F3/"+batch.ID()+".ndjson.sz", key)
	path := bucket.Path(key)
	assert.Equal(t, filepath.Join(root, "orders%2F3", batch.ID()+".ndjson.sz"), path)

	first, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, store.Emit(context.Background(), batch), "re-emitting the same batch succeeds")
	second, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, first.ModTime(), second.ModTime(), "existing object is not rewritten")

	lines, err := store.ReadObject(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n", "b\n", "c\n"}, toStrings(lines))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}

func TestStore_CheckpointOnlyBatchWritesNothing(t *testing.T) {
	root := t.TempDir()
	bucket, err := NewFilesystemBucket(root)
	require.NoError(t, err)
	store, err := NewStore(bucket, CompressionNone, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, store.Emit(context.Background(), domain.Batch{Partition: "p", Checkpoint: 9}))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_Constructor(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bucket, err := NewFilesystemBucket(t.TempDir())
	require.NoError(t, err)

	_, err = NewFilesystemBucket("")
	assert.Error(t, err)
	_, err = NewStore(nil, CompressionNone, logger)
	assert.Error(t, err)
	_, err = NewStore(bucket, "brotli", logger)
	assert.Error(t, err)
	_, err = NewStore(bucket, CompressionNone, nil)
	assert.Error(t, err)
}

func TestDeadLetterStore_Route(t *testing.T) {
	bucket, err := NewFilesystemBucket(t.TempDir())
	require.NoError(t, err)
	deadLetter, err := NewDeadLetterStore(bucket, CompressionZstd, zaptest.NewLogger(t))
	require.NoError(t, err)
	deadLetter.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	batch := testBatch("orders", `{"id":1}`, `{"id":2}`)
	cause := errors.New("mapping conflict")
	require.NoError(t, deadLetter.Route(context.Background(), batch, cause))

	key := deadLetter.EnvelopeKey(batch)
	assert.FileExists(t, bucket.Path(key))
	envelope, err := deadLetter.ReadEnvelope(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, sinks.DeadLetterID(batch), envelope.ID)
	assert.Equal(t, batch.ID(), envelope.BatchID)
	assert.Equal(t, "mapping conflict", envelope.Cause)
	assert.Equal(t, domain.Position(101), envelope.Checkpoint)
	require.Len(t, envelope.Records, 2)
	assert.Equal(t, `{"id":2}`, string(envelope.Records[1].Data))
}

func toStrings(lines [][]byte) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}
