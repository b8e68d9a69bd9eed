package checkpoint

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/internal/integrations/nats/natstest"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap/zaptest"
)

// storeContract runs the behaviour every checkpoint store must share
func storeContract(t *testing.T, store pipeline.CheckpointStore) {
	ctx := context.Background()

	_, ok, err := store.Load(ctx, "orders.eu")
	require.NoError(t, err)
	assert.False(t, ok, "unknown partition has no checkpoint")

	require.NoError(t, store.Save(ctx, "orders.eu", 10))
	require.NoError(t, store.Save(ctx, "orders.eu", 25))
	require.NoError(t, store.Save(ctx, "orders.eu", 25), "repeating the stored position is accepted")

	pos, ok, err := store.Load(ctx, "orders.eu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.Position(25), pos)

	err = store.Save(ctx, "orders.eu", 24)
	assert.ErrorIs(t, err, pipeline.ErrCheckpointRegression)

	pos, _, err = store.Load(ctx, "orders.eu")
	require.NoError(t, err)
	assert.Equal(t, domain.Position(25), pos, "rejected save must not change the store")

	require.NoError(t, store.Save(ctx, "orders us/3", 0))
	pos, ok, err = store.Load(ctx, "orders us/3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.Position(0), pos)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	storeContract(t, store)

	assert.Equal(t, map[domain.PartitionID]domain.Position{
		"orders.eu":   25,
		"orders us/3": 0,
	}, store.Snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, store.Save(ctx, "orders.eu", 30))
}

func TestKVStore(t *testing.T) {
	conn := natstest.Connect(t)
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	_, err := NewKVStore(ctx, conn, KVOptions{Bucket: "checkpoints"}, logger)
	assert.Error(t, err, "bucket must exist when provisioning is off")

	opts := KVOptions{Bucket: "checkpoints", Create: true, History: 5, TTL: time.Hour}
	store, err := NewKVStore(ctx, conn, opts, logger)
	require.NoError(t, err)
	storeContract(t, store)

	kv, err := conn.JetStream().KeyValue(ctx, "checkpoints")
	require.NoError(t, err)
	status, err := kv.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), status.History())
	assert.Equal(t, time.Hour, status.TTL())

	history, err := kv.History(ctx, "orders.eu")
	require.NoError(t, err)
	assert.Len(t, history, 2, "repeated and rejected saves write nothing")

	reopened, err := NewKVStore(ctx, conn, KVOptions{Bucket: "checkpoints"}, logger)
	require.NoError(t, err)
	pos, ok, err := reopened.Load(ctx, "orders.eu")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.Position(25), pos)
}

func TestKVStore_Constructor(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewKVStore(context.Background(), nil, KVOptions{Bucket: "b"}, logger)
	assert.Error(t, err)
	_, err = NewKVStore(context.Background(), nil, KVOptions{Bucket: "b"}, nil)
	assert.Error(t, err)
}

func TestKeyFor(t *testing.T) {
	tests := []struct {
		partition domain.PartitionID
		want      string
	}{
		{"orders.eu", "orders.eu"},
		{"orders/3", "orders/3"},
		{"orders eu", "b64_b3JkZXJzIGV1"},
		{"records.>", "b64_cmVjb3Jkcy4-"},
	}
	for _, tt := range tests {
		t.Run(string(tt.partition), func(t *testing.T) {
			assert.Equal(t, tt.want, KeyFor(tt.partition))
		})
	}
}

func TestKVConfig(t *testing.T) {
	cfg := kvConfig(KVOptions{Bucket: "b", History: 500, Replicas: 0}, "memory")
	assert.Equal(t, uint8(jetstream.KeyValueMaxHistory), cfg.History)
	assert.Equal(t, 1, cfg.Replicas)
	assert.Equal(t, jetstream.MemoryStorage, cfg.Storage)

	cfg = kvConfig(KVOptions{Bucket: "b"}, "file")
	assert.Equal(t, uint8(1), cfg.History)
	assert.Equal(t, jetstream.FileStorage, cfg.Storage)
}

func TestNeo4jSaveParams(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	params, err := saveParams("orders", 42, now)
	require.NoError(t, err)

	v, _ := params.Get("position")
	assert.Equal(t, int64(42), v)
	v, _ = params.Get("updated_at")
	assert.Equal(t, now.UnixMilli(), v)

	_, err = saveParams("orders", domain.Position(math.MaxInt64)+1, now)
	assert.Error(t, err)
}

func TestToPosition(t *testing.T) {
	pos, err := toPosition(int64(7))
	require.NoError(t, err)
	assert.Equal(t, domain.Position(7), pos)

	_, err = toPosition("7")
	assert.Error(t, err)
	_, err = toPosition(int64(-1))
	assert.Error(t, err)
}
