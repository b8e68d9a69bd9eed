package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	natsint "github.com/yairfalse/conveyor/internal/integrations/nats"
	"github.com/yairfalse/conveyor/internal/integrations/nats/natstest"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap/zaptest"
)

func newTestSource(t *testing.T) (*Source, *natsint.Connection) {
	t.Helper()

	conn := natstest.Connect(t)
	source, err := NewSource(context.Background(), conn, Options{
		Stream:      "RECORDS",
		Subjects:    []string{"records.>"},
		PollTimeout: 100 * time.Millisecond,
		Create:      true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = source.Close() })
	return source, conn
}

func publish(t *testing.T, conn *natsint.Connection, subject, key, payload string) {
	t.Helper()

	msg := nats.NewMsg(subject)
	msg.Data = []byte(payload)
	if key != "" {
		msg.Header.Set(KeyHeader, key)
	}
	_, err := conn.JetStream().PublishMsg(context.Background(), msg)
	require.NoError(t, err)
}

func payloads(records []domain.RawRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.Payload)
	}
	return out
}

func TestSource_FetchInOrderPerSubject(t *testing.T) {
	source, conn := newTestSource(t)
	ctx := context.Background()

	publish(t, conn, "records.a", "k1", "a1")
	publish(t, conn, "records.b", "", "b1")
	publish(t, conn, "records.a", "k2", "a2")
	publish(t, conn, "records.a", "k3", "a3")

	partitions, err := source.ListPartitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PartitionID{"records.a", "records.b"}, partitions)

	first, err := source.Fetch(ctx, "records.a", domain.NewCursor("records.a"), 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2"}, payloads(first))
	assert.Equal(t, domain.Position(1), first[0].Position)
	assert.Equal(t, domain.Position(3), first[1].Position, "positions are stream sequences")
	assert.Equal(t, "k1", first[0].Key)
	assert.False(t, first[0].ArrivedAt.IsZero())

	cursor := domain.ResumeCursor("records.a", first[1].Position)
	rest, err := source.Fetch(ctx, "records.a", cursor, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, payloads(rest))

	cursor = domain.ResumeCursor("records.a", rest[0].Position)
	empty, err := source.Fetch(ctx, "records.a", cursor, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	b, err := source.Fetch(ctx, "records.b", domain.NewCursor("records.b"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, payloads(b))
}

func TestSource_RepositionsAfterReplay(t *testing.T) {
	source, conn := newTestSource(t)
	ctx := context.Background()

	for _, p := range []string{"r1", "r2", "r3"} {
		publish(t, conn, "records.a", "", p)
	}

	all, err := source.Fetch(ctx, "records.a", domain.NewCursor("records.a"), 10)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// a lost checkpoint sends the caller back to an earlier cursor
	replay, err := source.Fetch(ctx, "records.a", domain.ResumeCursor("records.a", 1), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r3"}, payloads(replay))
}

func TestSource_StreamMissing(t *testing.T) {
	conn := natstest.Connect(t)
	_, err := NewSource(context.Background(), conn, Options{Stream: "NOPE"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSource_FetchErrorKinds(t *testing.T) {
	source := &Source{}
	err := source.fetchError("p", errors.New("timeout"))

	var fetchErr *pipeline.SourceFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, pipeline.Transient, fetchErr.Kind)
	assert.Equal(t, domain.PartitionID("p"), fetchErr.Partition)
	assert.False(t, pipeline.IsPermanent(err))
}
