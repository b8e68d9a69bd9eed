package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/pkg/domain"
)

func testRecord(pos domain.Position, size int) domain.Record {
	return domain.Record{
		Partition: "p-0",
		Position:  pos,
		Data:      make([]byte, size),
	}
}

func TestMemoryBuffer_PreservesArrivalOrder(t *testing.T) {
	buffer := NewMemoryBuffer("p-0", BufferConfig{MaxRecords: 100})

	for pos := domain.Position(1); pos <= 10; pos++ {
		assert.False(t, buffer.Add(testRecord(pos, 10)))
	}

	count, bytes := buffer.CurrentSize()
	assert.Equal(t, 10, count)
	assert.Equal(t, 100, bytes)

	batch := buffer.Drain()
	require.Len(t, batch.Records, 10)
	for i, rec := range batch.Records {
		assert.Equal(t, domain.Position(i+1), rec.Position)
	}
	assert.Equal(t, domain.Position(1), batch.FirstPosition)
	assert.Equal(t, domain.Position(10), batch.Checkpoint)
	assert.Equal(t, 100, batch.Bytes)

	assert.True(t, buffer.IsEmpty())
	_, pending := buffer.Pending()
	assert.False(t, pending)
}

func TestMemoryBuffer_Thresholds(t *testing.T) {
	tests := []struct {
		name      string
		config    BufferConfig
		records   int
		size      int
		elapsed   time.Duration
		wantFlush bool
	}{
		{
			name:      "count threshold reached",
			config:    BufferConfig{MaxRecords: 3},
			records:   3,
			size:      1,
			wantFlush: true,
		},
		{
			name:      "count threshold not reached",
			config:    BufferConfig{MaxRecords: 3},
			records:   2,
			size:      1,
			wantFlush: false,
		},
		{
			name:      "byte threshold reached",
			config:    BufferConfig{MaxBytes: 100},
			records:   2,
			size:      50,
			wantFlush: true,
		},
		{
			name:      "byte threshold not reached",
			config:    BufferConfig{MaxBytes: 100},
			records:   2,
			size:      49,
			wantFlush: false,
		},
		{
			name:      "age threshold reached",
			config:    BufferConfig{MaxAge: time.Minute},
			records:   1,
			size:      1,
			elapsed:   time.Minute,
			wantFlush: true,
		},
		{
			name:      "age threshold not reached",
			config:    BufferConfig{MaxAge: time.Minute},
			records:   1,
			size:      1,
			elapsed:   59 * time.Second,
			wantFlush: false,
		},
		{
			name:      "empty buffer never flushes",
			config:    BufferConfig{MaxRecords: 1, MaxBytes: 1, MaxAge: time.Nanosecond},
			records:   0,
			elapsed:   time.Hour,
			wantFlush: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newManualClock()
			buffer := NewMemoryBufferWithClock("p-0", tt.config, clock.Now)

			for i := 0; i < tt.records; i++ {
				buffer.Add(testRecord(domain.Position(i+1), tt.size))
			}
			clock.Advance(tt.elapsed)

			assert.Equal(t, tt.wantFlush, buffer.ShouldFlush())
		})
	}
}

func TestMemoryBuffer_OversizedRecordFlushesAlone(t *testing.T) {
	buffer := NewMemoryBuffer("p-0", BufferConfig{MaxRecords: 100, MaxBytes: 1000})

	require.True(t, buffer.Add(testRecord(7, 1500)))

	batch := buffer.Drain()
	require.Len(t, batch.Records, 1)
	assert.Equal(t, 1500, batch.Bytes)
	assert.Equal(t, domain.Position(7), batch.Checkpoint)
}

func TestMemoryBuffer_ObserveMovesCheckpointOnly(t *testing.T) {
	buffer := NewMemoryBuffer("p-0", BufferConfig{MaxRecords: 10})

	buffer.Add(testRecord(1, 10))
	buffer.Observe(2)
	buffer.Observe(3)

	count, _ := buffer.CurrentSize()
	assert.Equal(t, 1, count)

	pending, ok := buffer.Pending()
	require.True(t, ok)
	assert.Equal(t, domain.Position(3), pending)

	batch := buffer.Drain()
	assert.Len(t, batch.Records, 1)
	assert.Equal(t, domain.Position(3), batch.Checkpoint)

	// a window of only observed positions drains as a checkpoint-only batch
	buffer.Observe(4)
	assert.True(t, buffer.IsEmpty())
	assert.False(t, buffer.ShouldFlush())

	batch = buffer.Drain()
	assert.True(t, batch.IsCheckpointOnly())
	assert.Equal(t, domain.Position(4), batch.Checkpoint)
}

func TestMemoryBuffer_DrainDoesNotAlias(t *testing.T) {
	buffer := NewMemoryBuffer("p-0", BufferConfig{MaxRecords: 10})
	buffer.Add(testRecord(1, 1))
	first := buffer.Drain()

	buffer.Add(testRecord(2, 1))
	second := buffer.Drain()

	require.Len(t, first.Records, 1)
	require.Len(t, second.Records, 1)
	assert.Equal(t, domain.Position(1), first.Records[0].Position, fmt.Sprintf("first batch %s was overwritten", first.ID()))
}
