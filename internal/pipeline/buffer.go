package pipeline

import (
	"time"

	"github.com/yairfalse/conveyor/pkg/domain"
)

// Buffer accumulates transformed records until a flush threshold is reached.
// A buffer belongs to exactly one partition worker and is not safe for
// concurrent use.
type Buffer interface {
	// Add appends a record and reports whether a flush is now due
	Add(rec domain.Record) bool

	// Observe records a position that was processed but not buffered
	// (filtered or skipped) so the next checkpoint can move past it
	Observe(pos domain.Position)

	// Drain removes all buffered records as a sealed batch and starts a new window
	Drain() domain.Batch

	// IsEmpty is true when no records are buffered
	IsEmpty() bool

	// CurrentSize returns the buffered record count and total bytes
	CurrentSize() (count int, bytes int)

	// ShouldFlush re-evaluates thresholds without adding; used for time-based flushes
	ShouldFlush() bool

	// Pending returns the highest processed position in the current window
	Pending() (domain.Position, bool)
}

// BufferConfig holds flush thresholds. A zero or negative value disables that threshold.
type BufferConfig struct {
	MaxRecords int           `json:"max_records"`
	MaxBytes   int           `json:"max_bytes"`
	MaxAge     time.Duration `json:"max_age"`
}

// DefaultBufferConfig returns the default flush thresholds
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxRecords: 1000,
		MaxBytes:   1024 * 1024,
		MaxAge:     60 * time.Second,
	}
}

// Clock returns the current time. Tests replace it to drive the time threshold.
type Clock func() time.Time

// MemoryBuffer is an in-memory Buffer with count, byte and age thresholds
type MemoryBuffer struct {
	partition domain.PartitionID
	config    BufferConfig
	now       Clock

	records  []domain.Record
	bytes    int
	openedAt time.Time

	first    domain.Position
	high     domain.Position
	hasRange bool
}

// NewMemoryBuffer creates a buffer for one partition
func NewMemoryBuffer(partition domain.PartitionID, config BufferConfig) *MemoryBuffer {
	return NewMemoryBufferWithClock(partition, config, time.Now)
}

// NewMemoryBufferWithClock creates a buffer with an injected clock
func NewMemoryBufferWithClock(partition domain.PartitionID, config BufferConfig, now Clock) *MemoryBuffer {
	if now == nil {
		now = time.Now
	}
	capacity := config.MaxRecords
	if capacity <= 0 || capacity > 4096 {
		capacity = 64
	}
	return &MemoryBuffer{
		partition: partition,
		config:    config,
		now:       now,
		records:   make([]domain.Record, 0, capacity),
	}
}

// Add appends a record. A record larger than MaxBytes is still accepted and
// makes the flush due immediately.
func (b *MemoryBuffer) Add(rec domain.Record) bool {
	if len(b.records) == 0 {
		b.openedAt = b.now()
	}
	b.records = append(b.records, rec)
	b.bytes += rec.Size()
	b.mark(rec.Position)
	return b.ShouldFlush()
}

// Observe moves the pending checkpoint past a record that will not be emitted
func (b *MemoryBuffer) Observe(pos domain.Position) {
	b.mark(pos)
}

func (b *MemoryBuffer) mark(pos domain.Position) {
	if !b.hasRange {
		b.first = pos
		b.high = pos
		b.hasRange = true
		return
	}
	if pos > b.high {
		b.high = pos
	}
}

// ShouldFlush is true when at least one record is buffered and any threshold is met
func (b *MemoryBuffer) ShouldFlush() bool {
	if len(b.records) == 0 {
		return false
	}
	if b.config.MaxRecords > 0 && len(b.records) >= b.config.MaxRecords {
		return true
	}
	if b.config.MaxBytes > 0 && b.bytes >= b.config.MaxBytes {
		return true
	}
	if b.config.MaxAge > 0 && b.now().Sub(b.openedAt) >= b.config.MaxAge {
		return true
	}
	return false
}

// Drain hands every buffered record over to the returned batch. The buffer
// keeps no reference to the drained slice.
func (b *MemoryBuffer) Drain() domain.Batch {
	batch := domain.Batch{
		Partition:     b.partition,
		Records:       b.records,
		FirstPosition: b.first,
		Checkpoint:    b.high,
		Bytes:         b.bytes,
		SealedAt:      b.now(),
	}

	b.records = make([]domain.Record, 0, cap(b.records))
	b.bytes = 0
	b.openedAt = time.Time{}
	b.first = 0
	b.high = 0
	b.hasRange = false

	return batch
}

// IsEmpty is true when no records are buffered
func (b *MemoryBuffer) IsEmpty() bool {
	return len(b.records) == 0
}

// CurrentSize returns the buffered record count and total bytes
func (b *MemoryBuffer) CurrentSize() (int, int) {
	return len(b.records), b.bytes
}

// Pending returns the highest processed position in the current window
func (b *MemoryBuffer) Pending() (domain.Position, bool) {
	return b.high, b.hasRange
}
