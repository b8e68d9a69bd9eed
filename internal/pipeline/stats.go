package pipeline

import (
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// Stats holds per-partition counters.
// Counters are atomic so status readers never block the worker.
type Stats struct {
	fetched           atomic.Int64
	filtered          atomic.Int64
	transformed       atomic.Int64
	transformFailures atomic.Int64
	duplicates        atomic.Int64
	emittedRecords    atomic.Int64
	emittedBatches    atomic.Int64
	emitRetries       atomic.Int64
	deadLettered      atomic.Int64
	checkpoints       atomic.Int64
}

// Fetched returns the number of records read from the source
func (s *Stats) Fetched() int64 { return s.fetched.Load() }

// Filtered returns the number of records rejected by the filter
func (s *Stats) Filtered() int64 { return s.filtered.Load() }

// Transformed returns the number of records transformed successfully
func (s *Stats) Transformed() int64 { return s.transformed.Load() }

// TransformFailures returns the number of records the transformer rejected
func (s *Stats) TransformFailures() int64 { return s.transformFailures.Load() }

// Duplicates returns the number of redelivered records dropped by position
func (s *Stats) Duplicates() int64 { return s.duplicates.Load() }

// EmittedRecords returns the number of records delivered to the sink
func (s *Stats) EmittedRecords() int64 { return s.emittedRecords.Load() }

// EmittedBatches returns the number of batches delivered to the sink
func (s *Stats) EmittedBatches() int64 { return s.emittedBatches.Load() }

// EmitRetries returns the number of failed emit attempts that were retried
func (s *Stats) EmitRetries() int64 { return s.emitRetries.Load() }

// DeadLettered returns the number of batches routed to the dead-letter target
func (s *Stats) DeadLettered() int64 { return s.deadLettered.Load() }

// Checkpoints returns the number of durable checkpoint commits
func (s *Stats) Checkpoints() int64 { return s.checkpoints.Load() }

// MarshalLogObject implements zapcore.ObjectMarshaler
func (s *Stats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("fetched", s.Fetched())
	enc.AddInt64("filtered", s.Filtered())
	enc.AddInt64("transformed", s.Transformed())
	enc.AddInt64("transform_failures", s.TransformFailures())
	enc.AddInt64("duplicates", s.Duplicates())
	enc.AddInt64("emitted_records", s.EmittedRecords())
	enc.AddInt64("emitted_batches", s.EmittedBatches())
	enc.AddInt64("emit_retries", s.EmitRetries())
	enc.AddInt64("dead_lettered", s.DeadLettered())
	enc.AddInt64("checkpoints", s.Checkpoints())
	return nil
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Fetched           int64 `json:"fetched"`
	Filtered          int64 `json:"filtered"`
	Transformed       int64 `json:"transformed"`
	TransformFailures int64 `json:"transform_failures"`
	Duplicates        int64 `json:"duplicates"`
	EmittedRecords    int64 `json:"emitted_records"`
	EmittedBatches    int64 `json:"emitted_batches"`
	EmitRetries       int64 `json:"emit_retries"`
	DeadLettered      int64 `json:"dead_lettered"`
	Checkpoints       int64 `json:"checkpoints"`
}

// Snapshot copies the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Fetched:           s.Fetched(),
		Filtered:          s.Filtered(),
		Transformed:       s.Transformed(),
		TransformFailures: s.TransformFailures(),
		Duplicates:        s.Duplicates(),
		EmittedRecords:    s.EmittedRecords(),
		EmittedBatches:    s.EmittedBatches(),
		EmitRetries:       s.EmitRetries(),
		DeadLettered:      s.DeadLettered(),
		Checkpoints:       s.Checkpoints(),
	}
}

// MarshalJSON implements json.Marshaler
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
