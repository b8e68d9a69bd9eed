package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yairfalse/conveyor/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Source yields ordered records per partition
type Source interface {
	// ListPartitions returns the partitions currently known to the source
	ListPartitions(ctx context.Context) ([]domain.PartitionID, error)

	// Fetch returns up to max records positioned after the cursor, in order.
	// An empty result means no new data is available right now.
	Fetch(ctx context.Context, partition domain.PartitionID, after domain.Cursor, max int) ([]domain.RawRecord, error)

	Close() error
}

// Components are the strategies a partition worker is assembled from.
// Filter, Transformer, Emitter, Store and DeadLetter are shared between
// partitions; NewBuffer is called once per worker.
type Components struct {
	Source      Source
	Filter      Filter
	Transformer Transformer
	Emitter     Emitter
	Store       CheckpointStore
	DeadLetter  DeadLetter
	NewBuffer   func(partition domain.PartitionID) Buffer
}

// Validate ensures all required components are present
func (c Components) Validate() error {
	switch {
	case c.Source == nil:
		return fmt.Errorf("source is required")
	case c.Filter == nil:
		return fmt.Errorf("filter is required")
	case c.Transformer == nil:
		return fmt.Errorf("transformer is required")
	case c.Emitter == nil:
		return fmt.Errorf("emitter is required")
	case c.Store == nil:
		return fmt.Errorf("checkpoint store is required")
	case c.NewBuffer == nil:
		return fmt.Errorf("buffer factory is required")
	}
	return nil
}

// ExecutorConfig holds per-partition processing settings
type ExecutorConfig struct {
	FetchSize        int              `json:"fetch_size"`
	IdleDelay        time.Duration    `json:"idle_delay"`
	DrainTimeout     time.Duration    `json:"drain_timeout"`
	Retry            RetryPolicy      `json:"retry"`
	TransformPolicy  TransformPolicy  `json:"transform_policy"`
	DeadLetterPolicy DeadLetterPolicy `json:"dead_letter_policy"`
}

// DefaultExecutorConfig returns default executor settings
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		FetchSize:        500,
		IdleDelay:        time.Second,
		DrainTimeout:     30 * time.Second,
		Retry:            DefaultRetryPolicy(),
		TransformPolicy:  TransformSkip,
		DeadLetterPolicy: DeadLetterHalt,
	}
}

// PartitionStatus is a point-in-time view of one partition worker
type PartitionStatus struct {
	Partition domain.PartitionID `json:"partition"`
	State     State              `json:"state"`
	Cursor    domain.Cursor      `json:"cursor"`
	Buffered  int                `json:"buffered"`
	Stats     StatsSnapshot      `json:"stats"`
	LastError string             `json:"last_error,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Executor drives one partition through
// resuming -> fetching -> accumulating -> flushing -> checkpointing -> fetching.
// All stages run sequentially on the caller's goroutine.
type Executor struct {
	partition    domain.PartitionID
	config       ExecutorConfig
	source       Source
	filter       Filter
	transformer  Transformer
	emitter      Emitter
	deadLetter   DeadLetter
	buffer       Buffer
	checkpointer *Checkpointer

	// readCursor is the last position taken from the source. It runs ahead of
	// the durable cursor by whatever is buffered.
	readCursor domain.Cursor

	stats   *Stats
	logger  *zap.Logger
	metrics *instruments
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	state     State
	cursor    domain.Cursor
	buffered  int
	lastErr   error
	updatedAt time.Time
}

// NewExecutor creates a worker for one partition
func NewExecutor(partition domain.PartitionID, components Components, config ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	return newExecutor(partition, components, config, logger, nil)
}

func newExecutor(partition domain.PartitionID, components Components, config ExecutorConfig, logger *zap.Logger, metrics *instruments) (*Executor, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if partition == "" {
		return nil, fmt.Errorf("partition is required")
	}
	if err := components.Validate(); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if !config.TransformPolicy.Valid() {
		return nil, fmt.Errorf("invalid transform policy: %q", config.TransformPolicy)
	}
	if !config.DeadLetterPolicy.Valid() {
		return nil, fmt.Errorf("invalid dead-letter policy: %q", config.DeadLetterPolicy)
	}
	if config.DeadLetterPolicy == DeadLetterRoute && components.DeadLetter == nil {
		return nil, fmt.Errorf("dead-letter policy %q requires a dead-letter target", DeadLetterRoute)
	}
	if config.FetchSize <= 0 {
		return nil, fmt.Errorf("fetch size must be positive")
	}

	logger = logger.With(zap.String("partition", string(partition)))
	if metrics == nil {
		metrics = newInstruments(logger)
	}

	buffer := components.NewBuffer(partition)
	if buffer == nil {
		return nil, fmt.Errorf("buffer factory returned nil for partition %s", partition)
	}

	return &Executor{
		partition:    partition,
		config:       config,
		source:       components.Source,
		filter:       components.Filter,
		transformer:  components.Transformer,
		emitter:      components.Emitter,
		deadLetter:   components.DeadLetter,
		buffer:       buffer,
		checkpointer: newCheckpointer(components.Store, partition, config.Retry, logger, metrics),
		readCursor:   domain.NewCursor(partition),
		stats:        &Stats{},
		logger:       logger,
		metrics:      metrics,
		tracer:       otel.Tracer(instrumentationName),
		sleep:        sleepContext,
		state:        StateIdle,
		cursor:       domain.NewCursor(partition),
		updatedAt:    time.Now(),
	}, nil
}

// Run processes the partition until ctx is cancelled or an unrecoverable error
// occurs. On cancellation the in-flight buffer is flushed and checkpointed
// before Run returns nil. On failure Run returns the cause and the worker stays
// in StateFailed.
func (e *Executor) Run(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("partition", string(e.partition)),
	))
	defer span.End()

	e.metrics.partitionStarted(ctx)
	defer e.metrics.partitionStopped(context.WithoutCancel(ctx))

	// flushCtx outlives ctx by at most DrainTimeout so a drained batch can
	// still reach its checkpoint during shutdown.
	flushCtx, cancelFlush := drainContext(ctx, e.config.DrainTimeout)
	defer cancelFlush()

	if err := e.resume(ctx); err != nil {
		if ctx.Err() != nil {
			return e.stop(flushCtx)
		}
		span.SetStatus(codes.Error, err.Error())
		return e.fail(flushCtx, err)
	}

	for {
		if ctx.Err() != nil {
			return e.stop(flushCtx)
		}

		e.transition(StateFetching)
		records, err := e.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return e.stop(flushCtx)
			}
			span.SetStatus(codes.Error, err.Error())
			return e.fail(flushCtx, e.salvage(flushCtx, err))
		}

		if len(records) == 0 {
			// Sparse partitions still honour the time threshold.
			if e.buffer.ShouldFlush() {
				if err := e.flush(flushCtx); err != nil {
					span.SetStatus(codes.Error, err.Error())
					return e.fail(flushCtx, err)
				}
				continue
			}
			if err := e.sleep(ctx, e.config.IdleDelay); err != nil {
				return e.stop(flushCtx)
			}
			continue
		}

		e.transition(StateAccumulating)
		for _, raw := range records {
			due, err := e.accumulate(ctx, raw)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return e.fail(flushCtx, e.salvage(flushCtx, err))
			}
			if due {
				if err := e.flush(flushCtx); err != nil {
					span.SetStatus(codes.Error, err.Error())
					return e.fail(flushCtx, err)
				}
				e.transition(StateAccumulating)
			}
		}

		if err := e.settle(flushCtx); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return e.fail(flushCtx, err)
		}
	}
}

func (e *Executor) resume(ctx context.Context) error {
	e.transition(StateResuming)

	cursor, err := e.checkpointer.Resume(ctx)
	if err != nil {
		return err
	}
	e.readCursor = cursor
	e.publishCursor(cursor)

	e.logger.Info("Partition resumed", zap.Stringer("cursor", cursor))
	return nil
}

func (e *Executor) fetch(ctx context.Context) ([]domain.RawRecord, error) {
	var records []domain.RawRecord
	err := retry(ctx, e.config.Retry, e.config.Retry.MaxFetchAttempts, func(ctx context.Context, _ int) error {
		var err error
		records, err = e.source.Fetch(ctx, e.partition, e.readCursor, e.config.FetchSize)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("Fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err != nil {
		var fetchErr *SourceFetchError
		if !errors.As(err, &fetchErr) {
			err = &SourceFetchError{Partition: e.partition, Kind: Transient, Err: err}
		}
		return nil, err
	}

	e.stats.fetched.Add(int64(len(records)))
	e.metrics.addFetched(ctx, e.partition, len(records))
	return records, nil
}

// accumulate runs one record through filter, transformer and buffer and
// reports whether a flush is due.
func (e *Executor) accumulate(ctx context.Context, raw domain.RawRecord) (bool, error) {
	if e.readCursor.Valid && raw.Position <= e.readCursor.Position {
		e.stats.duplicates.Add(1)
		e.logger.Debug("Dropping redelivered record", zap.Uint64("position", uint64(raw.Position)))
		return false, nil
	}
	if err := e.readCursor.Advance(raw.Position, false); err != nil {
		return false, err
	}

	if !e.filter.Accept(raw) {
		e.stats.filtered.Add(1)
		e.metrics.addFiltered(ctx, e.partition)
		e.buffer.Observe(raw.Position)
		return false, nil
	}

	rec, err := e.transformer.Transform(raw)
	if err != nil {
		var transformErr *TransformError
		if !errors.As(err, &transformErr) {
			err = NewTransformError(raw, err)
		}
		e.stats.transformFailures.Add(1)
		e.metrics.addTransformFailure(ctx, e.partition)

		if e.config.TransformPolicy == TransformFail {
			return false, err
		}
		e.logger.Warn("Skipping record that failed to transform",
			zap.Uint64("position", uint64(raw.Position)),
			zap.String("transformer", e.transformer.Kind()),
			zap.Error(err))
		e.buffer.Observe(raw.Position)
		return false, nil
	}

	rec.Partition = raw.Partition
	rec.Position = raw.Position
	rec.ArrivedAt = raw.ArrivedAt
	e.stats.transformed.Add(1)

	due := e.buffer.Add(rec)
	e.publishBuffered()
	return due, nil
}

// settle runs after a fetched slice has been accumulated. Progress made only
// of filtered or skipped records is checkpointed without emitting anything.
func (e *Executor) settle(ctx context.Context) error {
	if !e.buffer.IsEmpty() {
		if e.buffer.ShouldFlush() {
			return e.flush(ctx)
		}
		return nil
	}

	pending, ok := e.buffer.Pending()
	if !ok {
		return nil
	}
	batch := e.buffer.Drain()
	if cursor := e.checkpointer.Cursor(); cursor.Valid && pending <= cursor.Position {
		return nil
	}
	return e.commit(ctx, batch.Checkpoint)
}

// flush drains the buffer, emits the batch and checkpoints it
func (e *Executor) flush(ctx context.Context) error {
	e.transition(StateFlushing)

	batch := e.buffer.Drain()
	e.publishBuffered()

	ctx, span := e.tracer.Start(ctx, "executor.flush", trace.WithAttributes(
		attribute.String("partition", string(e.partition)),
		attribute.String("batch.id", batch.ID()),
		attribute.Int("batch.records", batch.Len()),
		attribute.Int("batch.bytes", batch.Bytes),
	))
	defer span.End()

	if !batch.IsCheckpointOnly() {
		if err := e.emit(ctx, batch); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	if err := e.commit(ctx, batch.Checkpoint); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "Batch flushed")
	return nil
}

func (e *Executor) emit(ctx context.Context, batch domain.Batch) error {
	start := time.Now()
	err := retry(ctx, e.config.Retry, e.config.Retry.MaxEmitAttempts, func(ctx context.Context, _ int) error {
		return e.emitter.Emit(ctx, batch)
	}, func(attempt int, err error, wait time.Duration) {
		e.stats.emitRetries.Add(1)
		e.metrics.addEmitRetry(ctx, e.partition)
		e.logger.Warn("Emit failed, retrying",
			zap.String("batch", batch.ID()),
			zap.String("sink", e.emitter.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	e.metrics.recordEmit(ctx, batch, time.Since(start), err)

	if err == nil {
		e.stats.emittedRecords.Add(int64(batch.Len()))
		e.stats.emittedBatches.Add(1)
		e.logger.Debug("Batch emitted",
			zap.String("batch", batch.ID()),
			zap.Int("records", batch.Len()),
			zap.Int("bytes", batch.Bytes))
		return nil
	}

	if !IsPermanent(err) {
		return fmt.Errorf("emit batch %s: %w", batch.ID(), err)
	}
	if e.config.DeadLetterPolicy != DeadLetterRoute {
		return fmt.Errorf("emit batch %s rejected, halting partition: %w", batch.ID(), err)
	}
	return e.routeDeadLetter(ctx, batch, err)
}

func (e *Executor) routeDeadLetter(ctx context.Context, batch domain.Batch, cause error) error {
	err := retry(ctx, e.config.Retry, e.config.Retry.MaxEmitAttempts, func(ctx context.Context, _ int) error {
		return e.deadLetter.Route(ctx, batch, cause)
	}, func(attempt int, err error, wait time.Duration) {
		e.logger.Warn("Dead-letter routing failed, retrying",
			zap.String("batch", batch.ID()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("dead-letter batch %s via %s: %w (emit cause: %v)", batch.ID(), e.deadLetter.Name(), err, cause)
	}

	e.stats.deadLettered.Add(1)
	e.metrics.addDeadLettered(ctx, e.partition)
	e.logger.Warn("Batch routed to dead-letter target",
		zap.String("batch", batch.ID()),
		zap.String("target", e.deadLetter.Name()),
		zap.Int("records", batch.Len()),
		zap.NamedError("cause", cause))
	return nil
}

func (e *Executor) commit(ctx context.Context, pos domain.Position) error {
	e.transition(StateCheckpointing)

	if err := e.checkpointer.Commit(ctx, pos); err != nil {
		return err
	}
	e.stats.checkpoints.Add(1)
	e.publishCursor(e.checkpointer.Cursor())
	return nil
}

// salvage flushes what was buffered before a fetch or transform failure so the
// checkpoint lands right before the record that stopped the partition.
func (e *Executor) salvage(ctx context.Context, cause error) error {
	if e.buffer.IsEmpty() {
		return cause
	}
	if err := e.flush(ctx); err != nil {
		e.logger.Warn("Could not flush buffered records before failing", zap.Error(err))
	}
	return cause
}

// stop flushes whatever is buffered and parks the worker in StateStopped.
// ctx is the drain context, already counting down since cancellation.
func (e *Executor) stop(ctx context.Context) error {
	if !e.buffer.IsEmpty() {
		if err := e.flush(ctx); err != nil {
			return e.fail(ctx, fmt.Errorf("final flush: %w", err))
		}
	} else if err := e.settle(ctx); err != nil {
		return e.fail(ctx, fmt.Errorf("final checkpoint: %w", err))
	}

	e.transition(StateStopped)
	e.logger.Info("Partition stopped",
		zap.Stringer("cursor", e.checkpointer.Cursor()),
		zap.Object("stats", e.stats))
	return nil
}

func (e *Executor) fail(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrDrainTimeout) && !errors.Is(err, ErrDrainTimeout) {
		err = fmt.Errorf("%w: %w", ErrDrainTimeout, err)
	}
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	previous := e.State()
	e.transition(StateFailed)
	e.metrics.addPartitionFailed(ctx, e.partition)

	e.logger.Error("Partition failed",
		zap.Stringer("state", previous),
		zap.Stringer("cursor", e.checkpointer.Cursor()),
		zap.Object("stats", e.stats),
		zap.Error(err))
	return err
}

func (e *Executor) transition(next State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == next && next != StateFetching {
		return
	}
	if !e.state.CanTransitionTo(next) {
		e.logger.Warn("Unexpected state transition",
			zap.Stringer("from", e.state),
			zap.Stringer("to", next))
	}
	e.state = next
	e.updatedAt = time.Now()
}

func (e *Executor) publishCursor(c domain.Cursor) {
	e.mu.Lock()
	e.cursor = c
	e.updatedAt = time.Now()
	e.mu.Unlock()
}

func (e *Executor) publishBuffered() {
	count, _ := e.buffer.CurrentSize()
	e.mu.Lock()
	e.buffered = count
	e.mu.Unlock()
}

// Partition returns the partition this worker owns
func (e *Executor) Partition() domain.PartitionID {
	return e.partition
}

// State returns the current worker state
func (e *Executor) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Stats returns the live counters of this worker
func (e *Executor) Stats() *Stats {
	return e.stats
}

// Status returns a snapshot safe to read from any goroutine
func (e *Executor) Status() PartitionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	status := PartitionStatus{
		Partition: e.partition,
		State:     e.state,
		Cursor:    e.cursor,
		Buffered:  e.buffered,
		Stats:     e.stats.Snapshot(),
		UpdatedAt: e.updatedAt,
	}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
	}
	return status
}

// drainContext ignores cancellation of ctx for up to timeout, then cancels
// with ErrDrainTimeout. A zero timeout never cancels; attempts stay bounded
// by the retry policy.
func drainContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	drain, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if timeout <= 0 {
			return
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			cancel(ErrDrainTimeout)
		case <-drain.Done():
		}
	})
	return drain, func() {
		stop()
		cancel(nil)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
