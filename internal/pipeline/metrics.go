package pipeline

import (
	"context"
	"time"

	"github.com/yairfalse/conveyor/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "conveyor.pipeline"

// instruments holds the OTEL instruments shared by all partition workers.
// Every method tolerates a nil receiver and nil instruments.
type instruments struct {
	recordsFetched    metric.Int64Counter
	recordsFiltered   metric.Int64Counter
	transformFailures metric.Int64Counter
	recordsEmitted    metric.Int64Counter
	batchesEmitted    metric.Int64Counter
	emitRetries       metric.Int64Counter
	batchesDeadLetter metric.Int64Counter
	partitionsFailed  metric.Int64Counter
	emitLatency       metric.Float64Histogram
	checkpointLatency metric.Float64Histogram
	batchSize         metric.Int64Histogram
	activePartitions  metric.Int64UpDownCounter
}

func newInstruments(logger *zap.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	m := &instruments{}

	var err error

	m.recordsFetched, err = meter.Int64Counter(
		"conveyor_records_fetched_total",
		metric.WithDescription("Total records fetched from the source"),
	)
	if err != nil {
		logger.Warn("Failed to create records fetched counter", zap.Error(err))
	}

	m.recordsFiltered, err = meter.Int64Counter(
		"conveyor_records_filtered_total",
		metric.WithDescription("Total records rejected by the filter"),
	)
	if err != nil {
		logger.Warn("Failed to create records filtered counter", zap.Error(err))
	}

	m.transformFailures, err = meter.Int64Counter(
		"conveyor_transform_failures_total",
		metric.WithDescription("Total records the transformer could not convert"),
	)
	if err != nil {
		logger.Warn("Failed to create transform failures counter", zap.Error(err))
	}

	m.recordsEmitted, err = meter.Int64Counter(
		"conveyor_records_emitted_total",
		metric.WithDescription("Total records delivered to the sink"),
	)
	if err != nil {
		logger.Warn("Failed to create records emitted counter", zap.Error(err))
	}

	m.batchesEmitted, err = meter.Int64Counter(
		"conveyor_batches_emitted_total",
		metric.WithDescription("Total batches delivered to the sink"),
	)
	if err != nil {
		logger.Warn("Failed to create batches emitted counter", zap.Error(err))
	}

	m.emitRetries, err = meter.Int64Counter(
		"conveyor_emit_retries_total",
		metric.WithDescription("Total emit attempts that failed transiently and were retried"),
	)
	if err != nil {
		logger.Warn("Failed to create emit retries counter", zap.Error(err))
	}

	m.batchesDeadLetter, err = meter.Int64Counter(
		"conveyor_batches_dead_lettered_total",
		metric.WithDescription("Total batches routed to the dead-letter target"),
	)
	if err != nil {
		logger.Warn("Failed to create dead-letter counter", zap.Error(err))
	}

	m.partitionsFailed, err = meter.Int64Counter(
		"conveyor_partitions_failed_total",
		metric.WithDescription("Total partition workers that entered the failed state"),
	)
	if err != nil {
		logger.Warn("Failed to create partitions failed counter", zap.Error(err))
	}

	m.emitLatency, err = meter.Float64Histogram(
		"conveyor_emit_duration_ms",
		metric.WithDescription("Emit duration including retries in milliseconds"),
	)
	if err != nil {
		logger.Warn("Failed to create emit latency histogram", zap.Error(err))
	}

	m.checkpointLatency, err = meter.Float64Histogram(
		"conveyor_checkpoint_duration_ms",
		metric.WithDescription("Checkpoint save duration in milliseconds"),
	)
	if err != nil {
		logger.Warn("Failed to create checkpoint latency histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"conveyor_batch_records",
		metric.WithDescription("Records per emitted batch"),
	)
	if err != nil {
		logger.Warn("Failed to create batch size histogram", zap.Error(err))
	}

	m.activePartitions, err = meter.Int64UpDownCounter(
		"conveyor_active_partitions",
		metric.WithDescription("Current number of running partition workers"),
	)
	if err != nil {
		logger.Warn("Failed to create active partitions counter", zap.Error(err))
	}

	return m
}

func partitionAttr(p domain.PartitionID) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("partition", string(p)))
}

func (m *instruments) addFetched(ctx context.Context, p domain.PartitionID, n int) {
	if m == nil || m.recordsFetched == nil || n == 0 {
		return
	}
	m.recordsFetched.Add(ctx, int64(n), partitionAttr(p))
}

func (m *instruments) addFiltered(ctx context.Context, p domain.PartitionID) {
	if m == nil || m.recordsFiltered == nil {
		return
	}
	m.recordsFiltered.Add(ctx, 1, partitionAttr(p))
}

func (m *instruments) addTransformFailure(ctx context.Context, p domain.PartitionID) {
	if m == nil || m.transformFailures == nil {
		return
	}
	m.transformFailures.Add(ctx, 1, partitionAttr(p))
}

func (m *instruments) addEmitRetry(ctx context.Context, p domain.PartitionID) {
	if m == nil || m.emitRetries == nil {
		return
	}
	m.emitRetries.Add(ctx, 1, partitionAttr(p))
}

func (m *instruments) recordEmit(ctx context.Context, batch domain.Batch, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	if m.emitLatency != nil {
		m.emitLatency.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
			attribute.String("partition", string(batch.Partition)),
			attribute.String("status", status),
		))
	}
	if err != nil {
		return
	}
	if m.recordsEmitted != nil {
		m.recordsEmitted.Add(ctx, int64(batch.Len()), partitionAttr(batch.Partition))
	}
	if m.batchesEmitted != nil {
		m.batchesEmitted.Add(ctx, 1, partitionAttr(batch.Partition))
	}
	if m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batch.Len()))
	}
}

func (m *instruments) addDeadLettered(ctx context.Context, p domain.PartitionID) {
	if m == nil || m.batchesDeadLetter == nil {
		return
	}
	m.batchesDeadLetter.Add(ctx, 1, partitionAttr(p))
}

func (m *instruments) recordCheckpoint(ctx context.Context, p domain.PartitionID, d time.Duration, err error) {
	if m == nil || m.checkpointLatency == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.checkpointLatency.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.String("partition", string(p)),
		attribute.String("status", status),
	))
}

func (m *instruments) addPartitionFailed(ctx context.Context, p domain.PartitionID) {
	if m == nil || m.partitionsFailed == nil {
		return
	}
	m.partitionsFailed.Add(ctx, 1, partitionAttr(p))
}

func (m *instruments) partitionStarted(ctx context.Context) {
	if m == nil || m.activePartitions == nil {
		return
	}
	m.activePartitions.Add(ctx, 1)
}

func (m *instruments) partitionStopped(ctx context.Context) {
	if m == nil || m.activePartitions == nil {
		return
	}
	m.activePartitions.Add(ctx, -1)
}
