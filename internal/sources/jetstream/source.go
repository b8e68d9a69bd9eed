// Package jetstream reads records from a JetStream stream. Each subject in the
// stream is a partition and the stream sequence is the position.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	natsint "github.com/yairfalse/conveyor/internal/integrations/nats"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// KeyHeader carries the record key. Without it the message ID is used.
const KeyHeader = "Conveyor-Key"

// Options configures the source stream
type Options struct {
	Stream      string
	Subjects    []string
	PollTimeout time.Duration
	Create      bool
	Replicas    int
}

// Source fetches records from one stream through ordered consumers, one per
// partition. A consumer is reused while the caller keeps asking for the
// position right after the last one it returned.
type Source struct {
	stream  jetstream.Stream
	options Options
	logger  *zap.Logger

	mu        sync.Mutex
	consumers map[domain.PartitionID]*partitionConsumer
}

type partitionConsumer struct {
	consumer jetstream.Consumer
	next     domain.Position
}

var _ pipeline.Source = (*Source)(nil)

// NewSource opens the stream, creating it when options.Create is set
func NewSource(ctx context.Context, conn *natsint.Connection, options Options, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if options.Stream == "" {
		return nil, fmt.Errorf("stream is required")
	}
	if options.PollTimeout <= 0 {
		options.PollTimeout = 2 * time.Second
	}

	var (
		stream jetstream.Stream
		err    error
	)
	if options.Create {
		if len(options.Subjects) == 0 {
			return nil, fmt.Errorf("subjects are required to create stream %s", options.Stream)
		}
		stream, err = conn.EnsureStream(ctx, conn.StreamConfig(options.Stream, options.Subjects, options.Replicas))
	} else {
		stream, err = conn.JetStream().Stream(ctx, options.Stream)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open source stream %s: %w", options.Stream, err)
	}

	return &Source{
		stream:    stream,
		options:   options,
		logger:    logger.With(zap.String("stream", options.Stream)),
		consumers: make(map[domain.PartitionID]*partitionConsumer),
	}, nil
}

// ListPartitions returns every subject that currently holds messages
func (s *Source) ListPartitions(ctx context.Context) ([]domain.PartitionID, error) {
	info, err := s.stream.Info(ctx, jetstream.WithSubjectFilter(">"))
	if err != nil {
		return nil, s.fetchError("", err)
	}

	partitions := make([]domain.PartitionID, 0, len(info.State.Subjects))
	for subject := range info.State.Subjects {
		partitions = append(partitions, domain.PartitionID(subject))
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions, nil
}

// Fetch returns up to max messages of the partition's subject with a stream
// sequence after the cursor
func (s *Source) Fetch(ctx context.Context, partition domain.PartitionID, after domain.Cursor, max int) ([]domain.RawRecord, error) {
	if max <= 0 {
		return nil, nil
	}

	pc, err := s.consumerFor(ctx, partition, after.Next())
	if err != nil {
		return nil, s.fetchError(partition, err)
	}

	batch, err := pc.consumer.Fetch(max, jetstream.FetchMaxWait(s.options.PollTimeout))
	if err != nil {
		s.drop(partition)
		return nil, s.fetchError(partition, err)
	}

	records := make([]domain.RawRecord, 0, max)
	for msg := range batch.Messages() {
		rec, err := toRawRecord(partition, msg)
		if err != nil {
			s.drop(partition)
			return nil, s.fetchError(partition, err)
		}
		records = append(records, rec)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		s.drop(partition)
		return nil, s.fetchError(partition, err)
	}

	if n := len(records); n > 0 {
		s.mu.Lock()
		pc.next = records[n-1].Position + 1
		s.mu.Unlock()
	}
	return records, nil
}

// consumerFor returns a consumer positioned at start, replacing a cached one
// that is somewhere else
func (s *Source) consumerFor(ctx context.Context, partition domain.PartitionID, start domain.Position) (*partitionConsumer, error) {
	s.mu.Lock()
	pc, ok := s.consumers[partition]
	s.mu.Unlock()
	if ok && pc.next == start {
		return pc, nil
	}

	config := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{string(partition)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if start > 0 {
		config.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		config.OptStartSeq = uint64(start)
	}

	consumer, err := s.stream.OrderedConsumer(ctx, config)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Positioned partition consumer",
		zap.String("partition", string(partition)),
		zap.Uint64("start", uint64(start)))

	pc = &partitionConsumer{consumer: consumer, next: start}
	s.mu.Lock()
	s.consumers[partition] = pc
	s.mu.Unlock()
	return pc, nil
}

func (s *Source) drop(partition domain.PartitionID) {
	s.mu.Lock()
	delete(s.consumers, partition)
	s.mu.Unlock()
}

func (s *Source) fetchError(partition domain.PartitionID, err error) error {
	kind := pipeline.Transient
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		kind = pipeline.Permanent
	}
	return &pipeline.SourceFetchError{Partition: partition, Kind: kind, Err: err}
}

// Close forgets all consumers. Ordered consumers are ephemeral and expire on
// the server on their own.
func (s *Source) Close() error {
	s.mu.Lock()
	s.consumers = make(map[domain.PartitionID]*partitionConsumer)
	s.mu.Unlock()
	return nil
}

func toRawRecord(partition domain.PartitionID, msg jetstream.Msg) (domain.RawRecord, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return domain.RawRecord{}, fmt.Errorf("message without metadata: %w", err)
	}

	var headers map[string]string
	if h := msg.Headers(); len(h) > 0 {
		headers = make(map[string]string, len(h))
		for k := range h {
			headers[k] = h.Get(k)
		}
	}

	key := headers[KeyHeader]
	if key == "" {
		key = headers[nats.MsgIdHdr]
	}

	payload := make([]byte, len(msg.Data()))
	copy(payload, msg.Data())

	return domain.RawRecord{
		Partition: partition,
		Position:  domain.Position(meta.Sequence.Stream),
		Key:       key,
		Payload:   payload,
		Headers:   headers,
		ArrivedAt: meta.Timestamp,
	}, nil
}
