// Package kafka reads records from Kafka topic partitions with sarama. The
// partition ID is "<topic>/<partition>" and the position is the offset.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/config"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// Source consumes partitions without a consumer group; progress lives in the
// checkpoint store, not in Kafka.
type Source struct {
	client      sarama.Client
	consumer    sarama.Consumer
	topics      []string
	pollTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	consumers map[domain.PartitionID]*partitionConsumer
}

type partitionConsumer struct {
	pc sarama.PartitionConsumer
	// offset the next message is expected at, or sarama.OffsetOldest
	expect int64
}

var _ pipeline.Source = (*Source)(nil)

// NewSource connects to the brokers in cfg
func NewSource(cfg config.KafkaConfig, pollTimeout time.Duration, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	saramaConfig, err := SaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	logger.Info("Connected to Kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.Strings("topics", cfg.Topics))

	source := newSource(consumer, cfg.Topics, pollTimeout, logger)
	source.client = client
	return source, nil
}

func newSource(consumer sarama.Consumer, topics []string, pollTimeout time.Duration, logger *zap.Logger) *Source {
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	return &Source{
		consumer:    consumer,
		topics:      topics,
		pollTimeout: pollTimeout,
		logger:      logger,
		consumers:   make(map[domain.PartitionID]*partitionConsumer),
	}
}

// SaramaConfig builds the client configuration
func SaramaConfig(cfg config.KafkaConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = cfg.ClientID
	saramaConfig.Consumer.Return.Errors = true
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version %q: %w", cfg.Version, err)
		}
		saramaConfig.Version = version
	}
	return saramaConfig, nil
}

// PartitionID formats the partition ID of a topic partition
func PartitionID(topic string, partition int32) domain.PartitionID {
	return domain.PartitionID(fmt.Sprintf("%s/%d", topic, partition))
}

// ParsePartitionID splits a partition ID into topic and partition
func ParsePartitionID(id domain.PartitionID) (string, int32, error) {
	i := strings.LastIndex(string(id), "/")
	if i <= 0 {
		return "", 0, fmt.Errorf("partition ID %q is not <topic>/<partition>", id)
	}
	n, err := strconv.ParseInt(string(id)[i+1:], 10, 32)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("partition ID %q has an invalid partition number", id)
	}
	return string(id)[:i], int32(n), nil
}

func (s *Source) ListPartitions(ctx context.Context) ([]domain.PartitionID, error) {
	var partitions []domain.PartitionID
	for _, topic := range s.topics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := s.consumer.Partitions(topic)
		if err != nil {
			return nil, &pipeline.SourceFetchError{Kind: pipeline.Transient, Err: fmt.Errorf("list partitions of %s: %w", topic, err)}
		}
		for _, id := range ids {
			partitions = append(partitions, PartitionID(topic, id))
		}
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions, nil
}

// Fetch waits up to the poll timeout for the first message, then takes what
// is already buffered, up to max
func (s *Source) Fetch(ctx context.Context, partition domain.PartitionID, after domain.Cursor, max int) ([]domain.RawRecord, error) {
	if max <= 0 {
		return nil, nil
	}

	pc, err := s.consumerFor(partition, startOffset(after))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.pollTimeout)
	defer timer.Stop()

	records := make([]domain.RawRecord, 0, max)
	for len(records) < max {
		if len(records) > 0 {
			select {
			case msg, ok := <-pc.pc.Messages():
				if !ok {
					return s.finish(partition, pc, records, fmt.Errorf("partition consumer closed"))
				}
				records = append(records, toRawRecord(partition, msg))
				continue
			default:
				return s.finish(partition, pc, records, nil)
			}
		}

		select {
		case msg, ok := <-pc.pc.Messages():
			if !ok {
				return s.finish(partition, pc, records, fmt.Errorf("partition consumer closed"))
			}
			records = append(records, toRawRecord(partition, msg))
		case consumerErr := <-pc.pc.Errors():
			return s.finish(partition, pc, records, consumerErr)
		case <-timer.C:
			return s.finish(partition, pc, records, nil)
		case <-ctx.Done():
			return s.finish(partition, pc, records, ctx.Err())
		}
	}
	return s.finish(partition, pc, records, nil)
}

// finish records progress and classifies err. Records already taken from the
// consumer are returned even when err is set, so none are skipped.
func (s *Source) finish(partition domain.PartitionID, pc *partitionConsumer, records []domain.RawRecord, err error) ([]domain.RawRecord, error) {
	if n := len(records); n > 0 {
		s.mu.Lock()
		pc.expect = int64(records[n-1].Position) + 1
		s.mu.Unlock()
	}
	if err == nil {
		return records, nil
	}
	if len(records) > 0 {
		s.logger.Warn("Partition consumer error after partial fetch",
			zap.String("partition", string(partition)),
			zap.Int("records", len(records)),
			zap.Error(err))
		return records, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	s.drop(partition)
	kind := pipeline.Transient
	if errors.Is(err, sarama.ErrOffsetOutOfRange) {
		kind = pipeline.Permanent
	}
	return nil, &pipeline.SourceFetchError{Partition: partition, Kind: kind, Err: err}
}

func startOffset(after domain.Cursor) int64 {
	if !after.Valid {
		return sarama.OffsetOldest
	}
	return int64(after.Next())
}

func (s *Source) consumerFor(partition domain.PartitionID, offset int64) (*partitionConsumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pc, ok := s.consumers[partition]; ok {
		if pc.expect == offset {
			return pc, nil
		}
		s.release(partition, pc)
	}

	topic, id, err := ParsePartitionID(partition)
	if err != nil {
		return nil, &pipeline.SourceFetchError{Partition: partition, Kind: pipeline.Permanent, Err: err}
	}

	pc, err := s.consumer.ConsumePartition(topic, id, offset)
	if err != nil {
		kind := pipeline.Transient
		if errors.Is(err, sarama.ErrOffsetOutOfRange) {
			kind = pipeline.Permanent
		}
		return nil, &pipeline.SourceFetchError{Partition: partition, Kind: kind, Err: err}
	}

	s.logger.Debug("Opened partition consumer",
		zap.String("partition", string(partition)),
		zap.Int64("offset", offset))

	consumer := &partitionConsumer{pc: pc, expect: offset}
	s.consumers[partition] = consumer
	return consumer, nil
}

func (s *Source) drop(partition domain.PartitionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pc, ok := s.consumers[partition]; ok {
		s.release(partition, pc)
	}
}

// release closes a partition consumer and waits for sarama to detach it.
// The topic partition cannot be consumed again before that. Callers hold s.mu.
func (s *Source) release(partition domain.PartitionID, pc *partitionConsumer) {
	if err := pc.pc.Close(); err != nil {
		s.logger.Debug("Partition consumer closed with pending errors",
			zap.String("partition", string(partition)),
			zap.Error(err))
	}
	delete(s.consumers, partition)
}

// Close stops all partition consumers and the client
func (s *Source) Close() error {
	s.mu.Lock()
	for partition, pc := range s.consumers {
		if err := pc.pc.Close(); err != nil {
			s.logger.Warn("Failed to close partition consumer",
				zap.String("partition", string(partition)),
				zap.Error(err))
		}
	}
	s.consumers = make(map[domain.PartitionID]*partitionConsumer)
	s.mu.Unlock()

	if err := s.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	if s.client != nil && !s.client.Closed() {
		return s.client.Close()
	}
	return nil
}

func toRawRecord(partition domain.PartitionID, msg *sarama.ConsumerMessage) domain.RawRecord {
	var headers map[string]string
	if len(msg.Headers) > 0 {
		headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				headers[string(h.Key)] = string(h.Value)
			}
		}
	}

	arrived := msg.Timestamp
	if arrived.IsZero() {
		arrived = time.Now().UTC()
	}

	return domain.RawRecord{
		Partition: partition,
		Position:  domain.Position(msg.Offset),
		Key:       string(msg.Key),
		Payload:   msg.Value,
		Headers:   headers,
		ArrivedAt: arrived,
	}
}
