package connector

import (
	"context"
	"fmt"

	"github.com/yairfalse/conveyor/internal/checkpoint"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/internal/pipeline/transformers"
	"github.com/yairfalse/conveyor/internal/sinks/elasticsearch"
	jssink "github.com/yairfalse/conveyor/internal/sinks/jetstream"
	neo4jsink "github.com/yairfalse/conveyor/internal/sinks/neo4j"
	"github.com/yairfalse/conveyor/internal/sinks/objectstore"
	jssource "github.com/yairfalse/conveyor/internal/sources/jetstream"
	"github.com/yairfalse/conveyor/internal/sources/kafka"
	"github.com/yairfalse/conveyor/pkg/config"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// BufferConfig converts batch settings to buffer thresholds
func BufferConfig(c config.BatchConfig) pipeline.BufferConfig {
	return pipeline.BufferConfig{
		MaxRecords: c.MaxRecords,
		MaxBytes:   c.MaxBytes,
		MaxAge:     c.MaxAge,
	}
}

// RetryPolicy converts retry settings to a pipeline retry policy
func RetryPolicy(c config.RetryConfig) pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxEmitAttempts:       c.MaxEmitAttempts,
		MaxFetchAttempts:      c.MaxFetchAttempts,
		MaxCheckpointAttempts: c.MaxCheckpointAttempts,
		InitialBackoff:        c.InitialBackoff,
		MaxBackoff:            c.MaxBackoff,
		Multiplier:            c.Multiplier,
		Jitter:                c.Jitter,
		AttemptTimeout:        c.AttemptTimeout,
	}
}

// SupervisorConfig derives worker and discovery settings from the configuration
func SupervisorConfig(cfg *config.Config) pipeline.SupervisorConfig {
	return pipeline.SupervisorConfig{
		Executor: pipeline.ExecutorConfig{
			FetchSize:        cfg.Source.FetchSize,
			IdleDelay:        cfg.Source.IdleDelay,
			DrainTimeout:     cfg.DrainTimeout,
			Retry:            RetryPolicy(cfg.Retry),
			TransformPolicy:  pipeline.TransformPolicy(cfg.Transform.Policy),
			DeadLetterPolicy: pipeline.DeadLetterPolicy(cfg.DeadLetter.Policy),
		},
		DiscoveryInterval: cfg.Source.DiscoveryInterval,
	}
}

// NewFilter builds the filter chain. Without any filter settings every
// record passes.
func NewFilter(c config.FilterConfig) pipeline.Filter {
	var chain pipeline.FilterChain
	if len(c.KeyPrefixes) > 0 {
		chain = append(chain, pipeline.NewKeyPrefixFilter(c.KeyPrefixes))
	}
	if c.JSONField != "" {
		chain = append(chain, pipeline.NewJSONFieldFilter(c.JSONField, c.JSONValues))
	}

	switch len(chain) {
	case 0:
		return pipeline.AllPass{}
	case 1:
		return chain[0]
	default:
		return chain
	}
}

// NewTransformer builds the configured transformer from the built-in registry
func NewTransformer(c config.TransformConfig) (pipeline.Transformer, error) {
	transformer, err := transformers.NewRegistry().Build(c.Kind, c.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to build transformer: %w", err)
	}
	return transformer, nil
}

func (b *backends) source(ctx context.Context) (pipeline.Source, error) {
	cfg := b.config
	switch cfg.Source.Kind {
	case config.SourceJetStream:
		conn, err := b.NATS(ctx)
		if err != nil {
			return nil, err
		}
		return jssource.NewSource(ctx, conn, jssource.Options{
			Stream:      cfg.NATS.SourceStream,
			Subjects:    cfg.NATS.SourceSubjects,
			PollTimeout: cfg.Source.PollTimeout,
			Create:      cfg.Provision.CreateResources,
			Replicas:    cfg.Provision.Replicas,
		}, b.logger.Named("source"))
	case config.SourceKafka:
		return kafka.NewSource(cfg.Kafka, cfg.Source.PollTimeout, b.logger.Named("source"))
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func (b *backends) emitter(ctx context.Context) (pipeline.Emitter, error) {
	cfg := b.config
	provision := cfg.Provision.CreateResources
	logger := b.logger.Named("sink")

	switch cfg.Sink.Kind {
	case config.SinkObjectStore:
		bucket, err := b.objectBucket(ctx, logger)
		if err != nil {
			return nil, err
		}
		return objectstore.NewStore(bucket, cfg.ObjectStore.Compression, logger)
	case config.SinkElasticsearch:
		return elasticsearch.NewEmitter(ctx, cfg.Elasticsearch, provision, logger)
	case config.SinkNeo4j:
		client, err := b.Neo4j(ctx)
		if err != nil {
			return nil, err
		}
		return neo4jsink.NewEmitter(ctx, client, cfg.Neo4j.RecordLabel, provision, logger)
	case config.SinkJetStream:
		return b.publisher(ctx)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
}

// objectBucket selects where batch objects are written by objectStore.kind
func (b *backends) objectBucket(ctx context.Context, logger *zap.Logger) (objectstore.Bucket, error) {
	cfg := b.config.ObjectStore
	switch cfg.Kind {
	case config.ObjectStoreS3:
		return objectstore.NewS3Bucket(ctx, cfg.S3, b.config.Provision.CreateResources, logger)
	case "", config.ObjectStoreFilesystem:
		return objectstore.NewFilesystemBucket(cfg.Root)
	default:
		return nil, fmt.Errorf("unknown object store kind %q", cfg.Kind)
	}
}

func (b *backends) publisher(ctx context.Context) (*jssink.Publisher, error) {
	conn, err := b.NATS(ctx)
	if err != nil {
		return nil, err
	}
	cfg := b.config
	return jssink.NewPublisher(ctx, conn, jssink.Options{
		Stream:            cfg.NATS.SinkStream,
		Subject:           cfg.NATS.SinkSubject,
		DeadLetterSubject: cfg.NATS.DeadLetterSubject,
		Create:            cfg.Provision.CreateResources,
		Replicas:          cfg.Provision.Replicas,
	}, b.logger.Named("publisher"))
}

func (b *backends) checkpointStore(ctx context.Context) (pipeline.CheckpointStore, error) {
	cfg := b.config
	logger := b.logger.Named("checkpoint")

	switch cfg.Checkpoint.Kind {
	case config.CheckpointMemory:
		logger.Warn("Checkpoints are kept in memory and lost on restart")
		return checkpoint.NewMemoryStore(), nil
	case config.CheckpointJetStream:
		conn, err := b.NATS(ctx)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewKVStore(ctx, conn, checkpoint.KVOptions{
			Bucket:   cfg.NATS.CheckpointBucket,
			Create:   cfg.Provision.CreateResources,
			Replicas: cfg.Provision.Replicas,
			History:  cfg.Provision.History,
			TTL:      cfg.Provision.TTL,
		}, logger)
	case config.CheckpointNeo4j:
		client, err := b.Neo4j(ctx)
		if err != nil {
			return nil, err
		}
		return checkpoint.NewNeo4jStore(ctx, client, cfg.Provision.CreateResources, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint kind %q", cfg.Checkpoint.Kind)
	}
}

// deadLetter returns nil unless rejected batches are routed somewhere. A
// JetStream emitter doubles as the JetStream dead-letter target.
func (b *backends) deadLetter(ctx context.Context, emitter pipeline.Emitter) (pipeline.DeadLetter, error) {
	cfg := b.config
	if pipeline.DeadLetterPolicy(cfg.DeadLetter.Policy) != pipeline.DeadLetterRoute {
		return nil, nil
	}

	switch cfg.DeadLetter.Target {
	case config.DeadLetterTargetFile:
		bucket, err := objectstore.NewFilesystemBucket(cfg.ObjectStore.DeadLetterDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
		}
		return objectstore.NewDeadLetterStore(bucket, cfg.ObjectStore.Compression, b.logger.Named("deadletter"))
	case config.DeadLetterTargetJetStream:
		if publisher, ok := emitter.(*jssink.Publisher); ok {
			return publisher, nil
		}
		return b.publisher(ctx)
	default:
		return nil, fmt.Errorf("unknown dead-letter target %q", cfg.DeadLetter.Target)
	}
}

func bufferFactory(c config.BatchConfig) func(domain.PartitionID) pipeline.Buffer {
	bufferConfig := BufferConfig(c)
	return func(partition domain.PartitionID) pipeline.Buffer {
		return pipeline.NewMemoryBuffer(partition, bufferConfig)
	}
}

func logComponents(logger *zap.Logger, c pipeline.Components) {
	fields := []zap.Field{
		zap.String("filter", c.Filter.Name()),
		zap.String("transformer", c.Transformer.Kind()),
		zap.String("emitter", c.Emitter.Name()),
	}
	if c.DeadLetter != nil {
		fields = append(fields, zap.String("dead_letter", c.DeadLetter.Name()))
	}
	logger.Info("Pipeline assembled", fields...)
}
