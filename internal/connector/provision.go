package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/conveyor/pkg/config"
	"go.uber.org/zap"
)

// Resource names one external resource that Provision made sure exists
type Resource struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func (r Resource) String() string {
	return r.Kind + " " + r.Name
}

// Provision creates the streams, buckets, indices, constraints and
// directories the configuration refers to. Every step is idempotent, so it is
// safe to run against resources that already exist. Kafka topics are never
// created.
func Provision(ctx context.Context, cfg *config.Config, logger *zap.Logger) (resources []Resource, err error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provisioned := *cfg
	provisioned.Provision.CreateResources = true

	b := newBackends(&provisioned, logger)
	defer func() {
		err = errors.Join(err, b.Close(context.Background()))
	}()

	switch provisioned.Source.Kind {
	case config.SourceJetStream:
		source, err := b.source(ctx)
		if err != nil {
			return resources, fmt.Errorf("failed to provision source: %w", err)
		}
		b.onClose(func(context.Context) error { return source.Close() })
		resources = append(resources, Resource{Kind: "stream", Name: provisioned.NATS.SourceStream})
	case config.SourceKafka:
		logger.Info("Kafka topics are not provisioned", zap.Strings("topics", provisioned.Kafka.Topics))
	}

	emitter, err := b.emitter(ctx)
	if err != nil {
		return resources, fmt.Errorf("failed to provision sink: %w", err)
	}
	resources = append(resources, sinkResource(&provisioned))

	if _, err := b.checkpointStore(ctx); err != nil {
		return resources, fmt.Errorf("failed to provision checkpoint store: %w", err)
	}
	if r, ok := checkpointResource(&provisioned); ok {
		resources = append(resources, r)
	}

	deadLetter, err := b.deadLetter(ctx, emitter)
	if err != nil {
		return resources, fmt.Errorf("failed to provision dead-letter target: %w", err)
	}
	if deadLetter != nil {
		resources = append(resources, deadLetterResource(&provisioned))
	}

	for _, r := range resources {
		logger.Info("Resource ready", zap.String("kind", r.Kind), zap.String("name", r.Name))
	}
	return resources, nil
}

func sinkResource(cfg *config.Config) Resource {
	switch cfg.Sink.Kind {
	case config.SinkElasticsearch:
		return Resource{Kind: "index", Name: cfg.Elasticsearch.Index}
	case config.SinkNeo4j:
		return Resource{Kind: "constraint", Name: cfg.Neo4j.RecordLabel + ".id"}
	case config.SinkJetStream:
		return Resource{Kind: "stream", Name: cfg.NATS.SinkStream}
	default:
		if cfg.ObjectStore.Kind == config.ObjectStoreS3 {
			return Resource{Kind: "bucket", Name: "s3://" + cfg.ObjectStore.S3.Bucket}
		}
		return Resource{Kind: "directory", Name: cfg.ObjectStore.Root}
	}
}

func checkpointResource(cfg *config.Config) (Resource, bool) {
	switch cfg.Checkpoint.Kind {
	case config.CheckpointJetStream:
		return Resource{Kind: "bucket", Name: cfg.NATS.CheckpointBucket}, true
	case config.CheckpointNeo4j:
		return Resource{Kind: "constraint", Name: "Checkpoint.partition"}, true
	default:
		return Resource{}, false
	}
}

func deadLetterResource(cfg *config.Config) Resource {
	if cfg.DeadLetter.Target == config.DeadLetterTargetJetStream {
		return Resource{Kind: "subject", Name: cfg.NATS.DeadLetterSubject}
	}
	return Resource{Kind: "directory", Name: cfg.ObjectStore.DeadLetterDir}
}
