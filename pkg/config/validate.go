package config

import (
	"fmt"
	"strings"
)

var (
	validSourceKinds      = []string{SourceJetStream, SourceKafka}
	validSinkKinds        = []string{SinkNeo4j, SinkElasticsearch, SinkObjectStore, SinkJetStream}
	validCheckpointKinds  = []string{CheckpointJetStream, CheckpointNeo4j, CheckpointMemory}
	validTransformKinds   = []string{"newline", "json", "passthrough"}
	validTransformPolicy  = []string{"skip", "fail"}
	validDeadLetterPolicy = []string{"halt", "deadletter"}
	validDeadLetterTarget = []string{DeadLetterTargetJetStream, DeadLetterTargetFile}
	validCompression      = []string{"none", "gzip", "snappy", "zstd", "lz4"}
	validObjectStoreKinds = []string{ObjectStoreFilesystem, ObjectStoreS3}
	validLogLevels        = []string{"debug", "info", "warn", "error"}
)

// Validate checks the whole configuration and reports every problem at once
func (c *Config) Validate() error {
	var errs []ValidationError

	oneOf := func(field, value string, valid []string) {
		for _, v := range valid {
			if v == value {
				return
			}
		}
		errs = append(errs, ValidationError{
			Field:        field,
			Message:      fmt.Sprintf("unsupported value %q", value),
			Suggestion:   "use one of: " + strings.Join(valid, ", "),
			CurrentValue: value,
			ValidValues:  valid,
		})
	}
	positive := func(field string, value int64) {
		if value <= 0 {
			errs = append(errs, ValidationError{
				Field:        field,
				Message:      "must be positive",
				Suggestion:   "set a value greater than zero",
				CurrentValue: value,
			})
		}
	}
	notEmpty := func(field, value, suggestion string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, NewValidationError(field, "cannot be empty", suggestion))
		}
	}

	if c.AppName == "" {
		errs = append(errs, NewValidationError("appName", "cannot be empty",
			"the application name scopes checkpoints; set appName"))
	}

	// At least one flush threshold keeps the buffer bounded
	if c.Batch.MaxRecords <= 0 && c.Batch.MaxBytes <= 0 && c.Batch.MaxAge <= 0 {
		errs = append(errs, NewValidationError("batch", "no flush threshold configured",
			"set batch.maxRecords, batch.maxBytes or batch.maxAge"))
	}

	positive("retry.maxEmitAttempts", int64(c.Retry.MaxEmitAttempts))
	positive("retry.maxFetchAttempts", int64(c.Retry.MaxFetchAttempts))
	positive("retry.maxCheckpointAttempts", int64(c.Retry.MaxCheckpointAttempts))
	positive("retry.initialBackoff", int64(c.Retry.InitialBackoff))
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, NewValidationError("retry.maxBackoff", "must not be below retry.initialBackoff",
			"raise retry.maxBackoff"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, NewValidationError("retry.multiplier", "must be at least 1", "use 2 for doubling"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, NewValidationError("retry.jitter", "must be in [0, 1)", "use 0.2"))
	}

	oneOf("source.kind", c.Source.Kind, validSourceKinds)
	positive("source.fetchSize", int64(c.Source.FetchSize))
	positive("source.pollTimeout", int64(c.Source.PollTimeout))
	switch {
	case c.Retry.AttemptTimeout < 0:
		errs = append(errs, NewValidationError("retry.attemptTimeout", "cannot be negative", "use 30s"))
	case c.Retry.AttemptTimeout > 0 && c.Retry.AttemptTimeout <= c.Source.PollTimeout:
		errs = append(errs, NewValidationError("retry.attemptTimeout", "must exceed source.pollTimeout",
			"a fetch long-polls for source.pollTimeout; raise retry.attemptTimeout"))
	}
	if c.Source.IdleDelay < 0 {
		errs = append(errs, NewValidationError("source.idleDelay", "cannot be negative", "use 1s"))
	}

	oneOf("transform.kind", c.Transform.Kind, validTransformKinds)
	oneOf("transform.policy", c.Transform.Policy, validTransformPolicy)
	if len(c.Filter.JSONValues) > 0 && c.Filter.JSONField == "" {
		errs = append(errs, NewValidationError("filter.jsonField", "required when filter.jsonValues is set",
			"name the top-level field to match"))
	}

	oneOf("sink.kind", c.Sink.Kind, validSinkKinds)
	oneOf("checkpoint.kind", c.Checkpoint.Kind, validCheckpointKinds)
	oneOf("deadLetter.policy", c.DeadLetter.Policy, validDeadLetterPolicy)
	if c.DeadLetter.Policy == "deadletter" {
		oneOf("deadLetter.target", c.DeadLetter.Target, validDeadLetterTarget)
	}

	usesNATS := c.Source.Kind == SourceJetStream || c.Sink.Kind == SinkJetStream ||
		c.Checkpoint.Kind == CheckpointJetStream ||
		(c.DeadLetter.Policy == "deadletter" && c.DeadLetter.Target == DeadLetterTargetJetStream)
	if usesNATS {
		if err := c.NATS.Validate(); err != nil {
			errs = append(errs, NewValidationError("nats", err.Error(), "check the nats section"))
		}
	}
	if c.Source.Kind == SourceJetStream {
		notEmpty("nats.sourceStream", c.NATS.SourceStream, "name the stream to read")
	}
	if c.Sink.Kind == SinkJetStream {
		notEmpty("nats.sinkSubject", c.NATS.SinkSubject, "name the subject to publish to")
		// replays are only deduplicated inside the window
		positive("nats.duplicateWindow", int64(c.NATS.DuplicateWindow))
	}
	if c.DeadLetter.Policy == "deadletter" && c.DeadLetter.Target == DeadLetterTargetJetStream {
		notEmpty("nats.deadLetterSubject", c.NATS.DeadLetterSubject, "name the subject rejected batches go to")
	}
	if c.Checkpoint.Kind == CheckpointJetStream {
		notEmpty("nats.checkpointBucket", c.NATS.CheckpointBucket, "name the key-value bucket")
	}

	if c.Source.Kind == SourceKafka {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, NewValidationError("kafka.brokers", "cannot be empty", "list at least one broker"))
		}
		if len(c.Kafka.Topics) == 0 {
			errs = append(errs, NewValidationError("kafka.topics", "cannot be empty", "list the topics to read"))
		}
	}

	if c.Sink.Kind == SinkNeo4j || c.Checkpoint.Kind == CheckpointNeo4j {
		notEmpty("neo4j.uri", c.Neo4j.URI, "e.g. neo4j://localhost:7687")
	}
	if c.Sink.Kind == SinkNeo4j {
		notEmpty("neo4j.recordLabel", c.Neo4j.RecordLabel, "e.g. Record")
	}

	if c.Sink.Kind == SinkElasticsearch {
		if len(c.Elasticsearch.URLs) == 0 {
			errs = append(errs, NewValidationError("elasticsearch.urls", "cannot be empty", "e.g. http://localhost:9200"))
		}
		notEmpty("elasticsearch.index", c.Elasticsearch.Index, "name the target index")
	}

	if c.Sink.Kind == SinkObjectStore {
		oneOf("objectStore.kind", c.ObjectStore.Kind, validObjectStoreKinds)
		switch c.ObjectStore.Kind {
		case ObjectStoreFilesystem:
			notEmpty("objectStore.root", c.ObjectStore.Root, "choose a directory for batch objects")
		case ObjectStoreS3:
			notEmpty("objectStore.s3.endpoint", c.ObjectStore.S3.Endpoint, "e.g. s3.amazonaws.com or minio:9000")
			notEmpty("objectStore.s3.bucket", c.ObjectStore.S3.Bucket, "name the bucket batch objects go to")
		}
		oneOf("objectStore.compression", c.ObjectStore.Compression, validCompression)
	}
	if c.DeadLetter.Policy == "deadletter" && c.DeadLetter.Target == DeadLetterTargetFile {
		notEmpty("objectStore.deadLetterDir", c.ObjectStore.DeadLetterDir, "choose a directory for rejected batches")
	}

	oneOf("logging.level", strings.ToLower(c.Logging.Level), validLogLevels)
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, NewValidationError("telemetry.sampleRate", "must be in [0, 1]", "use 1.0 to sample everything"))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, NewValidationError("drainTimeout", "cannot be negative", "use 30s"))
	}

	if len(errs) > 0 {
		return ValidationErrors{Errors: errs}
	}
	return nil
}
