package config

import (
	"time"
)

// Source, sink, checkpoint and dead-letter kinds
const (
	SourceJetStream = "jetstream"
	SourceKafka     = "kafka"

	SinkNeo4j         = "neo4j"
	SinkElasticsearch = "elasticsearch"
	SinkObjectStore   = "objectstore"
	SinkJetStream     = "jetstream"

	CheckpointJetStream = "jetstream"
	CheckpointNeo4j     = "neo4j"
	CheckpointMemory    = "memory"

	DeadLetterTargetJetStream = "jetstream"
	DeadLetterTargetFile      = "file"

	ObjectStoreFilesystem = "filesystem"
	ObjectStoreS3         = "s3"
)

// Config represents the connector configuration
type Config struct {
	AppName      string        `mapstructure:"appName" yaml:"appName" json:"app_name"`
	DrainTimeout time.Duration `mapstructure:"drainTimeout" yaml:"drainTimeout" json:"drain_timeout"`

	// Pipeline behaviour
	Batch      BatchConfig      `mapstructure:"batch" yaml:"batch" json:"batch"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry" json:"retry"`
	Source     SourceConfig     `mapstructure:"source" yaml:"source" json:"source"`
	Filter     FilterConfig     `mapstructure:"filter" yaml:"filter" json:"filter"`
	Transform  TransformConfig  `mapstructure:"transform" yaml:"transform" json:"transform"`
	Sink       SinkConfig       `mapstructure:"sink" yaml:"sink" json:"sink"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint" json:"checkpoint"`
	DeadLetter DeadLetterConfig `mapstructure:"deadLetter" yaml:"deadLetter" json:"dead_letter"`
	Provision  ProvisionConfig  `mapstructure:"provision" yaml:"provision" json:"provision"`

	// Backends
	NATS          NATSConfig          `mapstructure:"nats" yaml:"nats" json:"nats"`
	Kafka         KafkaConfig         `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
	Neo4j         Neo4jConfig         `mapstructure:"neo4j" yaml:"neo4j" json:"neo4j"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch" yaml:"elasticsearch" json:"elasticsearch"`
	ObjectStore   ObjectStoreConfig   `mapstructure:"objectStore" yaml:"objectStore" json:"object_store"`

	// Operations
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging" json:"logging"`
	Status    StatusConfig    `mapstructure:"status" yaml:"status" json:"status"`
}

// BatchConfig holds buffer flush thresholds. Zero disables a threshold.
type BatchConfig struct {
	MaxRecords int           `mapstructure:"maxRecords" yaml:"maxRecords" json:"max_records"`
	MaxBytes   int           `mapstructure:"maxBytes" yaml:"maxBytes" json:"max_bytes"`
	MaxAge     time.Duration `mapstructure:"maxAge" yaml:"maxAge" json:"max_age"`
}

// RetryConfig holds backoff settings for fetch, emit and checkpoint
type RetryConfig struct {
	MaxEmitAttempts       int           `mapstructure:"maxEmitAttempts" yaml:"maxEmitAttempts" json:"max_emit_attempts"`
	MaxFetchAttempts      int           `mapstructure:"maxFetchAttempts" yaml:"maxFetchAttempts" json:"max_fetch_attempts"`
	MaxCheckpointAttempts int           `mapstructure:"maxCheckpointAttempts" yaml:"maxCheckpointAttempts" json:"max_checkpoint_attempts"`
	InitialBackoff        time.Duration `mapstructure:"initialBackoff" yaml:"initialBackoff" json:"initial_backoff"`
	MaxBackoff            time.Duration `mapstructure:"maxBackoff" yaml:"maxBackoff" json:"max_backoff"`
	Multiplier            float64       `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`
	Jitter                float64       `mapstructure:"jitter" yaml:"jitter" json:"jitter"`
	AttemptTimeout        time.Duration `mapstructure:"attemptTimeout" yaml:"attemptTimeout" json:"attempt_timeout"`
}

// SourceConfig selects and tunes the record source
type SourceConfig struct {
	Kind              string        `mapstructure:"kind" yaml:"kind" json:"kind"`
	FetchSize         int           `mapstructure:"fetchSize" yaml:"fetchSize" json:"fetch_size"`
	IdleDelay         time.Duration `mapstructure:"idleDelay" yaml:"idleDelay" json:"idle_delay"`
	PollTimeout       time.Duration `mapstructure:"pollTimeout" yaml:"pollTimeout" json:"poll_timeout"`
	DiscoveryInterval time.Duration `mapstructure:"discoveryInterval" yaml:"discoveryInterval" json:"discovery_interval"`
}

// FilterConfig configures record filtering. An empty config accepts everything.
type FilterConfig struct {
	KeyPrefixes []string `mapstructure:"keyPrefixes" yaml:"keyPrefixes" json:"key_prefixes"`
	JSONField   string   `mapstructure:"jsonField" yaml:"jsonField" json:"json_field"`
	JSONValues  []string `mapstructure:"jsonValues" yaml:"jsonValues" json:"json_values"`
}

// TransformConfig selects the transformer and its failure policy
type TransformConfig struct {
	Kind    string            `mapstructure:"kind" yaml:"kind" json:"kind"`
	Policy  string            `mapstructure:"policy" yaml:"policy" json:"policy"`
	Options map[string]string `mapstructure:"options" yaml:"options,omitempty" json:"options,omitempty"`
}

// SinkConfig selects the emitter
type SinkConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind"`
}

// CheckpointConfig selects the checkpoint store
type CheckpointConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind"`
}

// DeadLetterConfig decides what happens to batches a sink rejects permanently
type DeadLetterConfig struct {
	Policy string `mapstructure:"policy" yaml:"policy" json:"policy"`
	Target string `mapstructure:"target" yaml:"target" json:"target"`
}

// ProvisionConfig controls creation of external resources at startup
type ProvisionConfig struct {
	CreateResources bool          `mapstructure:"createResources" yaml:"createResources" json:"create_resources"`
	Replicas        int           `mapstructure:"replicas" yaml:"replicas" json:"replicas"`
	History         int           `mapstructure:"history" yaml:"history" json:"history"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}

// KafkaConfig holds Kafka source settings
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topics   []string `mapstructure:"topics" yaml:"topics" json:"topics"`
	ClientID string   `mapstructure:"clientID" yaml:"clientID" json:"client_id"`
	Version  string   `mapstructure:"version" yaml:"version" json:"version"`
}

// Neo4jConfig holds Neo4j sink and checkpoint store settings
type Neo4jConfig struct {
	URI            string `mapstructure:"uri" yaml:"uri" json:"uri"`
	Username       string `mapstructure:"username" yaml:"username" json:"username"`
	Password       string `mapstructure:"password" yaml:"password" json:"-"`
	Database       string `mapstructure:"database" yaml:"database" json:"database"`
	MaxConnections int    `mapstructure:"maxConnections" yaml:"maxConnections" json:"max_connections"`
	RecordLabel    string `mapstructure:"recordLabel" yaml:"recordLabel" json:"record_label"`
}

// ElasticsearchConfig holds Elasticsearch sink settings
type ElasticsearchConfig struct {
	URLs     []string `mapstructure:"urls" yaml:"urls" json:"urls"`
	Index    string   `mapstructure:"index" yaml:"index" json:"index"`
	Username string   `mapstructure:"username" yaml:"username" json:"username"`
	Password string   `mapstructure:"password" yaml:"password" json:"-"`
	Sniff    bool     `mapstructure:"sniff" yaml:"sniff" json:"sniff"`
}

// ObjectStoreConfig holds object store sink and file dead-letter settings.
// Kind selects where batch objects go: a local directory under Root, or an
// S3-compatible bucket.
type ObjectStoreConfig struct {
	Kind          string   `mapstructure:"kind" yaml:"kind" json:"kind"`
	Root          string   `mapstructure:"root" yaml:"root" json:"root"`
	Compression   string   `mapstructure:"compression" yaml:"compression" json:"compression"`
	DeadLetterDir string   `mapstructure:"deadLetterDir" yaml:"deadLetterDir" json:"dead_letter_dir"`
	S3            S3Config `mapstructure:"s3" yaml:"s3" json:"s3"`
}

// S3Config addresses an S3-compatible bucket. Empty credentials fall back to
// the AWS/MinIO environment variables and instance metadata.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region" json:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	AccessKey string `mapstructure:"accessKey" yaml:"accessKey" json:"-"`
	SecretKey string `mapstructure:"secretKey" yaml:"secretKey" json:"-"`
	UseSSL    bool   `mapstructure:"useSSL" yaml:"useSSL" json:"use_ssl"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	ServiceName       string  `mapstructure:"serviceName" yaml:"serviceName" json:"service_name"`
	ServiceVersion    string  `mapstructure:"serviceVersion" yaml:"serviceVersion" json:"service_version"`
	Environment       string  `mapstructure:"environment" yaml:"environment" json:"environment"`
	PrometheusEnabled bool    `mapstructure:"prometheusEnabled" yaml:"prometheusEnabled" json:"prometheus_enabled"`
	OTLPEndpoint      string  `mapstructure:"otlpEndpoint" yaml:"otlpEndpoint" json:"otlp_endpoint"`
	Insecure          bool    `mapstructure:"insecure" yaml:"insecure" json:"insecure"`
	SampleRate        float64 `mapstructure:"sampleRate" yaml:"sampleRate" json:"sample_rate"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level" json:"level"`
	Development bool   `mapstructure:"development" yaml:"development" json:"development"`
}

// StatusConfig configures the health and metrics HTTP server. An empty
// address disables it.
type StatusConfig struct {
	Address string `mapstructure:"address" yaml:"address" json:"address"`
}

// DefaultConfig returns the default connector configuration
func DefaultConfig() *Config {
	return &Config{
		AppName:      getEnv("CONVEYOR_APP_NAME", "conveyor"),
		DrainTimeout: 30 * time.Second,

		Batch: BatchConfig{
			MaxRecords: 1000,
			MaxBytes:   1024 * 1024,
			MaxAge:     60 * time.Second,
		},
		Retry: RetryConfig{
			MaxEmitAttempts:       5,
			MaxFetchAttempts:      10,
			MaxCheckpointAttempts: 3,
			InitialBackoff:        time.Second,
			MaxBackoff:            30 * time.Second,
			Multiplier:            2,
			Jitter:                0.2,
			AttemptTimeout:        30 * time.Second,
		},
		Source: SourceConfig{
			Kind:              SourceJetStream,
			FetchSize:         500,
			IdleDelay:         time.Second,
			PollTimeout:       2 * time.Second,
			DiscoveryInterval: time.Minute,
		},
		Transform: TransformConfig{
			Kind:   "newline",
			Policy: "skip",
		},
		Sink: SinkConfig{
			Kind: SinkObjectStore,
		},
		Checkpoint: CheckpointConfig{
			Kind: CheckpointJetStream,
		},
		DeadLetter: DeadLetterConfig{
			Policy: "halt",
			Target: DeadLetterTargetFile,
		},
		Provision: ProvisionConfig{
			CreateResources: true,
			Replicas:        1,
			History:         1,
		},

		NATS: *DefaultNATSConfig(),
		Kafka: KafkaConfig{
			Brokers:  []string{getEnv("KAFKA_BROKERS", "localhost:9092")},
			ClientID: "conveyor",
			Version:  "2.8.0",
		},
		Neo4j: Neo4jConfig{
			URI:            getEnv("NEO4J_URI", "neo4j://localhost:7687"),
			Username:       getEnv("NEO4J_USERNAME", "neo4j"),
			Password:       getEnv("NEO4J_PASSWORD", "password"),
			Database:       getEnv("NEO4J_DATABASE", "neo4j"),
			MaxConnections: 50,
			RecordLabel:    "Record",
		},
		Elasticsearch: ElasticsearchConfig{
			URLs:  []string{getEnv("ELASTICSEARCH_URL", "http://localhost:9200")},
			Index: "conveyor-records",
		},
		ObjectStore: ObjectStoreConfig{
			Kind:          ObjectStoreFilesystem,
			Root:          "./data/records",
			Compression:   "snappy",
			DeadLetterDir: "./data/deadletter",
			S3: S3Config{
				Endpoint: getEnv("S3_ENDPOINT", "s3.amazonaws.com"),
				Region:   getEnv("AWS_REGION", ""),
				UseSSL:   true,
			},
		},

		Telemetry: TelemetryConfig{
			Enabled:           true,
			ServiceName:       "conveyor",
			ServiceVersion:    "dev",
			Environment:       getEnv("CONVEYOR_ENV", "development"),
			PrometheusEnabled: true,
			Insecure:          true,
			SampleRate:        1.0,
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Status: StatusConfig{
			Address: ":8080",
		},
	}
}
