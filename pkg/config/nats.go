package config

import (
	"fmt"
	"time"
)

// NATSConfig holds all NATS-related configuration
type NATSConfig struct {
	// Connection
	URL               string        `mapstructure:"url" yaml:"url" json:"url"`
	Name              string        `mapstructure:"name" yaml:"name" json:"name"`
	MaxReconnects     int           `mapstructure:"maxReconnects" yaml:"maxReconnects" json:"max_reconnects"`
	ReconnectWait     time.Duration `mapstructure:"reconnectWait" yaml:"reconnectWait" json:"reconnect_wait"`
	ConnectionTimeout time.Duration `mapstructure:"connectionTimeout" yaml:"connectionTimeout" json:"connection_timeout"`

	// Source stream; each subject is one partition
	SourceStream   string   `mapstructure:"sourceStream" yaml:"sourceStream" json:"source_stream"`
	SourceSubjects []string `mapstructure:"sourceSubjects" yaml:"sourceSubjects" json:"source_subjects"`

	// Sink stream for the jetstream emitter and dead-letter target
	SinkStream        string `mapstructure:"sinkStream" yaml:"sinkStream" json:"sink_stream"`
	SinkSubject       string `mapstructure:"sinkSubject" yaml:"sinkSubject" json:"sink_subject"`
	DeadLetterSubject string `mapstructure:"deadLetterSubject" yaml:"deadLetterSubject" json:"dead_letter_subject"`

	// Checkpoint key-value bucket
	CheckpointBucket string `mapstructure:"checkpointBucket" yaml:"checkpointBucket" json:"checkpoint_bucket"`

	// Stream settings used when provisioning
	MaxAge          time.Duration `mapstructure:"maxAge" yaml:"maxAge" json:"max_age"`
	MaxBytes        int64         `mapstructure:"maxBytes" yaml:"maxBytes" json:"max_bytes"`
	Storage         string        `mapstructure:"storage" yaml:"storage" json:"storage"`
	DuplicateWindow time.Duration `mapstructure:"duplicateWindow" yaml:"duplicateWindow" json:"duplicate_window"`
}

// DefaultNATSConfig returns production-ready defaults
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		// Connection defaults
		URL:               getEnv("NATS_URL", "nats://localhost:4222"),
		Name:              getEnv("NATS_CLIENT_NAME", "conveyor"),
		MaxReconnects:     getEnvInt("NATS_MAX_RECONNECTS", 10),
		ReconnectWait:     getEnvDuration("NATS_RECONNECT_WAIT", "1s"),
		ConnectionTimeout: getEnvDuration("NATS_CONNECTION_TIMEOUT", "5s"),

		SourceStream:   getEnv("NATS_SOURCE_STREAM", "RECORDS"),
		SourceSubjects: []string{getEnv("NATS_SOURCE_SUBJECT", "records.>")},

		SinkStream:        getEnv("NATS_SINK_STREAM", "CONVEYOR_OUT"),
		SinkSubject:       getEnv("NATS_SINK_SUBJECT", "conveyor.out"),
		DeadLetterSubject: getEnv("NATS_DEAD_LETTER_SUBJECT", "conveyor.deadletter"),

		CheckpointBucket: getEnv("NATS_CHECKPOINT_BUCKET", "conveyor_checkpoints"),

		// Stream settings
		MaxAge:          getEnvDuration("NATS_STREAM_MAX_AGE", "24h"),
		MaxBytes:        getEnvInt64("NATS_STREAM_MAX_BYTES", 10*1024*1024*1024), // 10GB
		Storage:         getEnv("NATS_STREAM_STORAGE", "file"),
		DuplicateWindow: getEnvDuration("NATS_DUPLICATE_WINDOW", "2m"),
	}
}

// Validate checks if the configuration is valid
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL cannot be empty")
	}
	if c.Storage != "file" && c.Storage != "memory" {
		return fmt.Errorf("NATS storage must be file or memory, got %q", c.Storage)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max age cannot be negative")
	}
	return nil
}
