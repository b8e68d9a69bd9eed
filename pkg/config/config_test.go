package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	for _, name := range ListTemplateNames() {
		t.Run(name, func(t *testing.T) {
			config, err := GetTemplate(name)
			require.NoError(t, err)
			assert.NoError(t, config.Validate())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		fields []string
	}{
		{
			name: "no flush threshold",
			mutate: func(c *Config) {
				c.Batch = BatchConfig{}
			},
			fields: []string{"batch"},
		},
		{
			name: "unknown sink",
			mutate: func(c *Config) {
				c.Sink.Kind = "s3"
			},
			fields: []string{"sink.kind"},
		},
		{
			name: "kafka without topics",
			mutate: func(c *Config) {
				c.Source.Kind = SourceKafka
				c.Kafka.Topics = nil
			},
			fields: []string{"kafka.topics"},
		},
		{
			name: "dead-letter file target without directory",
			mutate: func(c *Config) {
				c.DeadLetter.Policy = "deadletter"
				c.DeadLetter.Target = DeadLetterTargetFile
				c.ObjectStore.DeadLetterDir = ""
			},
			fields: []string{"objectStore.deadLetterDir"},
		},
		{
			name: "dead-letter jetstream target without subject",
			mutate: func(c *Config) {
				c.DeadLetter.Policy = "deadletter"
				c.DeadLetter.Target = DeadLetterTargetJetStream
				c.NATS.DeadLetterSubject = " "
			},
			fields: []string{"nats.deadLetterSubject"},
		},
		{
			name: "s3 object store without bucket",
			mutate: func(c *Config) {
				c.ObjectStore.Kind = ObjectStoreS3
				c.ObjectStore.S3.Bucket = ""
			},
			fields: []string{"objectStore.s3.bucket"},
		},
		{
			name: "unknown object store kind",
			mutate: func(c *Config) {
				c.ObjectStore.Kind = "gcs"
			},
			fields: []string{"objectStore.kind"},
		},
		{
			name: "jetstream sink without duplicate window",
			mutate: func(c *Config) {
				c.Sink.Kind = SinkJetStream
				c.NATS.SinkSubject = "records.out"
				c.NATS.DuplicateWindow = 0
			},
			fields: []string{"nats.duplicateWindow"},
		},
		{
			name: "attempt timeout shorter than a long poll",
			mutate: func(c *Config) {
				c.Source.PollTimeout = 5 * time.Second
				c.Retry.AttemptTimeout = 5 * time.Second
			},
			fields: []string{"retry.attemptTimeout"},
		},
		{
			name: "negative attempt timeout",
			mutate: func(c *Config) {
				c.Retry.AttemptTimeout = -time.Second
			},
			fields: []string{"retry.attemptTimeout"},
		},
		{
			name: "several problems reported together",
			mutate: func(c *Config) {
				c.Retry.MaxEmitAttempts = 0
				c.Transform.Policy = "retry"
				c.ObjectStore.Compression = "brotli"
			},
			fields: []string{"retry.maxEmitAttempts", "transform.policy", "objectStore.compression"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			require.Error(t, err)

			var validationErrs ValidationErrors
			require.True(t, errors.As(err, &validationErrs))
			assert.ElementsMatch(t, tt.fields, validationErrs.Fields())
			assert.NotEmpty(t, validationErrs.GetFixSuggestions())
		})
	}
}

func TestLoader_FileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
appName: orders
batch:
  maxRecords: 250
  maxAge: 10s
sink:
  kind: elasticsearch
elasticsearch:
  index: orders
transform:
  kind: json
  options:
    keyField: customer
`), 0644))

	t.Setenv("CONVEYOR_BATCH_MAXBYTES", "2048")
	t.Setenv("CONVEYOR_RETRY_MAXBACKOFF", "1m")

	loader := NewLoader().WithSearchPaths(nil).WithConfigFile(path).WithOverride("logging.level", "debug")
	config, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFileUsed())

	// file
	assert.Equal(t, "orders", config.AppName)
	assert.Equal(t, 250, config.Batch.MaxRecords)
	assert.Equal(t, 10*time.Second, config.Batch.MaxAge)
	assert.Equal(t, SinkElasticsearch, config.Sink.Kind)
	assert.Equal(t, "orders", config.Elasticsearch.Index)
	assert.Equal(t, "customer", config.Transform.Options["keyfield"], "viper lowercases option keys")

	// environment
	assert.Equal(t, 2048, config.Batch.MaxBytes)
	assert.Equal(t, time.Minute, config.Retry.MaxBackoff)

	// override
	assert.Equal(t, "debug", config.Logging.Level)

	// untouched defaults
	assert.Equal(t, 5, config.Retry.MaxEmitAttempts)
	assert.Equal(t, CheckpointJetStream, config.Checkpoint.Kind)
}

func TestLoader_Errors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml")).Load()
		var configErr ConfigError
		require.ErrorAs(t, err, &configErr)
		assert.Equal(t, "not_found", configErr.Type)
	})

	t.Run("required file not found", func(t *testing.T) {
		_, err := NewLoader().WithSearchPaths([]string{filepath.Join(t.TempDir(), "none.yaml")}).RequireConfigFile().Load()
		var configErr ConfigError
		require.ErrorAs(t, err, &configErr)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sink:\n  kind: ftp\n"), 0644))

		_, err := NewLoader().WithConfigFile(path).Load()
		var validationErrs ValidationErrors
		require.ErrorAs(t, err, &validationErrs)
		assert.Contains(t, validationErrs.Fields(), "sink.kind")
	})
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conveyor.yaml")

	require.NoError(t, InitConfig(path, "production", false))
	assert.Error(t, InitConfig(path, "production", false), "existing file must not be overwritten")
	require.NoError(t, InitConfig(path, "development", true))

	config, err := NewLoader().WithSearchPaths(nil).WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, CheckpointMemory, config.Checkpoint.Kind)
	assert.True(t, config.Logging.Development)

	_, err = GetTemplate("staging")
	assert.Error(t, err)
}
