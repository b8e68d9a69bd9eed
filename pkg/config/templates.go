package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

var templates = map[string]func() *Config{
	"default": DefaultConfig,

	// Local runs: everything on disk, nothing to provision remotely
	"development": func() *Config {
		config := DefaultConfig()
		config.Logging.Level = "debug"
		config.Logging.Development = true
		config.Checkpoint.Kind = CheckpointMemory
		config.Sink.Kind = SinkObjectStore
		config.ObjectStore.Compression = "none"
		config.Batch.MaxAge = 5 * time.Second
		config.Telemetry.Environment = "development"
		return config
	},

	"production": func() *Config {
		config := DefaultConfig()
		config.Logging.Level = "info"
		config.Checkpoint.Kind = CheckpointJetStream
		config.Provision.Replicas = 3
		config.DeadLetter.Policy = "deadletter"
		config.DeadLetter.Target = DeadLetterTargetJetStream
		config.ObjectStore.Compression = "zstd"
		config.Telemetry.Environment = "production"
		config.Telemetry.SampleRate = 0.1
		return config
	},
}

// GetTemplate returns a fresh configuration for a template name
func GetTemplate(name string) (*Config, error) {
	if name == "" {
		name = "default"
	}
	build, ok := templates[name]
	if !ok {
		return nil, NewConfigError("template",
			fmt.Sprintf("unknown template %q", name),
			"use one of: "+strings.Join(ListTemplateNames(), ", "))
	}
	return build(), nil
}

// ListTemplateNames returns the available template names
func ListTemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
