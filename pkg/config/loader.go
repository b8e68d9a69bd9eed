package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading from multiple sources
type Loader struct {
	searchPaths  []string
	envPrefix    string
	allowMissing bool
	configFile   string
	overrides    map[string]interface{}
	usedFile     string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		searchPaths:  GetConfigPaths(),
		envPrefix:    "CONVEYOR",
		allowMissing: true,
		overrides:    make(map[string]interface{}),
	}
}

// WithSearchPaths sets custom search paths for configuration files
func (l *Loader) WithSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// WithEnvPrefix sets the environment variable prefix
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithConfigFile sets a specific configuration file to load
func (l *Loader) WithConfigFile(file string) *Loader {
	l.configFile = file
	return l
}

// WithOverride sets a dotted key (e.g. "sink.kind") with the highest priority
func (l *Loader) WithOverride(key string, value interface{}) *Loader {
	l.overrides[key] = value
	return l
}

// RequireConfigFile makes configuration file mandatory
func (l *Loader) RequireConfigFile() *Loader {
	l.allowMissing = false
	return l
}

// ConfigFileUsed returns the file the last Load read, if any
func (l *Loader) ConfigFileUsed() string {
	return l.usedFile
}

// Load loads configuration from all sources in priority order:
// 1. Default configuration
// 2. Configuration file (if found)
// 3. Environment variables (CONVEYOR_BATCH_MAXRECORDS for batch.maxRecords)
// 4. Overrides, normally command line flags
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, NewConfigError("defaults", err.Error(), "this is a bug").WithCause(err)
	}

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile, err := l.findConfigFile()
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, NewConfigFileError("parse_error", configFile,
				fmt.Sprintf("failed to parse config file: %v", err),
				"check YAML syntax or regenerate with 'conveyor config init'").WithCause(err)
		}
	}
	l.usedFile = configFile

	for key, value := range l.overrides {
		v.Set(key, value)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, NewConfigError("decode",
			fmt.Sprintf("failed to decode configuration: %v", err),
			"check value types, durations use units such as 500ms or 30s").WithCause(err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// findConfigFile resolves the explicit file, CONVEYOR_CONFIG, or the first
// file found on the search path
func (l *Loader) findConfigFile() (string, error) {
	if l.configFile != "" {
		if !fileExists(l.configFile) {
			return "", NewConfigFileError("not_found", l.configFile,
				"specified config file does not exist",
				"check the file path or use 'conveyor config init' to create one")
		}
		return l.configFile, nil
	}

	if envFile := os.Getenv(l.envPrefix + "_CONFIG"); envFile != "" && fileExists(envFile) {
		return envFile, nil
	}

	for _, path := range l.searchPaths {
		if fileExists(path) {
			return path, nil
		}
	}

	if !l.allowMissing {
		return "", NewConfigError("not_found",
			"no configuration file found",
			"create a config file with 'conveyor config init' or pass --config")
	}
	return "", nil
}

// setDefaults registers every key of defaults with viper so that environment
// variables can override keys that no config file mentions
func setDefaults(v *viper.Viper, defaults *Config) error {
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("failed to marshal defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	walkDefaults(v, "", tree)
	return nil
}

func walkDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			walkDefaults(v, full, nested)
			continue
		}
		v.SetDefault(full, value)
	}
}

// SaveConfig writes configuration to a YAML file
func SaveConfig(config *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return NewConfigFileError("create_dir", dir,
				fmt.Sprintf("failed to create config directory: %v", err),
				"check directory permissions or create manually")
		}
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return NewConfigError("marshal",
			fmt.Sprintf("failed to marshal config to YAML: %v", err),
			"check configuration structure for serializable fields")
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return NewConfigFileError("write", path,
			fmt.Sprintf("failed to write config file: %v", err),
			"check file permissions and disk space")
	}
	return nil
}

// InitConfig creates a new configuration file from a named template
func InitConfig(path, template string, overwrite bool) error {
	if !overwrite && fileExists(path) {
		return NewConfigFileError("exists", path,
			"configuration file already exists",
			"pass --force to overwrite it")
	}

	config, err := GetTemplate(template)
	if err != nil {
		return err
	}
	return SaveConfig(config, path)
}
