package neo4j

import (
	"fmt"
	"strings"
	"time"

	"github.com/yairfalse/conveyor/pkg/config"
)

// Config holds driver settings for a Neo4j client
type Config struct {
	URI      string
	Username string
	Password string
	Database string

	MaxConnections          int
	ConnectionTimeout       time.Duration
	MaxTransactionRetryTime time.Duration
	FetchSize               int
	EnableConnectionLogging bool
}

// DefaultConfig returns driver defaults for a local instance
func DefaultConfig() Config {
	return Config{
		URI:                     "neo4j://localhost:7687",
		Username:                "neo4j",
		Database:                "neo4j",
		MaxConnections:          50,
		ConnectionTimeout:       10 * time.Second,
		MaxTransactionRetryTime: 15 * time.Second,
		FetchSize:               1000,
	}
}

// FromConfig builds a client config from the connector configuration
func FromConfig(c config.Neo4jConfig) Config {
	cfg := DefaultConfig()
	cfg.URI = c.URI
	cfg.Username = c.Username
	cfg.Password = c.Password
	if c.Database != "" {
		cfg.Database = c.Database
	}
	if c.MaxConnections > 0 {
		cfg.MaxConnections = c.MaxConnections
	}
	return cfg
}

// Validate checks that the config can open a driver
func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI is required")
	}
	scheme, _, ok := strings.Cut(c.URI, "://")
	if !ok {
		return fmt.Errorf("URI %q has no scheme", c.URI)
	}
	switch scheme {
	case "neo4j", "neo4j+s", "neo4j+ssc", "bolt", "bolt+s", "bolt+ssc":
	default:
		return fmt.Errorf("unsupported URI scheme %q", scheme)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	return nil
}
