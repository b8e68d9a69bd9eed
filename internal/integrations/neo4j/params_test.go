package neo4j

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/pkg/config"
)

func TestQueryParams(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	params := NewQueryParams().
		SetString("partition", "orders").
		SetInt64("position", 42).
		SetTime("at", at).
		SetRows("rows", []Row{{"id": "orders-1"}, {"id": "orders-2"}})

	built := params.build()
	assert.Len(t, built, 4)
	assert.Equal(t, "orders", built["partition"])
	assert.Equal(t, at.UnixMilli(), built["at"])

	v, ok := params.Get("position")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)
	_, ok = params.Get("missing")
	assert.False(t, ok)

	rows := built["rows"]
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"id": "orders-2"}, rows.([]any)[1])

	var empty *QueryParams
	assert.Nil(t, empty.build())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bolt scheme", mutate: func(c *Config) { c.URI = "bolt://db:7687" }},
		{name: "empty URI", mutate: func(c *Config) { c.URI = "" }, wantErr: true},
		{name: "no scheme", mutate: func(c *Config) { c.URI = "localhost:7687" }, wantErr: true},
		{name: "http scheme", mutate: func(c *Config) { c.URI = "http://db" }, wantErr: true},
		{name: "no pool", mutate: func(c *Config) { c.MaxConnections = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.Neo4jConfig{
		URI:      "neo4j+s://graph.example.com",
		Username: "svc",
		Password: "secret",
	})
	assert.Equal(t, "neo4j+s://graph.example.com", cfg.URI)
	assert.Equal(t, "neo4j", cfg.Database, "database falls back to default")
	assert.Equal(t, 50, cfg.MaxConnections)
	assert.NoError(t, cfg.Validate())
}
