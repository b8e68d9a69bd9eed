// Package natstest runs an embedded JetStream-enabled NATS server for tests.
package natstest

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
	natsint "github.com/yairfalse/conveyor/internal/integrations/nats"
	"github.com/yairfalse/conveyor/pkg/config"
	"go.uber.org/zap/zaptest"
)

// StartServer starts an in-process NATS server with JetStream on a random
// port. The server is shut down when the test ends.
func StartServer(t testing.TB) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns
}

// Config returns a NATS config pointing at ns with memory storage
func Config(ns *server.Server) config.NATSConfig {
	cfg := *config.DefaultNATSConfig()
	cfg.URL = ns.ClientURL()
	cfg.Name = "conveyor-test"
	cfg.Storage = "memory"
	cfg.MaxBytes = 64 * 1024 * 1024
	return cfg
}

// Connect starts a server and returns a connection to it
func Connect(t testing.TB) *natsint.Connection {
	t.Helper()

	ns := StartServer(t)
	conn, err := natsint.Connect(context.Background(), Config(ns), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}
