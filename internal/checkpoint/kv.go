package checkpoint

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	natsint "github.com/yairfalse/conveyor/internal/integrations/nats"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// maxCASAttempts bounds compare-and-swap loops when another writer races on
// the same key
const maxCASAttempts = 5

var validKey = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)

// KVOptions configures the checkpoint bucket
type KVOptions struct {
	Bucket   string
	Create   bool
	Replicas int
	History  int
	TTL      time.Duration
}

// KVStore keeps checkpoints in a JetStream key-value bucket, one key per
// partition. Updates are compare-and-swap on the key revision.
type KVStore struct {
	kv     jetstream.KeyValue
	logger *zap.Logger
	now    func() time.Time
}

var _ pipeline.CheckpointStore = (*KVStore)(nil)

type kvValue struct {
	Position  domain.Position `json:"position"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewKVStore opens the checkpoint bucket, creating it when opts.Create is set
func NewKVStore(ctx context.Context, conn *natsint.Connection, opts KVOptions, logger *zap.Logger) (*KVStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	js := conn.JetStream()
	var (
		kv  jetstream.KeyValue
		err error
	)
	if opts.Create {
		kv, err = js.CreateOrUpdateKeyValue(ctx, kvConfig(opts, conn.Config().Storage))
	} else {
		kv, err = js.KeyValue(ctx, opts.Bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint bucket %s: %w", opts.Bucket, err)
	}

	logger.Info("Checkpoint bucket ready",
		zap.String("bucket", opts.Bucket),
		zap.Bool("provisioned", opts.Create))

	return &KVStore{kv: kv, logger: logger, now: time.Now}, nil
}

func kvConfig(opts KVOptions, storage string) jetstream.KeyValueConfig {
	history := opts.History
	if history < 1 {
		history = 1
	}
	if history > jetstream.KeyValueMaxHistory {
		history = jetstream.KeyValueMaxHistory
	}
	replicas := opts.Replicas
	if replicas < 1 {
		replicas = 1
	}
	cfg := jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "conveyor partition checkpoints",
		History:     uint8(history),
		TTL:         opts.TTL,
		Replicas:    replicas,
		Storage:     jetstream.FileStorage,
	}
	if storage == "memory" {
		cfg.Storage = jetstream.MemoryStorage
	}
	return cfg
}

// KeyFor maps a partition ID to a valid KV key. IDs that are already valid
// keys are used as-is.
func KeyFor(partition domain.PartitionID) string {
	if validKey.MatchString(string(partition)) {
		return string(partition)
	}
	return "b64_" + base64.RawURLEncoding.EncodeToString([]byte(partition))
}

func (s *KVStore) Load(ctx context.Context, partition domain.PartitionID) (domain.Position, bool, error) {
	entry, err := s.kv.Get(ctx, KeyFor(partition))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	value, err := decodeKV(entry.Value())
	if err != nil {
		return 0, false, err
	}
	return value.Position, true, nil
}

func (s *KVStore) Save(ctx context.Context, partition domain.PartitionID, pos domain.Position) error {
	key := KeyFor(partition)
	data, err := json.Marshal(kvValue{Position: pos, UpdatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, err = s.kv.Create(ctx, key, data)
		case err != nil:
			return fmt.Errorf("failed to read checkpoint: %w", err)
		default:
			var stored kvValue
			stored, err = decodeKV(entry.Value())
			if err != nil {
				return err
			}
			if err := checkForward(partition, stored.Position, pos); err != nil {
				return err
			}
			if stored.Position == pos {
				return nil
			}
			_, err = s.kv.Update(ctx, key, data, entry.Revision())
		}

		if err == nil {
			return nil
		}
		if !isCASConflict(err) {
			return fmt.Errorf("failed to write checkpoint: %w", err)
		}
		s.logger.Debug("Checkpoint write conflict, re-reading",
			zap.String("partition", string(partition)),
			zap.Int("attempt", attempt))
	}
	return fmt.Errorf("checkpoint for %s kept conflicting after %d attempts", partition, maxCASAttempts)
}

func decodeKV(data []byte) (kvValue, error) {
	var value kvValue
	if err := json.Unmarshal(data, &value); err != nil {
		return kvValue{}, fmt.Errorf("corrupt checkpoint value: %w", err)
	}
	return value, nil
}

func isCASConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
