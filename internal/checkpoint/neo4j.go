package checkpoint

import (
	"context"
	"fmt"
	"math"
	"time"

	neo4jint "github.com/yairfalse/conveyor/internal/integrations/neo4j"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

const (
	// loadCheckpointQuery returns no rows for an unknown partition
	loadCheckpointQuery = `MATCH (c:Checkpoint {partition: $partition}) RETURN c.position AS position`

	// saveCheckpointQuery never lowers a stored position and returns what is
	// stored after the write
	saveCheckpointQuery = `MERGE (c:Checkpoint {partition: $partition})
SET c.position = CASE WHEN c.position IS NULL OR c.position < $position THEN $position ELSE c.position END,
    c.updated_at = $updated_at
RETURN c.position AS position`
)

// Neo4jSchema is applied when checkpoint provisioning is enabled
var Neo4jSchema = []string{
	"CREATE CONSTRAINT conveyor_checkpoint_partition IF NOT EXISTS FOR (c:Checkpoint) REQUIRE c.partition IS UNIQUE",
}

// graphClient is the subset of the Neo4j client the store needs
type graphClient interface {
	ExecuteTypedWrite(ctx context.Context, work neo4jint.TransactionWork) error
	ExecuteTypedRead(ctx context.Context, work neo4jint.TypedReadWork) (interface{}, error)
	EnsureSchema(ctx context.Context, statements []string) error
}

// Neo4jStore keeps one :Checkpoint node per partition
type Neo4jStore struct {
	client graphClient
	logger *zap.Logger
	now    func() time.Time
}

var _ pipeline.CheckpointStore = (*Neo4jStore)(nil)

// NewNeo4jStore creates a store on top of an existing client. With provision
// set, the uniqueness constraint is created first.
func NewNeo4jStore(ctx context.Context, client *neo4jint.Client, provision bool, logger *zap.Logger) (*Neo4jStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if client == nil {
		return nil, fmt.Errorf("neo4j client is required")
	}
	if provision {
		if err := client.EnsureSchema(ctx, Neo4jSchema); err != nil {
			return nil, fmt.Errorf("failed to provision checkpoint schema: %w", err)
		}
	}
	return &Neo4jStore{client: client, logger: logger, now: time.Now}, nil
}

func (s *Neo4jStore) Load(ctx context.Context, partition domain.PartitionID) (domain.Position, bool, error) {
	result, err := s.client.ExecuteTypedRead(ctx, func(ctx context.Context, tx *neo4jint.TypedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, loadCheckpointQuery, neo4jint.NewQueryParams().SetString("partition", string(partition)))
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		value, _ := res.Record().Get("position")
		return value, nil
	})
	if err != nil {
		return 0, false, err
	}
	if result == nil {
		return 0, false, nil
	}
	pos, err := toPosition(result)
	if err != nil {
		return 0, false, err
	}
	return pos, true, nil
}

func (s *Neo4jStore) Save(ctx context.Context, partition domain.PartitionID, pos domain.Position) error {
	params, err := saveParams(partition, pos, s.now())
	if err != nil {
		return err
	}

	var stored domain.Position
	err = s.client.ExecuteTypedWrite(ctx, func(ctx context.Context, tx *neo4jint.TypedTransaction) error {
		res, err := tx.Run(ctx, saveCheckpointQuery, params)
		if err != nil {
			return err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return err
		}
		value, _ := record.Get("position")
		stored, err = toPosition(value)
		return err
	})
	if err != nil {
		return err
	}
	return checkForward(partition, stored, pos)
}

func saveParams(partition domain.PartitionID, pos domain.Position, now time.Time) (*neo4jint.QueryParams, error) {
	if uint64(pos) > math.MaxInt64 {
		return nil, fmt.Errorf("position %d exceeds the Neo4j integer range", pos)
	}
	return neo4jint.NewQueryParams().
		SetString("partition", string(partition)).
		SetInt64("position", int64(pos)).
		SetTime("updated_at", now), nil
}

func toPosition(value any) (domain.Position, error) {
	n, ok := value.(int64)
	if !ok || n < 0 {
		return 0, fmt.Errorf("unexpected checkpoint value %v (%T)", value, value)
	}
	return domain.Position(n), nil
}
