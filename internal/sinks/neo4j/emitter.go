// Package neo4j upserts records as nodes, one node per record ID
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jint "github.com/yairfalse/conveyor/internal/integrations/neo4j"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

const sinkName = "neo4j"

var labelPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type graphWriter interface {
	ExecuteTypedWrite(ctx context.Context, work neo4jint.TransactionWork) error
	EnsureSchema(ctx context.Context, statements []string) error
}

// Emitter writes a batch in one transaction with UNWIND + MERGE, so a
// replayed batch updates the same nodes
type Emitter struct {
	client graphWriter
	label  string
	query  string
	logger *zap.Logger
}

var _ pipeline.Emitter = (*Emitter)(nil)

// NewEmitter creates an emitter writing nodes with the given label. With
// provision set, a uniqueness constraint on the record ID is created first.
func NewEmitter(ctx context.Context, client *neo4jint.Client, label string, provision bool, logger *zap.Logger) (*Emitter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if client == nil {
		return nil, fmt.Errorf("neo4j client is required")
	}
	return newEmitter(ctx, client, label, provision, logger)
}

func newEmitter(ctx context.Context, client graphWriter, label string, provision bool, logger *zap.Logger) (*Emitter, error) {
	if !labelPattern.MatchString(label) {
		return nil, fmt.Errorf("invalid node label %q", label)
	}
	if provision {
		if err := client.EnsureSchema(ctx, Schema(label)); err != nil {
			return nil, fmt.Errorf("failed to provision record schema: %w", err)
		}
	}
	return &Emitter{
		client: client,
		label:  label,
		query:  upsertQuery(label),
		logger: logger,
	}, nil
}

// Schema returns the constraints for a record label
func Schema(label string) []string {
	return []string{
		fmt.Sprintf("CREATE CONSTRAINT conveyor_%s_id IF NOT EXISTS FOR (r:%s) REQUIRE r.id IS UNIQUE",
			strings.ToLower(label), label),
		fmt.Sprintf("CREATE INDEX conveyor_%s_partition IF NOT EXISTS FOR (r:%s) ON (r.partition, r.position)",
			strings.ToLower(label), label),
	}
}

func upsertQuery(label string) string {
	return fmt.Sprintf(`UNWIND $rows AS row
MERGE (r:%s {id: row.id})
SET r.partition = row.partition,
    r.position = row.position,
    r.key = row.key,
    r.data = row.data,
    r.arrived_at = row.arrived_at,
    r.batch_id = $batch_id`, label)
}

func (e *Emitter) Name() string {
	return sinkName
}

func (e *Emitter) Emit(ctx context.Context, batch domain.Batch) error {
	if batch.IsCheckpointOnly() {
		return nil
	}

	params := upsertParams(batch)
	err := e.client.ExecuteTypedWrite(ctx, func(ctx context.Context, tx *neo4jint.TypedTransaction) error {
		result, err := tx.Run(ctx, e.query, params)
		if err != nil {
			return err
		}
		_, err = result.Consume(ctx)
		return err
	})
	if err != nil {
		return classify(err)
	}

	e.logger.Debug("Upserted batch",
		zap.String("partition", string(batch.Partition)),
		zap.String("batch_id", batch.ID()),
		zap.String("label", e.label),
		zap.Int("records", batch.Len()))
	return nil
}

// upsertParams is derived from the batch alone, so a replay writes the same
// property values
func upsertParams(batch domain.Batch) *neo4jint.QueryParams {
	return neo4jint.NewQueryParams().
		SetRows("rows", rows(batch.Records)).
		SetString("batch_id", batch.ID())
}

// rows converts records to UNWIND rows. Positions above the Neo4j integer
// range are stored as strings.
func rows(records []domain.Record) []neo4jint.Row {
	out := make([]neo4jint.Row, len(records))
	for i, rec := range records {
		row := neo4jint.Row{
			"id":         rec.ID(),
			"partition":  string(rec.Partition),
			"key":        rec.Key,
			"arrived_at": rec.ArrivedAt.UnixMilli(),
		}
		if uint64(rec.Position) <= math.MaxInt64 {
			row["position"] = int64(rec.Position)
		} else {
			row["position"] = strconv.FormatUint(uint64(rec.Position), 10)
		}
		if utf8.Valid(rec.Data) {
			row["data"] = string(rec.Data)
		} else {
			row["data"] = rec.Data
		}
		out[i] = row
	}
	return out
}

// classify retries connectivity and transient database errors and rejects
// client errors such as constraint violations or syntax errors
func classify(err error) error {
	if neo4jint.IsRetryable(err) {
		return pipeline.NewTransientEmitError(sinkName, err)
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) && strings.HasPrefix(neoErr.Code, "Neo.ClientError.") {
		return pipeline.NewPermanentEmitError(sinkName, err)
	}
	return pipeline.NewTransientEmitError(sinkName, err)
}
