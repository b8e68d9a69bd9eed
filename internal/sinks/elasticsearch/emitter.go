// Package elasticsearch indexes records with the bulk API. The document ID is
// the record ID, so re-emitting a batch overwrites the same documents.
package elasticsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/config"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

const sinkName = "elasticsearch"

// indexMapping is applied when the index is provisioned
const indexMapping = `{
	"mappings": {
		"properties": {
			"@timestamp": {"type": "date"},
			"partition": {"type": "keyword"},
			"position": {"type": "unsigned_long"},
			"key": {"type": "keyword"},
			"batch_id": {"type": "keyword"},
			"data": {"type": "text"},
			"record": {"type": "object", "enabled": true}
		}
	}
}`

// Document is the indexed form of a record. JSON payloads go to Record,
// anything else to Data.
type Document struct {
	Timestamp time.Time       `json:"@timestamp"`
	Partition string          `json:"partition"`
	Position  uint64          `json:"position"`
	Key       string          `json:"key,omitempty"`
	BatchID   string          `json:"batch_id"`
	Record    json.RawMessage `json:"record,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// Emitter is a pipeline.Emitter for one index
type Emitter struct {
	client *elastic.Client
	index  string
	logger *zap.Logger
}

var _ pipeline.Emitter = (*Emitter)(nil)

// NewEmitter connects to the cluster and, with provision set, creates the
// index when it does not exist
func NewEmitter(ctx context.Context, cfg config.ElasticsearchConfig, provision bool, logger *zap.Logger) (*Emitter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("at least one Elasticsearch URL is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("index is required")
	}

	options := []elastic.ClientOptionFunc{
		elastic.SetURL(cfg.URLs...),
		elastic.SetSniff(cfg.Sniff),
		elastic.SetHealthcheck(false),
	}
	if cfg.Username != "" {
		options = append(options, elastic.SetBasicAuth(cfg.Username, cfg.Password))
	}

	client, err := elastic.NewClient(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	info, code, err := client.Ping(cfg.URLs[0]).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping Elasticsearch: %w", err)
	}
	logger.Info("Connected to Elasticsearch",
		zap.String("cluster", info.ClusterName),
		zap.String("version", info.Version.Number),
		zap.Int("status", code))

	emitter := newEmitter(client, cfg.Index, logger)
	if provision {
		if err := emitter.EnsureIndex(ctx); err != nil {
			return nil, err
		}
	}
	return emitter, nil
}

func newEmitter(client *elastic.Client, index string, logger *zap.Logger) *Emitter {
	return &Emitter{client: client, index: index, logger: logger}
}

// EnsureIndex creates the index with the record mapping if it is missing
func (e *Emitter) EnsureIndex(ctx context.Context) error {
	exists, err := e.client.IndexExists(e.index).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", e.index, err)
	}
	if exists {
		e.logger.Info("Index already exists", zap.String("index", e.index))
		return nil
	}

	if _, err := e.client.CreateIndex(e.index).Body(indexMapping).Do(ctx); err != nil {
		if elastic.IsStatusCode(err, http.StatusBadRequest) {
			// lost a creation race with another instance
			e.logger.Info("Index created concurrently", zap.String("index", e.index))
			return nil
		}
		return fmt.Errorf("failed to create index %s: %w", e.index, err)
	}
	e.logger.Info("Created index", zap.String("index", e.index))
	return nil
}

func (e *Emitter) Name() string {
	return sinkName
}

func (e *Emitter) Emit(ctx context.Context, batch domain.Batch) error {
	if batch.IsCheckpointOnly() {
		return nil
	}

	bulk := e.client.Bulk().Index(e.index)
	for _, rec := range batch.Records {
		bulk.Add(elastic.NewBulkIndexRequest().
			Id(rec.ID()).
			Doc(toDocument(rec, batch.ID())))
	}

	result, err := bulk.Do(ctx)
	if err != nil {
		return classify(err)
	}
	if !result.Errors {
		return nil
	}

	failed := result.Failed()
	retryable := 0
	for _, item := range failed {
		if item.Status == http.StatusTooManyRequests || item.Status >= http.StatusInternalServerError {
			retryable++
		}
	}

	first := failed[0]
	cause := fmt.Errorf("%d of %d documents rejected, first %s: status %d", len(failed), batch.Len(), first.Id, first.Status)
	if first.Error != nil {
		cause = fmt.Errorf("%w: %s: %s", cause, first.Error.Type, first.Error.Reason)
	}

	e.logger.Warn("Bulk request had failures",
		zap.String("partition", string(batch.Partition)),
		zap.String("batch_id", batch.ID()),
		zap.Int("failed", len(failed)),
		zap.Int("retryable", retryable))

	if retryable > 0 {
		return pipeline.NewTransientEmitError(sinkName, cause)
	}
	return pipeline.NewPermanentEmitError(sinkName, cause)
}

// toDocument depends on the record alone, so a replayed batch indexes
// identical documents
func toDocument(rec domain.Record, batchID string) Document {
	doc := Document{
		Timestamp: rec.ArrivedAt.UTC(),
		Partition: string(rec.Partition),
		Position:  uint64(rec.Position),
		Key:       rec.Key,
		BatchID:   batchID,
	}
	if len(rec.Data) > 0 && rec.Data[0] == '{' && json.Valid(rec.Data) {
		doc.Record = json.RawMessage(rec.Data)
	} else {
		doc.Data = string(rec.Data)
	}
	return doc
}

// classify treats throttling, server errors and transport failures as
// transient, and other 4xx responses as permanent
func classify(err error) error {
	var esErr *elastic.Error
	if errors.As(err, &esErr) {
		if esErr.Status >= 400 && esErr.Status < 500 && esErr.Status != http.StatusTooManyRequests && esErr.Status != http.StatusRequestTimeout {
			return pipeline.NewPermanentEmitError(sinkName, err)
		}
	}
	return pipeline.NewTransientEmitError(sinkName, err)
}
