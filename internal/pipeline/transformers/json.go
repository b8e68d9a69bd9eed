package transformers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
)

// recordNamespace seeds name-based UUIDs so a record always gets the same ID
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("conveyor/records"))

// RecordUUID returns the stable UUID of the record at partition/position
func RecordUUID(partition domain.PartitionID, pos domain.Position) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s-%d", partition, pos)))
}

// Envelope wraps a JSON payload with its stream coordinates
type Envelope struct {
	ID        string             `json:"id"`
	Partition domain.PartitionID `json:"partition"`
	Position  domain.Position    `json:"position"`
	Key       string             `json:"key,omitempty"`
	ArrivedAt time.Time          `json:"arrived_at"`
	Headers   map[string]string  `json:"headers,omitempty"`
	Data      json.RawMessage    `json:"data"`
}

// JSONTransformer validates JSON object payloads and either compacts them or
// wraps them in an Envelope
type JSONTransformer struct {
	envelope bool
	keyField string
}

// NewJSONTransformer builds a JSON transformer from options.
// Recognized options:
//
//	envelope=true|false  wrap the payload with id, partition and position
//	keyfield=<name>      take the record key from a top-level string field
func NewJSONTransformer(options map[string]string) (pipeline.Transformer, error) {
	envelope, err := boolOption(options, "envelope", true)
	if err != nil {
		return nil, err
	}
	return &JSONTransformer{
		envelope: envelope,
		keyField: options["keyfield"],
	}, nil
}

func (t *JSONTransformer) Kind() string {
	return KindJSON
}

func (t *JSONTransformer) Transform(raw domain.RawRecord) (domain.Record, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw.Payload, &doc); err != nil {
		return domain.Record{}, pipeline.NewTransformError(raw, fmt.Errorf("payload is not a JSON object: %w", err))
	}
	if doc == nil {
		return domain.Record{}, pipeline.NewTransformError(raw, fmt.Errorf("payload is null"))
	}

	key := raw.Key
	if t.keyField != "" {
		if value, ok := doc[t.keyField]; ok {
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return domain.Record{}, pipeline.NewTransformError(raw, fmt.Errorf("key field %q is not a string", t.keyField))
			}
			key = s
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw.Payload); err != nil {
		return domain.Record{}, pipeline.NewTransformError(raw, err)
	}

	data := compact.Bytes()
	if t.envelope {
		wrapped, err := json.Marshal(Envelope{
			ID:        RecordUUID(raw.Partition, raw.Position).String(),
			Partition: raw.Partition,
			Position:  raw.Position,
			Key:       key,
			ArrivedAt: raw.ArrivedAt.UTC(),
			Headers:   raw.Headers,
			Data:      data,
		})
		if err != nil {
			return domain.Record{}, pipeline.NewTransformError(raw, err)
		}
		data = wrapped
	}

	return domain.Record{
		Partition: raw.Partition,
		Position:  raw.Position,
		Key:       key,
		Data:      data,
	}, nil
}
