package transformers

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
)

// NewlineTransformer terminates each payload with a newline, so a batch
// written to an object store is a newline-delimited file. Payloads that
// already contain newlines are delivered as they are unless RejectEmbedded
// is set.
type NewlineTransformer struct {
	// Strict rejects payloads that are not valid UTF-8
	Strict bool

	// RejectEmbedded rejects payloads with a newline before the last byte,
	// keeping every output line one record
	RejectEmbedded bool
}

// NewNewlineTransformer builds a newline transformer from options.
// Recognized options: strict=true|false, rejectembedded=true|false.
func NewNewlineTransformer(options map[string]string) (pipeline.Transformer, error) {
	strict, err := boolOption(options, "strict", false)
	if err != nil {
		return nil, err
	}
	rejectEmbedded, err := boolOption(options, "rejectembedded", false)
	if err != nil {
		return nil, err
	}
	return &NewlineTransformer{Strict: strict, RejectEmbedded: rejectEmbedded}, nil
}

// Kind returns "newline"
func (t *NewlineTransformer) Kind() string {
	return KindNewline
}

// Transform appends a trailing newline unless the payload already ends with one
func (t *NewlineTransformer) Transform(raw domain.RawRecord) (domain.Record, error) {
	if t.Strict && !utf8.Valid(raw.Payload) {
		return domain.Record{}, pipeline.NewTransformError(raw, fmt.Errorf("payload is not valid UTF-8"))
	}
	if t.RejectEmbedded {
		if i := bytes.IndexByte(raw.Payload, '\n'); i >= 0 && i != len(raw.Payload)-1 {
			return domain.Record{}, pipeline.NewTransformError(raw, fmt.Errorf("payload contains an embedded newline"))
		}
	}

	data := make([]byte, 0, len(raw.Payload)+1)
	data = append(data, raw.Payload...)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	return domain.Record{
		Partition: raw.Partition,
		Position:  raw.Position,
		Key:       raw.Key,
		Data:      data,
	}, nil
}
