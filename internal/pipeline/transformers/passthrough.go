package transformers

import (
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
)

// PassthroughTransformer copies the payload unchanged
type PassthroughTransformer struct{}

// NewPassthroughTransformer ignores options
func NewPassthroughTransformer(map[string]string) (pipeline.Transformer, error) {
	return PassthroughTransformer{}, nil
}

func (PassthroughTransformer) Kind() string { return KindPassthrough }

func (PassthroughTransformer) Transform(raw domain.RawRecord) (domain.Record, error) {
	return domain.Record{
		Partition: raw.Partition,
		Position:  raw.Position,
		Key:       raw.Key,
		Data:      append([]byte(nil), raw.Payload...),
	}, nil
}
