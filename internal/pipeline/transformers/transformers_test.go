package transformers

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
)

func raw(payload string) domain.RawRecord {
	return domain.RawRecord{
		Partition: "orders.eu",
		Position:  42,
		Key:       "order-1",
		Payload:   []byte(payload),
		Headers:   map[string]string{"source": "test"},
		ArrivedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewlineTransformer(t *testing.T) {
	tests := []struct {
		name           string
		strict         bool
		rejectEmbedded bool
		payload        string
		want           string
		wantErr        bool
	}{
		{name: "appends newline", payload: "hello", want: "hello\n"},
		{name: "keeps trailing newline", payload: "hello\n", want: "hello\n"},
		{name: "empty payload", payload: "", want: "\n"},
		{name: "multi-line payload delivered by default", payload: "{\n  \"a\": 1\n}", want: "{\n  \"a\": 1\n}\n"},
		{name: "embedded newline rejected on request", rejectEmbedded: true, payload: "a\nb", wantErr: true},
		{name: "trailing newline allowed when rejecting embedded", rejectEmbedded: true, payload: "a\n", want: "a\n"},
		{name: "invalid utf8 allowed by default", payload: "\xff", want: "\xff\n"},
		{name: "invalid utf8 rejected when strict", strict: true, payload: "\xff", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transformer := &NewlineTransformer{Strict: tt.strict, RejectEmbedded: tt.rejectEmbedded}
			rec, err := transformer.Transform(raw(tt.payload))
			if tt.wantErr {
				var transformErr *pipeline.TransformError
				require.ErrorAs(t, err, &transformErr)
				assert.Equal(t, domain.Position(42), transformErr.Position)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(rec.Data))
			assert.Equal(t, domain.PartitionID("orders.eu"), rec.Partition)
			assert.Equal(t, domain.Position(42), rec.Position)
		})
	}
}

func TestJSONTransformer(t *testing.T) {
	t.Run("wraps payload in envelope", func(t *testing.T) {
		transformer, err := NewJSONTransformer(map[string]string{"keyfield": "customer"})
		require.NoError(t, err)

		rec, err := transformer.Transform(raw(`{ "customer": "c-7", "total": 12.5 }`))
		require.NoError(t, err)
		assert.Equal(t, "c-7", rec.Key)

		var envelope Envelope
		require.NoError(t, json.Unmarshal(rec.Data, &envelope))
		assert.Equal(t, RecordUUID("orders.eu", 42).String(), envelope.ID)
		assert.Equal(t, domain.Position(42), envelope.Position)
		assert.Equal(t, "c-7", envelope.Key)
		assert.JSONEq(t, `{"customer":"c-7","total":12.5}`, string(envelope.Data))
		assert.Equal(t, "test", envelope.Headers["source"])
	})

	t.Run("compacts without envelope", func(t *testing.T) {
		transformer, err := NewJSONTransformer(map[string]string{"envelope": "false"})
		require.NoError(t, err)

		rec, err := transformer.Transform(raw(`{ "a" : 1 }`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(rec.Data))
		assert.Equal(t, "order-1", rec.Key)
	})

	t.Run("is deterministic", func(t *testing.T) {
		transformer, err := NewJSONTransformer(nil)
		require.NoError(t, err)

		first, err := transformer.Transform(raw(`{"a":1}`))
		require.NoError(t, err)
		second, err := transformer.Transform(raw(`{"a":1}`))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	for _, payload := range []string{`not json`, `[1,2]`, `null`, `"text"`} {
		t.Run("rejects "+payload, func(t *testing.T) {
			transformer, err := NewJSONTransformer(nil)
			require.NoError(t, err)

			_, err = transformer.Transform(raw(payload))
			var transformErr *pipeline.TransformError
			assert.ErrorAs(t, err, &transformErr)
		})
	}

	t.Run("rejects bad option", func(t *testing.T) {
		_, err := NewJSONTransformer(map[string]string{"envelope": "maybe"})
		assert.Error(t, err)
	})
}

func TestPassthroughTransformer(t *testing.T) {
	in := raw("bytes")
	rec, err := PassthroughTransformer{}.Transform(in)
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(rec.Data))

	in.Payload[0] = 'B'
	assert.Equal(t, "bytes", string(rec.Data), "record must not alias the raw payload")
}

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, []string{KindJSON, KindNewline, KindPassthrough}, registry.List())

	transformer, err := registry.Build(KindNewline, nil)
	require.NoError(t, err)
	assert.Equal(t, KindNewline, transformer.Kind())
	assert.False(t, transformer.(*NewlineTransformer).RejectEmbedded)

	transformer, err = registry.Build(KindNewline, map[string]string{"rejectembedded": "true"})
	require.NoError(t, err)
	assert.True(t, transformer.(*NewlineTransformer).RejectEmbedded)

	_, err = registry.Build(KindNewline, map[string]string{"rejectembedded": "sometimes"})
	assert.Error(t, err)

	_, err = registry.Build("xml", nil)
	assert.Error(t, err)

	assert.Error(t, Register(registry), "registering twice must fail")
}
