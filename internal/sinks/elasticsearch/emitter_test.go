package elasticsearch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/olivere/elastic/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/config"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap/zaptest"
)

// fakeCluster answers the handful of endpoints the emitter uses
type fakeCluster struct {
	mu          sync.Mutex
	indexExists bool
	created     int
	bulkIDs     [][]string
	bulkDocs    [][]string
	itemStatus  int
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`{"name":"node","cluster_name":"test","version":{"number":"7.17.0"},"tagline":"You Know, for Search"}`))
	case r.URL.Path == "/records" && r.Method == http.MethodHead:
		if !f.indexExists {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.URL.Path == "/records" && r.Method == http.MethodPut:
		f.indexExists = true
		f.created++
		_, _ = w.Write([]byte(`{"acknowledged":true,"shards_acknowledged":true,"index":"records"}`))
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		f.bulk(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"not_found","reason":"` + r.Method + " " + r.URL.Path + `"},"status":404}`))
	}
}

func (f *fakeCluster) bulk(w http.ResponseWriter, r *http.Request) {
	var ids, docs []string
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for line := 0; scanner.Scan(); line++ {
		if line%2 == 1 {
			docs = append(docs, scanner.Text())
			continue
		}
		var action map[string]struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &action); err == nil {
			ids = append(ids, action["index"].ID)
		}
	}
	f.bulkIDs = append(f.bulkIDs, ids)
	f.bulkDocs = append(f.bulkDocs, docs)

	status := f.itemStatus
	if status == 0 {
		status = http.StatusCreated
	}
	items := make([]map[string]any, len(ids))
	for i, id := range ids {
		item := map[string]any{"_index": "records", "_id": id, "status": status}
		if status >= 300 {
			item["error"] = map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse"}
		}
		items[i] = map[string]any{"index": item}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"took": 1, "errors": status >= 300, "items": items})
}

func newTestEmitter(t *testing.T, cluster *fakeCluster) *Emitter {
	t.Helper()

	server := httptest.NewServer(cluster)
	t.Cleanup(server.Close)

	emitter, err := NewEmitter(context.Background(), config.ElasticsearchConfig{
		URLs:  []string{server.URL},
		Index: "records",
	}, true, zaptest.NewLogger(t))
	require.NoError(t, err)
	return emitter
}

func testBatch() domain.Batch {
	arrived := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	return domain.Batch{
		Partition:     "orders",
		FirstPosition: 1,
		Checkpoint:    2,
		Records: []domain.Record{
			{Partition: "orders", Position: 1, Data: []byte(`{"total":3}`), ArrivedAt: arrived},
			{Partition: "orders", Position: 2, Data: []byte("plain text\n"), ArrivedAt: arrived.Add(time.Second)},
		},
	}
}

func TestEmitter_ProvisionsIndexAndUsesRecordIDs(t *testing.T) {
	cluster := &fakeCluster{}
	emitter := newTestEmitter(t, cluster)
	assert.Equal(t, 1, cluster.created)

	require.NoError(t, emitter.EnsureIndex(context.Background()))
	assert.Equal(t, 1, cluster.created, "existing index is left alone")

	batch := testBatch()
	require.NoError(t, emitter.Emit(context.Background(), batch))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, emitter.Emit(context.Background(), batch))

	require.Len(t, cluster.bulkIDs, 2)
	assert.Equal(t, []string{"orders-1", "orders-2"}, cluster.bulkIDs[0])
	assert.Equal(t, cluster.bulkIDs[0], cluster.bulkIDs[1], "replay targets the same documents")

	require.Len(t, cluster.bulkDocs, 2)
	assert.Equal(t, cluster.bulkDocs[0], cluster.bulkDocs[1], "replay writes identical documents")

	var doc Document
	require.NoError(t, json.Unmarshal([]byte(cluster.bulkDocs[0][0]), &doc))
	assert.True(t, doc.Timestamp.Equal(time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)))

	require.NoError(t, emitter.Emit(context.Background(), domain.Batch{Partition: "orders", Checkpoint: 5}))
	assert.Len(t, cluster.bulkIDs, 2, "checkpoint-only batches send nothing")
}

func TestEmitter_ItemFailures(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusBadRequest, permanent: true},
		{status: http.StatusTooManyRequests, permanent: false},
		{status: http.StatusServiceUnavailable, permanent: false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			cluster := &fakeCluster{itemStatus: tt.status}
			emitter := newTestEmitter(t, cluster)

			err := emitter.Emit(context.Background(), testBatch())
			var emitErr *pipeline.EmitError
			require.ErrorAs(t, err, &emitErr)
			assert.Equal(t, tt.permanent, pipeline.IsPermanent(err))
			assert.Contains(t, err.Error(), "2 of 2 documents rejected")
		})
	}
}

func TestToDocument(t *testing.T) {
	arrived := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	doc := toDocument(domain.Record{Partition: "p", Position: 4, Data: []byte(`{"a":1}`), ArrivedAt: arrived}, "b")
	assert.JSONEq(t, `{"a":1}`, string(doc.Record))
	assert.Empty(t, doc.Data)
	assert.Equal(t, arrived, doc.Timestamp)

	doc = toDocument(domain.Record{Partition: "p", Position: 4, Data: []byte(`{broken`)}, "b")
	assert.Nil(t, doc.Record)
	assert.Equal(t, "{broken", doc.Data)
}

func TestClassify(t *testing.T) {
	assert.True(t, pipeline.IsPermanent(classify(&elastic.Error{Status: http.StatusBadRequest})))
	assert.False(t, pipeline.IsPermanent(classify(&elastic.Error{Status: http.StatusTooManyRequests})))
	assert.False(t, pipeline.IsPermanent(classify(&elastic.Error{Status: http.StatusBadGateway})))
	assert.False(t, pipeline.IsPermanent(classify(context.DeadlineExceeded)))
}
