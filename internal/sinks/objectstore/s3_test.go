package objectstore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/config"
	"go.uber.org/zap/zaptest"
)

// fakeS3 serves the path-style bucket and object calls the S3 bucket makes
type fakeS3 struct {
	mu          sync.Mutex
	buckets     map[string]bool
	objects     map[string][]byte
	contentType map[string]string
	objectPuts  int
}

func newFakeS3(t *testing.T) (*fakeS3, *httptest.Server) {
	fake := &fakeS3{
		buckets:     make(map[string]bool),
		objects:     make(map[string][]byte),
		contentType: make(map[string]string),
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(srv.Close)
	return fake, srv
}

func (f *fakeS3) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.Trim(r.URL.Path, "/"), "/")
	if key == "" {
		switch r.Method {
		case http.MethodHead:
			if !f.buckets[bucket] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
		case http.MethodPut:
			f.buckets[bucket] = true
		default:
			w.WriteHeader(http.StatusNotImplemented)
		}
		return
	}

	name := bucket + "/" + key
	switch r.Method {
	case http.MethodHead:
		body, ok := f.objects[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.writeObjectHeaders(w, name, body)
	case http.MethodGet:
		body, ok := f.objects[name]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key></Error>`, key)
			return
		}
		f.writeObjectHeaders(w, name, body)
		w.Write(body)
	case http.MethodPut:
		body, err := readUpload(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objectPuts++
		f.objects[name] = body
		f.contentType[name] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"fake-etag"`)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) writeObjectHeaders(w http.ResponseWriter, name string, body []byte) {
	w.Header().Set("ETag", `"fake-etag"`)
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", f.contentType[name])
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
}

func (f *fakeS3) object(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[name]
	return body, ok
}

func (f *fakeS3) hasBucket(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[name]
}

func (f *fakeS3) puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objectPuts
}

// readUpload returns the object bytes of a PUT, unwrapping aws-chunked
// framing when the client streams a signed payload
func readUpload(r *http.Request) ([]byte, error) {
	chunked := strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING") ||
		strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
	if !chunked {
		return io.ReadAll(r.Body)
	}

	var out bytes.Buffer
	reader := bufio.NewReader(r.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, reader, size); err != nil {
			return nil, err
		}
		if _, err := reader.Discard(2); err != nil {
			return nil, err
		}
	}
}

func newTestS3Bucket(t *testing.T, srv *httptest.Server, provision bool) (*S3Bucket, error) {
	return NewS3Bucket(context.Background(), config.S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Region:    "us-east-1",
		Bucket:    "batches",
		Prefix:    "conveyor",
		AccessKey: "access",
		SecretKey: "secret",
		UseSSL:    false,
	}, provision, zaptest.NewLogger(t))
}

func TestS3Bucket_ProvisionsMissingBucket(t *testing.T) {
	fake, srv := newFakeS3(t)

	_, err := newTestS3Bucket(t, srv, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	bucket, err := newTestS3Bucket(t, srv, true)
	require.NoError(t, err)
	assert.True(t, fake.hasBucket("batches"))
	assert.Equal(t, "s3://batches/conveyor/p/x.ndjson", bucket.Location("p/x.ndjson"))
}

func TestStore_S3EmitSkipsExistingObject(t *testing.T) {
	fake, srv := newFakeS3(t)
	bucket, err := newTestS3Bucket(t, srv, true)
	require.NoError(t, err)
	store, err := NewStore(bucket, CompressionZstd, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	batch := testBatch("orders/3", `{"id":1}`, `{"id":2}`)
	key := store.ObjectKey(batch)

	exists, err := bucket.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Emit(ctx, batch))
	assert.Equal(t, 1, fake.puts())

	body, ok := fake.object("batches/conveyor/orders%2F3/" + batch.ID() + ".ndjson.zst")
	require.True(t, ok, "object is keyed by the batch ID below the prefix")
	assert.NotEmpty(t, body)

	require.NoError(t, store.Emit(ctx, batch), "replaying the batch succeeds")
	assert.Equal(t, 1, fake.puts(), "an object already present is not uploaded again")

	lines, err := store.ReadObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"{\"id\":1}\n", "{\"id\":2}\n"}, toStrings(lines))
}

func TestClassify(t *testing.T) {
	assert.True(t, pipeline.IsPermanent(classify(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden})))
	assert.True(t, pipeline.IsPermanent(classify(minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound})))
	assert.False(t, pipeline.IsPermanent(classify(minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusTooManyRequests})))
	assert.False(t, pipeline.IsPermanent(classify(minio.ErrorResponse{Code: "RequestTimeout", StatusCode: http.StatusRequestTimeout})))
	assert.False(t, pipeline.IsPermanent(classify(minio.ErrorResponse{Code: "InternalError", StatusCode: http.StatusInternalServerError})))
	assert.False(t, pipeline.IsPermanent(classify(context.DeadlineExceeded)))
}
