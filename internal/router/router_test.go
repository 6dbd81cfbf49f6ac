package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestkit/go-ingest/internal/queued"
	"github.com/ingestkit/go-ingest/internal/resources"
	"github.com/ingestkit/go-ingest/internal/retry"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/streaming"
	"github.com/ingestkit/go-ingest/internal/upload"
)

type fakeQueuedResources struct {
	queues []resources.Ref
}

func (f *fakeQueuedResources) ShuffledQueues() ([]resources.Ref, error) { return f.queues, nil }
func (f *fakeQueuedResources) QueueStartIndex(int) (int, error)        { return 0, nil }
func (f *fakeQueuedResources) AuthContext() (string, error)            { return "auth", nil }

type fakeQueuedAccounts struct{}

func (fakeQueuedAccounts) Record(string, bool) {}

type fakeQueuedUploader struct{}

func (fakeQueuedUploader) Upload(ctx context.Context, source upload.LocalSource, props upload.Props) (upload.BlobSource, error) {
	return upload.BlobSource{URL: "https://a1/blob", ExactSize: source.Size, SourceID: source.SourceID}, nil
}

type countingBackend struct {
	calls int32
}

func (b *countingBackend) Enqueue(ctx context.Context, q resources.Ref, messageBase64 string) error {
	atomic.AddInt32(&b.calls, 1)
	return nil
}

func newTestQueuedClient(backend *countingBackend) *queued.Client {
	res := &fakeQueuedResources{queues: []resources.Ref{{Endpoint: "https://q1", AccountName: "a1"}}}
	return queued.New(res, fakeQueuedAccounts{}, fakeQueuedUploader{}, backend, nil)
}

func newFastRouter(streamSrv *httptest.Server, backend *countingBackend, cfg Config) *Router {
	sc := streaming.New(streaming.DefaultConfig(), streamSrv.Client(), streamSrv.URL)
	qc := newTestQueuedClient(backend)
	if cfg.MaxBodyBytes == 0 {
		cfg = DefaultConfig()
	}
	return New(cfg, sc, qc)
}

func TestIngest_StreamsSuccessfully(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := &countingBackend{}
	r := newFastRouter(srv, backend, DefaultConfig())

	src := Source{SourceID: "s1", Size: 5, Format: "csv", Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello")), nil
	}}
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodStreaming, op.Method)
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 0, backend.calls)
}

func TestIngest_OversizedKnownSize_RoutesDirectlyToQueued(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := &countingBackend{}
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 4
	r := newFastRouter(srv, backend, cfg)

	src := Source{SourceID: "s2", Size: 1000, Format: "csv", Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("way too big")), nil
	}}
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)
	assert.EqualValues(t, 0, hits)
	assert.EqualValues(t, 1, backend.calls)
}

func TestIngest_RequestPropertiesPreventStreaming_NoFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"BadRequest_InvalidStreamingIngestRequest","message":"bad"}}`))
	}))
	defer srv.Close()

	backend := &countingBackend{}
	r := newFastRouter(srv, backend, DefaultConfig())

	src := Source{SourceID: "s3", Size: 5, Format: "csv", Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello")), nil
	}}
	_, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.Error(t, err)
	se, ok := err.(*streaming.StreamingError)
	require.True(t, ok)
	assert.Equal(t, streaming.CategoryRequestPropertiesPreventStreaming, se.Category)
	assert.EqualValues(t, 0, backend.calls)
}

func TestIngest_StreamingIngestionOff_FallsBackAndCachesPolicy(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"General_BadRequest","@message":"Streaming ingestion is disabled for this cluster","@permanent":true}}`))
	}))
	defer srv.Close()

	backend := &countingBackend{}
	cfg := DefaultConfig()
	cfg.ContinueWhenStreamingIngestionUnavailable = true
	cfg.TimeUntilResumingStreamingIngest = time.Minute
	cfg.RetryPolicy = retry.CustomRetry{Intervals: nil}
	r := newFastRouter(srv, backend, cfg)

	src := Source{SourceID: "s4", Size: 5, Format: "csv", Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello")), nil
	}}
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)
	assert.EqualValues(t, 1, hits)

	op2, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op2.Method)
	assert.EqualValues(t, 1, hits, "second call must not hit the streaming endpoint while policy state is active")
	assert.EqualValues(t, 2, backend.calls)
}

func TestIngest_StreamingIngestionOff_FallsBackWithoutContinueFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"General_BadRequest","@message":"Streaming ingestion is disabled for this cluster","@permanent":true}}`))
	}))
	defer srv.Close()

	backend := &countingBackend{}
	cfg := DefaultConfig()
	cfg.ContinueWhenStreamingIngestionUnavailable = false
	r := newFastRouter(srv, backend, cfg)

	src := Source{SourceID: "s5", Size: 5, Format: "csv", Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello")), nil
	}}
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method, "a classified-off failure still falls back on its own attempt")
}

func TestIngest_ThrottledRetriesThenFallsBack(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"TooManyRequests","message":"too many requests"}}`))
	}))
	defer srv.Close()

	backend := &countingBackend{}
	cfg := DefaultConfig()
	cfg.RetryPolicy = retry.CustomRetry{Intervals: []time.Duration{0, 0}}
	r := newFastRouter(srv, backend, cfg)

	src := Source{SourceID: "s6", Size: 5, Format: "csv", Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello")), nil
	}}
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)
	assert.EqualValues(t, 3, hits, "initial attempt plus two retries from the custom policy")
	assert.EqualValues(t, 1, backend.calls)
}

func TestIngest_UnknownSizePeekConfirmsOverflow(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := &countingBackend{}
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 4
	r := newFastRouter(srv, backend, cfg)

	src := NewBufferedSource("s7", "csv", strings.NewReader("way more than four bytes"))
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)
	assert.EqualValues(t, 0, hits)
	assert.EqualValues(t, 1, backend.calls)
}

func TestIngest_UnknownSizeWithinCapStreamsDirectlyFromPeekedBuffer(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body := make([]byte, 64)
		n, _ := r.Body.Read(body)
		assert.Equal(t, "short", string(body[:n]))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := &countingBackend{}
	r := newFastRouter(srv, backend, DefaultConfig())

	src := NewBufferedSource("s8", "csv", strings.NewReader("short"))
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodStreaming, op.Method)
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 0, backend.calls)
}
