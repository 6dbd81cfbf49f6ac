package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestkit/go-ingest/internal/retry"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/streaming"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisErrorStateStore_LoadMissingReturnsFalse(t *testing.T) {
	store := NewRedisErrorStateStore(setupTestRedis(t), "test")

	_, ok, err := store.Load(context.Background(), "db\x00table")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisErrorStateStore_MergeThenLoadRoundTrips(t *testing.T) {
	store := NewRedisErrorStateStore(setupTestRedis(t), "test")
	ctx := context.Background()
	resetAt := time.Now().Add(time.Hour).UTC()

	err := store.Merge(ctx, "db\x00table", stateEntry{Category: streaming.CategoryThrottled, ResetAt: resetAt})
	require.NoError(t, err)

	got, ok, err := store.Load(ctx, "db\x00table")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, streaming.CategoryThrottled, got.Category)
	assert.WithinDuration(t, resetAt, got.ResetAt, time.Second)
}

func TestRedisErrorStateStore_MergeKeepsLaterExpiringEntry(t *testing.T) {
	store := NewRedisErrorStateStore(setupTestRedis(t), "test")
	ctx := context.Background()
	key := "db\x00table"

	later := time.Now().Add(time.Hour).UTC()
	sooner := time.Now().Add(time.Minute).UTC()

	require.NoError(t, store.Merge(ctx, key, stateEntry{Category: streaming.CategoryStreamingIngestionOff, ResetAt: later}))
	require.NoError(t, store.Merge(ctx, key, stateEntry{Category: streaming.CategoryThrottled, ResetAt: sooner}))

	got, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, streaming.CategoryStreamingIngestionOff, got.Category)
	assert.WithinDuration(t, later, got.ResetAt, time.Second)
}

func TestRedisErrorStateStore_MergeOverwritesWithLaterExpiringEntry(t *testing.T) {
	store := NewRedisErrorStateStore(setupTestRedis(t), "test")
	ctx := context.Background()
	key := "db\x00table"

	sooner := time.Now().Add(time.Minute).UTC()
	later := time.Now().Add(time.Hour).UTC()

	require.NoError(t, store.Merge(ctx, key, stateEntry{Category: streaming.CategoryThrottled, ResetAt: sooner}))
	require.NoError(t, store.Merge(ctx, key, stateEntry{Category: streaming.CategoryStreamingIngestionOff, ResetAt: later}))

	got, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, streaming.CategoryStreamingIngestionOff, got.Category)
	assert.WithinDuration(t, later, got.ResetAt, time.Second)
}

func TestRedisErrorStateStore_NamespaceDefaultsWhenEmpty(t *testing.T) {
	store := NewRedisErrorStateStore(setupTestRedis(t), "")
	assert.Equal(t, "ingest:router:state", store.namespace)
}

func TestRouter_WithRedisSharedState_RoutesToQueuedAfterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"General_BadRequest","@message":"Streaming ingestion is disabled for this cluster","@permanent":true}}`))
	}))
	defer srv.Close()

	backend := &countingBackend{}
	cfg := DefaultConfig()
	cfg.ContinueWhenStreamingIngestionUnavailable = true
	cfg.TimeUntilResumingStreamingIngest = time.Minute
	cfg.RetryPolicy = retry.CustomRetry{Intervals: nil}
	cfg.SharedState = NewRedisErrorStateStore(setupTestRedis(t), "router-test")
	r := newFastRouter(srv, backend, cfg)

	src := Source{SourceID: "s9", Size: 5, Format: "csv", Open: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello")), nil
	}}
	op, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)

	op2, err := r.Ingest(context.Background(), src, Properties{Database: "db", Table: "tbl", Format: "csv"})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op2.Method)
	assert.EqualValues(t, 2, backend.calls, "second request should default straight to queued via shared Redis state")
}
