package ingest

import (
	"context"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestkit/go-ingest/internal/dmclient"
	"github.com/ingestkit/go-ingest/internal/endpoint"
	"github.com/ingestkit/go-ingest/internal/queued"
	"github.com/ingestkit/go-ingest/internal/resources"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/testdm"
	"github.com/ingestkit/go-ingest/internal/upload"
)

// noopBackend is a fake upload.Backend: it drains the reader and reports
// success without talking to any real blob store.
type noopBackend struct{}

func (noopBackend) PutBlockBlob(ctx context.Context, container resources.Ref, blobName string, r io.Reader, size int64, opts upload.BlockOptions) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

type countingQueue struct{ calls int }

func (b *countingQueue) Enqueue(ctx context.Context, q resources.Ref, messageBase64 string) error {
	b.calls++
	return nil
}

func newTestClient(t *testing.T, srv *testdm.Server, queueBackend queued.QueueBackend) *Client {
	t.Helper()
	endpoint.Default().AllowHost("127.0.0.1")
	t.Cleanup(endpoint.Configure)

	cfg := Config{
		EngineEndpoint: srv.URL(),
		DMEndpoint:     srv.URL(),
		HTTPClient:     srv.HTTPClient(),
	}
	cfg.Resources = resources.DefaultConfig()
	cfg.Resources.RefreshInterval = time.Hour
	client, err := New(cfg, noopBackend{}, queueBackend)
	require.NoError(t, err)
	return client
}

func TestClient_IngestFile_RoutesThroughStreamingOnSuccess(t *testing.T) {
	srv := testdm.New()
	defer srv.Close()
	srv.SetResourceRows([]dmclient.ResourceRow{
		{ResourceTypeName: dmclient.ResourceTempStorage, StorageRoot: "https://acct1.blob.example/container1?sas1"},
		{ResourceTypeName: dmclient.ResourceSecuredReadyForAggregationQueue, StorageRoot: "https://acct1.queue.example/queue1?sas1"},
		{ResourceTypeName: dmclient.ResourceFailedIngestionsQueue, StorageRoot: "https://acct1.queue.example/failed?sas1"},
		{ResourceTypeName: dmclient.ResourceSuccessfulIngestionsQueue, StorageRoot: "https://acct1.queue.example/success?sas1"},
		{ResourceTypeName: dmclient.ResourceIngestionsStatusTable, StorageRoot: "https://acct1.table.example/status?sas1"},
	})

	backend := &countingQueue{}
	client := newTestClient(t, srv, backend)
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	tmp := t.TempDir() + "/data.csv"
	require.NoError(t, writeFile(tmp, "a,b,c\n1,2,3\n"))

	src := FileSource(tmp, FormatCSV)
	op, err := client.Ingest(context.Background(), src, IngestionProperties{Database: "db", Table: "tbl", Format: FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, status.MethodStreaming, op.Method)
	assert.Equal(t, 0, backend.calls)
}

func TestClient_IngestFile_FallsBackToQueuedOnPermanentStreamingFailure(t *testing.T) {
	srv := testdm.New()
	defer srv.Close()
	srv.SetResourceRows([]dmclient.ResourceRow{
		{ResourceTypeName: dmclient.ResourceTempStorage, StorageRoot: "https://acct1.blob.example/container1?sas1"},
		{ResourceTypeName: dmclient.ResourceSecuredReadyForAggregationQueue, StorageRoot: "https://acct1.queue.example/queue1?sas1"},
		{ResourceTypeName: dmclient.ResourceFailedIngestionsQueue, StorageRoot: "https://acct1.queue.example/failed?sas1"},
		{ResourceTypeName: dmclient.ResourceSuccessfulIngestionsQueue, StorageRoot: "https://acct1.queue.example/success?sas1"},
		{ResourceTypeName: dmclient.ResourceIngestionsStatusTable, StorageRoot: "https://acct1.table.example/status?sas1"},
	})
	srv.QueueStreamingOutcomes(testdm.StreamingOutcome{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error":{"code":"General_BadRequest","@message":"Streaming ingestion is disabled for this cluster","@permanent":true}}`,
	})

	backend := &countingQueue{}
	client := newTestClient(t, srv, backend)
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	tmp := t.TempDir() + "/data.csv"
	require.NoError(t, writeFile(tmp, "a,b,c\n1,2,3\n"))

	src := FileSource(tmp, FormatCSV)
	op, err := client.Ingest(context.Background(), src, IngestionProperties{Database: "db", Table: "tbl", Format: FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)
	assert.Equal(t, 1, backend.calls)
}

func TestClient_IngestBlob_SkipsUploaderAndRouter(t *testing.T) {
	srv := testdm.New()
	defer srv.Close()
	srv.SetResourceRows([]dmclient.ResourceRow{
		{ResourceTypeName: dmclient.ResourceTempStorage, StorageRoot: "https://acct1.blob.example/container1?sas1"},
		{ResourceTypeName: dmclient.ResourceSecuredReadyForAggregationQueue, StorageRoot: "https://acct1.queue.example/queue1?sas1"},
		{ResourceTypeName: dmclient.ResourceFailedIngestionsQueue, StorageRoot: "https://acct1.queue.example/failed?sas1"},
		{ResourceTypeName: dmclient.ResourceSuccessfulIngestionsQueue, StorageRoot: "https://acct1.queue.example/success?sas1"},
		{ResourceTypeName: dmclient.ResourceIngestionsStatusTable, StorageRoot: "https://acct1.table.example/status?sas1"},
	})

	backend := &countingQueue{}
	client := newTestClient(t, srv, backend)
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	src := BlobSourceFromWithSize("https://acct1.blob.example/container1/already-there.csv?sas1", 42, FormatCSV)
	op, err := client.Ingest(context.Background(), src, IngestionProperties{Database: "db", Table: "tbl", Format: FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)
	assert.Equal(t, 1, backend.calls)
}

func TestRouterProps_InlineMappingIsNotSentAsMappingName(t *testing.T) {
	props := IngestionProperties{
		Database: "db",
		Table:    "tbl",
		Format:   FormatCSV,
		IngestionMapping: &InlineMapping{
			Kind:     "Csv",
			Mappings: []ColumnMapping{{Column: "a", Properties: map[string]string{"Ordinal": "0"}}},
		},
	}

	rp := routerProps(props)
	assert.Empty(t, rp.MappingName, "an inline mapping must not be sent as a streaming mappingName query value")
	assert.NotEmpty(t, rp.IngestionMappingReference, "the queued-fallback path still carries the inline mapping JSON")

	qp := queuedProps(props)
	assert.Equal(t, rp.IngestionMappingReference, qp.IngestionMappingReference)
}

func TestRouterProps_NamedMappingReferenceFlowsToMappingName(t *testing.T) {
	props := IngestionProperties{
		Database:                  "db",
		Table:                     "tbl",
		Format:                    FormatCSV,
		IngestionMappingReference: "myMapping",
	}

	rp := routerProps(props)
	assert.Equal(t, "myMapping", rp.MappingName)
	assert.Equal(t, "myMapping", rp.IngestionMappingReference)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
