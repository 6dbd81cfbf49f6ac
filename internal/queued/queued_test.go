package queued

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
	"github.com/ingestkit/go-ingest/internal/resources"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/upload"
)

type fakeResources struct {
	queues   []resources.Ref
	startIdx int
	authCtx  string
	err      error
}

func (f *fakeResources) ShuffledQueues() ([]resources.Ref, error) { return f.queues, f.err }
func (f *fakeResources) QueueStartIndex(int) (int, error)        { return f.startIdx, nil }
func (f *fakeResources) AuthContext() (string, error)            { return f.authCtx, nil }

type fakeAccounts struct {
	recorded []string
}

func (f *fakeAccounts) Record(account string, success bool) {
	if success {
		f.recorded = append(f.recorded, account+":ok")
	} else {
		f.recorded = append(f.recorded, account+":fail")
	}
}

type fakeUploader struct {
	result upload.BlobSource
	err    error
}

func (f *fakeUploader) Upload(ctx context.Context, source upload.LocalSource, props upload.Props) (upload.BlobSource, error) {
	return f.result, f.err
}

type fakeBackend struct {
	failFirstN int
	calls      int
	lastMsg    string
}

func (f *fakeBackend) Enqueue(ctx context.Context, q resources.Ref, messageBase64 string) error {
	f.calls++
	if f.calls <= f.failFirstN {
		return ingesterrors.Wrap(ingesterrors.KindService, "", false, context.DeadlineExceeded)
	}
	f.lastMsg = messageBase64
	return nil
}

func decodeMessage(t *testing.T, encoded string) Message {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestQueue_UploadsThenEnqueuesLocalSource(t *testing.T) {
	res := &fakeResources{
		queues:  []resources.Ref{{Endpoint: "https://q1", SAS: "s1", AccountName: "a1"}},
		authCtx: "authctx",
	}
	accts := &fakeAccounts{}
	uploader := &fakeUploader{result: upload.BlobSource{URL: "https://a1/blob?sas", ExactSize: 42, SourceID: "src1"}}
	backend := &fakeBackend{}

	c := New(res, accts, uploader, backend, nil)
	op, err := c.Queue(context.Background(), upload.LocalSource{
		SourceID: "src1", Reader: strings.NewReader("x"), Size: 1, Format: upload.FormatCSV,
	}, Properties{Database: "db", Table: "tbl", Format: "csv", ReportMethod: ReportMethodQueue})

	require.NoError(t, err)
	assert.Equal(t, status.MethodQueued, op.Method)
	assert.Equal(t, []string{"a1:ok"}, accts.recorded)

	msg := decodeMessage(t, backend.lastMsg)
	assert.Equal(t, "src1", msg.ID)
	assert.Equal(t, "https://a1/blob?sas", msg.BlobPath)
	assert.Equal(t, int64(42), msg.RawDataSize)
	assert.False(t, msg.RetainBlobOnSuccess)
	assert.Equal(t, "authctx", msg.AdditionalProperties.AuthorizationContext)
	assert.Nil(t, msg.IngestionStatusInTable)
}

func TestQueue_CallerSuppliedBlobSourceRetainsOnSuccess(t *testing.T) {
	res := &fakeResources{queues: []resources.Ref{{Endpoint: "https://q1", SAS: "s1", AccountName: "a1"}}}
	accts := &fakeAccounts{}
	backend := &fakeBackend{}

	c := New(res, accts, &fakeUploader{}, backend, nil)
	_, err := c.Queue(context.Background(), upload.BlobSource{URL: "https://a1/blob?sas", ExactSize: 99, SourceID: "src2"},
		Properties{Database: "db", Table: "tbl", ReportMethod: ReportMethodQueue})

	require.NoError(t, err)
	msg := decodeMessage(t, backend.lastMsg)
	assert.True(t, msg.RetainBlobOnSuccess)
	assert.Equal(t, int64(99), msg.RawDataSize)
}

func TestQueue_PrefersEstimatedRawSizeWhenExactSizeUnknown(t *testing.T) {
	res := &fakeResources{queues: []resources.Ref{{Endpoint: "https://q1", SAS: "s1", AccountName: "a1"}}}
	backend := &fakeBackend{}
	c := New(res, &fakeAccounts{}, &fakeUploader{}, backend, nil)

	_, err := c.Queue(context.Background(), upload.BlobSource{
		URL: "https://a1/blob", SourceID: "src-unknown", ExactSize: -1, EstimatedRawSize: 407,
	}, Properties{Database: "db", Table: "tbl", ReportMethod: ReportMethodQueue})

	require.NoError(t, err)
	msg := decodeMessage(t, backend.lastMsg)
	assert.Equal(t, int64(407), msg.RawDataSize)
}

func TestQueue_ReportMethodTableSetsIngestionStatusInTable(t *testing.T) {
	res := &fakeResources{queues: []resources.Ref{{Endpoint: "https://q1", SAS: "s1", AccountName: "a1"}}}
	backend := &fakeBackend{}
	c := New(res, &fakeAccounts{}, &fakeUploader{}, backend, nil)

	op, err := c.Queue(context.Background(), upload.BlobSource{URL: "https://a1/blob", SourceID: "src3"},
		Properties{Database: "db", Table: "tbl", ReportMethod: ReportMethodQueueAndTable})

	require.NoError(t, err)
	msg := decodeMessage(t, backend.lastMsg)
	require.NotNil(t, msg.IngestionStatusInTable)
	assert.Equal(t, "src3", msg.IngestionStatusInTable.PartitionKey)
	require.Len(t, op.PerBlobStatuses, 1)
	assert.Equal(t, status.StatusPending, op.PerBlobStatuses[0].Status)
}

func TestQueue_WalksToNextQueueOnFailure(t *testing.T) {
	res := &fakeResources{queues: []resources.Ref{
		{Endpoint: "https://q1", SAS: "s1", AccountName: "a1"},
		{Endpoint: "https://q2", SAS: "s2", AccountName: "a2"},
	}}
	accts := &fakeAccounts{}
	backend := &fakeBackend{failFirstN: 1}
	c := New(res, accts, &fakeUploader{}, backend, nil)

	_, err := c.Queue(context.Background(), upload.BlobSource{URL: "https://a1/blob", SourceID: "src4"},
		Properties{Database: "db", Table: "tbl", ReportMethod: ReportMethodQueue})

	require.NoError(t, err)
	assert.Equal(t, []string{"a1:fail", "a2:ok"}, accts.recorded)
}

func TestQueue_NoQueuesAvailable(t *testing.T) {
	res := &fakeResources{}
	c := New(res, &fakeAccounts{}, &fakeUploader{}, &fakeBackend{}, nil)
	_, err := c.Queue(context.Background(), upload.BlobSource{URL: "https://a1/blob", SourceID: "src5"}, Properties{})
	require.Error(t, err)
	assert.Equal(t, ingesterrors.KindNoAvailableQueues, err.(*ingesterrors.Error).Kind)
}

func TestQueue_RejectsUnknownSourceType(t *testing.T) {
	res := &fakeResources{queues: []resources.Ref{{Endpoint: "https://q1", AccountName: "a1"}}}
	c := New(res, &fakeAccounts{}, &fakeUploader{}, &fakeBackend{}, nil)
	_, err := c.Queue(context.Background(), "not a source", Properties{})
	require.Error(t, err)
	assert.Equal(t, ingesterrors.KindClient, err.(*ingesterrors.Error).Kind)
}

func TestQueue_UploadErrorPropagates(t *testing.T) {
	res := &fakeResources{queues: []resources.Ref{{Endpoint: "https://q1", AccountName: "a1"}}}
	uploadErr := ingesterrors.New(ingesterrors.KindUploadFailed, ingesterrors.SubSourceIsEmpty, "empty")
	c := New(res, &fakeAccounts{}, &fakeUploader{err: uploadErr}, &fakeBackend{}, nil)

	_, err := c.Queue(context.Background(), upload.LocalSource{Reader: strings.NewReader("x")}, Properties{})
	require.Error(t, err)
	assert.Same(t, uploadErr, err)
}
