// Copyright 2025 James Ross
// Package queued implements the queued client (C6): upload-then-enqueue
// orchestration, status-row insertion before the enqueue so the service can
// update the row in place, message construction, and queue
// walk-on-failure.
package queued

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
	"github.com/ingestkit/go-ingest/internal/resources"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/upload"
)

// ReportLevel mirrors the wire enum (0|1|2).
type ReportLevel int

const (
	ReportNone               ReportLevel = 0
	ReportFailuresOnly       ReportLevel = 1
	ReportFailuresAndSuccess ReportLevel = 2
)

// ReportMethod mirrors the wire enum (0|1|2).
type ReportMethod int

const (
	ReportMethodQueue         ReportMethod = 0
	ReportMethodTable         ReportMethod = 1
	ReportMethodQueueAndTable ReportMethod = 2
)

// Properties is the subset of IngestionProperties the queued client needs
// to build an enqueue message and (optionally) a status row.
type Properties struct {
	Database                  string
	Table                     string
	Format                    string
	FlushImmediately          bool
	IgnoreSizeLimit           bool
	ReportLevel               ReportLevel
	ReportMethod              ReportMethod
	IngestionMappingReference string
	AdditionalTags            []string
	IngestIfNotExistsTags     []string
	CreationTime              *time.Time
	ValidationPolicy          json.RawMessage
}

// additionalProperties is the wire shape of "AdditionalProperties".
type additionalProperties struct {
	AuthorizationContext      string          `json:"authorizationContext"`
	IngestionMappingReference string          `json:"ingestionMappingReference,omitempty"`
	Format                    string          `json:"format"`
	Tags                      []string        `json:"tags,omitempty"`
	IngestIfNotExists         []string        `json:"ingestIfNotExists,omitempty"`
	CreationTime              *time.Time      `json:"creationTime,omitempty"`
	ValidationPolicy          json.RawMessage `json:"validationPolicy,omitempty"`
}

type statusInTable struct {
	TableConnectionString string `json:"TableConnectionString"`
	PartitionKey           string `json:"PartitionKey"`
	RowKey                  string `json:"RowKey"`
}

// Message is the enqueue message's wire shape.
type Message struct {
	ID                        string                `json:"Id"`
	BlobPath                  string                `json:"BlobPath"`
	RawDataSize               int64                 `json:"RawDataSize"`
	DatabaseName              string                `json:"DatabaseName"`
	TableName                 string                `json:"TableName"`
	RetainBlobOnSuccess       bool                  `json:"RetainBlobOnSuccess"`
	FlushImmediately          bool                  `json:"FlushImmediately"`
	IgnoreSizeLimit           bool                  `json:"IgnoreSizeLimit"`
	ReportLevel               ReportLevel           `json:"ReportLevel"`
	ReportMethod              ReportMethod          `json:"ReportMethod"`
	SourceMessageCreationTime time.Time             `json:"SourceMessageCreationTime"`
	AdditionalProperties      additionalProperties  `json:"AdditionalProperties"`
	IngestionStatusInTable    *statusInTable        `json:"IngestionStatusInTable"`
}

// ResourceProvider is the subset of *resources.Manager the queued client needs.
type ResourceProvider interface {
	ShuffledQueues() ([]resources.Ref, error)
	QueueStartIndex(size int) (int, error)
	AuthContext() (string, error)
}

// AccountRecorder is the subset of *accountset.Set the queued client needs.
type AccountRecorder interface {
	Record(account string, success bool)
}

// Uploader is the subset of *upload.Uploader the queued client needs.
type Uploader interface {
	Upload(ctx context.Context, source upload.LocalSource, props upload.Props) (upload.BlobSource, error)
}

// QueueBackend enqueues a base64-wrapped message onto a queue.
type QueueBackend interface {
	Enqueue(ctx context.Context, queue resources.Ref, messageBase64 string) error
}

// Client is the queued client (C6).
type Client struct {
	resources ResourceProvider
	accounts  AccountRecorder
	uploader  Uploader
	backend   QueueBackend
	tracker   *status.Tracker // nil disables table reporting
}

// New constructs a Client. tracker may be nil if the deployment never uses
// table-based reporting.
func New(resourceProvider ResourceProvider, accounts AccountRecorder, uploader Uploader, backend QueueBackend, tracker *status.Tracker) *Client {
	return &Client{resources: resourceProvider, accounts: accounts, uploader: uploader, backend: backend, tracker: tracker}
}

// Queue uploads (or accepts an already-uploaded) blob, optionally inserts a
// pending status row, and enqueues a message describing the ingestion for
// the service to pick up.
func (c *Client) Queue(ctx context.Context, source interface{}, props Properties) (status.Operation, error) {
	var blob upload.BlobSource
	var retainBlobOnSuccess bool

	switch s := source.(type) {
	case upload.LocalSource:
		b, err := c.uploader.Upload(ctx, s, upload.Props{Database: props.Database, Table: props.Table})
		if err != nil {
			return status.Operation{}, err
		}
		blob = b
	case upload.BlobSource:
		blob = s
		retainBlobOnSuccess = true
	default:
		return status.Operation{}, ingesterrors.New(ingesterrors.KindClient, "", "queued ingestion source must be a LocalSource or BlobSource")
	}

	authCtx, err := c.resources.AuthContext()
	if err != nil {
		return status.Operation{}, err
	}

	rawSize := blob.ExactSize
	if rawSize < 0 {
		rawSize = blob.EstimatedRawSize
	}
	if rawSize < 0 {
		rawSize = 0
	}

	msg := Message{
		ID:                  blob.SourceID,
		BlobPath:            blob.URL,
		RawDataSize:         rawSize,
		DatabaseName:        props.Database,
		TableName:           props.Table,
		RetainBlobOnSuccess: retainBlobOnSuccess,
		FlushImmediately:    props.FlushImmediately,
		IgnoreSizeLimit:     props.IgnoreSizeLimit,
		ReportLevel:         props.ReportLevel,
		ReportMethod:        props.ReportMethod,
		SourceMessageCreationTime: time.Now().UTC(),
		AdditionalProperties: additionalProperties{
			AuthorizationContext:      authCtx,
			IngestionMappingReference: props.IngestionMappingReference,
			Format:                    props.Format,
			Tags:                      props.AdditionalTags,
			IngestIfNotExists:         props.IngestIfNotExistsTags,
			CreationTime:              props.CreationTime,
			ValidationPolicy:          props.ValidationPolicy,
		},
	}

	row := status.Row{
		PartitionKey:        blob.SourceID,
		RowKey:              blob.SourceID,
		Status:              status.StatusPending,
		IngestionSourceID:   blob.SourceID,
		Table:               props.Table,
		Database:            props.Database,
		IngestionSourcePath: blob.URL,
	}

	reportsToTable := props.ReportMethod == ReportMethodTable || props.ReportMethod == ReportMethodQueueAndTable
	if reportsToTable {
		if c.tracker != nil {
			if err := c.tracker.InsertPending(ctx, row); err != nil {
				return status.Operation{}, err
			}
		}
		msg.IngestionStatusInTable = &statusInTable{
			PartitionKey: blob.SourceID,
			RowKey:       blob.SourceID,
		}
	}

	if err := c.enqueue(ctx, msg); err != nil {
		return status.Operation{}, err
	}

	op := status.Operation{
		ID:              blob.SourceID,
		Method:          status.MethodQueued,
		Database:        props.Database,
		Table:           props.Table,
		StartTime:       msg.SourceMessageCreationTime,
		PerBlobStatuses: []status.Row{row},
	}
	op.StatusCounts = status.Summarize(op.PerBlobStatuses)
	return op, nil
}

func (c *Client) enqueue(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return ingesterrors.Wrap(ingesterrors.KindClient, "", true, err)
	}
	encoded := base64.StdEncoding.EncodeToString(payload)

	queues, err := c.resources.ShuffledQueues()
	if err != nil {
		return err
	}
	if len(queues) == 0 {
		return ingesterrors.NoAvailableQueues()
	}
	start, err := c.resources.QueueStartIndex(len(queues))
	if err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < len(queues); i++ {
		q := queues[(start+i)%len(queues)]
		err := c.backend.Enqueue(ctx, q, encoded)
		if err == nil {
			c.accounts.Record(q.AccountName, true)
			return nil
		}
		c.accounts.Record(q.AccountName, false)
		lastErr = err
		if ingesterrors.IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ingesterrors.Canceled()
		}
	}
	if lastErr == nil {
		lastErr = ingesterrors.NoAvailableQueues()
	}
	return ingesterrors.Wrap(ingesterrors.KindService, "", false, lastErr)
}
