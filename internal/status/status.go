// Copyright 2025 James Ross
// Package status implements the status tracker (C9): the ingestion-status
// row model, a Postgres-backed table reader/writer, collection/summary
// views over a tracked operation, and JSON round-tripping so callers can
// persist an operation handle and resume polling later.
package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
)

// RowStatus is one of the terminal or in-flight states of a StatusRow.
type RowStatus string

const (
	StatusPending            RowStatus = "Pending"
	StatusSucceeded          RowStatus = "Succeeded"
	StatusFailed             RowStatus = "Failed"
	StatusPartiallySucceeded RowStatus = "PartiallySucceeded"
	StatusCanceled           RowStatus = "Canceled"
)

// IsTerminal reports whether s is one of the four terminal states.
func (s RowStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartiallySucceeded, StatusCanceled:
		return true
	default:
		return false
	}
}

// Row is the ingestion-status row produced at enqueue time and updated by
// the service as ingestion proceeds.
type Row struct {
	PartitionKey        string    `json:"partitionKey"`
	RowKey               string    `json:"rowKey"`
	Status               RowStatus `json:"status"`
	ErrorCode            string    `json:"errorCode,omitempty"`
	FailureStatus        string    `json:"failureStatus,omitempty"`
	IngestionSourceID    string    `json:"ingestionSourceId"`
	OperationID          string    `json:"operationId"`
	Table                string    `json:"table"`
	Database             string    `json:"database"`
	IngestionSourcePath  string    `json:"ingestionSourcePath,omitempty"`
	UpdatedOn            time.Time `json:"updatedOn"`
}

// Method is how an operation was ingested.
type Method string

const (
	MethodStreaming Method = "streaming"
	MethodQueued    Method = "queued"
)

// Counts summarizes terminal/in-flight state across an operation's rows.
type Counts struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	InProgress int `json:"inProgress"`
	Canceled   int `json:"canceled"`
	Total      int `json:"total"`
}

// Operation is the tracking handle returned to callers of QueuedClient and
// ManagedRouter.
type Operation struct {
	ID              string    `json:"id"`
	Method          Method    `json:"method"`
	Database        string    `json:"database"`
	Table           string    `json:"table"`
	StartTime       time.Time `json:"startTime"`
	PerBlobStatuses []Row     `json:"perBlobStatuses"`
	StatusCounts    Counts    `json:"statusCounts"`
}

// MarshalOperation/UnmarshalOperation round-trip an Operation through JSON
// so applications can persist it and resume status polling later.
func MarshalOperation(op Operation) ([]byte, error) { return json.Marshal(op) }

func UnmarshalOperation(data []byte) (Operation, error) {
	var op Operation
	err := json.Unmarshal(data, &op)
	return op, err
}

// Summarize computes Counts over rows.
func Summarize(rows []Row) Counts {
	c := Counts{Total: len(rows)}
	for _, r := range rows {
		switch r.Status {
		case StatusSucceeded:
			c.Succeeded++
		case StatusFailed, StatusPartiallySucceeded:
			c.Failed++
		case StatusCanceled:
			c.Canceled++
		default:
			c.InProgress++
		}
	}
	return c
}

// TableRef identifies the status table a Tracker writes to/reads from.
type TableRef struct {
	ConnectionString string
}

// Tracker is the Postgres-backed status table (C9), grounded on the
// teacher's buffered-writer-over-database/sql pattern.
type Tracker struct {
	db *sql.DB
}

// Open connects to the Postgres-backed status table and ensures its schema
// exists.
func Open(ctx context.Context, dataSourceName string) (*Tracker, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, ingesterrors.Wrap(ingesterrors.KindServiceUnavailable, "", false, err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	return &Tracker{db: db}, nil
}

const schemaDDL = `CREATE TABLE IF NOT EXISTS ingestion_status (
	partition_key TEXT NOT NULL,
	row_key TEXT NOT NULL,
	status TEXT NOT NULL,
	error_code TEXT,
	failure_status TEXT,
	ingestion_source_id TEXT,
	operation_id TEXT,
	table_name TEXT,
	database_name TEXT,
	ingestion_source_path TEXT,
	updated_on TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition_key, row_key)
)`

// Close releases the underlying connection pool.
func (t *Tracker) Close() error { return t.db.Close() }

// InsertPending writes a Pending row, keyed by (partitionKey, rowKey), for
// a request that is about to be enqueued.
func (t *Tracker) InsertPending(ctx context.Context, row Row) error {
	row.Status = StatusPending
	row.UpdatedOn = time.Now().UTC()
	_, err := t.db.ExecContext(ctx, `INSERT INTO ingestion_status
		(partition_key, row_key, status, ingestion_source_id, operation_id, table_name, database_name, ingestion_source_path, updated_on)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (partition_key, row_key) DO NOTHING`,
		row.PartitionKey, row.RowKey, row.Status, row.IngestionSourceID, row.OperationID, row.Table, row.Database, row.IngestionSourcePath, row.UpdatedOn)
	if err != nil {
		return ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	return nil
}

// GetRow reads a single row by its keys.
func (t *Tracker) GetRow(ctx context.Context, partitionKey, rowKey string) (Row, error) {
	var r Row
	err := t.db.QueryRowContext(ctx, `SELECT partition_key, row_key, status, COALESCE(error_code, ''), COALESCE(failure_status, ''),
		ingestion_source_id, operation_id, table_name, database_name, ingestion_source_path, updated_on
		FROM ingestion_status WHERE partition_key = $1 AND row_key = $2`, partitionKey, rowKey).
		Scan(&r.PartitionKey, &r.RowKey, &r.Status, &r.ErrorCode, &r.FailureStatus,
			&r.IngestionSourceID, &r.OperationID, &r.Table, &r.Database, &r.IngestionSourcePath, &r.UpdatedOn)
	if err == sql.ErrNoRows {
		return Row{}, ingesterrors.New(ingesterrors.KindClient, "", "no status row for the given keys")
	}
	if err != nil {
		return Row{}, ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	return r, nil
}

// GetStatuses resolves op.PerBlobStatuses: table mode re-reads each row by
// key; queue-only mode returns the rows already attached to op unchanged
// (they were synthesized as Pending at enqueue time).
func (t *Tracker) GetStatuses(ctx context.Context, op Operation) ([]Row, error) {
	if t == nil {
		return op.PerBlobStatuses, nil
	}
	out := make([]Row, 0, len(op.PerBlobStatuses))
	for _, existing := range op.PerBlobStatuses {
		row, err := t.GetRow(ctx, existing.PartitionKey, existing.RowKey)
		if err != nil {
			out = append(out, existing)
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// Summary is GetStatuses followed by Summarize.
func (t *Tracker) Summary(ctx context.Context, op Operation) (Counts, error) {
	rows, err := t.GetStatuses(ctx, op)
	if err != nil {
		return Counts{}, err
	}
	return Summarize(rows), nil
}
