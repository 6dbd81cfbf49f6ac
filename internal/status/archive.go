// Copyright 2025 James Ross
// Supplement feature: periodic archival of terminal status rows into
// ClickHouse before they age out of the Postgres-backed status table,
// scheduled on a cron expression rather than a bare ticker. Grounded on the
// teacher's ClickHouse exporter and cron-scheduled validator.
package status

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/robfig/cron/v3"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
)

// Archiver sweeps terminal rows from the Postgres-backed tracker into
// ClickHouse on a cron schedule.
type Archiver struct {
	tracker *Tracker
	ch      clickhouse.Conn
	cron    *cron.Cron
	maxAge  time.Duration
}

// ArchiverConfig configures the sweep cadence and retention window.
type ArchiverConfig struct {
	CronExpr string // e.g. "0 */15 * * * *" (every 15 minutes)
	MaxAge   time.Duration
}

// NewArchiver connects to ClickHouse and schedules the sweep; call Start to
// begin running it.
func NewArchiver(tracker *Tracker, chOptions *clickhouse.Options, cfg ArchiverConfig) (*Archiver, error) {
	conn, err := clickhouse.Open(chOptions)
	if err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	if err := conn.Exec(context.Background(), archiveSchemaDDL); err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	a := &Archiver{tracker: tracker, ch: conn, cron: cron.New(cron.WithSeconds()), maxAge: cfg.MaxAge}
	if _, err := a.cron.AddFunc(cfg.CronExpr, a.sweepOnce); err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindClient, "", true, err)
	}
	return a, nil
}

const archiveSchemaDDL = `CREATE TABLE IF NOT EXISTS ingestion_status_archive (
	partition_key String,
	row_key String,
	status String,
	error_code String,
	failure_status String,
	ingestion_source_id String,
	operation_id String,
	table_name String,
	database_name String,
	ingestion_source_path String,
	updated_on DateTime
) ENGINE = MergeTree() ORDER BY (database_name, table_name, updated_on)`

// Start runs the cron scheduler until ctx is canceled.
func (a *Archiver) Start(ctx context.Context) {
	a.cron.Start()
	go func() {
		<-ctx.Done()
		<-a.cron.Stop().Done()
	}()
}

func (a *Archiver) sweepOnce() {
	cutoff := time.Now().Add(-a.maxAge)
	ctx := context.Background()
	rows, err := a.tracker.db.QueryContext(ctx, `SELECT partition_key, row_key, status, COALESCE(error_code, ''), COALESCE(failure_status, ''),
		ingestion_source_id, operation_id, table_name, database_name, ingestion_source_path, updated_on
		FROM ingestion_status WHERE updated_on < $1 AND status IN ('Succeeded','Failed','PartiallySucceeded','Canceled')`, cutoff)
	if err != nil {
		return
	}
	defer rows.Close()

	batch, err := a.ch.PrepareBatch(ctx, "INSERT INTO ingestion_status_archive")
	if err != nil {
		return
	}
	archived := make([]Row, 0)
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.PartitionKey, &r.RowKey, &r.Status, &r.ErrorCode, &r.FailureStatus,
			&r.IngestionSourceID, &r.OperationID, &r.Table, &r.Database, &r.IngestionSourcePath, &r.UpdatedOn); err != nil {
			continue
		}
		_ = batch.Append(r.PartitionKey, r.RowKey, string(r.Status), r.ErrorCode, r.FailureStatus,
			r.IngestionSourceID, r.OperationID, r.Table, r.Database, r.IngestionSourcePath, r.UpdatedOn)
		archived = append(archived, r)
	}
	if err := batch.Send(); err != nil {
		return
	}
	for _, r := range archived {
		_, _ = a.tracker.db.ExecContext(ctx, `DELETE FROM ingestion_status WHERE partition_key = $1 AND row_key = $2`, r.PartitionKey, r.RowKey)
	}
}
