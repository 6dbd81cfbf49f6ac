// Copyright 2025 James Ross
// Package router implements the managed streaming router (C7): decides
// streaming-vs-queued per request, classifies streaming failures, tracks
// per-table policy state with compare-and-set semantics, retries streaming
// with bounded backoff, and falls back to the queued client.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
	"github.com/ingestkit/go-ingest/internal/queued"
	"github.com/ingestkit/go-ingest/internal/retry"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/streaming"
	"github.com/ingestkit/go-ingest/internal/upload"
)

// Source is a router-level ingestion source: Open must be restartable,
// i.e. safe to call more than once, since a fallback to queued re-reads the
// payload. Use NewBufferedSource to wrap a single-use io.Reader.
type Source struct {
	SourceID string
	Size     int64 // -1 when unknown
	Format   string
	Open     func() (io.ReadCloser, error)
}

// NewBufferedSource wraps a single-use reader so it can be read more than
// once: the first Open() call materializes a buffered copy; every
// subsequent call replays it without touching r again.
func NewBufferedSource(sourceID, format string, r io.Reader) Source {
	var once sync.Once
	var buf []byte
	var readErr error
	return Source{
		SourceID: sourceID,
		Size:     -1,
		Format:   format,
		Open: func() (io.ReadCloser, error) {
			once.Do(func() { buf, readErr = io.ReadAll(r) })
			if readErr != nil {
				return nil, readErr
			}
			return io.NopCloser(bytes.NewReader(buf)), nil
		},
	}
}

// Properties carries everything the router needs to drive either path.
type Properties struct {
	Database                  string
	Table                     string
	Format                    string
	MappingName               string
	AuthToken                 string
	FlushImmediately          bool
	IgnoreSizeLimit           bool
	ReportLevel               queued.ReportLevel
	ReportMethod              queued.ReportMethod
	IngestionMappingReference string
	AdditionalTags            []string
	IngestIfNotExistsTags     []string
	CreationTime              *time.Time
	ValidationPolicy          json.RawMessage
}

// Config tunes the router's size-routing threshold and per-table policy
// durations.
type Config struct {
	MaxBodyBytes                              int64   // must match the streaming client's cap; default 10MB
	DataSizeFactor                             float64 // default 1.0
	TimeUntilResumingStreamingIngest           time.Duration // default 15m
	ThrottleBackoffPeriod                      time.Duration // default 10s
	ContinueWhenStreamingIngestionUnavailable  bool          // default false
	RetryPolicy                                retry.Policy  // default CustomRetry{DefaultManagedStreamingIntervals}

	// SharedState backs ManagedErrorState. Nil (the default) keeps state
	// in-process via an internal sync.Map; pass a RedisErrorStateStore to
	// share policy state across a fleet of router instances.
	SharedState ErrorStateStore

	OnStreamingSuccess func(db, table string)
	OnStreamingError   func(db, table string, category streaming.Category)
}

// DefaultConfig matches the upstream client's default thresholds and windows.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:                      10 << 20,
		DataSizeFactor:                    1.0,
		TimeUntilResumingStreamingIngest:  15 * time.Minute,
		ThrottleBackoffPeriod:             10 * time.Second,
		RetryPolicy:                       retry.CustomRetry{Intervals: retry.DefaultManagedStreamingIntervals},
	}
}

// stateEntry is ManagedErrorState's per-(db,table) value.
type stateEntry struct {
	Category streaming.Category
	ResetAt  time.Time
}

// ErrorStateStore persists ManagedErrorState: the most recently classified
// streaming failure per (database,table), cleared lazily once now reaches
// its ResetAt. memoryErrorStateStore (the default) keeps this in-process;
// RedisErrorStateStore shares it across a fleet of router instances.
type ErrorStateStore interface {
	// Load returns the entry currently in effect for key, if any.
	Load(ctx context.Context, key string) (stateEntry, bool, error)
	// Merge stores entry for key unless the entry already stored expires
	// later, in which case the store is left untouched; an entry with the
	// same ResetAt replaces the stored one. A stale callback racing a newer
	// one therefore never wins.
	Merge(ctx context.Context, key string, entry stateEntry) error
}

// memoryErrorStateStore is the default ErrorStateStore: a lock-free
// per-process map using sync.Map's CompareAndSwap.
type memoryErrorStateStore struct {
	m sync.Map // map[string]stateEntry
}

func newMemoryErrorStateStore() *memoryErrorStateStore {
	return &memoryErrorStateStore{}
}

func (s *memoryErrorStateStore) Load(_ context.Context, key string) (stateEntry, bool, error) {
	v, ok := s.m.Load(key)
	if !ok {
		return stateEntry{}, false, nil
	}
	return v.(stateEntry), true, nil
}

func (s *memoryErrorStateStore) Merge(_ context.Context, key string, entry stateEntry) error {
	for {
		old, loaded := s.m.Load(key)
		if !loaded {
			if actual, raced := s.m.LoadOrStore(key, entry); raced {
				old, loaded = actual, true
			} else {
				return nil // inserted
			}
		}
		oldEntry := old.(stateEntry)
		if entry.ResetAt.Before(oldEntry.ResetAt) {
			return nil // a newer, later-expiring entry already won
		}
		if s.m.CompareAndSwap(key, old, entry) {
			return nil
		}
	}
}

// Router is the managed streaming router (C7).
type Router struct {
	cfg          Config
	streamClient *streaming.Client
	queuedClient *queued.Client
	state        ErrorStateStore
	now          func() time.Time
}

// New constructs a Router.
func New(cfg Config, streamClient *streaming.Client, queuedClient *queued.Client) *Router {
	if cfg.MaxBodyBytes == 0 {
		cfg = DefaultConfig()
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = retry.CustomRetry{Intervals: retry.DefaultManagedStreamingIntervals}
	}
	state := cfg.SharedState
	if state == nil {
		state = newMemoryErrorStateStore()
	}
	return &Router{cfg: cfg, streamClient: streamClient, queuedClient: queuedClient, state: state, now: time.Now}
}

func tableKey(db, table string) string { return db + "\x00" + table }

// shouldDefaultToQueued reports whether an active ManagedErrorState entry
// should route this request straight to the queued client without even
// attempting to stream.
func (r *Router) shouldDefaultToQueued(ctx context.Context, db, table string) bool {
	e, ok, err := r.state.Load(ctx, tableKey(db, table))
	if err != nil || !ok {
		return false // store unavailable or no active entry: fail open to streaming
	}
	if !r.now().Before(e.ResetAt) {
		return false
	}
	if e.Category == streaming.CategoryStreamingIngestionOff {
		return r.cfg.ContinueWhenStreamingIngestionUnavailable
	}
	return true
}

// onStreamingError updates ManagedErrorState using compare-and-set so a
// stale callback never clobbers a newer entry.
func (r *Router) onStreamingError(ctx context.Context, db, table string, category streaming.Category) {
	if r.cfg.OnStreamingError != nil {
		r.cfg.OnStreamingError(db, table, category)
	}

	var newEntry stateEntry
	switch category {
	case streaming.CategoryStreamingIngestionOff:
		newEntry = stateEntry{Category: category, ResetAt: r.now().Add(r.cfg.TimeUntilResumingStreamingIngest)}
	case streaming.CategoryTableConfigurationPreventsStreaming:
		newEntry = stateEntry{Category: category, ResetAt: r.now().Add(r.cfg.TimeUntilResumingStreamingIngest)}
	case streaming.CategoryThrottled:
		newEntry = stateEntry{Category: category, ResetAt: r.now().Add(r.cfg.ThrottleBackoffPeriod)}
	default:
		return // REQUEST_PROPERTIES_PREVENT_STREAMING and unclassified: no state
	}

	// Best-effort: a store error just means the next attempt won't see this
	// policy cached, not a request failure.
	_ = r.state.Merge(ctx, tableKey(db, table), newEntry)
}

// resolvePayload determines the effective payload size. When src.Size is
// unknown it peeks MaxBodyBytes+1 bytes: hitting EOF within the cap yields
// an exact size (and the peeked bytes double as the streaming body, so the
// payload is never re-read just to learn its size); not hitting EOF within
// the cap confirms overflow without claiming a fabricated size.
func (r *Router) resolvePayload(src Source) (effectiveSize int64, overflow bool, buffered []byte, err error) {
	if src.Size >= 0 {
		return src.Size, false, nil, nil
	}
	rc, err := src.Open()
	if err != nil {
		return 0, false, nil, ingesterrors.Wrap(ingesterrors.KindClient, "", true, err)
	}
	defer rc.Close()

	buf := make([]byte, r.cfg.MaxBodyBytes+1)
	n, err := io.ReadFull(rc, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, false, nil, ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubSourceNotReadable, false, err)
	}
	if int64(n) > r.cfg.MaxBodyBytes {
		return 0, true, nil, nil
	}
	return int64(n), false, buf[:n], nil
}

// Ingest routes a single source to streaming or queued ingestion, falling
// back to queued on classified streaming failures.
func (r *Router) Ingest(ctx context.Context, src Source, props Properties) (status.Operation, error) {
	effectiveSize, overflow, buffered, err := r.resolvePayload(src)
	if err != nil {
		return status.Operation{}, err
	}

	threshold := float64(r.cfg.MaxBodyBytes) * r.cfg.DataSizeFactor
	if overflow || float64(effectiveSize) > threshold {
		return r.toQueued(ctx, src, nil, props)
	}

	if r.shouldDefaultToQueued(ctx, props.Database, props.Table) {
		return r.toQueued(ctx, src, buffered, props)
	}

	streamErr := r.attemptStreaming(ctx, src, buffered, props)
	if streamErr == nil {
		if r.cfg.OnStreamingSuccess != nil {
			r.cfg.OnStreamingSuccess(props.Database, props.Table)
		}
		return status.Operation{
			ID:       src.SourceID,
			Method:   status.MethodStreaming,
			Database: props.Database,
			Table:    props.Table,
			PerBlobStatuses: []status.Row{{
				PartitionKey:      src.SourceID,
				RowKey:            src.SourceID,
				Status:            status.StatusSucceeded,
				IngestionSourceID: src.SourceID,
				Database:          props.Database,
				Table:             props.Table,
			}},
			StatusCounts: status.Counts{Succeeded: 1, Total: 1},
		}, nil
	}

	var se *streaming.StreamingError
	if errors.As(streamErr, &se) && se.Category == streaming.CategoryRequestPropertiesPreventStreaming {
		return status.Operation{}, streamErr
	}
	if errors.As(streamErr, &se) {
		switch se.Category {
		case streaming.CategoryOtherErrors, streaming.CategoryUnknownErrors:
			if ingesterrors.IsPermanent(streamErr) {
				return status.Operation{}, streamErr
			}
		}
		return r.toQueued(ctx, src, buffered, props)
	}
	return status.Operation{}, streamErr
}

// attemptStreaming retries a streaming attempt per cfg.RetryPolicy,
// updating ManagedErrorState on every classified failure.
func (r *Router) attemptStreaming(ctx context.Context, src Source, buffered []byte, props Properties) error {
	_, err := retry.Run(ctx, retry.Options{Policy: r.cfg.RetryPolicy}, func(ctx context.Context) (struct{}, error) {
		body, closer, err := r.openForAttempt(src, buffered)
		if err != nil {
			return struct{}{}, err
		}
		if closer != nil {
			defer closer.Close()
		}

		streamErr := r.streamClient.Stream(ctx, streaming.Request{
			Database:     props.Database,
			Table:        props.Table,
			StreamFormat: props.Format,
			MappingName:  props.MappingName,
			Body:         body,
			AuthToken:    props.AuthToken,
		})
		if streamErr == nil {
			return struct{}{}, nil
		}
		var se *streaming.StreamingError
		if errors.As(streamErr, &se) {
			r.onStreamingError(ctx, props.Database, props.Table, se.Category)
		}
		return struct{}{}, streamErr
	})
	return err
}

func (r *Router) openForAttempt(src Source, buffered []byte) (io.Reader, io.Closer, error) {
	if buffered != nil {
		return bytes.NewReader(buffered), nil, nil
	}
	rc, err := src.Open()
	if err != nil {
		return nil, nil, ingesterrors.Wrap(ingesterrors.KindClient, "", true, err)
	}
	return rc, rc, nil
}

// toQueued re-reads src (buffered bytes if already materialized, otherwise
// a fresh Open()) and hands it to the queued client.
func (r *Router) toQueued(ctx context.Context, src Source, buffered []byte, props Properties) (status.Operation, error) {
	var reader io.Reader
	size := src.Size
	if buffered != nil {
		reader = bytes.NewReader(buffered)
		size = int64(len(buffered))
	} else {
		rc, err := src.Open()
		if err != nil {
			return status.Operation{}, ingesterrors.Wrap(ingesterrors.KindClient, "", true, err)
		}
		reader = rc
	}

	local := upload.LocalSource{
		SourceID: src.SourceID,
		Reader:   reader,
		Size:     size,
		Format:   upload.Format(props.Format),
	}

	return r.queuedClient.Queue(ctx, local, queued.Properties{
		Database:                  props.Database,
		Table:                     props.Table,
		Format:                    props.Format,
		FlushImmediately:          props.FlushImmediately,
		IgnoreSizeLimit:           props.IgnoreSizeLimit,
		ReportLevel:               props.ReportLevel,
		ReportMethod:              props.ReportMethod,
		IngestionMappingReference: props.IngestionMappingReference,
		AdditionalTags:            props.AdditionalTags,
		IngestIfNotExistsTags:     props.IngestIfNotExistsTags,
		CreationTime:              props.CreationTime,
		ValidationPolicy:          props.ValidationPolicy,
	})
}
