// Copyright 2025 James Ross
// Package ingest is the public API of the ingestion SDK: IngestionSource and
// IngestionProperties (the data model), and Client, which wires the
// account ranking, resource cache, uploader, streaming client, queued
// client, and managed router into a single entry point.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/ingestkit/go-ingest/internal/accountset"
	"github.com/ingestkit/go-ingest/internal/dmclient"
	"github.com/ingestkit/go-ingest/internal/endpoint"
	"github.com/ingestkit/go-ingest/internal/events"
	"github.com/ingestkit/go-ingest/internal/ingesterrors"
	"github.com/ingestkit/go-ingest/internal/queued"
	"github.com/ingestkit/go-ingest/internal/resources"
	"github.com/ingestkit/go-ingest/internal/router"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/streaming"
	"github.com/ingestkit/go-ingest/internal/upload"
)

// Config configures a Client end to end. EngineEndpoint and DMEndpoint are
// normalized via internal/endpoint before use; Token supplies auth headers
// (authentication itself is out of scope for this SDK).
type Config struct {
	EngineEndpoint string
	DMEndpoint     string
	Token          dmclient.TokenProvider

	HTTPClient *http.Client

	AccountSet accountset.Config
	Resources  resources.Config
	Upload     upload.Config
	Streaming  streaming.Config
	Router     router.Config

	// StatusTracker enables table-based status reporting and polling; nil
	// disables it (ReportMethodTable/QueueAndTable then silently degrades
	// to queue-only reporting).
	StatusTracker *status.Tracker

	// EventPublisher receives lifecycle events from the router and queued
	// client. Defaults to events.NoopPublisher{}.
	EventPublisher events.Publisher
}

// Client is the ingestion SDK's public entry point, wiring C1 (accountset)
// through C9 (status) into Ingest/IngestBatch.
type Client struct {
	accounts     *accountset.Set
	resources    *resources.Manager
	uploader     *upload.Uploader
	streamClient *streaming.Client
	queuedClient *queued.Client
	router       *router.Router
	tracker      *status.Tracker
	publisher    events.Publisher
}

// New constructs a Client against a real DM/engine pair. backend and
// queueBackend supply the storage and queue transport (e.g.
// upload.NewS3Backend / queued.NewSQSBackend, or any Backend/QueueBackend
// implementation a caller wires up for their cloud of choice).
func New(cfg Config, backend upload.Backend, queueBackend queued.QueueBackend) (*Client, error) {
	engineURL, err := endpoint.NormalizeEngine(cfg.EngineEndpoint)
	if err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindClient, "", true, fmt.Errorf("normalize engine endpoint: %w", err))
	}
	dmURL, err := endpoint.NormalizeIngestion(cfg.DMEndpoint)
	if err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindClient, "", true, fmt.Errorf("normalize DM endpoint: %w", err))
	}
	if err := checkTrusted(engineURL); err != nil {
		return nil, err
	}
	if err := checkTrusted(dmURL); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	accounts := accountset.New(cfg.AccountSet)
	dm := dmclient.New(httpClient, dmURL, cfg.Token)

	resCfg := cfg.Resources
	if resCfg.RefreshInterval <= 0 {
		resCfg = resources.DefaultConfig()
	}
	mgr, err := resources.New(resCfg, dm, accounts)
	if err != nil {
		return nil, fmt.Errorf("construct resource manager: %w", err)
	}

	uploader := upload.New(cfg.Upload, mgr, accounts, backend)
	streamClient := streaming.New(cfg.Streaming, httpClient, engineURL)
	qc := queued.New(mgr, accounts, uploader, queueBackend, cfg.StatusTracker)

	routerCfg := cfg.Router
	if routerCfg.MaxBodyBytes == 0 {
		routerCfg = router.DefaultConfig()
	}
	publisher := cfg.EventPublisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	wireRouterEvents(&routerCfg, publisher)
	rtr := router.New(routerCfg, streamClient, qc)

	return &Client{
		accounts:     accounts,
		resources:    mgr,
		uploader:     uploader,
		streamClient: streamClient,
		queuedClient: qc,
		router:       rtr,
		tracker:      cfg.StatusTracker,
		publisher:    publisher,
	}, nil
}

// wireRouterEvents installs OnStreamingSuccess/OnStreamingError hooks that
// publish lifecycle events, preserving any hook the caller already set by
// calling it first.
func wireRouterEvents(cfg *router.Config, publisher events.Publisher) {
	prevSuccess := cfg.OnStreamingSuccess
	cfg.OnStreamingSuccess = func(db, table string) {
		if prevSuccess != nil {
			prevSuccess(db, table)
		}
		_ = publisher.Publish(events.Event{Type: events.TypeStreamingSucceeded, Database: db, Table: table, Method: "streaming"})
	}
	prevError := cfg.OnStreamingError
	cfg.OnStreamingError = func(db, table string, category streaming.Category) {
		if prevError != nil {
			prevError(db, table, category)
		}
		_ = publisher.Publish(events.Event{Type: events.TypeStreamingFailed, Database: db, Table: table, Method: "streaming", Error: string(category)})
	}
}

// checkTrusted rejects an endpoint whose host is not on the trusted-endpoint
// allow-list, before the client ever dials it.
func checkTrusted(normalizedURL string) error {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return ingesterrors.Wrap(ingesterrors.KindClient, "", true, fmt.Errorf("parse endpoint: %w", err))
	}
	if !endpoint.Default().IsTrusted(u.Hostname()) {
		return ingesterrors.New(ingesterrors.KindClient, "", fmt.Sprintf("endpoint host %q is not on the trusted-endpoint allow-list", u.Hostname()))
	}
	return nil
}

// Start launches the resource manager's background refresh loop. Callers
// should call this once before the first Ingest and Stop it on shutdown.
func (c *Client) Start(ctx context.Context) error {
	return c.resources.Start(ctx)
}

// Stop halts the resource manager's background refresh loop.
func (c *Client) Stop() {
	c.resources.Stop()
}

// WaitUntilReady blocks until the resource manager has completed its first
// refresh, or ctx is done.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	return c.resources.WaitForFirstRefresh(ctx)
}

// Ingest routes one IngestionSource through the managed router (blob and
// local-file sources) or straight to the queued client (already-uploaded
// blob sources), returning a tracking handle.
func (c *Client) Ingest(ctx context.Context, src IngestionSource, props IngestionProperties) (status.Operation, error) {
	if err := c.validate(src, props); err != nil {
		return status.Operation{}, err
	}
	props.AuthorizationContext, _ = c.resources.AuthContext()

	switch src.kind {
	case kindBlob:
		return c.ingestBlob(ctx, src, props)
	case kindFile:
		return c.ingestFile(ctx, src, props)
	case kindStream:
		return c.ingestStream(ctx, src, props)
	default:
		return status.Operation{}, ingesterrors.New(ingesterrors.KindClient, "", "unrecognized ingestion source kind")
	}
}

func (c *Client) validate(src IngestionSource, props IngestionProperties) error {
	if props.Format != "" && src.format != "" && props.Format != src.format {
		return fmt.Errorf("ingest: source format %q does not match IngestionProperties.Format %q", src.format, props.Format)
	}
	return props.Validate()
}

// ingestBlob hands an already-uploaded blob straight to the queued client:
// the router's streaming-vs-queued decision only applies to data this SDK
// uploads itself.
func (c *Client) ingestBlob(ctx context.Context, src IngestionSource, props IngestionProperties) (status.Operation, error) {
	blob := upload.BlobSource{URL: src.blobURL, ExactSize: src.blobExactSize, SourceID: src.sourceID}
	return c.queuedClient.Queue(ctx, blob, queuedProps(props))
}

func (c *Client) ingestFile(ctx context.Context, src IngestionSource, props IngestionProperties) (status.Operation, error) {
	return c.router.Ingest(ctx, fileRouterSource(src), routerProps(props))
}

func (c *Client) ingestStream(ctx context.Context, src IngestionSource, props IngestionProperties) (status.Operation, error) {
	return c.router.Ingest(ctx, streamRouterSource(src), routerProps(props))
}

func fileRouterSource(src IngestionSource) router.Source {
	size := int64(-1)
	if fi, err := os.Stat(src.filePath); err == nil {
		size = fi.Size()
	}
	return router.Source{
		SourceID: src.sourceID,
		Size:     size,
		Format:   string(src.format),
		Open: func() (io.ReadCloser, error) {
			return os.Open(src.filePath)
		},
	}
}

func streamRouterSource(src IngestionSource) router.Source {
	buffered := router.NewBufferedSource(src.sourceID, string(src.format), src.reader)
	if src.streamSize >= 0 {
		buffered.Size = src.streamSize
	}
	return buffered
}

// mergedTags folds IngestByTags/DropByTags into the wire "tags" list using
// the service's "ingest-by:"/"drop-by:" prefix convention, alongside any
// plain additional tags.
func mergedTags(p IngestionProperties) []string {
	tags := make([]string, 0, len(p.AdditionalTags)+len(p.IngestByTags)+len(p.DropByTags))
	tags = append(tags, p.AdditionalTags...)
	for _, t := range p.IngestByTags {
		tags = append(tags, "ingest-by:"+t)
	}
	for _, t := range p.DropByTags {
		tags = append(tags, "drop-by:"+t)
	}
	return tags
}

func queuedProps(p IngestionProperties) queued.Properties {
	return queued.Properties{
		Database:                  p.Database,
		Table:                     p.Table,
		Format:                    string(p.Format),
		FlushImmediately:          p.FlushImmediately,
		ReportLevel:               p.ReportLevel,
		ReportMethod:              p.ReportMethod,
		IngestionMappingReference: p.inlineMappingReference(),
		AdditionalTags:            mergedTags(p),
		IngestIfNotExistsTags:     p.IngestIfNotExistsTags,
		CreationTime:              p.CreationTime,
		ValidationPolicy:          p.validationPolicyJSON(),
	}
}

func routerProps(p IngestionProperties) router.Properties {
	return router.Properties{
		Database: p.Database,
		Table:    p.Table,
		Format:   string(p.Format),
		// MappingName feeds the streaming request's query string, which
		// only accepts a mapping reference name — never the marshaled
		// inline mapping inlineMappingReference() can return below. An
		// inline mapping on a router-dispatched source only reaches the
		// service if a streaming attempt falls back to queued, where
		// IngestionMappingReference's free-form wire field can carry it.
		MappingName:               p.IngestionMappingReference,
		AuthToken:                 p.AuthorizationContext,
		FlushImmediately:          p.FlushImmediately,
		ReportLevel:               p.ReportLevel,
		ReportMethod:              p.ReportMethod,
		IngestionMappingReference: p.inlineMappingReference(),
		AdditionalTags:            mergedTags(p),
		IngestIfNotExistsTags:     p.IngestIfNotExistsTags,
		CreationTime:              p.CreationTime,
		ValidationPolicy:          p.validationPolicyJSON(),
	}
}

// GetStatus refreshes every row of op from the status table. Requires a
// StatusTracker to have been configured.
func (c *Client) GetStatus(ctx context.Context, op status.Operation) ([]status.Row, error) {
	if c.tracker == nil {
		return nil, ingesterrors.New(ingesterrors.KindClient, "", "status tracking is not configured for this client")
	}
	return c.tracker.GetStatuses(ctx, op)
}

// RankedAccounts exposes C1's current account ranking, for diagnostics.
func (c *Client) RankedAccounts() []string { return c.accounts.RankedShuffled() }

// PoolSizes exposes C3's current container/queue counts, satisfying
// obs.PoolSizer for the background gauge updater.
func (c *Client) PoolSizes() (containers, queues int, err error) {
	return c.resources.PoolSizes()
}

// Ready reports whether the resource manager has a usable cached bundle,
// for use as an HTTP readiness probe.
func (c *Client) Ready() error {
	_, err := c.resources.AuthContext()
	return err
}

// BatchResult pairs one source from an IngestBatch call with its outcome.
type BatchResult struct {
	Source    IngestionSource
	Operation status.Operation
	Err       error
}

// IngestBatch ingests every source in turn (e.g. the slice returned by
// DirectorySource), continuing past a per-source failure so one bad file
// doesn't abort an entire directory scan.
func (c *Client) IngestBatch(ctx context.Context, sources []IngestionSource, props IngestionProperties) []BatchResult {
	results := make([]BatchResult, len(sources))
	for i, src := range sources {
		op, err := c.Ingest(ctx, src, props)
		results[i] = BatchResult{Source: src, Operation: op, Err: err}
	}
	return results
}
