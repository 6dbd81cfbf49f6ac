// Copyright 2025 James Ross
// Package streaming implements the streaming client (C5): a single POST of
// a (possibly compressed) payload to the engine's streaming ingest
// endpoint, with Kusto error-envelope parsing and permanence
// classification.
package streaming

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"golang.org/x/time/rate"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
)

// Category is one of the six classified streaming-failure categories from
// the engine's error envelope.
type Category string

const (
	CategoryRequestPropertiesPreventStreaming Category = "REQUEST_PROPERTIES_PREVENT_STREAMING"
	CategoryTableConfigurationPreventsStreaming Category = "TABLE_CONFIGURATION_PREVENTS_STREAMING"
	CategoryStreamingIngestionOff              Category = "STREAMING_INGESTION_OFF"
	CategoryThrottled                          Category = "THROTTLED"
	CategoryOtherErrors                        Category = "OTHER_ERRORS"
	CategoryUnknownErrors                       Category = "UNKNOWN_ERRORS"
)

// errorEnvelope is the Kusto error envelope returned on non-2xx responses.
type errorEnvelope struct {
	Error struct {
		Code      string                 `json:"code"`
		Message   string                 `json:"message"`
		Type      string                 `json:"@type"`
		Message2  string                 `json:"@message"`
		Context   map[string]interface{} `json:"@context"`
		Permanent bool                   `json:"@permanent"`
	} `json:"error"`
}

// StreamingError is the structured error produced by classify, carrying
// both the generic taxonomy and the managed-streaming category.
type StreamingError struct {
	Err      *ingesterrors.Error
	Category Category
}

// Error and Unwrap delegate to Err, so errors.As and the ingesterrors
// classifiers see the generic taxonomy error underneath.
func (e *StreamingError) Error() string { return e.Err.Error() }
func (e *StreamingError) Unwrap() error { return e.Err }

func classify(statusCode int, body []byte) *StreamingError {
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)

	msg := env.Error.Message2
	if msg == "" {
		msg = env.Error.Message
	}
	lowerMsg := strings.ToLower(msg)

	var category Category
	permanent := env.Error.Permanent

	switch {
	case env.Error.Code == "BadRequest_MissingStreamingIngestionProperty", env.Error.Code == "BadRequest_InvalidStreamingIngestRequest":
		category, permanent = CategoryRequestPropertiesPreventStreaming, true
	case env.Error.Code == "General_BadRequest" && strings.Contains(lowerMsg, "streaming ingestion policy"):
		category, permanent = CategoryTableConfigurationPreventsStreaming, true
	case strings.Contains(lowerMsg, "streaming ingestion is disabled"):
		category, permanent = CategoryStreamingIngestionOff, true
	case statusCode == http.StatusTooManyRequests, strings.Contains(lowerMsg, "too many requests"):
		category, permanent = CategoryThrottled, false
	case env.Error.Code != "":
		category, permanent = CategoryOtherErrors, permanent
	default:
		category = CategoryUnknownErrors
	}

	if diag := extractContext(env.Error.Context); diag != "" {
		msg = fmt.Sprintf("%s (%s)", msg, diag)
	}

	return &StreamingError{
		Err: &ingesterrors.Error{
			Kind:      ingesterrors.KindManagedStreaming,
			Code:      env.Error.Code,
			Message:   msg,
			Permanent: permanent,
		},
		Category: category,
	}
}

// extractContext pulls a small diagnostic summary out of the free-form
// @context object via jsonpath, tolerating its absence or shape drift.
func extractContext(ctx map[string]interface{}) string {
	if len(ctx) == 0 {
		return ""
	}
	v, err := jsonpath.Get("$.StatusDescription", ctx)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Config tunes the HTTP behavior of a streaming attempt.
type Config struct {
	MaxBodyBytes int64 // default 10MB
	RateLimit    *rate.Limiter
}

// DefaultConfig caps the body at 10MB with no rate shaping.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: 10 << 20}
}

// Client posts payloads to the engine's streaming ingest endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	engineHost string
}

// New constructs a Client targeting engineHost (already normalized).
func New(cfg Config, httpClient *http.Client, engineHost string) *Client {
	if cfg.MaxBodyBytes == 0 {
		cfg = DefaultConfig()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: httpClient, engineHost: engineHost}
}

// Request describes one streaming attempt.
type Request struct {
	Database    string
	Table       string
	StreamFormat string
	MappingName  string
	Body         io.Reader
	Compressed   bool
	AuthToken    string
	ClientRequestID string
}

// Stream posts req.Body to the streaming ingest endpoint and classifies any
// error response.
func (c *Client) Stream(ctx context.Context, req Request) error {
	if c.cfg.RateLimit != nil {
		if err := c.cfg.RateLimit.Wait(ctx); err != nil {
			return ingesterrors.Canceled()
		}
	}

	body := io.LimitReader(req.Body, c.cfg.MaxBodyBytes+1)
	buf, err := io.ReadAll(body)
	if err != nil {
		return ingesterrors.Wrap(ingesterrors.KindUploadFailed, ingesterrors.SubNetworkError, false, err)
	}
	if int64(len(buf)) > c.cfg.MaxBodyBytes {
		return ingesterrors.New(ingesterrors.KindClient, ingesterrors.SubSourceSizeLimitExceed, "streaming payload exceeds max body size")
	}

	u := fmt.Sprintf("%s/v1/rest/ingest/%s/%s?streamFormat=%s",
		strings.TrimRight(c.engineHost, "/"), url.PathEscape(req.Database), url.PathEscape(req.Table), url.QueryEscape(req.StreamFormat))
	if req.MappingName != "" {
		u += "&mappingName=" + url.QueryEscape(req.MappingName)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return ingesterrors.New(ingesterrors.KindClient, "", err.Error())
	}
	if req.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.AuthToken)
	}
	if req.ClientRequestID != "" {
		httpReq.Header.Set("x-ms-client-request-id", req.ClientRequestID)
	}
	httpReq.Header.Set("Content-Type", contentType(req.StreamFormat))
	if req.Compressed {
		httpReq.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ingesterrors.Canceled()
		}
		return ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	return classify(resp.StatusCode, respBody)
}

func contentType(format string) string {
	switch format {
	case "json", "multijson":
		return "application/json"
	case "avro", "apacheavro":
		return "application/octet-stream"
	default:
		return "text/plain"
	}
}

// GzipCompress is a small helper for callers that want to compress a
// streaming body before calling Stream; mirrors the upload package's
// automatic-compression behavior for the streaming path.
func GzipCompress(r io.Reader) (io.Reader, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := io.Copy(gw, r); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
