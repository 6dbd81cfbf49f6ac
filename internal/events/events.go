// Copyright 2025 James Ross
// Package events publishes ingestion lifecycle events — upload, enqueue,
// and streaming outcomes — to NATS JetStream so operators can wire
// dashboards or alerting off the same stream the router and queued client
// already drive.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Type identifies an ingestion lifecycle event.
type Type string

const (
	TypeUploadStarted     Type = "upload_started"
	TypeUploadSucceeded   Type = "upload_succeeded"
	TypeUploadFailed      Type = "upload_failed"
	TypeEnqueued          Type = "enqueued"
	TypeStreamingSucceeded Type = "streaming_succeeded"
	TypeStreamingFailed   Type = "streaming_failed"
	TypeStatusUpdated     Type = "status_updated"
)

// Event describes a single lifecycle transition for one ingestion source.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"sourceId"`
	Database  string    `json:"database"`
	Table     string    `json:"table"`
	Method    string    `json:"method,omitempty"` // "streaming" | "queued"

	Error    string         `json:"error,omitempty"`
	Duration *time.Duration `json:"duration,omitempty"`

	TraceID   string `json:"traceId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Publisher accepts lifecycle events. Implementations must not block the
// caller's ingestion path for longer than a best-effort publish attempt.
type Publisher interface {
	Publish(event Event) error
	Close() error
}

// NoopPublisher discards every event. It is the default when no NATS URL is
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) error { return nil }
func (NoopPublisher) Close() error        { return nil }

// SubjectConfig controls how an event maps onto a NATS subject.
type SubjectConfig struct {
	// Template is a fmt-style pattern evaluated with (database, table,
	// event type) in that order. Defaults to "ingest.%s.%s.%s".
	Template string
	// Headers are attached to every published message in addition to the
	// per-event headers below.
	Headers map[string]string
}

func (c SubjectConfig) subject(e Event) string {
	tmpl := c.Template
	if tmpl == "" {
		tmpl = "ingest.%s.%s.%s"
	}
	return fmt.Sprintf(tmpl, e.Database, e.Table, e.Type)
}

// NATSPublisher publishes lifecycle events to a JetStream subject derived
// from each event's database, table, and type.
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    SubjectConfig
	logger *slog.Logger

	mu      sync.RWMutex
	healthy bool
}

// NewNATSPublisher connects to natsURL and opens a JetStream context.
func NewNATSPublisher(natsURL string, cfg SubjectConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	return &NATSPublisher{conn: conn, js: js, cfg: cfg, logger: logger, healthy: true}, nil
}

// IsHealthy reports whether the underlying NATS connection is up.
func (p *NATSPublisher) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy && p.conn != nil && p.conn.IsConnected()
}

// Publish marshals event to JSON and publishes it to JetStream under a
// subject of the form "ingest.{database}.{table}.{type}" (or cfg.Template).
func (p *NATSPublisher) Publish(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	subject := p.cfg.subject(event)

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &nats.Msg{Subject: subject, Data: payload, Header: make(nats.Header)}
	msg.Header.Set("Event-Type", string(event.Type))
	msg.Header.Set("Source-ID", event.SourceID)
	msg.Header.Set("Database", event.Database)
	msg.Header.Set("Table", event.Table)
	msg.Header.Set("Timestamp", event.Timestamp.Format(time.RFC3339))
	if event.TraceID != "" {
		msg.Header.Set("Trace-ID", event.TraceID)
	}
	if event.RequestID != "" {
		msg.Header.Set("Request-ID", event.RequestID)
	}
	for k, v := range p.cfg.Headers {
		msg.Header.Set(k, v)
	}

	if _, err := p.js.PublishMsg(msg); err != nil {
		p.logger.Warn("NATS publish failed", "subject", subject, "event_type", event.Type, "source_id", event.SourceID, "error", err)
		return fmt.Errorf("NATS publish failed: %w", err)
	}
	p.logger.Debug("NATS publish succeeded", "subject", subject, "event_type", event.Type, "source_id", event.SourceID)
	return nil
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = false
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}
