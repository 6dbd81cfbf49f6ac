// Copyright 2025 James Ross
// Package testdm is a fake DM + engine HTTP server for integration tests
// that exercise the resource manager (C3), streaming client (C5), and
// router (C7) against real HTTP round trips instead of hand-rolled
// interface fakes. It speaks just enough of the DM management protocol and
// the engine's streaming ingest protocol to drive those components.
package testdm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"

	"github.com/ingestkit/go-ingest/internal/dmclient"
)

// StreamingOutcome is the canned response for one streaming ingest call.
type StreamingOutcome struct {
	StatusCode int
	Body       string // Kusto error envelope JSON, empty for a 2xx response
}

// Server is the fake DM + engine backend.
type Server struct {
	httpServer *httptest.Server

	mu                sync.Mutex
	resourceRows      []dmclient.ResourceRow
	identityToken     string
	mgmtCalls         int
	streamingOutcomes []StreamingOutcome // consumed in order; last one repeats once exhausted
	streamingCalls    []StreamingCall
}

// StreamingCall records one observed streaming ingest request, for
// assertions about retries and payload shape.
type StreamingCall struct {
	Database string
	Table    string
	Format   string
	Mapping  string
	BodySize int
}

// New starts a fake DM + engine server. Callers should defer Close.
func New() *Server {
	s := &Server{identityToken: "fake-auth-context"}

	r := mux.NewRouter()
	r.HandleFunc("/v1/rest/mgmt", s.handleMgmt).Methods(http.MethodPost)
	r.HandleFunc("/v1/rest/ingest/{database}/{table}", s.handleIngest).Methods(http.MethodPost)
	s.httpServer = httptest.NewServer(r)
	return s
}

// URL is the base URL both dmclient and streaming clients should target.
func (s *Server) URL() string { return s.httpServer.URL }

// HTTPClient returns the httptest server's client, pre-configured to trust
// its self-signed certificate when the server is started with TLS.
func (s *Server) HTTPClient() *http.Client { return s.httpServer.Client() }

// Close shuts the server down.
func (s *Server) Close() { s.httpServer.Close() }

// SetResourceRows configures the rows ".get ingestion resources" returns.
func (s *Server) SetResourceRows(rows []dmclient.ResourceRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resourceRows = rows
}

// SetIdentityToken configures the ".get kusto identity token" response.
func (s *Server) SetIdentityToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityToken = token
}

// QueueStreamingOutcomes sets the sequence of responses handleIngest hands
// back, one per call; the last entry repeats for any call beyond the list.
func (s *Server) QueueStreamingOutcomes(outcomes ...StreamingOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamingOutcomes = outcomes
}

// MgmtCalls returns how many management commands have been received.
func (s *Server) MgmtCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgmtCalls
}

// StreamingCalls returns every streaming ingest request observed so far.
func (s *Server) StreamingCalls() []StreamingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamingCall, len(s.streamingCalls))
	copy(out, s.streamingCalls)
	return out
}

type mgmtRequest struct {
	CSL string `json:"csl"`
}

type managementTable struct {
	Rows [][]string `json:"Rows"`
}

type managementResponse struct {
	Tables []managementTable `json:"Tables"`
}

func (s *Server) handleMgmt(w http.ResponseWriter, r *http.Request) {
	var req mgmtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.mgmtCalls++
	s.mu.Unlock()

	switch req.CSL {
	case ".get ingestion resources":
		s.mu.Lock()
		rows := make([][]string, 0, len(s.resourceRows))
		for _, row := range s.resourceRows {
			rows = append(rows, []string{row.ResourceTypeName, row.StorageRoot})
		}
		s.mu.Unlock()
		writeJSON(w, managementResponse{Tables: []managementTable{{Rows: rows}}})
	case ".get kusto identity token":
		s.mu.Lock()
		token := s.identityToken
		s.mu.Unlock()
		writeJSON(w, managementResponse{Tables: []managementTable{{Rows: [][]string{{token}}}}})
	default:
		http.Error(w, fmt.Sprintf("unrecognized management command %q", req.CSL), http.StatusBadRequest)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	defer r.Body.Close()
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.streamingCalls = append(s.streamingCalls, StreamingCall{
		Database: vars["database"],
		Table:    vars["table"],
		Format:   r.URL.Query().Get("streamFormat"),
		Mapping:  r.URL.Query().Get("mappingName"),
		BodySize: len(body),
	})

	var outcome StreamingOutcome
	idx := len(s.streamingCalls) - 1
	switch {
	case len(s.streamingOutcomes) == 0:
		outcome = StreamingOutcome{StatusCode: http.StatusOK}
	case idx < len(s.streamingOutcomes):
		outcome = s.streamingOutcomes[idx]
	default:
		outcome = s.streamingOutcomes[len(s.streamingOutcomes)-1]
	}
	s.mu.Unlock()

	if outcome.StatusCode == 0 {
		outcome.StatusCode = http.StatusOK
	}
	w.WriteHeader(outcome.StatusCode)
	if outcome.Body != "" {
		_, _ = w.Write([]byte(outcome.Body))
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
