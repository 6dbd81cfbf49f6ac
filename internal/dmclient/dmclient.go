// Copyright 2025 James Ross
// Package dmclient is the narrow HTTP client for the two DM management
// commands the resource manager depends on: the ingestion-resources catalog
// and the Kusto identity token. It does not implement authentication;
// callers supply a TokenProvider.
package dmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
)

// TokenProvider is the external auth collaborator (out of scope per the
// purpose/scope boundary; only this contract is consumed here).
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// ResourceRow is one row of the ".get ingestion resources" response.
type ResourceRow struct {
	ResourceTypeName string `json:"ResourceTypeName"`
	StorageRoot      string `json:"StorageRoot"`
}

// Known resource type names.
const (
	ResourceSecuredReadyForAggregationQueue = "SecuredReadyForAggregationQueue"
	ResourceFailedIngestionsQueue           = "FailedIngestionsQueue"
	ResourceSuccessfulIngestionsQueue       = "SuccessfulIngestionsQueue"
	ResourceTempStorage                     = "TempStorage"
	ResourceIngestionsStatusTable           = "IngestionsStatusTable"
)

type managementTable struct {
	Rows [][]string `json:"Rows"`
}

type managementResponse struct {
	Tables []managementTable `json:"Tables"`
}

// Client issues DM management commands over HTTP.
type Client struct {
	HTTP      *http.Client
	DMHost    string
	Token     TokenProvider
	UserAgent string
}

// New constructs a Client targeting dmHost (already endpoint-normalized).
func New(httpClient *http.Client, dmHost string, token TokenProvider) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTP: httpClient, DMHost: dmHost, Token: token, UserAgent: "ingestkit-go-ingest"}
}

// GetIngestionResources issues ".get ingestion resources" and returns the
// parsed rows.
func (c *Client) GetIngestionResources(ctx context.Context) ([]ResourceRow, error) {
	rows, err := c.execMgmt(ctx, ".get ingestion resources")
	if err != nil {
		return nil, err
	}
	out := make([]ResourceRow, 0, len(rows))
	for _, r := range rows {
		if len(r) < 2 {
			continue
		}
		out = append(out, ResourceRow{ResourceTypeName: r[0], StorageRoot: r[1]})
	}
	return out, nil
}

// GetIdentityToken issues ".get kusto identity token" and returns the
// AuthorizationContext string.
func (c *Client) GetIdentityToken(ctx context.Context) (string, error) {
	rows, err := c.execMgmt(ctx, ".get kusto identity token")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return "", ingesterrors.Wrap(ingesterrors.KindService, "", false, fmt.Errorf("empty identity token response"))
	}
	return rows[0][0], nil
}

func (c *Client) execMgmt(ctx context.Context, command string) ([][]string, error) {
	body := strings.NewReader(fmt.Sprintf(`{"csl":%q}`, command))
	url := strings.TrimRight(c.DMHost, "/") + "/v1/rest/mgmt"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, ingesterrors.New(ingesterrors.KindClient, "", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)
	if c.Token != nil {
		tok, err := c.Token.Token(ctx)
		if err != nil {
			return nil, ingesterrors.Wrap(ingesterrors.KindPermissionDenied, "", true, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ingesterrors.Canceled()
		}
		return nil, ingesterrors.Wrap(ingesterrors.KindServiceUnavailable, "", false, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		permanent := resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
		return nil, ingesterrors.Wrap(ingesterrors.KindService, "", permanent,
			fmt.Errorf("management command %q failed with status %d", command, resp.StatusCode))
	}

	var parsed managementResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ingesterrors.Wrap(ingesterrors.KindService, "", false, err)
	}
	if len(parsed.Tables) == 0 {
		return nil, nil
	}
	return parsed.Tables[0].Rows, nil
}
