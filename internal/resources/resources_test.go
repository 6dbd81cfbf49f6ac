package resources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestkit/go-ingest/internal/accountset"
	"github.com/ingestkit/go-ingest/internal/dmclient"
	"github.com/ingestkit/go-ingest/internal/ingesterrors"
)

func TestInterleave_RoundRobinNestedList(t *testing.T) {
	byAccount := map[string][]Ref{
		"A": {{AccountName: "A", Endpoint: "a1"}, {AccountName: "A", Endpoint: "a2"}, {AccountName: "A", Endpoint: "a3"}},
		"B": {{AccountName: "B", Endpoint: "b1"}},
		"C": {{AccountName: "C", Endpoint: "c1"}, {AccountName: "C", Endpoint: "c2"}},
	}
	out := interleave([]string{"A", "B", "C"}, byAccount)
	endpoints := make([]string, len(out))
	for i, r := range out {
		endpoints[i] = r.Endpoint
	}
	assert.Equal(t, []string{"a1", "b1", "c1", "a2", "c2", "a3"}, endpoints)
}

func TestManager_ReadsFailServiceUnavailableBeforeFirstBundle(t *testing.T) {
	m := &Manager{}
	_, err := m.ShuffledContainers()
	require.Error(t, err)
	assert.Equal(t, ingesterrors.KindServiceUnavailable, err.(*ingesterrors.Error).Kind)
}

func TestManager_RefreshOnce_BuildsBundleAndRegistersAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Csl string `json:"csl"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		switch body.Csl {
		case ".get ingestion resources":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"Tables": []map[string]interface{}{
					{"Rows": [][]string{
						{dmclient.ResourceTempStorage, "https://acct1.blob.core.windows.net/container1?sas1"},
						{dmclient.ResourceSecuredReadyForAggregationQueue, "https://acct1.queue.core.windows.net/queue1?sas1"},
						{dmclient.ResourceFailedIngestionsQueue, "https://acct1.queue.core.windows.net/failed?sas1"},
						{dmclient.ResourceSuccessfulIngestionsQueue, "https://acct1.queue.core.windows.net/success?sas1"},
						{dmclient.ResourceIngestionsStatusTable, "https://acct1.table.core.windows.net/status?sas1"},
					}},
				},
			})
		case ".get kusto identity token":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"Tables": []map[string]interface{}{
					{"Rows": [][]string{{"auth-context-value"}}},
				},
			})
		}
	}))
	defer srv.Close()

	dm := dmclient.New(srv.Client(), srv.URL, nil)
	accts := accountset.New(accountset.DefaultConfig())
	m, err := New(DefaultConfig(), dm, accts)
	require.NoError(t, err)

	require.NoError(t, m.refreshOnce(context.Background()))

	containers, err := m.ShuffledContainers()
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "acct1", containers[0].AccountName)

	auth, err := m.AuthContext()
	require.NoError(t, err)
	assert.Equal(t, "auth-context-value", auth)
}
