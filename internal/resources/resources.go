// Copyright 2025 James Ross
// Package resources implements the resource manager / configuration cache
// (C3): a background-refreshed catalog of containers, queues, the status
// table, and the authorization context, with round-robin, tier-ordered
// reads and an atomically swapped snapshot.
package resources

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ingestkit/go-ingest/internal/accountset"
	"github.com/ingestkit/go-ingest/internal/breaker"
	"github.com/ingestkit/go-ingest/internal/dmclient"
	"github.com/ingestkit/go-ingest/internal/ingesterrors"
	"github.com/ingestkit/go-ingest/internal/retry"
	"github.com/ingestkit/go-ingest/internal/selector"
)

// Ref is a storage endpoint plus its SAS token and owning account, parsed
// from the first "?" in a DM-advertised URL.
type Ref struct {
	Endpoint    string
	SAS         string
	AccountName string
}

// Bundle is a consistent snapshot of every DM-advertised resource plus the
// authorization context. Bundles are replaced wholesale on every refresh;
// readers retain whichever snapshot they already observed.
type Bundle struct {
	Containers  map[string][]Ref
	Queues      map[string][]Ref
	FailedQueue Ref
	SuccessQueue Ref
	StatusTable Ref
	AuthContext string

	containerSelector *selector.Selector
	queueSelector     *selector.Selector
}

// Config controls refresh cadence and retry behavior.
type Config struct {
	RefreshInterval time.Duration
	RetryPolicy     retry.Policy
	// CachePath, when non-empty, persists the last-good bundle to a local
	// sqlite file so a freshly restarted process can serve reads
	// immediately instead of blocking on the forced first refresh.
	CachePath string
	// Breaker guards calls to the DM endpoint during background refreshes;
	// the forced first refresh in Start always bypasses it. Nil disables
	// breaker gating entirely.
	Breaker *breaker.RefreshBreaker
}

// DefaultConfig refreshes hourly with an exponential retry policy.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: time.Hour,
		RetryPolicy: retry.ExponentialRetry{
			MaxAttempts: 8,
			BaseDelay:   time.Second,
			MaxJitter:   2 * time.Second,
		},
		Breaker: breaker.New(time.Minute, 30*time.Second, 0.5, 5),
	}
}

// Manager is the resource manager / configuration cache (C3).
type Manager struct {
	cfg     Config
	dm      *dmclient.Client
	accts   *accountset.Set
	cache   *localCache

	bundle    atomic.Pointer[Bundle]
	firstDone chan struct{}
	firstOnce sync.Once
	firstErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. Accounts observes every account discovered in
// the resource catalog via Register; Record is driven separately by
// upload/enqueue attempts.
func New(cfg Config, dm *dmclient.Client, accts *accountset.Set) (*Manager, error) {
	if cfg.RefreshInterval <= 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{cfg: cfg, dm: dm, accts: accts, firstDone: make(chan struct{})}
	if cfg.CachePath != "" {
		c, err := openLocalCache(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		m.cache = c
		if cached, err := c.load(); err == nil && cached != nil {
			m.installBundle(cached)
		}
	}
	return m, nil
}

// Start issues the forced first refresh (blocking until it completes or
// fails) and launches the background periodic refresh goroutine. When a
// cached bundle was loaded in New, a failed first refresh is not returned
// as an error and reads keep serving the cached bundle.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	err := m.refreshOnce(ctx)
	m.firstOnce.Do(func() {
		m.firstErr = err
		close(m.firstDone)
	})
	if err != nil && m.bundle.Load() == nil {
		close(m.done)
		return err
	}

	go m.refreshLoop(runCtx)
	return nil
}

// Stop halts the background refresh goroutine.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	if m.cache != nil {
		m.cache.close()
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.cfg.Breaker != nil && !m.cfg.Breaker.Allow() {
				continue // DM endpoint looks unhealthy; skip this cycle and serve the stale bundle
			}
			_, err := retry.Run(ctx, retry.Options{Policy: m.cfg.RetryPolicy}, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, m.refreshOnce(ctx)
			})
			if m.cfg.Breaker != nil {
				m.cfg.Breaker.Record(err == nil)
			}
		}
	}
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	rows, err := m.dm.GetIngestionResources(ctx)
	if err != nil {
		return err
	}
	token, err := m.dm.GetIdentityToken(ctx)
	if err != nil {
		return err
	}

	b := &Bundle{Containers: make(map[string][]Ref), Queues: make(map[string][]Ref), AuthContext: token}
	for _, row := range rows {
		ref, err := parseRef(row.StorageRoot)
		if err != nil {
			continue
		}
		m.accts.Register(ref.AccountName)
		switch row.ResourceTypeName {
		case dmclient.ResourceSecuredReadyForAggregationQueue:
			b.Queues[ref.AccountName] = append(b.Queues[ref.AccountName], ref)
		case dmclient.ResourceTempStorage:
			b.Containers[ref.AccountName] = append(b.Containers[ref.AccountName], ref)
		case dmclient.ResourceFailedIngestionsQueue:
			b.FailedQueue = ref
		case dmclient.ResourceSuccessfulIngestionsQueue:
			b.SuccessQueue = ref
		case dmclient.ResourceIngestionsStatusTable:
			b.StatusTable = ref
		}
	}
	m.installBundle(b)
	if m.cache != nil {
		_ = m.cache.save(b)
	}
	return nil
}

func (m *Manager) installBundle(b *Bundle) {
	b.containerSelector = selector.New()
	b.queueSelector = selector.New()
	m.bundle.Store(b)
}

func parseRef(storageRoot string) (Ref, error) {
	idx := strings.Index(storageRoot, "?")
	if idx < 0 {
		return Ref{}, ingesterrors.New(ingesterrors.KindClient, "", "storage root has no SAS component")
	}
	endpoint, sas := storageRoot[:idx], storageRoot[idx+1:]
	u, err := url.Parse(endpoint)
	if err != nil {
		return Ref{}, ingesterrors.Wrap(ingesterrors.KindClient, "", true, err)
	}
	account := strings.SplitN(u.Host, ".", 2)[0]
	return Ref{Endpoint: endpoint, SAS: sas, AccountName: account}, nil
}

// current returns the installed bundle or ServiceUnavailable if none has
// ever been obtained.
func (m *Manager) current() (*Bundle, error) {
	b := m.bundle.Load()
	if b == nil {
		return nil, ingesterrors.ServiceUnavailable("no resource bundle has been obtained yet")
	}
	return b, nil
}

// ShuffledContainers returns every account's container list, tier-ranked
// and shuffled per account (accountset.RankedShuffled), then interleaved
// round-robin nested-list style across accounts within tier order.
func (m *Manager) ShuffledContainers() ([]Ref, error) {
	b, err := m.current()
	if err != nil {
		return nil, err
	}
	order := m.accts.RankedShuffled()
	return interleave(order, b.Containers), nil
}

// ShuffledQueues is ShuffledContainers for queues.
func (m *Manager) ShuffledQueues() ([]Ref, error) {
	b, err := m.current()
	if err != nil {
		return nil, err
	}
	order := m.accts.RankedShuffled()
	return interleave(order, b.Queues), nil
}

// interleave implements the round-robin nested-list algorithm: position i
// of the output consumes position i of each account list (in order) that
// still has one.
func interleave(accountOrder []string, byAccount map[string][]Ref) []Ref {
	lists := make([][]Ref, 0, len(accountOrder))
	for _, a := range accountOrder {
		if l, ok := byAccount[a]; ok && len(l) > 0 {
			lists = append(lists, l)
		}
	}
	var out []Ref
	for i := 0; ; i++ {
		any := false
		for _, l := range lists {
			if i < len(l) {
				out = append(out, l[i])
				any = true
			}
		}
		if !any {
			break
		}
	}
	return out
}

// StatusTable, FailedQueue, SuccessQueue, AuthContext mirror the spec's
// exposed reads; all fail ServiceUnavailable before any bundle exists.
func (m *Manager) StatusTable() (Ref, error) {
	b, err := m.current()
	if err != nil {
		return Ref{}, err
	}
	return b.StatusTable, nil
}

func (m *Manager) FailedQueue() (Ref, error) {
	b, err := m.current()
	if err != nil {
		return Ref{}, err
	}
	return b.FailedQueue, nil
}

func (m *Manager) SuccessQueue() (Ref, error) {
	b, err := m.current()
	if err != nil {
		return Ref{}, err
	}
	return b.SuccessQueue, nil
}

func (m *Manager) AuthContext() (string, error) {
	b, err := m.current()
	if err != nil {
		return "", err
	}
	return b.AuthContext, nil
}

// PoolSizes reports how many containers and queues the current bundle
// carries across every account, for metrics gauges.
func (m *Manager) PoolSizes() (containers, queues int, err error) {
	b, err := m.current()
	if err != nil {
		return 0, 0, err
	}
	for _, l := range b.Containers {
		containers += len(l)
	}
	for _, l := range b.Queues {
		queues += len(l)
	}
	return containers, queues, nil
}

// ContainerStartIndex/QueueStartIndex expose the bundle-shared selector so
// callers can pick a rotating start position into a ShuffledContainers /
// ShuffledQueues result, per the C2 sharing contract.
func (m *Manager) ContainerStartIndex(size int) (int, error) {
	b, err := m.current()
	if err != nil {
		return 0, err
	}
	return b.containerSelector.NextStartIndex(size), nil
}

func (m *Manager) QueueStartIndex(size int) (int, error) {
	b, err := m.current()
	if err != nil {
		return 0, err
	}
	return b.queueSelector.NextStartIndex(size), nil
}

// WaitForFirstRefresh blocks until the forced first refresh has completed
// (successfully or not), or ctx is canceled.
func (m *Manager) WaitForFirstRefresh(ctx context.Context) error {
	select {
	case <-m.firstDone:
		return m.firstErr
	case <-ctx.Done():
		return ingesterrors.Canceled()
	}
}

// localCache persists the last-good bundle to sqlite for restart resilience.
type localCache struct {
	db *sql.DB
}

func openLocalCache(path string) (*localCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS resource_bundle (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &localCache{db: db}, nil
}

func (c *localCache) close() error { return c.db.Close() }

type cachedBundle struct {
	Containers   map[string][]Ref `json:"containers"`
	Queues       map[string][]Ref `json:"queues"`
	FailedQueue  Ref              `json:"failedQueue"`
	SuccessQueue Ref              `json:"successQueue"`
	StatusTable  Ref              `json:"statusTable"`
	AuthContext  string           `json:"authContext"`
}

func (c *localCache) save(b *Bundle) error {
	payload, err := json.Marshal(cachedBundle{
		Containers:   b.Containers,
		Queues:       b.Queues,
		FailedQueue:  b.FailedQueue,
		SuccessQueue: b.SuccessQueue,
		StatusTable:  b.StatusTable,
		AuthContext:  b.AuthContext,
	})
	if err != nil {
		return err
	}
	_, err = c.db.Exec(`INSERT INTO resource_bundle (id, payload, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), time.Now())
	return err
}

func (c *localCache) load() (*Bundle, error) {
	var payload string
	err := c.db.QueryRow(`SELECT payload FROM resource_bundle WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cb cachedBundle
	if err := json.Unmarshal([]byte(payload), &cb); err != nil {
		return nil, err
	}
	return &Bundle{
		Containers:   cb.Containers,
		Queues:       cb.Queues,
		FailedQueue:  cb.FailedQueue,
		SuccessQueue: cb.SuccessQueue,
		StatusTable:  cb.StatusTable,
		AuthContext:  cb.AuthContext,
	}, nil
}
