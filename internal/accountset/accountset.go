// Copyright 2025 James Ross
// Package accountset implements the ranked storage-account set: per-account
// success/failure tracking in sliding time buckets, and tier-bucketed,
// shuffled account ordering for upload/enqueue target selection.
package accountset

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyRegistered is returned by RegisterStrict for a duplicate account.
var ErrAlreadyRegistered = errors.New("accountset: account already registered")

// Bucket counts successes and failures observed in one time window.
type Bucket struct {
	SuccessCount int64
	FailureCount int64
}

func (b Bucket) empty() bool { return b.SuccessCount == 0 && b.FailureCount == 0 }

// Tier is a named lower-bound rank threshold. Accounts are grouped into the
// first tier (in slice order) whose LowerBound their rank reaches.
type Tier struct {
	Name       string
	LowerBound float64
}

// DefaultTiers mirrors the {90, 70, 30, 0} percentage cutoffs.
var DefaultTiers = []Tier{
	{Name: "tier0", LowerBound: 0.90},
	{Name: "tier1", LowerBound: 0.70},
	{Name: "tier2", LowerBound: 0.30},
	{Name: "tier3", LowerBound: 0.0},
}

type rankedAccount struct {
	mu                   sync.Mutex
	name                 string
	buckets              []Bucket // index 0 = newest
	lastActionTimestamp  time.Time
	bucketStart          time.Time
}

// Config controls bucket granularity and tier boundaries.
type Config struct {
	MaxBuckets       int
	BucketDuration   time.Duration
	Tiers            []Tier
}

// DefaultConfig is 6 buckets of 10s each, with DefaultTiers.
func DefaultConfig() Config {
	return Config{MaxBuckets: 6, BucketDuration: 10 * time.Second, Tiers: DefaultTiers}
}

// Set is the ranked storage-account set (C1). Safe for concurrent use; Now
// is overridable for deterministic tests.
type Set struct {
	cfg Config
	Now func() time.Time

	mu       sync.RWMutex
	accounts map[string]*rankedAccount
}

// New builds a Set. A zero Config uses DefaultConfig.
func New(cfg Config) *Set {
	if cfg.MaxBuckets <= 0 {
		cfg = DefaultConfig()
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers
	}
	return &Set{cfg: cfg, Now: time.Now, accounts: make(map[string]*rankedAccount)}
}

// Register adds account if absent; a no-op if already present.
func (s *Set) Register(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerLocked(account)
}

// RegisterStrict adds account, returning ErrAlreadyRegistered on duplicates.
func (s *Set) RegisterStrict(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account]; ok {
		return ErrAlreadyRegistered
	}
	s.registerLocked(account)
	return nil
}

func (s *Set) registerLocked(account string) *rankedAccount {
	if ra, ok := s.accounts[account]; ok {
		return ra
	}
	now := s.Now()
	ra := &rankedAccount{
		name:        account,
		buckets:     make([]Bucket, 1, s.cfg.MaxBuckets),
		bucketStart: now,
	}
	s.accounts[account] = ra
	return ra
}

// Record increments the current bucket's success or failure counter for
// account, registering it first if unseen. Rotates buckets forward when
// wall-clock has advanced by one or more bucket durations.
func (s *Set) Record(account string, success bool) {
	s.mu.Lock()
	ra := s.registerLocked(account)
	s.mu.Unlock()

	ra.mu.Lock()
	defer ra.mu.Unlock()
	now := s.Now()
	s.rotate(ra, now)
	ra.lastActionTimestamp = now
	if success {
		ra.buckets[0].SuccessCount++
	} else {
		ra.buckets[0].FailureCount++
	}
}

// rotate pushes empty buckets onto the front for every elapsed bucket
// duration since bucketStart, trimming from the tail, per the k-tick rule.
func (s *Set) rotate(ra *rankedAccount, now time.Time) {
	if s.cfg.BucketDuration <= 0 {
		return
	}
	elapsed := now.Sub(ra.bucketStart)
	k := int(elapsed / s.cfg.BucketDuration)
	if k <= 0 {
		return
	}
	if k >= s.cfg.MaxBuckets {
		ra.buckets = []Bucket{{}}
	} else {
		fresh := make([]Bucket, 0, s.cfg.MaxBuckets)
		for i := 0; i < k; i++ {
			fresh = append(fresh, Bucket{})
		}
		fresh = append(fresh, ra.buckets...)
		if len(fresh) > s.cfg.MaxBuckets {
			fresh = fresh[:s.cfg.MaxBuckets]
		}
		ra.buckets = fresh
	}
	ra.bucketStart = ra.bucketStart.Add(time.Duration(k) * s.cfg.BucketDuration)
}

// rank computes the weighted success rate, newest bucket weighted N down to
// oldest weighted 1, skipping empty buckets. An account with no observations
// ranks 1.0.
func rank(buckets []Bucket) float64 {
	n := len(buckets)
	var weightedSum, weightTotal float64
	any := false
	for i, b := range buckets {
		if b.empty() {
			continue
		}
		any = true
		weight := float64(n - i)
		total := float64(b.SuccessCount + b.FailureCount)
		weightedSum += (float64(b.SuccessCount) / total) * weight
		weightTotal += weight
	}
	if !any || weightTotal == 0 {
		return 1.0
	}
	return weightedSum / weightTotal
}

func tierFor(r float64, tiers []Tier) int {
	for i, t := range tiers {
		if r >= t.LowerBound {
			return i
		}
	}
	return len(tiers) - 1
}

// RankedShuffled returns every registered account ordered by tier
// (best first), with accounts shuffled independently within each tier. A
// consistent snapshot is copied before shuffling so a concurrent bucket
// rotation cannot produce a partially-ordered result.
func (s *Set) RankedShuffled() []string {
	type entry struct {
		name string
		tier int
	}

	s.mu.RLock()
	snapshot := make([]entry, 0, len(s.accounts))
	for name, ra := range s.accounts {
		ra.mu.Lock()
		bucketsCopy := append([]Bucket(nil), ra.buckets...)
		ra.mu.Unlock()
		r := rank(bucketsCopy)
		snapshot = append(snapshot, entry{name: name, tier: tierFor(r, s.cfg.Tiers)})
	}
	s.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool { return snapshot[i].tier < snapshot[j].tier })

	// Shuffle within each contiguous tier run.
	start := 0
	for start < len(snapshot) {
		end := start + 1
		for end < len(snapshot) && snapshot[end].tier == snapshot[start].tier {
			end++
		}
		shuffleEntries(snapshot[start:end])
		start = end
	}

	out := make([]string, len(snapshot))
	for i, e := range snapshot {
		out[i] = e.name
	}
	return out
}

func shuffleEntries[T any](s []T) {
	rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}

// Rank returns the current rank of account, or 1.0 if unseen.
func (s *Set) Rank(account string) float64 {
	s.mu.RLock()
	ra, ok := s.accounts[account]
	s.mu.RUnlock()
	if !ok {
		return 1.0
	}
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return rank(ra.buckets)
}
