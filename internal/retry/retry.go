// Copyright 2025 James Ross
// Package retry implements the client's generic bounded-retry driver: a
// small set of interval policies plus a permanence-aware run loop that
// short-circuits the moment an attempt reports a permanent failure.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
)

// Policy produces the delay before the (0-indexed) nth retry attempt, and
// reports whether the policy is exhausted at that attempt.
type Policy interface {
	// NextDelay returns the delay to wait before attempt n (n is the retry
	// count, not the total attempt count: n=0 is the delay before the first
	// retry). ok is false once the policy has no more retries to offer.
	NextDelay(n int) (delay time.Duration, ok bool)
}

// NoRetry never retries; every attempt is the only attempt.
type NoRetry struct{}

func (NoRetry) NextDelay(int) (time.Duration, bool) { return 0, false }

// SimpleRetry retries totalRetries times at a fixed interval.
type SimpleRetry struct {
	Interval     time.Duration
	TotalRetries int
}

func (s SimpleRetry) NextDelay(n int) (time.Duration, bool) {
	if n >= s.TotalRetries {
		return 0, false
	}
	return s.Interval, true
}

// CustomRetry retries once per entry in Intervals, in order.
type CustomRetry struct {
	Intervals []time.Duration
}

func (c CustomRetry) NextDelay(n int) (time.Duration, bool) {
	if n >= len(c.Intervals) {
		return 0, false
	}
	return c.Intervals[n], true
}

// DefaultManagedStreamingIntervals is the default CustomRetry schedule used
// by the router when retrying a streaming attempt.
var DefaultManagedStreamingIntervals = []time.Duration{
	0, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

// ExponentialRetry retries up to MaxAttempts times with delay
// base*2^attempt + uniform(0, maxJitter), backed by cenkalti/backoff's
// exponential curve for the base computation.
type ExponentialRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration

	// rng is overridable for deterministic tests.
	rng func() time.Duration
}

func (e ExponentialRetry) NextDelay(n int) (time.Duration, bool) {
	if n >= e.MaxAttempts {
		return 0, false
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.Reset()
	var delay time.Duration
	for i := 0; i <= n; i++ {
		delay = b.NextBackOff()
	}
	jitter := e.jitter()
	return delay + jitter, true
}

func (e ExponentialRetry) jitter() time.Duration {
	if e.MaxJitter <= 0 {
		return 0
	}
	if e.rng != nil {
		return e.rng()
	}
	return time.Duration(rand.Int63n(int64(e.MaxJitter)))
}

// Options configures a single Run invocation.
type Options struct {
	Policy Policy
	// ShouldRetry overrides the default permanence check. When nil, an
	// error is retried unless ingesterrors.IsPermanent reports true.
	ShouldRetry func(err error) bool
	OnRetry     func(attempt int, err error, delay time.Duration)
	OnError     func(err error)
}

// Run executes attempt repeatedly per opts.Policy until it succeeds, the
// policy is exhausted, the error is classified as permanent, or ctx is
// canceled. ctx cancellation always wins and surfaces ingesterrors.Canceled.
func Run[T any](ctx context.Context, opts Options, attempt func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	should := opts.ShouldRetry
	if should == nil {
		should = func(err error) bool { return !ingesterrors.IsPermanent(err) }
	}
	policy := opts.Policy
	if policy == nil {
		policy = NoRetry{}
	}

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return zero, ingesterrors.Canceled()
		}
		result, err := attempt(ctx)
		if err == nil {
			return result, nil
		}
		if opts.OnError != nil {
			opts.OnError(err)
		}
		if !should(err) {
			return zero, err
		}
		delay, ok := policy.NextDelay(n)
		if !ok {
			return zero, err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(n, err, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ingesterrors.Canceled()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return zero, ingesterrors.Canceled()
		}
	}
}
