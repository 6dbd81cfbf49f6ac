package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ingestkit/go-ingest/internal/ingesterrors"
)

func TestCustomRetry_NextDelay(t *testing.T) {
	c := CustomRetry{Intervals: []time.Duration{0, time.Second, 2 * time.Second}}

	d, ok := c.NextDelay(0)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	d, ok = c.NextDelay(2)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = c.NextDelay(3)
	assert.False(t, ok)
}

func TestSimpleRetry_Exhaustion(t *testing.T) {
	s := SimpleRetry{Interval: 10 * time.Millisecond, TotalRetries: 2}
	_, ok := s.NextDelay(1)
	assert.True(t, ok)
	_, ok = s.NextDelay(2)
	assert.False(t, ok)
}

func TestRun_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Run(context.Background(), Options{
		Policy: CustomRetry{Intervals: []time.Duration{0, 0, 0}},
	}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", ingesterrors.NoAvailableContainers()
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRun_PermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	_, err := Run(context.Background(), Options{
		Policy: SimpleRetry{Interval: 0, TotalRetries: 5},
	}, func(ctx context.Context) (string, error) {
		calls++
		return "", ingesterrors.PermissionDenied("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, ingesterrors.IsPermanent(err))
}

func TestRun_ExhaustsPolicyAndReturnsLastError(t *testing.T) {
	calls := 0
	sentinel := errors.New("still broken")
	_, err := Run(context.Background(), Options{
		Policy: CustomRetry{Intervals: []time.Duration{0, 0}},
		ShouldRetry: func(err error) bool {
			return true
		},
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, sentinel
	})
	require.Error(t, err)
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 3, calls)
}

func TestRun_CancellationDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, Options{
		Policy: SimpleRetry{Interval: time.Second, TotalRetries: 10},
	}, func(ctx context.Context) (int, error) {
		calls++
		return 0, ingesterrors.NoAvailableQueues()
	})
	require.Error(t, err)
	assert.True(t, ingesterrors.IsCanceled(err))
	assert.GreaterOrEqual(t, calls, 1)
}

func TestExponentialRetry_DelayGrowsAndRespectsMaxAttempts(t *testing.T) {
	e := ExponentialRetry{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxJitter: 0}
	d0, ok := e.NextDelay(0)
	require.True(t, ok)
	d1, ok := e.NextDelay(1)
	require.True(t, ok)
	assert.Greater(t, d1, d0)

	_, ok = e.NextDelay(3)
	assert.False(t, ok)
}
