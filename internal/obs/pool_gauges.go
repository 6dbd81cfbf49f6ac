// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ingestkit/go-ingest/internal/config"
)

// PoolSizer is the subset of *resources.Manager the gauge updater needs.
type PoolSizer interface {
	PoolSizes() (containers, queues int, err error)
}

// StartResourcePoolGauges samples the resource manager's container/queue
// counts on an interval and publishes them as gauges.
func StartResourcePoolGauges(ctx context.Context, cfg *config.Config, mgr PoolSizer, log *zap.Logger) {
	interval := cfg.Observability.PoolSampleInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				containers, queues, err := mgr.PoolSizes()
				if err != nil {
					log.Debug("resource pool size poll error", Err(err))
					continue
				}
				ResourcePoolSize.WithLabelValues("containers").Set(float64(containers))
				ResourcePoolSize.WithLabelValues("queues").Set(float64(queues))
			}
		}
	}()
}
