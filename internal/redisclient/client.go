// Copyright 2025 James Ross
// Package redisclient constructs the optional shared Redis client the
// router uses to back ManagedErrorState across multiple ingestd replicas.
package redisclient

import (
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ingestkit/go-ingest/internal/config"
)

// New returns a configured go-redis client with pooling and retries, or nil
// if Redis-backed shared state is disabled in cfg.
func New(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	poolSize := 10 * runtime.NumCPU()
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
	})
}
