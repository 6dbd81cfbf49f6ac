// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	chdriver "github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ingestkit/go-ingest/internal/breaker"
	"github.com/ingestkit/go-ingest/internal/config"
	"github.com/ingestkit/go-ingest/internal/events"
	"github.com/ingestkit/go-ingest/internal/obs"
	"github.com/ingestkit/go-ingest/internal/queued"
	"github.com/ingestkit/go-ingest/internal/redisclient"
	"github.com/ingestkit/go-ingest/internal/resources"
	"github.com/ingestkit/go-ingest/internal/retry"
	"github.com/ingestkit/go-ingest/internal/router"
	"github.com/ingestkit/go-ingest/internal/status"
	"github.com/ingestkit/go-ingest/internal/streaming"
	"github.com/ingestkit/go-ingest/internal/upload"
	"github.com/ingestkit/go-ingest/pkg/ingest"
)

var version = "dev"

// staticTokenProvider hands back a single pre-issued token. AAD token
// acquisition is out of scope; a real deployment swaps this for whatever
// issues and refreshes its bearer tokens.
type staticTokenProvider struct{ token string }

func (s staticTokenProvider) Token(context.Context) (string, error) { return s.token, nil }

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLoggerWithFile(cfg.Observability.LogLevel, cfg.Observability.LogFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	client, cleanup, err := buildClient(cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct ingest client", obs.Err(err))
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		logger.Fatal("failed to start resource manager", obs.Err(err))
	}
	defer client.Stop()

	httpSrv := obs.StartHTTPServer(cfg, func(c context.Context) error { return client.Ready() })
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartResourcePoolGauges(ctx, cfg, client, logger)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("ingestd running", obs.String("version", version), obs.String("dm", cfg.DM.BaseURL))
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	<-ctx.Done()
}

// buildClient wires a pkg/ingest.Client from cfg: the S3/SQS transport
// backends, optional Postgres status tracking with a ClickHouse archiver,
// the optional NATS lifecycle publisher, and the optional Redis-backed
// shared router state. cleanup runs the closers registered for the pieces
// that were opened, in reverse order; the status archiver, once started, is
// not registered there and keeps its ClickHouse connection and schedule.
func buildClient(cfg *config.Config, logger *zap.Logger) (*ingest.Client, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	backend, err := upload.NewS3Backend(upload.S3BackendConfig{
		Region:           cfg.Upload.S3Region,
		EndpointOverride: cfg.Upload.S3EndpointOverride,
		ForcePathStyle:   cfg.Upload.S3ForcePathStyle,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("construct S3 backend: %w", err)
	}

	queueBackend, err := queued.NewSQSBackend(queued.SQSBackendConfig{
		Region:           cfg.Queue.SQSRegion,
		EndpointOverride: cfg.Queue.SQSEndpointOverride,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("construct SQS backend: %w", err)
	}

	var tracker *status.Tracker
	if cfg.Status.PostgresDSN != "" {
		tracker, err = status.Open(context.Background(), cfg.Status.PostgresDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open status tracker: %w", err)
		}
		closers = append(closers, func() { _ = tracker.Close() })
		logger.Info("status tracking enabled")

		if cfg.Status.ArchiveEnabled && cfg.Status.ClickHouseAddr != "" {
			archiver, err := status.NewArchiver(tracker, &chdriver.Options{Addr: []string{cfg.Status.ClickHouseAddr}}, status.ArchiverConfig{
				CronExpr: cfg.Status.ArchiveCronExpr,
				MaxAge:   cfg.Status.ArchiveMaxAge,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("construct status archiver: %w", err)
			}
			archiver.Start(context.Background())
			logger.Info("status archival enabled", obs.String("clickhouse_addr", cfg.Status.ClickHouseAddr))
		}
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if cfg.Events.Enabled {
		p, err := events.NewNATSPublisher(cfg.Events.NATSURL, events.SubjectConfig{Template: cfg.Events.SubjectTemplate}, nil)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("construct NATS publisher: %w", err)
		}
		closers = append(closers, func() { _ = p.Close() })
		publisher = p
		logger.Info("lifecycle event publishing enabled", obs.String("nats_url", cfg.Events.NATSURL))
	}

	routerCfg := router.DefaultConfig()
	routerCfg.DataSizeFactor = cfg.Router.DataSizeFactor
	routerCfg.TimeUntilResumingStreamingIngest = cfg.Router.TimeUntilResumingStreamingIngest
	routerCfg.ThrottleBackoffPeriod = cfg.Router.ThrottleBackoffPeriod
	routerCfg.ContinueWhenStreamingIngestionUnavailable = cfg.Router.ContinueWhenStreamingIngestionUnavailable
	routerCfg.MaxBodyBytes = cfg.Streaming.MaxBodyBytes
	if len(cfg.Router.RetryIntervals) > 0 {
		routerCfg.RetryPolicy = retry.CustomRetry{Intervals: cfg.Router.RetryIntervals}
	}
	if rdb := redisclient.New(cfg); rdb != nil {
		closers = append(closers, func() { _ = rdb.Close() })
		routerCfg.SharedState = router.NewRedisErrorStateStore(rdb, cfg.Redis.Namespace)
		logger.Info("shared router state enabled", obs.String("redis_addr", cfg.Redis.Addr))
	}

	var cb *breaker.RefreshBreaker
	if cfg.Resources.BreakerWindow > 0 {
		cb = breaker.New(cfg.Resources.BreakerWindow, cfg.Resources.BreakerCooldown, cfg.Resources.BreakerFailureThreshold, cfg.Resources.BreakerMinSamples)
	}

	var streamLimiter *rate.Limiter
	if cfg.Streaming.RateLimitPerSec > 0 {
		burst := cfg.Streaming.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		streamLimiter = rate.NewLimiter(rate.Limit(cfg.Streaming.RateLimitPerSec), burst)
	}

	ingestCfg := ingest.Config{
		EngineEndpoint: cfg.DM.EngineBaseURL,
		DMEndpoint:     cfg.DM.BaseURL,
		Token:          staticTokenProvider{token: cfg.DM.StaticToken},
		StatusTracker:  tracker,
		EventPublisher: publisher,
		Resources: resources.Config{
			RefreshInterval: cfg.Resources.RefreshInterval,
			CachePath:       cfg.Resources.CachePath,
			Breaker:         cb,
			RetryPolicy: retry.ExponentialRetry{
				MaxAttempts: cfg.Resources.RetryMaxAttempts,
				BaseDelay:   cfg.Resources.RetryBaseDelay,
				MaxJitter:   cfg.Resources.RetryMaxJitter,
			},
		},
		Upload: upload.Config{
			MaxSingleUploadSize: cfg.Upload.MaxSingleUploadSize,
			MaxDataSize:         cfg.Upload.MaxDataSize,
			BlockSizeBytes:      cfg.Upload.BlockSizeBytes,
			MaxBlocks:           cfg.Upload.MaxBlocks,
			MaxConcurrency:      cfg.Upload.MaxConcurrency,
			PreferZstd:          cfg.Upload.PreferZstd,
		},
		Streaming: streaming.Config{
			MaxBodyBytes: cfg.Streaming.MaxBodyBytes,
			RateLimit:    streamLimiter,
		},
		Router: routerCfg,
	}

	c, err := ingest.New(ingestCfg, backend, queueBackend)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("construct ingest client: %w", err)
	}
	return c, cleanup, nil
}
