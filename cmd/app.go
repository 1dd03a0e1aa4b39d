package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/saurabhbikram/scraper/internal/api"
	"github.com/saurabhbikram/scraper/internal/blob"
	gcsblob "github.com/saurabhbikram/scraper/internal/blob/gcs"
	localblob "github.com/saurabhbikram/scraper/internal/blob/local"
	memblob "github.com/saurabhbikram/scraper/internal/blob/memory"
	s3blob "github.com/saurabhbikram/scraper/internal/blob/s3"
	"github.com/saurabhbikram/scraper/internal/cache"
	"github.com/saurabhbikram/scraper/internal/clock/system"
	"github.com/saurabhbikram/scraper/internal/config"
	"github.com/saurabhbikram/scraper/internal/crawl"
	"github.com/saurabhbikram/scraper/internal/fetch"
	pgindex "github.com/saurabhbikram/scraper/internal/index/postgres"
	"github.com/saurabhbikram/scraper/internal/logging"
	"github.com/saurabhbikram/scraper/internal/progress"
	"github.com/saurabhbikram/scraper/internal/progress/sinks"
	pubsubpub "github.com/saurabhbikram/scraper/internal/publish/pubsub"
	"github.com/saurabhbikram/scraper/internal/retrieve"
)

// app owns every long-lived handle: logger, index pool, blob client,
// publisher, progress hub, and the operational HTTP server. It is built
// once per command invocation and closed on exit.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	retriever *retrieve.Client
	scheduler *crawl.Scheduler

	index     *pgindex.Store
	publisher *pubsubpub.Publisher
	hub       *progress.Hub
	httpSrv   *http.Server
}

func buildApp(ctx context.Context, cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	fetcher, err := fetch.New(fetch.Config{
		Proxies:     cfg.Fetch.Proxies,
		MaxAttempts: cfg.Fetch.MaxAttempts,
		BackoffUnit: time.Duration(cfg.Fetch.BackoffMs) * time.Millisecond,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		UserAgent:   cfg.Fetch.UserAgent,
	}, logger.Named("fetch"))
	if err != nil {
		return nil, fmt.Errorf("init fetch client: %w", err)
	}

	var cacheStore retrieve.Cache
	if cfg.DB.DSN != "" {
		idx, err := pgindex.New(ctx, pgindex.Config{
			DSN:        cfg.DB.DSN,
			MaxConns:   cfg.DB.MaxConns,
			RetryDelay: time.Duration(cfg.DB.RetryDelayMs) * time.Millisecond,
		}, logger.Named("index"))
		if err != nil {
			return nil, fmt.Errorf("init metadata index: %w", err)
		}
		a.index = idx
		blobs, err := buildBlobStore(ctx, cfg.Blob)
		if err != nil {
			return nil, fmt.Errorf("init blob store: %w", err)
		}
		cacheStore = cache.New(idx, blobs, logger.Named("cache"))
	} else {
		logger.Warn("no db.dsn configured, running in passthrough mode")
	}

	var publisher retrieve.Publisher
	if cfg.PubSub.Topic != "" {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		p, err := pubsubpub.New(client)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.publisher = p
		publisher = p
	}

	a.retriever = retrieve.New(
		fetcher,
		cacheStore,
		publisher,
		system.New(),
		retrieve.Config{Topic: cfg.PubSub.Topic},
		logger.Named("retrieve"),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	a.hub = progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)
	a.scheduler = crawl.New(a.hub, logger.Named("crawl"))

	if cfg.Server.Port > 0 {
		srv := api.NewServer(registry, logger.Named("api"))
		a.httpSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("operational server failed", zap.Error(err))
			}
		}()
	}

	return a, nil
}

func buildBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcsblob.New(ctx, client, gcsblob.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	case config.BackendS3:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return s3blob.New(awss3.NewFromConfig(awsCfg), s3blob.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	case config.BackendLocal:
		return localblob.New(localblob.Config{BaseDir: cfg.BaseDir})
	case config.BackendMemory:
		return memblob.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
}

// Close shuts down all handles; safe to call once after use.
func (a *app) Close(ctx context.Context) {
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("operational server shutdown failed", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.index != nil {
		a.index.Close()
	}
	_ = a.logger.Sync()
}
