package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/auth"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/cache"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/changelog"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/config"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/dedup"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/latest"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/lock"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/logging/audit"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/metrics"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/quota"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/upload"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/versions"
)

// redisKeyPrefix namespaces every key gypsum writes to a shared redis.
const redisKeyPrefix = "gypsum:"

// app holds the services built from a configuration.
type app struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	latest   *latest.Resolver
	uploads  *upload.Service
	versions *versions.Service

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}

	store, presigner, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c, err := a.openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.registry = metrics.NewRegistry()
	a.metrics = metrics.New(a.registry)

	identities := auth.NewCachingProvider(auth.NewJWTProvider(cfg.Auth.JWTSecret), c, cfg.IdentityTTL())
	authorizer := auth.NewAuthorizer(store, identities, cfg.Admins)
	authorizer.SetAuditLogger(audit.NewLogger(log.With().Str("component", "audit").Logger()))

	a.latest = latest.NewResolver(store, c, cfg.LatestTTL(), a.metrics)
	locks := lock.NewManager(store)
	quotas := quota.NewEnforcer(store, quota.Defaults{
		Baseline:   cfg.Quota.Baseline.Bytes(),
		GrowthRate: cfg.Quota.GrowthRate.Bytes(),
	})
	events := changelog.NewWriter(store)

	a.uploads = upload.NewService(upload.Deps{
		Store:     store,
		Locks:     locks,
		Quota:     quotas,
		Resolver:  dedup.NewResolver(store, a.latest),
		Latest:    a.latest,
		Auth:      authorizer,
		Presigner: presigner,
		Changelog: events,
		Metrics:   a.metrics,
	})
	a.versions = versions.NewService(versions.Deps{
		Store:     store,
		Auth:      authorizer,
		Locks:     locks,
		Quota:     quotas,
		Latest:    a.latest,
		Changelog: events,
	})
	return a, nil
}

// openStore creates the configured blob store and the presigner that hands
// out upload URLs for it. Only S3 can accept uploads directly; the other
// backends receive files through the server itself.
func openStore(ctx context.Context, cfg *config.Config) (blob.Store, upload.Presigner, error) {
	direct := upload.NewDirectPresigner(cfg.PublicURL)

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		log.Warn().Msg("Using in-memory storage, data is lost on exit")
		return blob.NewMemoryStore(), direct, nil

	case config.BackendFilesystem:
		store, err := blob.NewFilesystemStore(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open filesystem store: %w", err)
		}
		log.Info().Str("dir", cfg.Storage.Dir).Msg("Using filesystem storage")
		return store, direct, nil

	case config.BackendS3:
		s3cfg := cfg.Storage.S3
		store, err := blob.NewS3Store(blob.S3Config{
			Endpoint:  s3cfg.Endpoint,
			Bucket:    s3cfg.Bucket,
			AccessKey: s3cfg.AccessKey,
			SecretKey: s3cfg.SecretKey,
			Region:    s3cfg.Region,
			UseSSL:    s3cfg.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		log.Info().Str("endpoint", s3cfg.Endpoint).Str("bucket", s3cfg.Bucket).Msg("Using S3 storage")
		return store, upload.NewStorePresigner(store, cfg.URLExpiry()), nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func (a *app) openCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		return cache.NewMemoryCache(), nil

	case config.CacheRedis:
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: redisKeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc)
		log.Info().Str("addr", cfg.Cache.Redis.Addr).Msg("Using redis cache")
		return rc, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

// Close releases connections held by the app.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close connection")
		}
	}
}
