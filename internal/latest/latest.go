// Package latest resolves the "latest" alias of an asset to a concrete
// version through a short-lived cache in front of the ..latest pointer.
package latest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/cache"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/fanout"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/metrics"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// DefaultTTL is how long a resolved version stays cached.
const DefaultTTL = 5 * time.Minute

// maxConcurrentSummaries bounds summary fetches during Refresh.
const maxConcurrentSummaries = 16

// Resolver reads and maintains latest-version pointers.
type Resolver struct {
	store   blob.Store
	cache   cache.Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewResolver creates a resolver. A zero ttl uses DefaultTTL.
func NewResolver(store blob.Store, c cache.Cache, ttl time.Duration, m *metrics.Metrics) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{store: store, cache: c, ttl: ttl, metrics: m}
}

func cacheKey(project, asset string) string {
	return "latest:" + keys.Latest(project, asset)
}

// cached returns the cached latest version. Cache failures count as misses.
func (r *Resolver) cached(ctx context.Context, project, asset string) (string, bool) {
	v, ok, err := r.cache.Match(ctx, cacheKey(project, asset))
	if err != nil {
		log.Warn().Err(err).Str("project", project).Str("asset", asset).Msg("Latest cache lookup failed")
		return "", false
	}
	if !ok || len(v) == 0 {
		return "", false
	}
	return string(v), true
}

func (r *Resolver) remember(ctx context.Context, project, asset, version string) {
	if err := r.cache.Put(ctx, cacheKey(project, asset), []byte(version), r.ttl); err != nil {
		log.Warn().Err(err).Str("project", project).Str("asset", asset).Msg("Failed to cache latest version")
	}
}

// Invalidate drops the cached latest version of an asset.
func (r *Resolver) Invalidate(ctx context.Context, project, asset string) {
	if err := r.cache.Delete(ctx, cacheKey(project, asset)); err != nil {
		log.Warn().Err(err).Str("project", project).Str("asset", asset).Msg("Failed to invalidate latest version")
	}
}

// fetch reads the pointer from the store and caches it.
func (r *Resolver) fetch(ctx context.Context, project, asset string) (string, error) {
	var ptr model.Latest
	found, err := blob.GetJSON(ctx, r.store, keys.Latest(project, asset), &ptr)
	if err != nil {
		return "", apierr.Internal(err, "failed to read latest version of '%s/%s'", project, asset)
	}
	if !found {
		return "", apierr.NotFound("no latest version for asset '%s/%s'", project, asset)
	}
	if ptr.Version == "" {
		return "", apierr.NotFound("all versions of asset '%s/%s' have expired", project, asset)
	}

	r.remember(ctx, project, asset, ptr.Version)
	return ptr.Version, nil
}

// Get returns the latest version of an asset.
func (r *Resolver) Get(ctx context.Context, project, asset string) (string, error) {
	if v, ok := r.cached(ctx, project, asset); ok {
		r.metrics.RecordLatest(metrics.LatestHit)
		return v, nil
	}
	r.metrics.RecordLatest(metrics.LatestMiss)
	return r.fetch(ctx, project, asset)
}

// Set points the latest alias of an asset at version.
func (r *Resolver) Set(ctx context.Context, project, asset, version string) error {
	if err := blob.PutJSON(ctx, r.store, keys.Latest(project, asset), model.Latest{Version: version}); err != nil {
		return apierr.Internal(err, "failed to set latest version of '%s/%s'", project, asset)
	}
	r.remember(ctx, project, asset, version)
	log.Info().Str("project", project).Str("asset", asset).Str("version", version).Msg("Latest version updated")
	return nil
}

// Clear removes the latest pointer of an asset.
func (r *Resolver) Clear(ctx context.Context, project, asset string) error {
	if err := r.store.Delete(ctx, keys.Latest(project, asset)); err != nil {
		return apierr.Internal(err, "failed to clear latest version of '%s/%s'", project, asset)
	}
	r.Invalidate(ctx, project, asset)
	return nil
}

// Attempt is the outcome of AttemptOnLatest. Value is nil when the
// operation found nothing at the resolved version.
type Attempt[T any] struct {
	Version string
	Value   *T
}

// AttemptOnLatest runs fn against the latest version of an asset. fn
// returns nil when the version it was given has disappeared.
//
// A cached version is tried first. If it is missing or fn finds nothing,
// the cache entry is dropped, the pointer is re-read from the store and fn
// is called exactly once more; its result is returned as is. A missing
// pointer on that re-read is a terminal not-found error.
func AttemptOnLatest[T any](ctx context.Context, r *Resolver, project, asset string, fn func(ctx context.Context, version string) (*T, error)) (*Attempt[T], error) {
	if v, ok := r.cached(ctx, project, asset); ok {
		res, err := fn(ctx, v)
		if err != nil {
			return nil, err
		}
		if res != nil {
			r.metrics.RecordLatest(metrics.LatestHit)
			return &Attempt[T]{Version: v, Value: res}, nil
		}

		log.Debug().Str("project", project).Str("asset", asset).Str("version", v).
			Msg("Cached latest version has gone, re-reading pointer")
		r.metrics.RecordLatest(metrics.LatestRetry)
		r.Invalidate(ctx, project, asset)
	} else {
		r.metrics.RecordLatest(metrics.LatestMiss)
	}

	v, err := r.fetch(ctx, project, asset)
	if err != nil {
		return nil, err
	}
	res, err := fn(ctx, v)
	if err != nil {
		return nil, err
	}
	return &Attempt[T]{Version: v, Value: res}, nil
}

// Refresh recomputes the latest version of an asset from the summaries of
// its versions: the completed, non-probational version that finished last.
// The pointer is removed when no version qualifies, in which case Refresh
// returns an empty string.
func (r *Resolver) Refresh(ctx context.Context, project, asset string) (string, error) {
	_, prefixes, err := blob.ListAll(ctx, r.store, keys.AssetPrefix(project, asset), "/")
	if err != nil {
		return "", apierr.Internal(err, "failed to list versions of '%s/%s'", project, asset)
	}

	base := keys.AssetPrefix(project, asset)
	g := fanout.New[*model.Summary](ctx)
	g.SetLimit(maxConcurrentSummaries)
	for _, p := range prefixes {
		version := trimVersion(p, base)
		if version == "" || keys.IsInternal(version) {
			continue
		}
		g.Go(version, func(ctx context.Context) (*model.Summary, error) {
			var s model.Summary
			found, err := blob.GetJSON(ctx, r.store, keys.Summary(project, asset, version), &s)
			if err != nil {
				return nil, fmt.Errorf("summary of %s: %w", version, err)
			}
			if !found {
				return nil, nil
			}
			return &s, nil
		})
	}
	summaries, err := g.Wait()
	if err != nil {
		return "", apierr.Internal(err, "failed to read version summaries of '%s/%s'", project, asset)
	}

	var best string
	var bestFinish time.Time
	for version, s := range summaries {
		if s == nil || !s.Complete() || s.Probational() {
			continue
		}
		finish := *s.UploadFinish
		if best == "" || finish.After(bestFinish) || (finish.Equal(bestFinish) && version > best) {
			best, bestFinish = version, finish
		}
	}

	if best == "" {
		if err := r.Clear(ctx, project, asset); err != nil {
			return "", err
		}
		log.Info().Str("project", project).Str("asset", asset).Msg("No remaining versions, latest pointer removed")
		return "", nil
	}
	if err := r.Set(ctx, project, asset, best); err != nil {
		return "", err
	}
	return best, nil
}

// trimVersion turns a common prefix "p/a/v/" into "v".
func trimVersion(prefix, base string) string {
	if len(prefix) <= len(base) {
		return ""
	}
	v := prefix[len(base):]
	if v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

// IsMissing reports whether err means the asset has no latest version.
func IsMissing(err error) bool {
	return errors.Is(err, apierr.ErrNotFound)
}
