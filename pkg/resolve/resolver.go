// Package resolve implements the unified configuration resolver, the public
// entry point of the resolution engine. A lookup consults, in strict priority
// order, the secret store, the feature-flag service, the process environment,
// and a caller-supplied default, stopping at the first source that produces a
// value. The resolver owns its own short-TTL cache, distinct from each
// backend client's internal cache, and never caches defaults.
//
// Startup waits for both backend clients concurrently but never fails and
// never blocks past the configured readiness timeouts: an unreachable backend
// puts the engine in degraded mode, it does not take the process down.
//
// Concurrent lookups for the same key are independent and may each perform a
// redundant backend fetch; the design deliberately does not coalesce per-key
// requests.
package resolve

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/polaris/pkg/config"
	"github.com/ajitpratap0/polaris/pkg/errors"
	"github.com/ajitpratap0/polaris/pkg/lookup"
	"github.com/ajitpratap0/polaris/pkg/metrics"
)

// SecretSource is the slice of the secret store client the resolver needs.
type SecretSource interface {
	GetSecret(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error)
	WaitForReady(ctx context.Context, timeout, interval time.Duration) error
	IsReady() bool
	ClearCache()
}

// FlagSource is the slice of the feature-flag client the resolver needs.
type FlagSource interface {
	GetConfigValue(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error)
	WaitForReady(ctx context.Context, timeout, interval time.Duration) error
	IsReady() bool
	ClearCache()
}

// cacheEntry is the value held in the resolver's own cache.
type cacheEntry struct {
	value      string
	source     lookup.Source
	insertedAt time.Time
}

// Resolver is the unified lookup surface.
type Resolver struct {
	cfg     config.ResolverConfig
	logger  *zap.Logger
	secrets SecretSource
	flags   FlagSource
	env     lookup.EnvFunc
	cache   *ttlcache.Cache[string, cacheEntry]
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithEnvFunc overrides the process environment accessor, primarily for tests.
func WithEnvFunc(env lookup.EnvFunc) Option {
	return func(r *Resolver) { r.env = env }
}

// NewResolver creates a resolver over the given backend clients. Either
// client may be nil; its cascade step then reports "not found" without error.
func NewResolver(cfg config.ResolverConfig, secrets SecretSource, flags FlagSource, logger *zap.Logger, opts ...Option) *Resolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	r := &Resolver{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "resolver")),
		secrets: secrets,
		flags:   flags,
		env:     lookup.OSEnv,
		cache: ttlcache.New[string, cacheEntry](
			ttlcache.WithTTL[string, cacheEntry](ttl),
			ttlcache.WithDisableTouchOnHit[string, cacheEntry](),
		),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WaitForBackends concurrently waits for both backend clients' readiness.
// Failures and timeouts are logged and swallowed: resolver startup never
// fails and never blocks past the configured readiness timeouts. Callers may
// serve lookups immediately afterwards; keys owned by an unready backend
// resolve through the environment and defaults.
func (r *Resolver) WaitForBackends(ctx context.Context) {
	var g errgroup.Group

	if r.secrets != nil {
		g.Go(func() error {
			if err := r.secrets.WaitForReady(ctx, r.cfg.ReadinessTimeout, r.cfg.ReadinessInterval); err != nil {
				r.logger.Warn("secret store not ready, continuing in degraded mode", zap.Error(err))
			}
			return nil
		})
	}
	if r.flags != nil {
		g.Go(func() error {
			if err := r.flags.WaitForReady(ctx, r.cfg.ReadinessTimeout, r.cfg.ReadinessInterval); err != nil {
				r.logger.Warn("feature flags not ready, continuing in degraded mode", zap.Error(err))
			}
			return nil
		})
	}

	_ = g.Wait()
}

// GetConfig resolves a single key through the cascade, returning the value
// and whether any source produced one. Absence is not an error; the caller
// decides whether a missing value is fatal.
func (r *Resolver) GetConfig(ctx context.Context, key string, opts lookup.Options) (string, bool) {
	res := r.GetConfigWithMetadata(ctx, key, opts)
	return res.Value, res.Found
}

// GetConfigWithMetadata resolves a single key and reports which source won,
// whether the resolver's cache served it, and when the cached value expires.
//
// The cascade is strictly sequential: source N+1 is attempted only after
// source N reported "not found" or failed. A failing source is logged at warn
// level and skipped rather than aborting the lookup. The winning value is
// cached under the effective TTL unless its source is DEFAULT: defaults are
// recomputed on every miss so that environment changes are observed on the
// very next call.
func (r *Resolver) GetConfigWithMetadata(ctx context.Context, key string, opts lookup.Options) lookup.Result {
	timer := metrics.NewTimer()
	defer func() {
		metrics.LookupDuration.WithLabelValues("resolver").Observe(timer.Stop().Seconds())
	}()

	if !opts.SkipCache {
		if item := r.cache.Get(key); item != nil {
			metrics.CacheEvents.WithLabelValues("resolver", "hit").Inc()
			entry := item.Value()
			r.logger.Debug("resolved from cache",
				zap.String("key", key),
				zap.String("source", string(entry.source)))
			return lookup.FoundCached(entry.value, entry.source, item.ExpiresAt())
		}
		metrics.CacheEvents.WithLabelValues("resolver", "miss").Inc()
	}

	sources := opts.Sources
	if sources == nil {
		sources = lookup.DefaultCascade()
	}

	for _, src := range sources {
		res, err := r.consult(ctx, src, key, opts)
		if err != nil {
			r.logger.Warn("source lookup failed, trying next source",
				zap.String("key", key),
				zap.String("source", string(src)),
				zap.Error(err))
			continue
		}
		if !res.Found {
			continue
		}

		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = ttlcache.DefaultTTL
		}
		if res.Source != lookup.SourceDefault {
			item := r.cache.Set(key, cacheEntry{
				value:      res.Value,
				source:     res.Source,
				insertedAt: time.Now(),
			}, ttl)
			res.ExpiresAt = item.ExpiresAt()
		}

		metrics.LookupsTotal.WithLabelValues(string(res.Source), "found").Inc()
		r.logger.Debug("resolved",
			zap.String("key", key),
			zap.String("source", string(res.Source)))
		return res
	}

	// Total resolution failure is the single warn-level case of the logging
	// policy: not even the environment or a default produced a value.
	metrics.LookupsTotal.WithLabelValues("none", "not_found").Inc()
	r.logger.Warn("no source produced a value", zap.String("key", key))
	return lookup.NotFound()
}

// consult delegates one cascade step to the matching backend, the environment
// accessor, or the literal default. Backend clients run their own internal
// fallback cascade; the Result's Source field reports where the value truly
// came from.
func (r *Resolver) consult(ctx context.Context, src lookup.Source, key string, opts lookup.Options) (lookup.Result, error) {
	switch src {
	case lookup.SourceSecretStore:
		if r.secrets == nil {
			return lookup.NotFound(), nil
		}
		return r.secrets.GetSecret(ctx, key)
	case lookup.SourceFeatureFlag:
		if r.flags == nil {
			return lookup.NotFound(), nil
		}
		return r.flags.GetConfigValue(ctx, key)
	case lookup.SourceEnvironment:
		if v, ok := r.env(key); ok {
			return lookup.Found(v, lookup.SourceEnvironment), nil
		}
		return lookup.NotFound(), nil
	case lookup.SourceDefault:
		if opts.DefaultValue != nil {
			return lookup.Found(*opts.DefaultValue, lookup.SourceDefault), nil
		}
		return lookup.NotFound(), nil
	default:
		return lookup.NotFound(), errors.New(errors.ErrorTypeConfig,
			"unknown configuration source: "+string(src))
	}
}

// GetConfigs resolves a batch of keys, fanning out one independent lookup per
// key. There is no shared single-flight across keys; each lookup walks its
// own cascade concurrently.
func (r *Resolver) GetConfigs(ctx context.Context, keys []string, opts lookup.Options) map[string]lookup.Result {
	results := make([]lookup.Result, len(keys))

	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			results[i] = r.GetConfigWithMetadata(ctx, key, opts)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]lookup.Result, len(keys))
	for i, key := range keys {
		out[key] = results[i]
	}
	return out
}

// GetSecret exposes the secret backend directly for callers that must not
// consult the flag service or the resolver cache for a sensitive value.
func (r *Resolver) GetSecret(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error) {
	if r.secrets == nil {
		return lookup.NotFound(), nil
	}
	return r.secrets.GetSecret(ctx, key, defaultValue...)
}

// IsServiceReady reports whether both backends are ready (a disabled backend
// counts as ready by design).
func (r *Resolver) IsServiceReady() bool {
	if r.secrets != nil && !r.secrets.IsReady() {
		return false
	}
	if r.flags != nil && !r.flags.IsReady() {
		return false
	}
	return true
}

// ClearCache drops every entry from the resolver's own cache. Backend caches
// are untouched; see ClearAllCaches.
func (r *Resolver) ClearCache() {
	r.cache.DeleteAll()
	metrics.CacheEvents.WithLabelValues("resolver", "clear").Inc()
}

// ClearAllCaches drops the resolver's cache and both backend caches.
func (r *Resolver) ClearAllCaches() {
	r.ClearCache()
	if r.secrets != nil {
		r.secrets.ClearCache()
	}
	if r.flags != nil {
		r.flags.ClearCache()
	}
}

// ClearExpiredCache sweeps only entries whose TTL has passed.
func (r *Resolver) ClearExpiredCache() {
	r.cache.DeleteExpired()
}

// CacheStats returns an observability snapshot of the resolver's cache: size
// and, per entry, key, source, expiry, and age. For inspection, not
// correctness.
func (r *Resolver) CacheStats() lookup.CacheStats {
	items := r.cache.Items()
	stats := lookup.CacheStats{
		Size:    len(items),
		Entries: make([]lookup.CacheEntryStat, 0, len(items)),
	}
	now := time.Now()
	for key, item := range items {
		entry := item.Value()
		stats.Entries = append(stats.Entries, lookup.CacheEntryStat{
			Key:       key,
			Source:    entry.source,
			ExpiresAt: item.ExpiresAt(),
			Age:       now.Sub(entry.insertedAt),
		})
	}
	return stats
}
