// Package polaris provides a unified configuration resolution engine: a
// single lookup surface that answers "what is the value of key K" by
// consulting, in priority order, a remote secret store, a feature-flag
// evaluation service, the process environment, and a caller-supplied
// default. It tolerates either backend being slow, unreachable, or
// still initializing, and caches results without leaking stale or
// sensitive data.
//
// # Architecture
//
// The engine is built from three components, each with its own short-TTL
// cache:
//
// 1. Secret store client (pkg/secretstore): authenticates with a machine
// identity, fetches individual or batched secrets, and falls back to
// environment variables when the store is unavailable.
//
// 2. Feature-flag client (pkg/featureflag): reads configuration values from
// flag variant payloads, bootstrapping its credential from the secret store
// and refreshing flag definitions in the background. Disabling the
// integration makes the client permanently ready in degraded mode.
//
// 3. Unified resolver (pkg/resolve): walks the strict cascade
// SECRET_STORE → FEATURE_FLAG → ENVIRONMENT → DEFAULT, stopping at the first
// source that produces a value. Defaults are never cached. Startup waits for
// both backends concurrently but never fails: an unreachable backend means
// degraded mode, not a dead process.
//
// # Quick Start
//
//	cfg := config.NewConfig()
//	cfg.SecretStore.Enabled = true
//	cfg.SecretStore.BaseURL = "https://secrets.internal"
//	cfg.SecretStore.ProjectID = "prj_1234"
//
//	log := logger.Get()
//	secrets := secretstore.NewClient(cfg.SecretStore, log)
//	flags := featureflag.NewClient(cfg.FeatureFlags, secrets, log)
//	resolver := resolve.NewResolver(cfg.Resolver, secrets, flags, log)
//
//	resolver.WaitForBackends(ctx)
//	value, found := resolver.GetConfig(ctx, "DATABASE_URL", lookup.Options{})
//
// # Degradation Model
//
// Initialization errors are converted to degraded mode, never surfaced to
// application startup. Per-lookup backend errors are treated as "this source
// is empty" and the cascade continues, unless fallback is explicitly disabled
// by configuration, in which case the error propagates to the caller. A key
// found nowhere returns an absent result, not an error.
package polaris
