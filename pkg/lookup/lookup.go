// Package lookup defines the shared value types of the configuration
// resolution engine: the configuration source tag, the result of a single
// lookup, and the per-call options accepted by the resolver.
//
// These types are deliberately free of behavior so that the backend clients
// and the resolver can depend on them without depending on each other.
package lookup

import (
	"os"
	"time"
)

// Source identifies which layer of the cascade produced a value.
// Sources are ordered by descending priority in the default cascade.
type Source string

const (
	// SourceSecretStore identifies values fetched from the remote secret store
	SourceSecretStore Source = "SECRET_STORE"
	// SourceFeatureFlag identifies values carried in flag variant payloads
	SourceFeatureFlag Source = "FEATURE_FLAG"
	// SourceEnvironment identifies values read from the process environment
	SourceEnvironment Source = "ENVIRONMENT"
	// SourceDefault identifies caller-supplied default values
	SourceDefault Source = "DEFAULT"
)

// DefaultCascade returns the four sources in default priority order.
// The returned slice is a fresh copy; callers may reorder it.
func DefaultCascade() []Source {
	return []Source{SourceSecretStore, SourceFeatureFlag, SourceEnvironment, SourceDefault}
}

// Result is the immutable outcome of a single configuration lookup.
//
// Invariant: Found == false implies Value is empty and Source is the zero
// value. Constructors below preserve this; nothing else should build a Result
// by hand.
type Result struct {
	Value     string    `json:"value,omitempty"`
	Source    Source    `json:"source,omitempty"`
	Found     bool      `json:"found"`
	Cached    bool      `json:"cached"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Found builds a successful Result for a freshly resolved value.
func Found(value string, source Source) Result {
	return Result{Value: value, Source: source, Found: true}
}

// FoundCached builds a successful Result served from a cache, carrying the
// entry's expiry so callers can reason about staleness.
func FoundCached(value string, source Source, expiresAt time.Time) Result {
	return Result{Value: value, Source: source, Found: true, Cached: true, ExpiresAt: expiresAt}
}

// NotFound is the canonical empty Result.
func NotFound() Result {
	return Result{}
}

// Options carries the per-call knobs of a resolver lookup. The zero value
// requests the default behavior: consult the cache, use the resolver's
// configured TTL, walk the full four-source cascade, no default value.
type Options struct {
	// SkipCache bypasses the resolver's own cache for this call
	SkipCache bool `json:"skip_cache"`
	// CacheTTL overrides the resolver's default TTL for this call (0 = default)
	CacheTTL time.Duration `json:"cache_ttl"`
	// Sources overrides the cascade order (nil = DefaultCascade)
	Sources []Source `json:"sources,omitempty"`
	// DefaultValue is returned when no other source yields a value.
	// A nil pointer means no default was supplied; an empty string default
	// is a legitimate value.
	DefaultValue *string `json:"default_value,omitempty"`
}

// Default is a convenience for building Options with a default value.
func Default(value string) Options {
	return Options{DefaultValue: &value}
}

// EnvFunc is the process environment accessor consulted by the ENVIRONMENT
// cascade step and by backend fallbacks. Injectable so tests can run without
// mutating the real environment.
type EnvFunc func(key string) (string, bool)

// OSEnv reads the real process environment.
func OSEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}
