// Package config provides the unified configuration system for Polaris.
// It defines a single Config structure covering both backend clients and
// the resolver, ensuring consistent configuration across the engine.
//
// The configuration is organized into logical sections:
//   - SecretStore: remote secret store credentials, project scoping, cache TTL
//   - FeatureFlags: flag service endpoint, polling intervals, bootstrap secret
//   - Resolver: default cache TTL and readiness wait bounds
//   - Logging: level, encoding, development mode
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.SecretStore.ProjectID = "prj_1234"
//	cfg.FeatureFlags.URL = "https://flags.internal"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// Config is the single unified configuration structure for the resolution
// engine. Services embed or load it once at startup and hand the relevant
// sections to each client.
type Config struct {
	// SecretStore configures the secret backend client
	SecretStore SecretStoreConfig `yaml:"secret_store" json:"secret_store"`

	// FeatureFlags configures the feature-flag backend client
	FeatureFlags FeatureFlagConfig `yaml:"feature_flags" json:"feature_flags"`

	// Resolver configures the unified resolver
	Resolver ResolverConfig `yaml:"resolver" json:"resolver"`

	// Logging configures structured log output
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// SecretStoreConfig contains the secret backend client settings.
type SecretStoreConfig struct {
	// Enabled toggles the secret store integration
	Enabled bool `yaml:"enabled" json:"enabled"`
	// BaseURL is the secret store API endpoint
	BaseURL string `yaml:"base_url" json:"base_url"`
	// ClientID identifies the machine identity used to authenticate
	ClientID string `yaml:"client_id" json:"client_id"`
	// ClientSecret authenticates the machine identity
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	// ProjectID scopes secret reads to one project; required when enabled
	ProjectID string `yaml:"project_id" json:"project_id"`
	// Environment selects the secret environment (dev, staging, prod)
	Environment string `yaml:"environment" json:"environment"`
	// CacheTTL bounds how long fetched secrets are served from cache
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// FallbackEnabled controls whether backend errors fall through to the
	// environment instead of propagating to the caller
	FallbackEnabled bool `yaml:"fallback_enabled" json:"fallback_enabled"`
	// RequestTimeout bounds individual backend calls
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// FeatureFlagConfig contains the feature-flag backend client settings.
type FeatureFlagConfig struct {
	// Enabled toggles the flag integration; when false the client is
	// immediately ready in degraded mode
	Enabled bool `yaml:"enabled" json:"enabled"`
	// URL is the flag-evaluation service endpoint
	URL string `yaml:"url" json:"url"`
	// AppName identifies this application to the flag service
	AppName string `yaml:"app_name" json:"app_name"`
	// Environment selects the evaluation context environment
	Environment string `yaml:"environment" json:"environment"`
	// InstanceID distinguishes process instances of the same app
	InstanceID string `yaml:"instance_id" json:"instance_id"`
	// APITokenSecret names the secret (in the secret store) holding the
	// bearer token used to authenticate to the flag service
	APITokenSecret string `yaml:"api_token_secret" json:"api_token_secret"`
	// RefreshInterval controls how often flag definitions are re-fetched
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
	// MetricsInterval controls how often evaluation metrics are reported
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
	// CacheTTL bounds how long evaluated values are served from cache
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// FallbackEnabled controls whether evaluation errors fall through to the
	// environment instead of propagating to the caller
	FallbackEnabled bool `yaml:"fallback_enabled" json:"fallback_enabled"`
	// RequestTimeout bounds individual flag service calls
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// RetryCount sets maximum retries for flag service calls
	RetryCount int `yaml:"retry_count" json:"retry_count"`
	// ReadyTimeout bounds the initial connection handshake
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
}

// ResolverConfig contains the unified resolver settings.
type ResolverConfig struct {
	// CacheTTL is the default TTL for resolver cache entries; individual
	// lookups may override it per call
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// ReadinessTimeout bounds how long startup waits for each backend
	ReadinessTimeout time.Duration `yaml:"readiness_timeout" json:"readiness_timeout"`
	// ReadinessInterval is the delay between readiness poll attempts
	ReadinessInterval time.Duration `yaml:"readiness_interval" json:"readiness_interval"`
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	// Level sets logging verbosity (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`
	// Encoding selects the output format (json or console)
	Encoding string `yaml:"encoding" json:"encoding"`
	// Development enables colored, stack-traced output
	Development bool `yaml:"development" json:"development"`
}

// NewConfig creates a Config with production-ready defaults. Both backend
// integrations default to disabled so that an unconfigured process starts in
// degraded mode instead of failing.
func NewConfig() *Config {
	return &Config{
		SecretStore: SecretStoreConfig{
			Enabled:         false,
			Environment:     "dev",
			CacheTTL:        5 * time.Minute,
			FallbackEnabled: true,
			RequestTimeout:  10 * time.Second,
		},
		FeatureFlags: FeatureFlagConfig{
			Enabled:         false,
			AppName:         "polaris",
			Environment:     "dev",
			APITokenSecret:  "FEATURE_FLAG_API_TOKEN",
			RefreshInterval: 15 * time.Second,
			MetricsInterval: 60 * time.Second,
			CacheTTL:        time.Minute,
			FallbackEnabled: true,
			RequestTimeout:  10 * time.Second,
			RetryCount:      3,
			ReadyTimeout:    10 * time.Second,
		},
		Resolver: ResolverConfig{
			CacheTTL:          time.Minute,
			ReadinessTimeout:  30 * time.Second,
			ReadinessInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate validates the configuration for correctness.
// It checks required fields and ensures values are within acceptable ranges.
// A disabled integration skips validation of its own fields entirely; an
// enabled one must be fully specified.
func (c *Config) Validate() error {
	if c.SecretStore.Enabled {
		if c.SecretStore.BaseURL == "" {
			return fmt.Errorf("secret_store.base_url is required when enabled")
		}
		if c.SecretStore.ClientID == "" || c.SecretStore.ClientSecret == "" {
			return fmt.Errorf("secret_store client credentials are required when enabled")
		}
		if c.SecretStore.CacheTTL < 0 {
			return fmt.Errorf("secret_store.cache_ttl cannot be negative")
		}
	}
	if c.FeatureFlags.Enabled {
		if c.FeatureFlags.URL == "" {
			return fmt.Errorf("feature_flags.url is required when enabled")
		}
		if c.FeatureFlags.AppName == "" {
			return fmt.Errorf("feature_flags.app_name is required when enabled")
		}
		if c.FeatureFlags.RefreshInterval <= 0 {
			return fmt.Errorf("feature_flags.refresh_interval must be positive")
		}
		if c.FeatureFlags.RetryCount < 0 {
			return fmt.Errorf("feature_flags.retry_count cannot be negative")
		}
	}
	if c.Resolver.CacheTTL < 0 {
		return fmt.Errorf("resolver.cache_ttl cannot be negative")
	}
	if c.Resolver.ReadinessInterval <= 0 {
		return fmt.Errorf("resolver.readiness_interval must be positive")
	}
	return nil
}
