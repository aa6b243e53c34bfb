// Package config provides simple configuration loading
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads a configuration from a YAML file on top of NewConfig defaults.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller and validated
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Substitute environment variables
	content := substituteEnvVars(string(data))

	cfg := NewConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// FromEnv builds a configuration from POLARIS_* environment variables on top
// of NewConfig defaults. Only variables that are set override the defaults.
func FromEnv() *Config {
	cfg := NewConfig()

	setBool(&cfg.SecretStore.Enabled, "POLARIS_SECRET_STORE_ENABLED")
	setString(&cfg.SecretStore.BaseURL, "POLARIS_SECRET_STORE_URL")
	setString(&cfg.SecretStore.ClientID, "POLARIS_SECRET_STORE_CLIENT_ID")
	setString(&cfg.SecretStore.ClientSecret, "POLARIS_SECRET_STORE_CLIENT_SECRET")
	setString(&cfg.SecretStore.ProjectID, "POLARIS_SECRET_STORE_PROJECT_ID")
	setString(&cfg.SecretStore.Environment, "POLARIS_SECRET_STORE_ENVIRONMENT")
	setDuration(&cfg.SecretStore.CacheTTL, "POLARIS_SECRET_STORE_CACHE_TTL")
	setBool(&cfg.SecretStore.FallbackEnabled, "POLARIS_SECRET_STORE_FALLBACK_ENABLED")
	setDuration(&cfg.SecretStore.RequestTimeout, "POLARIS_SECRET_STORE_REQUEST_TIMEOUT")

	setBool(&cfg.FeatureFlags.Enabled, "POLARIS_FEATURE_FLAGS_ENABLED")
	setString(&cfg.FeatureFlags.URL, "POLARIS_FEATURE_FLAGS_URL")
	setString(&cfg.FeatureFlags.AppName, "POLARIS_FEATURE_FLAGS_APP_NAME")
	setString(&cfg.FeatureFlags.Environment, "POLARIS_FEATURE_FLAGS_ENVIRONMENT")
	setString(&cfg.FeatureFlags.InstanceID, "POLARIS_FEATURE_FLAGS_INSTANCE_ID")
	setString(&cfg.FeatureFlags.APITokenSecret, "POLARIS_FEATURE_FLAGS_API_TOKEN_SECRET")
	setDuration(&cfg.FeatureFlags.RefreshInterval, "POLARIS_FEATURE_FLAGS_REFRESH_INTERVAL")
	setDuration(&cfg.FeatureFlags.MetricsInterval, "POLARIS_FEATURE_FLAGS_METRICS_INTERVAL")
	setDuration(&cfg.FeatureFlags.CacheTTL, "POLARIS_FEATURE_FLAGS_CACHE_TTL")
	setBool(&cfg.FeatureFlags.FallbackEnabled, "POLARIS_FEATURE_FLAGS_FALLBACK_ENABLED")
	setDuration(&cfg.FeatureFlags.RequestTimeout, "POLARIS_FEATURE_FLAGS_REQUEST_TIMEOUT")
	setInt(&cfg.FeatureFlags.RetryCount, "POLARIS_FEATURE_FLAGS_RETRY_COUNT")
	setDuration(&cfg.FeatureFlags.ReadyTimeout, "POLARIS_FEATURE_FLAGS_READY_TIMEOUT")

	setDuration(&cfg.Resolver.CacheTTL, "POLARIS_RESOLVER_CACHE_TTL")
	setDuration(&cfg.Resolver.ReadinessTimeout, "POLARIS_RESOLVER_READINESS_TIMEOUT")
	setDuration(&cfg.Resolver.ReadinessInterval, "POLARIS_RESOLVER_READINESS_INTERVAL")
	setString(&cfg.Logging.Level, "POLARIS_LOG_LEVEL")

	return cfg
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
