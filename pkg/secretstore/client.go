// Package secretstore implements the secret backend client of the resolution
// engine. It authenticates to a remote secret store with a machine identity,
// fetches individual or batched secret values, caches them with a short TTL,
// and falls back to process environment variables when the store is slow,
// unreachable, or still initializing.
//
// The client is constructed once per process and initialized exactly once;
// concurrent initialization attempts share a single in-flight call. A client
// whose required project identifier is missing fails fast and permanently
// reports itself as not operational rather than initializing forever.
package secretstore

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/polaris/pkg/clients"
	"github.com/ajitpratap0/polaris/pkg/config"
	"github.com/ajitpratap0/polaris/pkg/errors"
	"github.com/ajitpratap0/polaris/pkg/lookup"
	"github.com/ajitpratap0/polaris/pkg/metrics"
	"github.com/ajitpratap0/polaris/pkg/observability"
)

// State tracks the client's readiness lifecycle.
type State int32

const (
	// StateNotStarted means Initialize has never been invoked
	StateNotStarted State = iota
	// StateInitializing means an initialization attempt is in flight
	StateInitializing
	// StateReady means the client authenticated and can serve live reads
	StateReady
	// StateDegraded means initialization failed; the client serves only
	// environment and default values until Initialize is re-invoked
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "not_started"
	}
}

// cacheEntry is the value held in the client's TTL cache.
type cacheEntry struct {
	value      string
	source     lookup.Source
	insertedAt time.Time
}

// fetchResult distinguishes "backend has no such secret" from an empty value.
type fetchResult struct {
	value string
	found bool
}

// Client is the secret backend client.
type Client struct {
	cfg    config.SecretStoreConfig
	logger *zap.Logger
	http   *clients.HTTPClient
	cache  *ttlcache.Cache[string, cacheEntry]
	env    lookup.EnvFunc

	fetch func(context.Context, string) (fetchResult, error)

	initGroup singleflight.Group

	mu           sync.RWMutex
	state        State
	failFast     bool // misconfiguration; re-invoking Initialize cannot help
	accessToken  string
	tokenExpires time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithEnvFunc overrides the process environment accessor, primarily for tests.
func WithEnvFunc(env lookup.EnvFunc) Option {
	return func(c *Client) { c.env = env }
}

// WithHTTPClient overrides the transport, primarily for tests.
func WithHTTPClient(hc *clients.HTTPClient) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a secret store client. The client performs no network
// activity until Initialize is called.
func NewClient(cfg config.SecretStoreConfig, logger *zap.Logger, opts ...Option) *Client {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "secret_store")),
		cache: ttlcache.New[string, cacheEntry](
			ttlcache.WithTTL[string, cacheEntry](ttl),
			ttlcache.WithDisableTouchOnHit[string, cacheEntry](),
		),
		env: lookup.OSEnv,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		httpCfg := clients.DefaultHTTPConfig()
		if cfg.RequestTimeout > 0 {
			httpCfg.RequestTimeout = cfg.RequestTimeout
		}
		c.http = clients.NewHTTPClient(httpCfg, logger)
	}

	c.fetch = observability.Instrument("secretstore.fetch", c.fetchRemote)

	return c
}

// State returns the current readiness state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsReady reports whether the client can serve lookups without blocking.
// A disabled integration is ready by design: it serves environment and
// default values only.
func (c *Client) IsReady() bool {
	if !c.cfg.Enabled {
		return true
	}
	return c.State() == StateReady
}

// operational reports whether live backend reads are possible.
func (c *Client) operational() bool {
	return c.cfg.Enabled && c.State() == StateReady
}

// Initialize authenticates to the secret store. It is idempotent: once the
// client is ready, subsequent calls return immediately, and concurrent calls
// share a single in-flight attempt. A degraded client retries on an explicit
// re-invocation unless the failure was a fail-fast misconfiguration.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.RLock()
	state, failFast := c.state, c.failFast
	c.mu.RUnlock()

	if !c.cfg.Enabled || state == StateReady {
		return nil
	}
	if failFast {
		return errors.New(errors.ErrorTypeConfig, "secret store is not operational: project id not configured")
	}

	_, err, _ := c.initGroup.Do("init", func() (interface{}, error) {
		return nil, c.initialize(ctx)
	})
	return err
}

func (c *Client) initialize(ctx context.Context) error {
	c.setState(StateInitializing)

	if c.cfg.ProjectID == "" {
		c.mu.Lock()
		c.state = StateDegraded
		c.failFast = true
		c.mu.Unlock()
		metrics.SetReady("secret_store", false)
		c.logger.Warn("secret store misconfigured, serving fallbacks only",
			zap.String("reason", "missing project id"))
		return errors.New(errors.ErrorTypeConfig, "secret store project id is required")
	}

	token, expiresIn, err := c.login(ctx)
	if err != nil {
		c.setState(StateDegraded)
		metrics.SetReady("secret_store", false)
		return errors.Wrap(err, errors.ErrorTypeInitialization, "secret store login failed")
	}

	c.mu.Lock()
	c.accessToken = token
	c.tokenExpires = time.Now().Add(expiresIn)
	c.state = StateReady
	c.mu.Unlock()

	metrics.SetReady("secret_store", true)
	c.logger.Info("secret store client ready",
		zap.String("project_id", c.cfg.ProjectID),
		zap.String("environment", c.cfg.Environment))
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// login performs the machine-identity authentication call.
func (c *Client) login(ctx context.Context) (string, time.Duration, error) {
	body, err := gojson.Marshal(map[string]string{
		"clientId":     c.cfg.ClientID,
		"clientSecret": c.cfg.ClientSecret,
	})
	if err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode login request")
	}

	url := fmt.Sprintf("%s/api/v1/auth/machine/login", strings.TrimRight(c.cfg.BaseURL, "/"))
	resp, err := c.http.Post(ctx, url, bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeConnection, "login request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.New(errors.ErrorTypeAuthentication,
			fmt.Sprintf("login rejected with status %d", resp.StatusCode))
	}

	var loginResp struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := gojson.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", 0, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode login response")
	}
	if loginResp.AccessToken == "" {
		return "", 0, errors.New(errors.ErrorTypeAuthentication, "login response carried no access token")
	}

	expiresIn := time.Duration(loginResp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return loginResp.AccessToken, expiresIn, nil
}

// ensureToken re-authenticates when the access token is about to expire.
// Refreshes share one in-flight login via the same singleflight group.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.accessToken
	expires := c.tokenExpires
	c.mu.RUnlock()

	if token != "" && time.Until(expires) > time.Minute {
		return token, nil
	}

	_, err, _ := c.initGroup.Do("refresh", func() (interface{}, error) {
		newToken, expiresIn, err := c.login(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.accessToken = newToken
		c.tokenExpires = time.Now().Add(expiresIn)
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken, nil
}

// WaitForReady polls until the client is ready, re-attempting initialization
// on each tick. It returns a readiness_timeout error once the bound is
// exceeded; callers treat that as non-fatal and proceed in degraded mode.
// A fail-fast misconfiguration returns immediately instead of polling out
// the full timeout.
func (c *Client) WaitForReady(ctx context.Context, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if err := c.Initialize(ctx); err != nil && errors.IsType(err, errors.ErrorTypeConfig) {
			return err
		}
		if c.IsReady() {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New(errors.ErrorTypeReadinessTimeout,
				fmt.Sprintf("secret store not ready after %s", timeout))
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeReadinessTimeout, "secret store readiness wait canceled")
		}
	}
}

// GetSecret resolves a single secret. The cascade is: local cache, remote
// store (when operational), environment variable of the same name, then the
// optional caller-supplied default. A backend error is logged at debug level
// and falls through to the environment unless fallback is disabled by
// configuration, in which case the error propagates to the caller.
func (c *Client) GetSecret(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error) {
	if item := c.cache.Get(key); item != nil {
		metrics.CacheEvents.WithLabelValues("secret_store", "hit").Inc()
		entry := item.Value()
		return lookup.FoundCached(entry.value, entry.source, item.ExpiresAt()), nil
	}
	metrics.CacheEvents.WithLabelValues("secret_store", "miss").Inc()

	if c.operational() {
		res, err := c.fetch(ctx, key)
		switch {
		case err != nil:
			c.logger.Debug("secret fetch failed, falling back",
				zap.String("key", key), zap.Error(err))
			metrics.BackendErrors.WithLabelValues("secret_store", "fetch").Inc()
			if !c.cfg.FallbackEnabled {
				return lookup.NotFound(), errors.Wrap(err, errors.ErrorTypeFetch, "secret fetch failed")
			}
		case res.found:
			// Empty values are served but never cached.
			if res.value != "" {
				c.cache.Set(key, cacheEntry{
					value:      res.value,
					source:     lookup.SourceSecretStore,
					insertedAt: time.Now(),
				}, ttlcache.DefaultTTL)
			}
			return lookup.Found(res.value, lookup.SourceSecretStore), nil
		}
	}

	return c.fallback(key, defaultValue...), nil
}

// fallback resolves a key from the environment or the supplied default.
// Neither outcome is ever cached: an operator changing the environment after
// a fallback was served must be observed on the very next call.
func (c *Client) fallback(key string, defaultValue ...string) lookup.Result {
	if v, ok := c.env(key); ok {
		return lookup.Found(v, lookup.SourceEnvironment)
	}
	if len(defaultValue) > 0 {
		return lookup.Found(defaultValue[0], lookup.SourceDefault)
	}
	return lookup.NotFound()
}

// fetchRemote reads one secret from the store. A 404 is "not found in this
// backend", not an error.
func (c *Client) fetchRemote(ctx context.Context, key string) (fetchResult, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return fetchResult{}, err
	}

	url := fmt.Sprintf("%s/api/v3/secrets/%s?projectId=%s&environment=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), key, c.cfg.ProjectID, c.cfg.Environment)
	resp, err := c.http.Get(ctx, url, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return fetchResult{}, errors.Wrap(err, errors.ErrorTypeConnection, "secret request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fetchResult{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return fetchResult{}, errors.New(errors.ErrorTypeFetch,
			fmt.Sprintf("secret request failed with status %d", resp.StatusCode))
	}

	var payload struct {
		Secret struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"secret"`
	}
	if err := gojson.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fetchResult{}, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode secret response")
	}

	return fetchResult{value: payload.Secret.Value, found: true}, nil
}

// GetSecrets resolves a batch of secrets with one bulk fetch scoped to the
// configured project and environment. Two response shapes are tolerated: a
// wrapped object with a secrets list field, or a bare list. Any other shape,
// or a fetch-time error, degrades the entire batch to independent per-key
// GetSecret calls; a malformed bulk response must not silently return partial
// or wrong data. When fallback is disabled by configuration, the bulk failure
// propagates instead.
func (c *Client) GetSecrets(ctx context.Context, keys []string) (map[string]lookup.Result, error) {
	results := make(map[string]lookup.Result, len(keys))

	if !c.operational() {
		for _, key := range keys {
			results[key], _ = c.GetSecret(ctx, key)
		}
		return results, nil
	}

	bulk, err := c.fetchBulk(ctx)
	if err != nil {
		c.logger.Debug("bulk secret fetch failed, degrading to per-key fetches", zap.Error(err))
		metrics.BackendErrors.WithLabelValues("secret_store", "bulk").Inc()
		if !c.cfg.FallbackEnabled {
			return nil, err
		}
		for _, key := range keys {
			res, perKeyErr := c.GetSecret(ctx, key)
			if perKeyErr != nil {
				return nil, perKeyErr
			}
			results[key] = res
		}
		return results, nil
	}

	// A well-formed response is trusted even when empty: keys the store does
	// not hold go straight to the environment/default fallback without a
	// second backend round trip.
	for _, key := range keys {
		if value, ok := bulk[key]; ok {
			if value != "" {
				c.cache.Set(key, cacheEntry{
					value:      value,
					source:     lookup.SourceSecretStore,
					insertedAt: time.Now(),
				}, ttlcache.DefaultTTL)
			}
			results[key] = lookup.Found(value, lookup.SourceSecretStore)
			continue
		}
		results[key] = c.fallback(key)
	}
	return results, nil
}

// secretPayload is one entry of a bulk response.
type secretPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// fetchBulk lists all secrets in the configured environment and returns them
// keyed by name.
func (c *Client) fetchBulk(ctx context.Context) (map[string]string, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v3/secrets?projectId=%s&environment=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.ProjectID, c.cfg.Environment)
	resp, err := c.http.Get(ctx, url, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "bulk secret request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrorTypeFetch,
			fmt.Sprintf("bulk secret request failed with status %d", resp.StatusCode))
	}

	var raw gojson.RawMessage
	if err := gojson.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode bulk response")
	}

	list, err := parseBulkPayload(raw)
	if err != nil {
		return nil, err
	}

	secrets := make(map[string]string, len(list))
	for _, s := range list {
		secrets[s.Key] = s.Value
	}
	return secrets, nil
}

// parseBulkPayload tolerates the two known bulk response shapes and rejects
// everything else.
func parseBulkPayload(raw gojson.RawMessage) ([]secretPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New(errors.ErrorTypeInvalidResponse, "empty bulk response body")
	}

	switch trimmed[0] {
	case '{':
		var wrapped struct {
			Secrets []secretPayload `json:"secrets"`
		}
		if err := gojson.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "unrecognized bulk response object")
		}
		if wrapped.Secrets == nil {
			return nil, errors.New(errors.ErrorTypeInvalidResponse, "bulk response object has no secrets field")
		}
		return wrapped.Secrets, nil
	case '[':
		var bare []secretPayload
		if err := gojson.Unmarshal(trimmed, &bare); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "unrecognized bulk response list")
		}
		return bare, nil
	default:
		return nil, errors.New(errors.ErrorTypeInvalidResponse, "bulk response is neither object nor list")
	}
}

// ClearCache drops all cached secrets. There is no per-key invalidation
// beyond natural TTL expiry.
func (c *Client) ClearCache() {
	c.cache.DeleteAll()
	metrics.CacheEvents.WithLabelValues("secret_store", "clear").Inc()
}

// CacheStats returns an observability snapshot of the cache.
func (c *Client) CacheStats() lookup.CacheStats {
	items := c.cache.Items()
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

// Close releases transport resources.
func (c *Client) Close() error {
	return c.http.Close()
}
