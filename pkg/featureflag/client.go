// Package featureflag implements the feature-flag backend client of the
// resolution engine. Configuration values are carried in flag variant
// payloads; the client authenticates to a flag-evaluation service with a
// bearer token fetched from the secret store, keeps a locally refreshed
// snapshot of flag definitions, evaluates flags against that snapshot, and
// falls back to process environment variables in the same shape as the
// secret store client.
//
// A disabled integration is immediately and permanently ready in degraded
// mode; disabling feature flags must never block dependent services. The
// dependency on the secret store exists only for the bootstrap credential,
// not for ongoing reads.
package featureflag

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
)

// BootstrapSource supplies the bearer credential used to open the flag
// service connection. In production this is the secret store client; tests
// substitute a stub.
type BootstrapSource interface {
	WaitForReady(ctx context.Context, timeout, interval time.Duration) error
	GetSecret(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error)
}

// State tracks the client's readiness lifecycle.
type State int32

const (
	// StateNotStarted means Initialize has never been invoked
	StateNotStarted State = iota
	// StateInitializing means an initialization attempt is in flight
	StateInitializing
	// StateReady means the client holds a live flag snapshot
	StateReady
	// StateDegraded means initialization failed; only environment and
	// default values are served until Initialize is re-invoked
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

// variantPayload carries the configuration value attached to a variant.
type variantPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// variant is one weighted variant of a feature flag.
type variant struct {
	Name    string         `json:"name"`
	Weight  int            `json:"weight"`
	Payload variantPayload `json:"payload"`
}

// feature is one flag definition from the evaluation service.
type feature struct {
	Name     string    `json:"name"`
	Enabled  bool      `json:"enabled"`
	Variants []variant `json:"variants"`
}

// cacheEntry is the value held in the client's TTL cache.
type cacheEntry struct {
	value      string
	source     lookup.Source
	insertedAt time.Time
}

// Client is the feature-flag backend client.
type Client struct {
	cfg       config.FeatureFlagConfig
	logger    *zap.Logger
	http      *clients.HTTPClient
	cache     *ttlcache.Cache[string, cacheEntry]
	env       lookup.EnvFunc
	bootstrap BootstrapSource

	initGroup singleflight.Group

	mu       sync.RWMutex
	state    State
	failFast bool
	token    string
	features map[string]feature

	evalMu     sync.Mutex
	evalCounts map[string]int64

	stopOnce sync.Once
	stopCh   chan struct{}
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

// NewClient creates a feature-flag client. The client performs no network
// activity until Initialize is called.
func NewClient(cfg config.FeatureFlagConfig, bootstrap BootstrapSource, logger *zap.Logger, opts ...Option) *Client {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	// The refresh and metrics loops derive per-tick contexts from this value;
	// a zero timeout would expire them before the first byte is sent.
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "feature_flags")),
		cache: ttlcache.New[string, cacheEntry](
			ttlcache.WithTTL[string, cacheEntry](ttl),
			ttlcache.WithDisableTouchOnHit[string, cacheEntry](),
		),
		env:        lookup.OSEnv,
		bootstrap:  bootstrap,
		evalCounts: make(map[string]int64),
		stopCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		httpCfg := clients.DefaultHTTPConfig()
		if cfg.RequestTimeout > 0 {
			httpCfg.RequestTimeout = cfg.RequestTimeout
		}
		if cfg.RetryCount > 0 {
			httpCfg.MaxRetries = cfg.RetryCount
		}
		c.http = clients.NewHTTPClient(httpCfg, logger)
	}

	return c
}

// State returns the current readiness state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsReady reports whether the client can serve lookups without blocking.
// True when the integration is disabled by configuration, or when
// initialization completed and the flag snapshot is live.
func (c *Client) IsReady() bool {
	if !c.cfg.Enabled {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateReady && c.features != nil
}

// operational reports whether live flag evaluations are possible.
func (c *Client) operational() bool {
	return c.cfg.Enabled && c.IsReady()
}

// Initialize connects to the flag-evaluation service. A disabled integration
// returns immediately: it is ready in degraded mode by design, not by
// failure. When enabled, initialization first awaits the secret store's
// readiness, fetches the bootstrap credential from it, registers with the
// flag service, and performs the initial flag fetch bounded by the configured
// ready timeout. Concurrent calls share one in-flight attempt.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.RLock()
	state, failFast := c.state, c.failFast
	c.mu.RUnlock()

	if !c.cfg.Enabled || state == StateReady {
		return nil
	}
	if failFast {
		return errors.New(errors.ErrorTypeConfig, "feature flags are not operational: service url not configured")
	}

	_, err, _ := c.initGroup.Do("init", func() (interface{}, error) {
		return nil, c.initialize(ctx)
	})
	return err
}

func (c *Client) initialize(ctx context.Context) error {
	c.setState(StateInitializing)

	if c.cfg.URL == "" {
		c.mu.Lock()
		c.state = StateDegraded
		c.failFast = true
		c.mu.Unlock()
		metrics.SetReady("feature_flags", false)
		c.logger.Warn("feature flags misconfigured, serving fallbacks only",
			zap.String("reason", "missing service url"))
		return errors.New(errors.ErrorTypeConfig, "feature flag service url is required")
	}

	// The secret store owns the bootstrap credential. Its own readiness wait
	// is bounded; a degraded secret store still serves the credential from
	// the environment.
	if err := c.bootstrap.WaitForReady(ctx, c.cfg.ReadyTimeout, time.Second); err != nil {
		c.logger.Debug("secret store not ready, fetching bootstrap token via fallback", zap.Error(err))
	}

	tokenRes, err := c.bootstrap.GetSecret(ctx, c.cfg.APITokenSecret)
	if err != nil || !tokenRes.Found {
		c.setState(StateDegraded)
		metrics.SetReady("feature_flags", false)
		if err == nil {
			err = errors.New(errors.ErrorTypeNotFound,
				fmt.Sprintf("bootstrap secret %q not found", c.cfg.APITokenSecret))
		}
		return errors.Wrap(err, errors.ErrorTypeInitialization, "failed to obtain flag service credential")
	}

	c.mu.Lock()
	c.token = tokenRes.Value
	c.mu.Unlock()

	handshakeCtx := ctx
	if c.cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, c.cfg.ReadyTimeout)
		defer cancel()
	}

	// Registration is advisory; the service tolerates unregistered clients.
	if err := c.register(handshakeCtx); err != nil {
		c.logger.Warn("flag client registration failed", zap.Error(err))
	}

	snapshot, err := c.fetchFeatures(handshakeCtx)
	if err != nil {
		c.setState(StateDegraded)
		metrics.SetReady("feature_flags", false)
		return errors.Wrap(err, errors.ErrorTypeInitialization, "initial flag fetch failed")
	}

	c.mu.Lock()
	c.features = snapshot
	c.state = StateReady
	c.mu.Unlock()

	metrics.SetReady("feature_flags", true)
	c.logger.Info("feature flag client ready",
		zap.String("app", c.cfg.AppName),
		zap.String("environment", c.cfg.Environment),
		zap.Int("flags", len(snapshot)))

	go c.refreshLoop()
	if c.cfg.MetricsInterval > 0 {
		go c.metricsLoop()
	}
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// WaitForReady polls until the client is ready, re-attempting initialization
// on each tick. It returns a readiness_timeout error once the bound is
// exceeded; the resolver treats that as non-fatal. A fail-fast
// misconfiguration returns immediately.
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
				fmt.Sprintf("feature flags not ready after %s", timeout))
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeReadinessTimeout, "feature flag readiness wait canceled")
		}
	}
}

// GetConfigValue resolves a configuration value carried in a flag variant
// payload. The cascade is: local cache, flag evaluation (when operational),
// environment variable of the same name, then the optional caller-supplied
// default. An evaluation error is logged and falls through unless fallback is
// disabled by configuration, in which case it propagates.
func (c *Client) GetConfigValue(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error) {
	if item := c.cache.Get(key); item != nil {
		metrics.CacheEvents.WithLabelValues("feature_flags", "hit").Inc()
		entry := item.Value()
		return lookup.FoundCached(entry.value, entry.source, item.ExpiresAt()), nil
	}
	metrics.CacheEvents.WithLabelValues("feature_flags", "miss").Inc()

	if c.operational() {
		value, found, err := c.evaluate(key)
		switch {
		case err != nil:
			c.logger.Debug("flag evaluation failed, falling back",
				zap.String("key", key), zap.Error(err))
			metrics.BackendErrors.WithLabelValues("feature_flags", "evaluate").Inc()
			if !c.cfg.FallbackEnabled {
				return lookup.NotFound(), errors.Wrap(err, errors.ErrorTypeFetch, "flag evaluation failed")
			}
		case found:
			if value != "" {
				c.cache.Set(key, cacheEntry{
					value:      value,
					source:     lookup.SourceFeatureFlag,
					insertedAt: time.Now(),
				}, ttlcache.DefaultTTL)
			}
			return lookup.Found(value, lookup.SourceFeatureFlag), nil
		}
	}

	return c.fallback(key, defaultValue...), nil
}

// fallback resolves a key from the environment or the supplied default.
// Fallback results are never cached.
func (c *Client) fallback(key string, defaultValue ...string) lookup.Result {
	if v, ok := c.env(key); ok {
		return lookup.Found(v, lookup.SourceEnvironment)
	}
	if len(defaultValue) > 0 {
		return lookup.Found(defaultValue[0], lookup.SourceDefault)
	}
	return lookup.NotFound()
}

// evaluate checks the local snapshot. A disabled or unknown flag is "not
// found in this backend"; a variant payload of an unsupported type is an
// evaluation error.
func (c *Client) evaluate(key string) (string, bool, error) {
	c.mu.RLock()
	f, ok := c.features[key]
	c.mu.RUnlock()

	c.countEvaluation(key)

	if !ok || !f.Enabled {
		return "", false, nil
	}
	if len(f.Variants) == 0 {
		return "", false, nil
	}

	v := pickVariant(f.Variants)
	switch v.Payload.Type {
	case "string", "json", "csv", "":
		return v.Payload.Value, true, nil
	default:
		return "", false, errors.New(errors.ErrorTypeInvalidResponse,
			fmt.Sprintf("unsupported variant payload type %q for flag %s", v.Payload.Type, key))
	}
}

// pickVariant selects the heaviest variant; ties go to definition order.
// Per-context weighted rollout is the flag service's concern, not ours: the
// engine reads flags as configuration carriers, not as experiments.
func pickVariant(variants []variant) variant {
	best := variants[0]
	for _, v := range variants[1:] {
		if v.Weight > best.Weight {
			best = v
		}
	}
	return best
}

// IsEnabled reports whether a flag is enabled in the current snapshot.
func (c *Client) IsEnabled(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.features[key]
	return ok && f.Enabled
}

// Variant returns the name of the variant that would be selected for an
// enabled flag, and false for a disabled, unknown, or variant-less flag.
func (c *Client) Variant(key string) (string, bool) {
	c.mu.RLock()
	f, ok := c.features[key]
	c.mu.RUnlock()

	if !ok || !f.Enabled || len(f.Variants) == 0 {
		return "", false
	}
	return pickVariant(f.Variants).Name, true
}

func (c *Client) countEvaluation(key string) {
	c.evalMu.Lock()
	c.evalCounts[key]++
	c.evalMu.Unlock()
}

// register announces this instance to the flag service. Advisory only.
func (c *Client) register(ctx context.Context) error {
	body, err := gojson.Marshal(map[string]interface{}{
		"appName":     c.cfg.AppName,
		"instanceId":  c.cfg.InstanceID,
		"environment": c.cfg.Environment,
		"interval":    c.cfg.RefreshInterval.Milliseconds(),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode registration")
	}

	url := fmt.Sprintf("%s/api/client/register", strings.TrimRight(c.cfg.URL, "/"))
	resp, err := c.http.Post(ctx, url, bytes.NewReader(body), c.authHeaders())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "registration request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return errors.New(errors.ErrorTypeConnection,
			fmt.Sprintf("registration rejected with status %d", resp.StatusCode))
	}
	return nil
}

// fetchFeatures retrieves the full flag definition set.
func (c *Client) fetchFeatures(ctx context.Context) (map[string]feature, error) {
	url := fmt.Sprintf("%s/api/client/features", strings.TrimRight(c.cfg.URL, "/"))
	resp, err := c.http.Get(ctx, url, c.authHeaders())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "feature fetch failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrorTypeFetch,
			fmt.Sprintf("feature fetch failed with status %d", resp.StatusCode))
	}

	var payload struct {
		Version  int       `json:"version"`
		Features []feature `json:"features"`
	}
	if err := gojson.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode feature response")
	}

	snapshot := make(map[string]feature, len(payload.Features))
	for _, f := range payload.Features {
		snapshot[f.Name] = f
	}
	return snapshot, nil
}

func (c *Client) authHeaders() map[string]string {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	headers := map[string]string{
		"Content-Type":    "application/json",
		"UNLEASH-APPNAME": c.cfg.AppName,
	}
	if c.cfg.InstanceID != "" {
		headers["UNLEASH-INSTANCEID"] = c.cfg.InstanceID
	}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return headers
}

// refreshLoop re-fetches flag definitions on the configured interval until
// Close is called. Refresh failures keep serving the last good snapshot.
func (c *Client) refreshLoop() {
	interval := c.cfg.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			snapshot, err := c.fetchFeatures(ctx)
			cancel()
			if err != nil {
				c.logger.Debug("flag refresh failed, keeping last snapshot", zap.Error(err))
				metrics.BackendErrors.WithLabelValues("feature_flags", "refresh").Inc()
				continue
			}
			c.mu.Lock()
			c.features = snapshot
			c.mu.Unlock()
		}
	}
}

// metricsLoop reports evaluation counts to the flag service. Best effort.
func (c *Client) metricsLoop() {
	ticker := time.NewTicker(c.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.reportMetrics()
		}
	}
}

func (c *Client) reportMetrics() {
	c.evalMu.Lock()
	counts := c.evalCounts
	c.evalCounts = make(map[string]int64)
	c.evalMu.Unlock()

	if len(counts) == 0 {
		return
	}

	body, err := gojson.Marshal(map[string]interface{}{
		"appName":    c.cfg.AppName,
		"instanceId": c.cfg.InstanceID,
		"bucket":     counts,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/client/metrics", strings.TrimRight(c.cfg.URL, "/"))
	resp, err := c.http.Post(ctx, url, bytes.NewReader(body), c.authHeaders())
	if err != nil {
		c.logger.Debug("metrics report failed", zap.Error(err))
		return
	}
	_ = resp.Body.Close()
}

// ClearCache drops all cached values.
func (c *Client) ClearCache() {
	c.cache.DeleteAll()
	metrics.CacheEvents.WithLabelValues("feature_flags", "clear").Inc()
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

// Close stops the refresh and metrics loops and releases transport resources.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.http.Close()
}
