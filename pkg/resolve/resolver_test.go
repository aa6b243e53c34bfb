package resolve

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/polaris/pkg/config"
	"github.com/ajitpratap0/polaris/pkg/errors"
	"github.com/ajitpratap0/polaris/pkg/lookup"
)

// fakeSecrets is a SecretSource with call accounting.
type fakeSecrets struct {
	values map[string]string
	err    error
	calls  int64
	ready  bool
}

func (f *fakeSecrets) GetSecret(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return lookup.NotFound(), f.err
	}
	if v, ok := f.values[key]; ok {
		return lookup.Found(v, lookup.SourceSecretStore), nil
	}
	if len(defaultValue) > 0 {
		return lookup.Found(defaultValue[0], lookup.SourceDefault), nil
	}
	return lookup.NotFound(), nil
}

func (f *fakeSecrets) WaitForReady(ctx context.Context, timeout, interval time.Duration) error {
	if !f.ready {
		return errors.New(errors.ErrorTypeReadinessTimeout, "secret store not ready")
	}
	return nil
}

func (f *fakeSecrets) IsReady() bool { return f.ready }
func (f *fakeSecrets) ClearCache() {}

// fakeFlags is a FlagSource with call accounting.
type fakeFlags struct {
	values map[string]string
	err    error
	calls  int64
	ready  bool
}

func (f *fakeFlags) GetConfigValue(ctx context.Context, key string, defaultValue ...string) (lookup.Result, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return lookup.NotFound(), f.err
	}
	if v, ok := f.values[key]; ok {
		return lookup.Found(v, lookup.SourceFeatureFlag), nil
	}
	return lookup.NotFound(), nil
}

func (f *fakeFlags) WaitForReady(ctx context.Context, timeout, interval time.Duration) error {
	if !f.ready {
		return errors.New(errors.ErrorTypeReadinessTimeout, "feature flags not ready")
	}
	return nil
}

func (f *fakeFlags) IsReady() bool { return f.ready }
func (f *fakeFlags) ClearCache() {}

func newTestResolver(secrets *fakeSecrets, flags *fakeFlags, env map[string]string) *Resolver {
	return NewResolver(config.ResolverConfig{
		CacheTTL:          time.Minute,
		ReadinessTimeout:  100 * time.Millisecond,
		ReadinessInterval: 20 * time.Millisecond,
	}, secrets, flags, zap.NewNop(),
		WithEnvFunc(func(key string) (string, bool) {
			v, ok := env[key]
			return v, ok
		}),
	)
}

func TestCascadePriority(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		secrets    map[string]string
		flags      map[string]string
		env        map[string]string
		opts       lookup.Options
		wantFound  bool
		wantValue  string
		wantSource lookup.Source
	}{
		{
			name:       "secret store wins over all lower sources",
			key:        "DATABASE_URL",
			secrets:    map[string]string{"DATABASE_URL": "from-secrets"},
			flags:      map[string]string{"DATABASE_URL": "from-flags"},
			env:        map[string]string{"DATABASE_URL": "from-env"},
			wantFound:  true,
			wantValue:  "from-secrets",
			wantSource: lookup.SourceSecretStore,
		},
		{
			name:       "feature flag wins over environment",
			key:        "BANNER_TEXT",
			flags:      map[string]string{"BANNER_TEXT": "from-flags"},
			env:        map[string]string{"BANNER_TEXT": "from-env"},
			wantFound:  true,
			wantValue:  "from-flags",
			wantSource: lookup.SourceFeatureFlag,
		},
		{
			name:       "environment wins over default",
			key:        "REGION",
			env:        map[string]string{"REGION": "us-east-1"},
			opts:       lookup.Default("eu-west-1"),
			wantFound:  true,
			wantValue:  "us-east-1",
			wantSource: lookup.SourceEnvironment,
		},
		{
			name:       "default is the last resort",
			key:        "REGION",
			opts:       lookup.Default("eu-west-1"),
			wantFound:  true,
			wantValue:  "eu-west-1",
			wantSource: lookup.SourceDefault,
		},
		{
			name:      "nothing resolves",
			key:       "MISSING",
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secrets := &fakeSecrets{values: tt.secrets, ready: true}
			flags := &fakeFlags{values: tt.flags, ready: true}
			r := newTestResolver(secrets, flags, tt.env)

			res := r.GetConfigWithMetadata(context.Background(), tt.key, tt.opts)
			assert.Equal(t, tt.wantFound, res.Found)
			assert.Equal(t, tt.wantValue, res.Value)
			assert.Equal(t, tt.wantSource, res.Source)
			assert.False(t, res.Cached)
		})
	}
}

func TestCacheHitSkipsBackends(t *testing.T) {
	secrets := &fakeSecrets{values: map[string]string{"K": "v1"}, ready: true}
	flags := &fakeFlags{ready: true}
	r := newTestResolver(secrets, flags, nil)

	first := r.GetConfigWithMetadata(context.Background(), "K", lookup.Options{})
	require.True(t, first.Found)
	assert.False(t, first.Cached)

	second := r.GetConfigWithMetadata(context.Background(), "K", lookup.Options{})
	require.True(t, second.Found)
	assert.True(t, second.Cached)
	assert.Equal(t, "v1", second.Value)
	assert.Equal(t, lookup.SourceSecretStore, second.Source)
	assert.False(t, second.ExpiresAt.IsZero())

	assert.Equal(t, int64(1), atomic.LoadInt64(&secrets.calls))
	assert.Zero(t, atomic.LoadInt64(&flags.calls))
}

func TestCacheExpiryRefetches(t *testing.T) {
	secrets := &fakeSecrets{values: map[string]string{"K": "v1"}, ready: true}
	r := newTestResolver(secrets, &fakeFlags{ready: true}, nil)

	opts := lookup.Options{CacheTTL: 10 * time.Millisecond}
	res := r.GetConfigWithMetadata(context.Background(), "K", opts)
	require.Equal(t, "v1", res.Value)

	secrets.values["K"] = "v2"
	time.Sleep(20 * time.Millisecond)

	res = r.GetConfigWithMetadata(context.Background(), "K", opts)
	assert.Equal(t, "v2", res.Value)
	assert.False(t, res.Cached)
	assert.Equal(t, int64(2), atomic.LoadInt64(&secrets.calls))
}

func TestDefaultsAreNeverCached(t *testing.T) {
	env := map[string]string{}
	r := newTestResolver(&fakeSecrets{ready: true}, &fakeFlags{ready: true}, env)

	opts := lookup.Default("fallback")
	res := r.GetConfigWithMetadata(context.Background(), "K", opts)
	require.Equal(t, "fallback", res.Value)
	require.Equal(t, lookup.SourceDefault, res.Source)

	// A default must not mask a value that appears later in a higher source.
	env["K"] = "env-value"
	res = r.GetConfigWithMetadata(context.Background(), "K", opts)
	assert.Equal(t, "env-value", res.Value)
	assert.Equal(t, lookup.SourceEnvironment, res.Source)
	assert.False(t, res.Cached)
}

func TestDegradedBackendsFallThrough(t *testing.T) {
	secrets := &fakeSecrets{err: errors.New(errors.ErrorTypeConnection, "store unreachable")}
	flags := &fakeFlags{err: errors.New(errors.ErrorTypeConnection, "flag service unreachable")}
	r := newTestResolver(secrets, flags, map[string]string{"K": "env-value"})

	res := r.GetConfigWithMetadata(context.Background(), "K", lookup.Options{})
	assert.True(t, res.Found)
	assert.Equal(t, "env-value", res.Value)
	assert.Equal(t, lookup.SourceEnvironment, res.Source)
}

func TestNilBackendsResolveFromEnvironment(t *testing.T) {
	r := NewResolver(config.ResolverConfig{CacheTTL: time.Minute}, nil, nil, zap.NewNop(),
		WithEnvFunc(func(key string) (string, bool) {
			if key == "K" {
				return "env-value", true
			}
			return "", false
		}))

	value, found := r.GetConfig(context.Background(), "K", lookup.Options{})
	assert.True(t, found)
	assert.Equal(t, "env-value", value)
	assert.True(t, r.IsServiceReady())
}

func TestSkipCacheBypassesCache(t *testing.T) {
	secrets := &fakeSecrets{values: map[string]string{"K": "v1"}, ready: true}
	r := newTestResolver(secrets, &fakeFlags{ready: true}, nil)

	_ = r.GetConfigWithMetadata(context.Background(), "K", lookup.Options{})
	secrets.values["K"] = "v2"

	res := r.GetConfigWithMetadata(context.Background(), "K", lookup.Options{SkipCache: true})
	assert.Equal(t, "v2", res.Value)
	assert.False(t, res.Cached)
	assert.Equal(t, int64(2), atomic.LoadInt64(&secrets.calls))
}

func TestCustomSourceOrder(t *testing.T) {
	secrets := &fakeSecrets{values: map[string]string{"K": "from-secrets"}, ready: true}
	r := newTestResolver(secrets, &fakeFlags{ready: true}, map[string]string{"K": "from-env"})

	res := r.GetConfigWithMetadata(context.Background(), "K", lookup.Options{
		Sources: []lookup.Source{lookup.SourceEnvironment, lookup.SourceSecretStore},
	})
	assert.Equal(t, "from-env", res.Value)
	assert.Equal(t, lookup.SourceEnvironment, res.Source)
	assert.Zero(t, atomic.LoadInt64(&secrets.calls))
}

func TestGetConfigsMatchesIndividualLookups(t *testing.T) {
	secrets := &fakeSecrets{values: map[string]string{"A": "sa"}, ready: true}
	flags := &fakeFlags{values: map[string]string{"B": "fb"}, ready: true}
	env := map[string]string{"C": "ec"}

	batch := newTestResolver(secrets, flags, env)
	keys := []string{"A", "B", "C", "D"}
	got := batch.GetConfigs(context.Background(), keys, lookup.Options{})
	require.Len(t, got, len(keys))

	single := newTestResolver(
		&fakeSecrets{values: map[string]string{"A": "sa"}, ready: true},
		&fakeFlags{values: map[string]string{"B": "fb"}, ready: true},
		env)
	for _, key := range keys {
		want := single.GetConfigWithMetadata(context.Background(), key, lookup.Options{SkipCache: true})
		assert.Equal(t, want.Found, got[key].Found, "key %s", key)
		assert.Equal(t, want.Value, got[key].Value, "key %s", key)
		assert.Equal(t, want.Source, got[key].Source, "key %s", key)
	}
}

func TestWaitForBackendsNeverFails(t *testing.T) {
	secrets := &fakeSecrets{ready: false}
	flags := &fakeFlags{ready: false}
	r := newTestResolver(secrets, flags, map[string]string{"K": "env-value"})

	r.WaitForBackends(context.Background())
	assert.False(t, r.IsServiceReady())

	// Degraded startup still serves lookups.
	value, found := r.GetConfig(context.Background(), "K", lookup.Options{})
	assert.True(t, found)
	assert.Equal(t, "env-value", value)
}

func TestGetSecretBypassesFlagsAndCache(t *testing.T) {
	secrets := &fakeSecrets{values: map[string]string{"TOKEN": "s3cret"}, ready: true}
	flags := &fakeFlags{values: map[string]string{"TOKEN": "wrong"}, ready: true}
	r := newTestResolver(secrets, flags, nil)

	res, err := r.GetSecret(context.Background(), "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", res.Value)
	assert.Equal(t, lookup.SourceSecretStore, res.Source)
	assert.Zero(t, atomic.LoadInt64(&flags.calls))

	res, err = r.GetSecret(context.Background(), "MISSING", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Value)
	assert.Equal(t, lookup.SourceDefault, res.Source)
}

func TestCacheMaintenance(t *testing.T) {
	secrets := &fakeSecrets{values: map[string]string{"A": "va", "B": "vb"}, ready: true}
	r := newTestResolver(secrets, &fakeFlags{ready: true}, nil)

	_ = r.GetConfigWithMetadata(context.Background(), "A", lookup.Options{})
	_ = r.GetConfigWithMetadata(context.Background(), "B", lookup.Options{CacheTTL: 10 * time.Millisecond})

	stats := r.CacheStats()
	assert.Equal(t, 2, stats.Size)
	for _, entry := range stats.Entries {
		assert.Equal(t, lookup.SourceSecretStore, entry.Source)
		assert.False(t, entry.ExpiresAt.IsZero())
	}

	time.Sleep(20 * time.Millisecond)
	r.ClearExpiredCache()
	assert.Equal(t, 1, r.CacheStats().Size)

	r.ClearAllCaches()
	assert.Zero(t, r.CacheStats().Size)
}
