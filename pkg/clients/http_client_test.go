package clients

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newQuietClient(mutate func(*HTTPConfig)) *HTTPClient {
	cfg := DefaultHTTPConfig()
	cfg.RateLimit = 0
	cfg.RetryDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	return NewHTTPClient(cfg, zap.NewNop())
}

func TestGetSetsDefaultHeaders(t *testing.T) {
	var gotAccept, gotAgent, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAgent = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newQuietClient(nil)
	defer func() { _ = client.Close() }()

	resp, err := client.Get(context.Background(), srv.URL, map[string]string{"X-Custom": "yes"})
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "Polaris-HTTPClient/1.0", gotAgent)
	assert.Equal(t, "yes", gotCustom)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newQuietClient(func(cfg *HTTPConfig) { cfg.MaxRetries = 3 })
	defer func() { _ = client.Close() }()

	resp, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestRetryReplaysPostBody(t *testing.T) {
	var calls int64
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastBody, _ = io.ReadAll(r.Body)
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newQuietClient(func(cfg *HTTPConfig) { cfg.MaxRetries = 2 })
	defer func() { _ = client.Close() }()

	resp, err := client.Post(context.Background(), srv.URL, bytes.NewReader([]byte(`{"a":1}`)), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
	assert.Equal(t, `{"a":1}`, string(lastBody))
}

func TestExhaustedRetriesReturnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newQuietClient(func(cfg *HTTPConfig) { cfg.MaxRetries = 1 })
	defer func() { _ = client.Close() }()

	_, err := client.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")

	stats := client.GetStats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newQuietClient(func(cfg *HTTPConfig) { cfg.MaxRetries = 3 })
	defer func() { _ = client.Close() }()

	resp, err := client.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestStatsSuccessRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newQuietClient(nil)
	defer func() { _ = client.Close() }()

	for i := 0; i < 4; i++ {
		resp, err := client.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	stats := client.GetStats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Zero(t, stats.FailedRequests)
	assert.Equal(t, float64(100), stats.SuccessRate)
}
