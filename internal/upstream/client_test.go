package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crispinlab/cc-proxy/internal/apierr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(RetryPolicy{MaxRetries: 2, Timeout: 5 * time.Second}, discardLogger())

	resp, err := c.Do(context.Background(), http.MethodPost, srv.URL, http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestClient_RetriesRequestTimeoutAndTooEarly(t *testing.T) {
	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooEarly} {
		var attempts int32

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 2 {
				w.WriteHeader(status)
				return
			}

			w.WriteHeader(http.StatusOK)
		}))

		c := New(RetryPolicy{MaxRetries: 2, Timeout: 5 * time.Second}, discardLogger())

		resp, err := c.Do(context.Background(), http.MethodPost, srv.URL, http.Header{}, []byte(`{}`))
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(2), atomic.LoadInt32(&attempts), "status %d should be retried", status)

		srv.Close()
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(RetryPolicy{MaxRetries: 2, Timeout: 5 * time.Second}, discardLogger())

	resp, err := c.Do(context.Background(), http.MethodPost, srv.URL, http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_UnauthorizedReturnsUpstreamAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(RetryPolicy{MaxRetries: 2, Timeout: 5 * time.Second}, discardLogger())

	_, err := c.Do(context.Background(), http.MethodPost, srv.URL, http.Header{}, []byte(`{}`))
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUpstreamAuth, apiErr.Kind)
}

func TestClient_RateLimitRetriesThenSucceeds(t *testing.T) {
	var attempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(RetryPolicy{MaxRetries: 1, Timeout: 5 * time.Second}, discardLogger())

	resp, err := c.Do(context.Background(), http.MethodPost, srv.URL, http.Header{}, []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestClient_RateLimitExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(RetryPolicy{MaxRetries: 1, Timeout: 5 * time.Second}, discardLogger())

	_, err := c.Do(context.Background(), http.MethodPost, srv.URL, http.Header{}, []byte(`{}`))
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindUpstreamRateLimited, apiErr.Kind)
}

func TestOpenAIClient_SetsBearerAuthAndPath(t *testing.T) {
	var gotAuth, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	oc := NewOpenAIClient(New(DefaultRetryPolicy(), discardLogger()))

	resp, err := oc.Send(context.Background(), srv.URL, "sk-test", []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
}

func TestAnthropicClient_SetsAPIKeyHeaderAndPath(t *testing.T) {
	var gotKey, gotVersion, gotPath string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ac := NewAnthropicClient(New(DefaultRetryPolicy(), discardLogger()))

	resp, err := ac.Send(context.Background(), srv.URL, "ant-test", []byte(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "ant-test", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Equal(t, "/v1/messages", gotPath)
}
