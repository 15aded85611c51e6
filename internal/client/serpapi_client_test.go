package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/config"
)

func TestSerpAPI_SearchAppliesDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/search.json", r.URL.Path)
		assert.Equal(t, "golang", q.Get("q"))
		assert.Equal(t, "google", q.Get("engine"))
		assert.Equal(t, "de", q.Get("gl"))
		assert.Equal(t, "key", q.Get("api_key"))
		w.Write([]byte(`{"organic_results":[{"link":"https://go.dev"}]}`))
	}))
	defer srv.Close()

	c := NewSerpAPIClient(&config.SerpAPIConfig{APIKey: "key", BaseURL: srv.URL, PerSecond: 100})
	res, err := c.Search(context.Background(), "golang", map[string]any{"gl": "de"})
	require.NoError(t, err)
	assert.Len(t, res["organic_results"], 1)
}

func TestSerpAPI_RateLimitedIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewSerpAPIClient(&config.SerpAPIConfig{APIKey: "key", BaseURL: srv.URL, PerSecond: 100})
	_, err := c.Search(context.Background(), "golang", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.RateLimited, apperr.KindOf(err))
	assert.Equal(t, 7*time.Second, apperr.RetryAfterOf(err))
	assert.True(t, apperr.Retryable(err))
}

func TestSerpAPI_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewSerpAPIClient(&config.SerpAPIConfig{APIKey: "key", BaseURL: srv.URL, PerSecond: 100})
	_, err := c.Search(context.Background(), "golang", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Transient, apperr.KindOf(err))
}

func TestSerpAPI_BadKeyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewSerpAPIClient(&config.SerpAPIConfig{APIKey: "bad", BaseURL: srv.URL, PerSecond: 100})
	_, err := c.Search(context.Background(), "golang", nil)
	assert.False(t, apperr.Retryable(err))
}
