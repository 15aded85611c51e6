package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/config"
)

// SearchDefaults are applied to every search unless overridden by params.
var SearchDefaults = map[string]any{
	"engine":        "google",
	"location":      "United States",
	"google_domain": "google.com",
	"gl":            "us",
	"hl":            "en",
	"num":           10,
	"safe":          "off",
}

// Searcher fetches raw search engine results.
type Searcher interface {
	Search(ctx context.Context, keyword string, params map[string]any) (map[string]any, error)
}

// SerpAPIClient handles communication with SerpApi
type SerpAPIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewSerpAPIClient creates a new SerpApi client
func NewSerpAPIClient(cfg *config.SerpAPIConfig) *SerpAPIClient {
	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	return &SerpAPIClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// MergeSearchParams overlays params on SearchDefaults.
func MergeSearchParams(params map[string]any) map[string]any {
	merged := make(map[string]any, len(SearchDefaults)+len(params))
	for k, v := range SearchDefaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// Search runs keyword through SerpApi. A 429 response is returned as an
// apperr.RateLimited error carrying the Retry-After hint.
func (c *SerpAPIClient) Search(ctx context.Context, keyword string, params map[string]any) (map[string]any, error) {
	const op = "serpapi.search"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range MergeSearchParams(params) {
		q.Set(k, fmt.Sprint(v))
	}
	q.Set("q", keyword)
	q.Set("api_key", c.apiKey)
	q.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search.json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.RateLimit(op, retryAfter(resp.Header.Get("Retry-After")), nil)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusBadRequest:
		return nil, apperr.E(apperr.Validation, op, fmt.Sprintf("serpapi rejected request (status %d): %s", resp.StatusCode, string(respBody)))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("serpapi error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if msg, ok := result["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("serpapi error: %s", msg)
	}

	return result, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SerpAPIClient) IsConfigured() bool {
	return c.apiKey != ""
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
