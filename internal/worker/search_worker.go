package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zemo/api/internal/cache"
	"github.com/zemo/api/internal/client"
	"github.com/zemo/api/internal/metrics"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

// SearchParams is the payload of a search job.
type SearchParams struct {
	Keyword string         `json:"keyword" validate:"required"`
	Params  map[string]any `json:"params"`
}

// SearchWorker fetches search engine results, reusing fresh cached ones.
type SearchWorker struct {
	searcher client.Searcher
	results  store.SearchResultStore
	policy   cache.Policy
	metrics  *metrics.Metrics
	clock    cache.Clock
	logger   *slog.Logger
}

// NewSearchWorker creates a new search worker
func NewSearchWorker(searcher client.Searcher, results store.SearchResultStore, policy cache.Policy, m *metrics.Metrics, logger *slog.Logger) *SearchWorker {
	return &SearchWorker{
		searcher: searcher,
		results:  results,
		policy:   policy,
		metrics:  m,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock overrides the time source.
func (w *SearchWorker) WithClock(c cache.Clock) *SearchWorker {
	w.clock = c
	return w
}

// Execute runs a search job
func (w *SearchWorker) Execute(ctx context.Context, task *Task) (any, error) {
	var p SearchParams
	if err := DecodeParams(task.Params, &p); err != nil {
		return nil, err
	}

	params := client.MergeSearchParams(p.Params)
	key, err := cache.SearchKey(p.Keyword, params)
	if err != nil {
		return nil, fmt.Errorf("search cache key: %w", err)
	}

	task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Starting search for keyword: %s", p.Keyword), nil)

	cached, err := w.results.LatestSearchResult(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if cached != nil && w.policy.Fresh(cached.CreatedAt, w.clock()) {
		w.metrics.CacheLookup("search", true)
		var result map[string]any
		if err := json.Unmarshal(cached.Result, &result); err != nil {
			return nil, fmt.Errorf("decode cached search result: %w", err)
		}
		task.Report.Log(ctx, model.LogLevelInfo, "Using cached search result", map[string]any{
			"cacheKey":  key,
			"fetchedAt": cached.CreatedAt,
		})
		return result, nil
	}
	w.metrics.CacheLookup("search", false)

	task.Report.Progress(ctx, 1, 3, "Fetching data from search provider")

	if err := Commit(ctx, task.Control); err != nil {
		return nil, err
	}

	result, err := w.searcher.Search(ctx, p.Keyword, params)
	w.metrics.APICall("serpapi", err)
	if err != nil {
		task.Report.Log(ctx, model.LogLevelError, fmt.Sprintf("Search failed: %v", err), nil)
		return nil, err
	}

	task.Report.Progress(ctx, 2, 3, "Processing and storing results")

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode search result: %w", err)
	}
	hash, err := cache.HashJSON(map[string]any{"keyword": p.Keyword, "params": params, "result": result})
	if err != nil {
		return nil, fmt.Errorf("hash search result: %w", err)
	}
	if err := w.results.SaveSearchResult(ctx, &model.SearchResult{
		CacheKey:  key,
		Keyword:   p.Keyword,
		Params:    params,
		Result:    raw,
		Hash:      hash,
		CreatedAt: w.clock(),
	}); err != nil {
		return nil, fmt.Errorf("store search result: %w", err)
	}

	organic, _ := result["organic_results"].([]any)
	task.Report.Progress(ctx, 3, 3, "Search completed")
	w.logger.Info("search completed",
		slog.String("jobId", task.JobID),
		slog.String("keyword", p.Keyword),
		slog.Int("results", len(organic)))

	return result, nil
}
