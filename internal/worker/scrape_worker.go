package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/cache"
	"github.com/zemo/api/internal/client"
	"github.com/zemo/api/internal/metrics"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

const defaultMaxURLs = 10

// ScrapeParams is the payload of a scrape job. Without urls the links of a
// preceding search step are used.
type ScrapeParams struct {
	URLs      []string       `json:"urls" validate:"omitempty,dive,url"`
	MaxURLs   int            `json:"maxUrls" validate:"omitempty,min=1,max=100"`
	TimeoutMs int64          `json:"timeoutMs" validate:"omitempty,min=1000"`
	UserAgent string         `json:"userAgent"`
	Search    map[string]any `json:"search"`
}

// PageSummary describes one page available to later steps.
type PageSummary struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Language string `json:"language"`
	Headings int    `json:"headings"`
	Cached   bool   `json:"cached"`
}

// FailedURL records a page that could not be scraped.
type FailedURL struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// ScrapeResult is the output of a scrape job.
type ScrapeResult struct {
	PagesScraped int           `json:"pagesScraped"`
	Pages        []PageSummary `json:"pages"`
	Failed       []FailedURL   `json:"failed,omitempty"`
}

// ScrapeWorker fetches pages, reusing fresh cached copies.
type ScrapeWorker struct {
	fetcher   client.PageFetcher
	pages     store.PageStore
	snapshots client.SnapshotStore
	policy    cache.Policy
	metrics   *metrics.Metrics
	clock     cache.Clock
	logger    *slog.Logger
}

// NewScrapeWorker creates a new scrape worker. snapshots may be nil.
func NewScrapeWorker(fetcher client.PageFetcher, pages store.PageStore, snapshots client.SnapshotStore, policy cache.Policy, m *metrics.Metrics, logger *slog.Logger) *ScrapeWorker {
	return &ScrapeWorker{
		fetcher:   fetcher,
		pages:     pages,
		snapshots: snapshots,
		policy:    policy,
		metrics:   m,
		clock:     time.Now,
		logger:    logger,
	}
}

// WithClock overrides the time source.
func (w *ScrapeWorker) WithClock(c cache.Clock) *ScrapeWorker {
	w.clock = c
	return w
}

// Execute runs a scrape job. A failing URL is logged and recorded in the
// result; the remaining URLs are still scraped.
func (w *ScrapeWorker) Execute(ctx context.Context, task *Task) (any, error) {
	var p ScrapeParams
	if err := DecodeParams(task.Params, &p); err != nil {
		return nil, err
	}

	urls := p.URLs
	if len(urls) == 0 {
		limit := p.MaxURLs
		if limit <= 0 {
			limit = defaultMaxURLs
		}
		urls = SearchLinks(p.Search, limit)
	}
	if len(urls) == 0 {
		return nil, apperr.Validationf(opName(task, "scrape"), "no urls to scrape")
	}

	opts := client.FetchOptions{
		Timeout:   time.Duration(p.TimeoutMs) * time.Millisecond,
		UserAgent: p.UserAgent,
	}

	task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Starting to scrape %d URLs", len(urls)), nil)

	result := &ScrapeResult{Pages: []PageSummary{}}
	for i, url := range urls {
		if err := Checkpoint(ctx, task.Control); err != nil {
			return nil, err
		}
		task.Report.Progress(ctx, i, len(urls), fmt.Sprintf("Scraping URL %d/%d: %s", i+1, len(urls), url))

		summary, err := w.scrapeOne(ctx, task, url, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			task.Report.Log(ctx, model.LogLevelError, fmt.Sprintf("Failed to scrape %s: %v", url, err), map[string]any{"url": url})
			result.Failed = append(result.Failed, FailedURL{URL: url, Error: apperr.Message(err)})
			continue
		}
		result.Pages = append(result.Pages, *summary)
	}

	result.PagesScraped = len(result.Pages)
	task.Report.Progress(ctx, len(urls), len(urls), "Scraping completed")
	w.logger.Info("scraping completed",
		slog.String("jobId", task.JobID),
		slog.Int("pages", result.PagesScraped),
		slog.Int("failed", len(result.Failed)))

	return result, nil
}

func (w *ScrapeWorker) scrapeOne(ctx context.Context, task *Task, url string, opts client.FetchOptions) (*PageSummary, error) {
	existing, err := w.pages.PageByURL(ctx, url)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && w.policy.Fresh(existing.FetchedAt, w.clock()) {
		w.metrics.CacheLookup("page", true)
		task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Using cached content for: %s", url), map[string]any{"url": url})
		return summarize(existing, true), nil
	}
	w.metrics.CacheLookup("page", false)

	fetched, err := w.fetcher.FetchPage(ctx, url, opts)
	w.metrics.APICall("scraper", err)
	if err != nil {
		return nil, err
	}

	page := &model.ScrapedPage{
		URL:         url,
		Title:       fetched.Title,
		Description: fetched.Description,
		Content:     fetched.Content,
		Language:    fetched.Language,
		Headings:    fetched.Headings,
		ContentHash: cache.Hash(fetched.Content),
		FetchedAt:   w.clock(),
	}

	if w.snapshots != nil && len(fetched.HTML) > 0 {
		snapshotURL, err := w.snapshots.SaveSnapshot(ctx, page.ContentHash, fetched.HTML)
		if err != nil {
			task.Report.Log(ctx, model.LogLevelWarn, fmt.Sprintf("Snapshot upload failed for %s: %v", url, err), nil)
		} else {
			page.SnapshotURL = snapshotURL
		}
	}

	if err := w.pages.SavePage(ctx, page); err != nil {
		return nil, fmt.Errorf("store page: %w", err)
	}

	if len(page.Headings) > 0 {
		task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Extracted %d headings from: %s", len(page.Headings), url), nil)
	}
	task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Successfully scraped: %s", url), nil)
	return summarize(page, false), nil
}

func summarize(p *model.ScrapedPage, cached bool) *PageSummary {
	return &PageSummary{
		ID:       p.ID,
		URL:      p.URL,
		Title:    p.Title,
		Language: p.Language,
		Headings: len(p.Headings),
		Cached:   cached,
	}
}

// SearchLinks returns up to limit organic result links of a search result.
func SearchLinks(search map[string]any, limit int) []string {
	results, _ := search["organic_results"].([]any)
	var links []string
	seen := make(map[string]bool)
	for _, r := range results {
		if len(links) >= limit {
			break
		}
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		link, _ := m["link"].(string)
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}
	return links
}
