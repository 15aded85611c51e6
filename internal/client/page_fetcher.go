package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/semaphore"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/config"
	"github.com/zemo/api/internal/model"
)

const maxPageBytes = 5 << 20

// FetchedPage is the extracted content of one page.
type FetchedPage struct {
	URL         string
	Title       string
	Description string
	Content     string
	Language    string
	Headings    []model.Heading
	HTML        []byte
}

// FetchOptions tune a single fetch.
type FetchOptions struct {
	Timeout   time.Duration
	UserAgent string
}

// PageFetcher loads and extracts a page.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string, opts FetchOptions) (*FetchedPage, error)
}

// PagePool bounds the number of pages open at once.
type PagePool struct {
	sem *semaphore.Weighted
}

func NewPagePool(size int) *PagePool {
	if size <= 0 {
		size = 1
	}
	return &PagePool{sem: semaphore.NewWeighted(int64(size))}
}

// Acquire blocks until a slot is free. Every successful Acquire must be
// paired with Release.
func (p *PagePool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *PagePool) Release() {
	p.sem.Release(1)
}

// HTTPFetcher fetches pages over HTTP through a PagePool.
type HTTPFetcher struct {
	httpClient *http.Client
	pool       *PagePool
	timeout    time.Duration
	userAgent  string
}

// NewHTTPFetcher creates a fetcher bounded by cfg.MaxPages.
func NewHTTPFetcher(cfg *config.BrowserConfig) *HTTPFetcher {
	timeout := cfg.PageTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		httpClient: &http.Client{},
		pool:       NewPagePool(cfg.MaxPages),
		timeout:    timeout,
		userAgent:  cfg.UserAgent,
	}
}

// FetchPage loads url within the per-call timeout.
func (f *HTTPFetcher) FetchPage(ctx context.Context, url string, opts FetchOptions) (*FetchedPage, error) {
	const op = "fetcher.fetch"

	if err := f.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer f.pool.Release()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, op, err)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = f.userAgent
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.RateLimit(op, retryAfter(resp.Header.Get("Retry-After")), nil)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, apperr.NotFoundf(op, "page %s returned status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}

	page, err := ExtractPage(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", url, err)
	}
	page.URL = url
	page.HTML = body
	return page, nil
}

// ExtractPage pulls title, description, headings, text and language out of
// an HTML document.
func ExtractPage(doc []byte) (*FetchedPage, error) {
	root, err := html.Parse(strings.NewReader(string(doc)))
	if err != nil {
		return nil, err
	}

	page := &FetchedPage{}
	var text strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Html:
				if lang := attr(n, "lang"); lang != "" {
					page.Language = normalizeLang(lang)
				}
			case atom.Title:
				if page.Title == "" {
					page.Title = collapse(nodeText(n))
				}
				return
			case atom.Meta:
				if strings.EqualFold(attr(n, "name"), "description") && page.Description == "" {
					page.Description = collapse(attr(n, "content"))
				}
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				if t := collapse(nodeText(n)); t != "" {
					page.Headings = append(page.Headings, model.Heading{
						Level: int(n.Data[1] - '0'),
						Text:  t,
					})
				}
			}
		}
		if n.Type == html.TextNode && inBody(n) {
			if t := strings.TrimSpace(n.Data); t != "" {
				text.WriteString(t)
				text.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	page.Content = collapse(text.String())
	if page.Language == "" {
		page.Language = DetectLanguage(page.Title + " " + page.Content)
	}
	return page, nil
}

// DetectLanguage guesses ru or en from the share of Cyrillic letters.
func DetectLanguage(s string) string {
	var cyr, lat int
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyr++
		case unicode.Is(unicode.Latin, r):
			lat++
		}
	}
	if cyr == 0 && lat == 0 {
		return "unknown"
	}
	if cyr > lat {
		return "ru"
	}
	return "en"
}

func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func inBody(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.DataAtom == atom.Body {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
