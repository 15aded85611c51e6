package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/client"
	"github.com/zemo/api/internal/metrics"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/similarity"
	"github.com/zemo/api/internal/store"
)

const (
	keywordLimit       = 20
	defaultSimilarityK = 5
	defaultThreshold   = 0.8
)

// AnalyzeParams is the payload of an analyze job. Without pageIds the pages
// of a preceding scrape step are used.
type AnalyzeParams struct {
	PageIDs             []string      `json:"pageIds"`
	Scrape              *ScrapeResult `json:"scrape"`
	EmbeddingModel      string        `json:"embeddingModel"`
	SimilarityK         int           `json:"similarityK" validate:"omitempty,min=1,max=50"`
	SimilarityThreshold float64       `json:"similarityThreshold" validate:"omitempty,min=-1,max=1"`
	SkipEmbeddings      bool          `json:"skipEmbeddings"`
}

// Keyword is a frequent meaningful word.
type Keyword struct {
	Word      string `json:"word"`
	Frequency int    `json:"frequency"`
}

// Readability holds Flesch-style reading ease metrics.
type Readability struct {
	Sentences           int     `json:"sentences"`
	Words               int     `json:"words"`
	AvgWordsPerSentence float64 `json:"avgWordsPerSentence"`
	AvgCharsPerWord     float64 `json:"avgCharsPerWord"`
	FleschScore         float64 `json:"fleschScore"`
	Difficulty          string  `json:"difficulty"`
}

// PageAnalysis is the content analysis of one page.
type PageAnalysis struct {
	WordCount   int         `json:"wordCount"`
	UniqueWords int         `json:"uniqueWords"`
	Keywords    []Keyword   `json:"keywords"`
	Readability Readability `json:"readability"`
	KeyPhrases  []string    `json:"keyPhrases"`
	Language    string      `json:"language"`
}

// RelatedPage is a similar page found through the embedding index.
type RelatedPage struct {
	PageID     string  `json:"pageId"`
	Similarity float64 `json:"similarity"`
}

// PageReport is the analysis result of one page.
type PageReport struct {
	PageID   string        `json:"pageId"`
	URL      string        `json:"url"`
	Analysis PageAnalysis  `json:"analysis"`
	Related  []RelatedPage `json:"related,omitempty"`
}

// AnalyzeResult is the output of an analyze job.
type AnalyzeResult struct {
	PagesAnalyzed int          `json:"pagesAnalyzed"`
	Results       []PageReport `json:"results"`
	Keywords      []string     `json:"keywords"`
}

// AnalyzeWorker runs morphological analysis and indexes page embeddings.
type AnalyzeWorker struct {
	analyzer     client.Analyzer
	pages        store.PageStore
	index        *similarity.Index
	defaultModel string
	k            int
	threshold    float64
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewAnalyzeWorker creates a new analyze worker. index may be nil to skip
// embeddings.
func NewAnalyzeWorker(analyzer client.Analyzer, pages store.PageStore, index *similarity.Index, embeddingModel string, m *metrics.Metrics, logger *slog.Logger) *AnalyzeWorker {
	return &AnalyzeWorker{
		analyzer:     analyzer,
		pages:        pages,
		index:        index,
		defaultModel: embeddingModel,
		k:            defaultSimilarityK,
		threshold:    defaultThreshold,
		metrics:      m,
		logger:       logger,
	}
}

// WithSimilarity sets the default related-page query.
func (w *AnalyzeWorker) WithSimilarity(k int, threshold float64) *AnalyzeWorker {
	if k > 0 {
		w.k = k
	}
	w.threshold = threshold
	return w
}

// Execute runs an analyze job. Missing pages are skipped with a warning.
func (w *AnalyzeWorker) Execute(ctx context.Context, task *Task) (any, error) {
	var p AnalyzeParams
	if err := DecodeParams(task.Params, &p); err != nil {
		return nil, err
	}

	ids := p.PageIDs
	if len(ids) == 0 && p.Scrape != nil {
		for _, pg := range p.Scrape.Pages {
			ids = append(ids, pg.ID)
		}
	}
	if len(ids) == 0 {
		return nil, apperr.Validationf(opName(task, "analyze"), "no pages to analyze")
	}

	embeddingModel := p.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = w.defaultModel
	}
	k, threshold := w.k, w.threshold
	if p.SimilarityK > 0 {
		k = p.SimilarityK
	}
	if p.SimilarityThreshold != 0 {
		threshold = p.SimilarityThreshold
	}

	task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Starting analysis for %d pages", len(ids)), nil)

	result := &AnalyzeResult{Results: []PageReport{}}
	totals := make(map[string]int)
	for i, id := range ids {
		if err := Checkpoint(ctx, task.Control); err != nil {
			return nil, err
		}
		task.Report.Progress(ctx, i, len(ids), fmt.Sprintf("Analyzing page %d/%d", i+1, len(ids)))

		page, err := w.pages.PageByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			task.Report.Log(ctx, model.LogLevelWarn, fmt.Sprintf("Page %s not found", id), map[string]any{"pageId": id})
			continue
		}
		if err != nil {
			return nil, err
		}

		analysis, err := w.analyzePage(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, kw := range analysis.Keywords {
			totals[kw.Word] += kw.Frequency
		}

		report := PageReport{PageID: page.ID, URL: page.URL, Analysis: *analysis}
		if w.index != nil && !p.SkipEmbeddings {
			related, err := w.embedPage(ctx, page, embeddingModel, k, threshold)
			if err != nil {
				return nil, err
			}
			report.Related = related
		}

		result.Results = append(result.Results, report)
		task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Analysis completed for: %s", page.URL), nil)
	}

	result.PagesAnalyzed = len(result.Results)
	result.Keywords = topWords(totals, keywordLimit)
	task.Report.Progress(ctx, len(ids), len(ids), "Analysis completed")
	w.logger.Info("analysis completed",
		slog.String("jobId", task.JobID),
		slog.Int("pages", result.PagesAnalyzed))

	return result, nil
}

func (w *AnalyzeWorker) analyzePage(ctx context.Context, page *model.ScrapedPage) (*PageAnalysis, error) {
	text := strings.TrimSpace(page.Title + " " + page.Description + " " + page.Content)

	morph, err := w.analyzer.Analyze(ctx, text, page.Language)
	w.metrics.APICall("morph", err)
	if err != nil {
		return nil, err
	}

	phrases := make([]string, 0, len(page.Headings))
	for _, h := range page.Headings {
		phrases = append(phrases, h.Text)
	}
	lang := page.Language
	if lang == "" {
		lang = "unknown"
	}

	return &PageAnalysis{
		WordCount:   morph.WordCount,
		UniqueWords: morph.UniqueWordCount,
		Keywords:    ExtractKeywords(morph.Words, keywordLimit),
		Readability: ComputeReadability(text),
		KeyPhrases:  phrases,
		Language:    lang,
	}, nil
}

// embedPage indexes the page summary and headings, then looks up pages
// similar to the summary.
func (w *AnalyzeWorker) embedPage(ctx context.Context, page *model.ScrapedPage, embeddingModel string, k int, threshold float64) ([]RelatedPage, error) {
	summary := strings.TrimSpace(page.Title + " " + page.Description)
	if summary != "" {
		if _, _, err := w.index.Embed(ctx, summary, embeddingModel, map[string]any{
			"pageId": page.ID,
			"type":   "page_content",
		}); err != nil {
			return nil, err
		}
	}
	for _, h := range page.Headings {
		if strings.TrimSpace(h.Text) == "" {
			continue
		}
		if _, _, err := w.index.Embed(ctx, h.Text, embeddingModel, map[string]any{
			"pageId": page.ID,
			"type":   "heading",
			"level":  h.Level,
		}); err != nil {
			return nil, err
		}
	}
	if summary == "" {
		return nil, nil
	}

	// one extra hit since the page matches itself
	matches, err := w.index.Query(ctx, summary, embeddingModel, k+1, threshold)
	if err != nil {
		return nil, err
	}
	var related []RelatedPage
	seen := map[string]bool{page.ID: true}
	for _, m := range matches {
		id, _ := m.Record.Metadata["pageId"].(string)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		related = append(related, RelatedPage{PageID: id, Similarity: m.Similarity})
		if len(related) == k {
			break
		}
	}
	return related, nil
}

// ExtractKeywords keeps words longer than three characters seen more than
// once, most frequent first.
func ExtractKeywords(words []client.WordStat, limit int) []Keyword {
	out := make([]Keyword, 0, limit)
	for _, w := range words {
		if utf8.RuneCountInString(w.Word) > 3 && w.Frequency > 1 {
			out = append(out, Keyword{Word: w.Word, Frequency: w.Frequency})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frequency > out[j].Frequency })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ComputeReadability scores text on the Flesch reading ease scale,
// approximating syllables by characters per word.
func ComputeReadability(text string) Readability {
	sentences := 0
	for _, s := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}
	words := strings.Fields(text)
	if sentences == 0 || len(words) == 0 {
		return Readability{Difficulty: difficulty(0)}
	}

	chars := 0
	for _, w := range words {
		chars += utf8.RuneCountInString(w)
	}
	wps := float64(len(words)) / float64(sentences)
	cpw := float64(chars) / float64(len(words))
	score := 206.835 - 1.015*wps - 84.6*(cpw/4.7)

	return Readability{
		Sentences:           sentences,
		Words:               len(words),
		AvgWordsPerSentence: round1(wps),
		AvgCharsPerWord:     round1(cpw),
		FleschScore:         round1(score),
		Difficulty:          difficulty(score),
	}
}

func difficulty(score float64) string {
	switch {
	case score >= 90:
		return "very_easy"
	case score >= 80:
		return "easy"
	case score >= 70:
		return "fairly_easy"
	case score >= 60:
		return "standard"
	case score >= 50:
		return "fairly_difficult"
	case score >= 30:
		return "difficult"
	default:
		return "very_difficult"
	}
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func topWords(freq map[string]int, limit int) []string {
	words := make([]string, 0, len(freq))
	for w := range freq {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if freq[words[i]] != freq[words[j]] {
			return freq[words[i]] > freq[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	return words
}
