package model

import (
	"encoding/json"
	"time"
)

// SearchResult is a cached provider response keyed by keyword and
// canonical params.
type SearchResult struct {
	ID        string          `json:"id"`
	CacheKey  string          `json:"cacheKey"`
	Keyword   string          `json:"keyword"`
	Params    map[string]any  `json:"params,omitempty"`
	Result    json.RawMessage `json:"result"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Heading is one h1..h6 element of a scraped page.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// ScrapedPage is a cached page keyed by URL.
type ScrapedPage struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	Language    string    `json:"language"`
	Headings    []Heading `json:"headings,omitempty"`
	ContentHash string    `json:"contentHash"`
	SnapshotURL string    `json:"snapshotUrl,omitempty"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// EmbeddingRecord is a stored vector keyed by (TextHash, Model).
type EmbeddingRecord struct {
	ID        string         `json:"id"`
	TextHash  string         `json:"textHash"`
	Model     string         `json:"model"`
	Text      string         `json:"text,omitempty"`
	Vector    []float32      `json:"vector"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SimilarityMatch is one query hit.
type SimilarityMatch struct {
	Record     *EmbeddingRecord `json:"record"`
	Similarity float64          `json:"similarity"`
}

// Prompt is a versioned template.
type Prompt struct {
	Key      string `json:"key" yaml:"key"`
	Version  int    `json:"version" yaml:"version"`
	Template string `json:"template" yaml:"template"`
	Active   bool   `json:"active" yaml:"active"`
}

// GeneratedText is the persisted output of a generate job.
type GeneratedText struct {
	ID         string         `json:"id"`
	JobID      string         `json:"jobId"`
	PromptType string         `json:"promptType,omitempty"`
	Prompt     string         `json:"prompt"`
	Content    string         `json:"content"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	TokensUsed int            `json:"tokensUsed"`
	Cost       float64        `json:"cost"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
