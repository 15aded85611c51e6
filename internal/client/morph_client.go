package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zemo/api/internal/config"
)

// WordStat is the frequency of one lemmatized word.
type WordStat struct {
	Word      string `json:"word"`
	Lemma     string `json:"lemma,omitempty"`
	Frequency int    `json:"frequency"`
}

// TextAnalysis is the result of morphological analysis.
type TextAnalysis struct {
	Lemmas          []string   `json:"lemmas"`
	Words           []WordStat `json:"words"`
	WordCount       int        `json:"wordCount"`
	UniqueWordCount int        `json:"uniqueWords"`
}

// Analyzer performs morphological analysis of text.
type Analyzer interface {
	Analyze(ctx context.Context, text, language string) (*TextAnalysis, error)
}

// MorphClient handles communication with the morphology service
type MorphClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewMorphClient creates a new morphology service client
func NewMorphClient(cfg *config.MorphConfig) *MorphClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MorphClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.BaseURL,
	}
}

type analyzeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type analyzeResponse struct {
	TextAnalysis
	Error string `json:"error,omitempty"`
}

// Analyze lemmatizes text and counts word frequencies.
func (c *MorphClient) Analyze(ctx context.Context, text, language string) (*TextAnalysis, error) {
	if language == "" || language == "unknown" {
		language = "ru"
	}

	bodyBytes, err := json.Marshal(analyzeRequest{Text: text, Language: language})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("morph service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out analyzeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("morph service error: %s", out.Error)
	}

	return &out.TextAnalysis, nil
}

// CheckHealth reports whether the service answers its health endpoint.
func (c *MorphClient) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("morph service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
