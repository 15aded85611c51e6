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

const anthropicVersion = "2023-06-01"

// ClaudeClient handles communication with the Anthropic Messages API
type ClaudeClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type claudeRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	Messages    []ChatMessage `json:"messages"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ChatMessage represents a message in a chat request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewClaudeClient creates a new Anthropic client
func NewClaudeClient(cfg *config.AnthropicConfig) *ClaudeClient {
	return &ClaudeClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// Complete sends prompt as a single user message
func (c *ClaudeClient) Complete(ctx context.Context, prompt string, opts GenerateOptions) (*Completion, error) {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	reqBody := claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

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
		return nil, statusError(providerOp(ProviderClaude), resp.StatusCode, resp.Header,
			fmt.Errorf("claude API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var out claudeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var content string
	if len(out.Content) > 0 && out.Content[0].Type == "text" {
		content = out.Content[0].Text
	}
	if out.Model == "" {
		out.Model = model
	}

	return &Completion{
		Content:    content,
		Model:      out.Model,
		TokensUsed: out.Usage.InputTokens + out.Usage.OutputTokens,
	}, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ClaudeClient) IsConfigured() bool {
	return c.apiKey != ""
}
