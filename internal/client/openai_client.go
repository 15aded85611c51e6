package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/config"
)

// OpenAIProvider serves chat completions through the OpenAI API or any
// compatible endpoint such as Groq.
type OpenAIProvider struct {
	client  openai.Client
	name    string
	model   string
	timeout time.Duration
}

// NewOpenAIProvider creates an OpenAI provider
func NewOpenAIProvider(cfg *config.OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{
		client:  openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		name:    ProviderOpenAI,
		model:   cfg.Model,
		timeout: 60 * time.Second,
	}
}

// NewGroqProvider creates a provider for Groq's OpenAI-compatible API
func NewGroqProvider(cfg *config.GroqConfig) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
		),
		name:    ProviderGroq,
		model:   cfg.Model,
		timeout: 60 * time.Second,
	}
}

// Complete sends prompt as a single user message.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, opts GenerateOptions) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(providerOp(p.name), err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: no completion choices returned", p.name)
	}

	m := string(completion.Model)
	if m == "" {
		m = model
	}
	return &Completion{
		Content:    completion.Choices[0].Message.Content,
		Model:      m,
		TokensUsed: int(completion.Usage.TotalTokens),
	}, nil
}

func classifyOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var header http.Header
	if apiErr.Response != nil {
		header = apiErr.Response.Header
	}
	return statusError(op, apiErr.StatusCode, header, err)
}

// statusError maps an HTTP status to an error kind.
func statusError(op string, status int, header http.Header, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		var hint time.Duration
		if header != nil {
			hint = retryAfter(header.Get("Retry-After"))
		}
		return apperr.RateLimit(op, hint, err)
	case status == http.StatusBadRequest, status == http.StatusUnauthorized,
		status == http.StatusForbidden, status == http.StatusNotFound:
		return apperr.Wrap(apperr.Validation, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// OpenAIEmbedder generates embeddings with the OpenAI API.
type OpenAIEmbedder struct {
	client openai.Client
}

func NewOpenAIEmbedder(cfg *config.OpenAIConfig) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: openai.NewClient(option.WithAPIKey(cfg.APIKey))}
}

// Embed returns the vector of text under model.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
	})
	if err != nil {
		return nil, classifyOpenAIError("embeddings", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings generated")
	}

	vector := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}
