package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/metrics"
)

const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderGroq   = "groq"
)

// GenerateOptions select the provider and sampling parameters.
type GenerateOptions struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Generation is the outcome of one LLM call.
type Generation struct {
	Content    string        `json:"content"`
	Model      string        `json:"model"`
	Provider   string        `json:"provider"`
	TokensUsed int           `json:"tokensUsed"`
	Cost       float64       `json:"cost"`
	Duration   time.Duration `json:"duration"`
}

// Completion is what a provider returns. TokensUsed is 0 when the provider
// does not report usage.
type Completion struct {
	Content    string
	Model      string
	TokensUsed int
}

// LLMProvider is one chat completion backend.
type LLMProvider interface {
	Complete(ctx context.Context, prompt string, opts GenerateOptions) (*Completion, error)
}

// Generator produces text from a rendered prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error)
}

// LLMRouter dispatches generation requests to the configured providers and
// prices the result.
type LLMRouter struct {
	providers map[string]LLMProvider
	tokens    *TokenCounter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewLLMRouter(tokens *TokenCounter, m *metrics.Metrics, logger *slog.Logger) *LLMRouter {
	return &LLMRouter{
		providers: make(map[string]LLMProvider),
		tokens:    tokens,
		metrics:   m,
		logger:    logger,
	}
}

// Register makes p available under name.
func (r *LLMRouter) Register(name string, p LLMProvider) {
	r.providers[name] = p
}

// Generate runs prompt on opts.Provider, defaulting to openai.
func (r *LLMRouter) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	const op = "llm.generate"

	provider := opts.Provider
	if provider == "" {
		provider = ProviderOpenAI
	}
	p, ok := r.providers[provider]
	if !ok {
		return nil, apperr.Validationf(op, "unsupported LLM provider: %s", provider)
	}

	start := time.Now()
	c, err := p.Complete(ctx, prompt, opts)
	r.metrics.APICall(provider, err)
	if err != nil {
		r.logger.Error("failed to generate content",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, err
	}

	tokens := c.TokensUsed
	if tokens == 0 {
		tokens = r.tokens.Count(prompt) + r.tokens.Count(c.Content)
	}

	gen := &Generation{
		Content:    c.Content,
		Model:      c.Model,
		Provider:   provider,
		TokensUsed: tokens,
		Cost:       Cost(provider, c.Model, tokens),
		Duration:   time.Since(start),
	}
	r.logger.Info("content generated",
		slog.String("provider", provider),
		slog.String("model", gen.Model),
		slog.Int("tokens", gen.TokensUsed),
		slog.Duration("duration", gen.Duration))
	return gen, nil
}

// Prices in USD per 1K tokens. Models match by longest prefix.
var priceTable = map[string]struct {
	models   map[string]float64
	fallback float64
}{
	ProviderOpenAI: {
		models:   map[string]float64{"gpt-3.5-turbo": 0.002, "gpt-4": 0.03, "gpt-4-turbo": 0.01},
		fallback: 0.002,
	},
	ProviderClaude: {
		models:   map[string]float64{"claude-3-sonnet": 0.015, "claude-3-opus": 0.075, "claude-3-haiku": 0.00025},
		fallback: 0.015,
	},
	ProviderGemini: {
		models:   map[string]float64{"gemini-pro": 0.0005, "gemini-pro-vision": 0.0025},
		fallback: 0.0005,
	},
	ProviderGroq: {
		fallback: 0.0005,
	},
}

// Cost prices tokens for provider and model.
func Cost(provider, model string, tokens int) float64 {
	prices, ok := priceTable[provider]
	if !ok {
		return 0
	}
	perK := prices.fallback
	best := -1
	for prefix, price := range prices.models {
		if strings.HasPrefix(model, prefix) && len(prefix) > best {
			best = len(prefix)
			perK = price
		}
	}
	return perK * float64(tokens) / 1000
}

// TokenCounter estimates token usage for providers that do not report it.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter loads the cl100k_base encoding. When the encoding is not
// available the counter falls back to a character estimate.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{encoding: enc}
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// EstimateTokens assumes roughly four characters per token.
func EstimateTokens(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}

func providerOp(provider string) string {
	return fmt.Sprintf("llm.%s", provider)
}
