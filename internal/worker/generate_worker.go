package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/client"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/prompt"
	"github.com/zemo/api/internal/store"
)

const (
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
)

// GenerateParams is the payload of a generate job. Either an inline
// template or a stored promptType is required.
type GenerateParams struct {
	Template      string                 `json:"template"`
	PromptType    string                 `json:"promptType"`
	PromptVersion int                    `json:"promptVersion" validate:"omitempty,min=1"`
	Inputs        map[string]any         `json:"inputs"`
	Options       client.GenerateOptions `json:"options"`
	Analyze       *AnalyzeResult         `json:"analyze"`
}

// PromptRenderer resolves and renders stored prompts.
type PromptRenderer interface {
	Render(ctx context.Context, key string, version int, vars map[string]any) (*prompt.Rendered, error)
}

// GenerateResult is the output of a generate job.
type GenerateResult struct {
	GeneratedTextID string             `json:"generatedTextId"`
	Content         string             `json:"content"`
	Prompt          string             `json:"prompt"`
	Metrics         *client.Generation `json:"metrics"`
}

// GenerateWorker renders a prompt and sends it to an LLM.
type GenerateWorker struct {
	generator client.Generator
	prompts   PromptRenderer
	texts     store.GeneratedTextStore
	logger    *slog.Logger
}

// NewGenerateWorker creates a new generate worker
func NewGenerateWorker(generator client.Generator, prompts PromptRenderer, texts store.GeneratedTextStore, logger *slog.Logger) *GenerateWorker {
	return &GenerateWorker{
		generator: generator,
		prompts:   prompts,
		texts:     texts,
		logger:    logger,
	}
}

// Execute runs a generate job
func (w *GenerateWorker) Execute(ctx context.Context, task *Task) (any, error) {
	const what = "generate"

	var p GenerateParams
	if err := DecodeParams(task.Params, &p); err != nil {
		return nil, err
	}
	if p.Template == "" && p.PromptType == "" {
		return nil, apperr.Validationf(opName(task, what), "template or promptType is required")
	}

	inputs := make(map[string]any, len(p.Inputs)+1)
	for k, v := range p.Inputs {
		inputs[k] = v
	}
	if _, ok := inputs["keywords"]; !ok && p.Analyze != nil && len(p.Analyze.Keywords) > 0 {
		kws := make([]any, len(p.Analyze.Keywords))
		for i, kw := range p.Analyze.Keywords {
			kws[i] = kw
		}
		inputs["keywords"] = kws
	}

	opts := p.Options
	if opts.Provider == "" {
		opts.Provider = client.ProviderOpenAI
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}

	label := p.PromptType
	if label == "" {
		label = "inline"
	}
	task.Report.Log(ctx, model.LogLevelInfo, fmt.Sprintf("Starting content generation for type: %s", label), nil)
	task.Report.Progress(ctx, 1, 4, "Preparing prompt with inputs")

	text, missing, err := w.render(ctx, p, inputs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		task.Report.Log(ctx, model.LogLevelWarn, "Prompt has unresolved variables: "+strings.Join(missing, ", "), map[string]any{"missing": missing})
	}

	task.Report.Progress(ctx, 2, 4, "Generating content with LLM")

	if err := Commit(ctx, task.Control); err != nil {
		return nil, err
	}

	gen, err := w.generator.Generate(ctx, text, opts)
	if err != nil {
		task.Report.Log(ctx, model.LogLevelError, fmt.Sprintf("Content generation failed: %v", err), map[string]any{"provider": opts.Provider})
		return nil, err
	}

	task.Report.Progress(ctx, 3, 4, "Processing and storing generated content")

	record := &model.GeneratedText{
		JobID:      task.JobID,
		PromptType: p.PromptType,
		Prompt:     text,
		Content:    gen.Content,
		Provider:   gen.Provider,
		Model:      gen.Model,
		TokensUsed: gen.TokensUsed,
		Cost:       gen.Cost,
		Inputs:     inputs,
		CreatedAt:  time.Now(),
	}
	if err := w.texts.SaveGeneratedText(ctx, record); err != nil {
		return nil, fmt.Errorf("store generated text: %w", err)
	}

	task.Report.Progress(ctx, 4, 4, "Content generation completed")
	w.logger.Info("content generation completed",
		slog.String("jobId", task.JobID),
		slog.String("generatedTextId", record.ID),
		slog.Int("tokens", gen.TokensUsed))

	return &GenerateResult{
		GeneratedTextID: record.ID,
		Content:         gen.Content,
		Prompt:          text,
		Metrics:         gen,
	}, nil
}

func (w *GenerateWorker) render(ctx context.Context, p GenerateParams, inputs map[string]any) (string, []string, error) {
	if p.Template != "" {
		return prompt.Render(p.Template, inputs)
	}
	r, err := w.prompts.Render(ctx, p.PromptType, p.PromptVersion, inputs)
	if err != nil {
		return "", nil, err
	}
	return r.Text, r.Missing, nil
}
