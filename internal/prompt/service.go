package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

// Service resolves stored prompts and renders them.
type Service struct {
	store  store.PromptStore
	logger *slog.Logger
}

func NewService(s store.PromptStore, logger *slog.Logger) *Service {
	return &Service{store: s, logger: logger}
}

// Rendered is a prompt ready to send to a model.
type Rendered struct {
	Text    string
	Key     string
	Version int
	Missing []string
}

// Get returns a prompt version, or the active one when version is 0.
func (s *Service) Get(ctx context.Context, key string, version int) (*model.Prompt, error) {
	p, err := s.store.GetPrompt(ctx, key, version)
	if errors.Is(err, store.ErrNotFound) {
		if version > 0 {
			return nil, apperr.NotFoundf("prompt.get", "no prompt %q version %d", key, version)
		}
		return nil, apperr.NotFoundf("prompt.get", "no prompt found for type: %s", key)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Render resolves key and renders it with vars.
func (s *Service) Render(ctx context.Context, key string, version int, vars map[string]any) (*Rendered, error) {
	p, err := s.Get(ctx, key, version)
	if err != nil {
		return nil, err
	}
	text, missing, err := Render(p.Template, vars)
	if err != nil {
		return nil, fmt.Errorf("prompt %s v%d: %w", p.Key, p.Version, err)
	}
	return &Rendered{Text: text, Key: p.Key, Version: p.Version, Missing: missing}, nil
}

// Save validates the template and stores it.
func (s *Service) Save(ctx context.Context, p *model.Prompt) error {
	if p.Key == "" || p.Version <= 0 {
		return apperr.Validationf("prompt.save", "prompt needs a key and a positive version")
	}
	if _, err := Parse(p.Template); err != nil {
		return err
	}
	return s.store.SavePrompt(ctx, p)
}

type promptFile struct {
	Prompts []model.Prompt `yaml:"prompts"`
}

// LoadFile seeds prompts from a YAML file of the form
//
//	prompts:
//	  - key: section
//	    version: 1
//	    active: true
//	    template: "Write about {{heading}}"
func (s *Service) LoadFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read prompts file: %w", err)
	}

	var f promptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("failed to parse prompts file: %w", err)
	}

	for i := range f.Prompts {
		p := f.Prompts[i]
		if err := s.Save(ctx, &p); err != nil {
			return i, fmt.Errorf("prompt %q: %w", p.Key, err)
		}
	}
	s.logger.Info("prompts loaded", slog.String("file", path), slog.Int("count", len(f.Prompts)))
	return len(f.Prompts), nil
}
