package prompt

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zemo/api/internal/apperr"
	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store/memstore"
)

func TestRender_JoinsArrays(t *testing.T) {
	out, missing, err := Render("Write about {{heading}} using {{keywords}}", map[string]any{
		"heading":  "Cats",
		"keywords": []any{"cute", "fluffy"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Write about Cats using cute, fluffy", out)
	assert.Empty(t, missing)
}

func TestRender_Blocks(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]any
		want string
	}{
		{
			name: "if true",
			tmpl: "{{#if tone}}Tone: {{tone}}.{{/if}}Go",
			vars: map[string]any{"tone": "formal"},
			want: "Tone: formal.Go",
		},
		{
			name: "if missing takes else",
			tmpl: "{{#if tone}}A{{else}}B{{/if}}",
			vars: map[string]any{},
			want: "B",
		},
		{
			name: "empty array is falsy",
			tmpl: "{{#if items}}has{{else}}none{{/if}}",
			vars: map[string]any{"items": []any{}},
			want: "none",
		},
		{
			name: "each with index",
			tmpl: "{{#each items}}{{@index}}={{this}};{{/each}}",
			vars: map[string]any{"items": []string{"a", "b"}},
			want: "0=a;1=b;",
		},
		{
			name: "each over maps",
			tmpl: "{{#each sections}}[{{title}}/{{heading}}]{{/each}}",
			vars: map[string]any{
				"heading":  "H",
				"sections": []any{map[string]any{"title": "x"}, map[string]any{"title": "y"}},
			},
			want: "[x/H][y/H]",
		},
		{
			name: "nested",
			tmpl: "{{#each rows}}{{#if this}}{{this}}{{else}}-{{/if}}{{/each}}",
			vars: map[string]any{"rows": []any{"a", "", "b"}},
			want: "a-b",
		},
		{
			name: "numbers",
			tmpl: "{{count}} {{ratio}}",
			vars: map[string]any{"count": 3, "ratio": 0.5},
			want: "3 0.5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := Render(tt.tmpl, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRender_MissingLeftInPlace(t *testing.T) {
	out, missing, err := Render("Hi {{ name }}, {{who}}", map[string]any{"who": "there"})
	require.NoError(t, err)
	assert.Equal(t, "Hi {{ name }}, there", out)
	assert.Equal(t, []string{"name"}, missing)
}

func TestParse_Unbalanced(t *testing.T) {
	for _, tmpl := range []string{
		"{{#if a}}x",
		"x{{/if}}",
		"{{#each a}}{{/if}}",
		"{{else}}",
		"{{#if a}}{{else}}{{else}}{{/if}}",
		"{{#unless a}}{{/unless}}",
	} {
		_, err := Parse(tmpl)
		assert.Equal(t, apperr.Validation, apperr.KindOf(err), tmpl)
	}
}

func TestService_RenderActiveVersion(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	svc := NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, svc.Save(ctx, &model.Prompt{Key: "intro", Version: 1, Template: "v1 {{x}}", Active: true}))
	require.NoError(t, svc.Save(ctx, &model.Prompt{Key: "intro", Version: 2, Template: "v2 {{x}}", Active: true}))
	require.NoError(t, svc.Save(ctx, &model.Prompt{Key: "intro", Version: 3, Template: "v3 {{x}}", Active: false}))

	r, err := svc.Render(ctx, "intro", 0, map[string]any{"x": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "v2 ok", r.Text)
	assert.Equal(t, 2, r.Version)

	r, err = svc.Render(ctx, "intro", 3, map[string]any{"x": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "v3 ok", r.Text)

	_, err = svc.Render(ctx, "missing", 0, nil)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestService_LoadFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`prompts:
  - key: section
    version: 1
    active: true
    template: "Write about {{heading}}"
`), 0o600))

	s := memstore.New()
	svc := NewService(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := svc.LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := svc.Render(ctx, "section", 0, map[string]any{"heading": "Dogs"})
	require.NoError(t, err)
	assert.Equal(t, "Write about Dogs", r.Text)
}
