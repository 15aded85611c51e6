// Package prompt renders prompt templates and resolves stored prompts.
//
// Templates support {{name}} substitution, {{#if name}}...{{else}}...{{/if}}
// conditionals and {{#each name}}...{{/each}} loops in which {{this}} is the
// current item and {{@index}} its zero-based position. Arrays substitute as
// their items joined with ", ".
package prompt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zemo/api/internal/apperr"
)

type nodeKind int

const (
	textNode nodeKind = iota
	varNode
	ifNode
	eachNode
)

type node struct {
	kind     nodeKind
	text     string // literal text, or the variable name
	raw      string // original tag for variables
	children []*node
	orElse   []*node
}

// Template is a parsed prompt template.
type Template struct {
	nodes []*node
}

// Parse compiles src. Unbalanced or unknown block tags are validation errors.
func Parse(src string) (*Template, error) {
	const op = "prompt.parse"

	root := &node{}
	// stack of open blocks; inElse tracks whether {{else}} was seen
	stack := []*node{root}
	inElse := []bool{false}

	appendNode := func(n *node) {
		top := stack[len(stack)-1]
		if inElse[len(inElse)-1] {
			top.orElse = append(top.orElse, n)
		} else {
			top.children = append(top.children, n)
		}
	}

	rest := src
	for len(rest) > 0 {
		start := strings.Index(rest, "{{")
		if start < 0 {
			appendNode(&node{kind: textNode, text: rest})
			break
		}
		if start > 0 {
			appendNode(&node{kind: textNode, text: rest[:start]})
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			appendNode(&node{kind: textNode, text: rest[start:]})
			break
		}
		raw := rest[start : start+end+2]
		tag := strings.TrimSpace(rest[start+2 : start+end])
		rest = rest[start+end+2:]

		switch {
		case strings.HasPrefix(tag, "#if "), strings.HasPrefix(tag, "#each "):
			kind, name := ifNode, strings.TrimSpace(strings.TrimPrefix(tag, "#if "))
			if strings.HasPrefix(tag, "#each ") {
				kind, name = eachNode, strings.TrimSpace(strings.TrimPrefix(tag, "#each "))
			}
			if name == "" {
				return nil, apperr.Validationf(op, "block %q has no variable", raw)
			}
			n := &node{kind: kind, text: name, raw: raw}
			appendNode(n)
			stack = append(stack, n)
			inElse = append(inElse, false)
		case tag == "else":
			if len(stack) == 1 || stack[len(stack)-1].kind != ifNode || inElse[len(inElse)-1] {
				return nil, apperr.Validationf(op, "unexpected {{else}}")
			}
			inElse[len(inElse)-1] = true
		case tag == "/if", tag == "/each":
			want := ifNode
			if tag == "/each" {
				want = eachNode
			}
			if len(stack) == 1 || stack[len(stack)-1].kind != want {
				return nil, apperr.Validationf(op, "unexpected {{%s}}", tag)
			}
			stack = stack[:len(stack)-1]
			inElse = inElse[:len(inElse)-1]
		case tag == "" || strings.HasPrefix(tag, "#") || strings.HasPrefix(tag, "/"):
			return nil, apperr.Validationf(op, "unsupported tag %q", raw)
		default:
			appendNode(&node{kind: varNode, text: tag, raw: raw})
		}
	}

	if len(stack) > 1 {
		return nil, apperr.Validationf(op, "unclosed block %s", stack[len(stack)-1].raw)
	}
	return &Template{nodes: root.children}, nil
}

// Render parses and executes src in one step.
func Render(src string, vars map[string]any) (string, []string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", nil, err
	}
	out, missing := t.Execute(vars)
	return out, missing, nil
}

type scope struct {
	item  any
	index int
	loop  bool
}

type renderer struct {
	vars    map[string]any
	b       strings.Builder
	missing map[string]struct{}
}

// Execute renders the template. Variables without a value are left in place
// and returned in missing, sorted.
func (t *Template) Execute(vars map[string]any) (string, []string) {
	r := &renderer{vars: vars, missing: make(map[string]struct{})}
	r.render(t.nodes, nil)

	missing := make([]string, 0, len(r.missing))
	for name := range r.missing {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return r.b.String(), missing
}

func (r *renderer) render(nodes []*node, scopes []scope) {
	for _, n := range nodes {
		switch n.kind {
		case textNode:
			r.b.WriteString(n.text)
		case varNode:
			v, ok := r.lookup(n.text, scopes)
			if !ok {
				r.missing[n.text] = struct{}{}
				r.b.WriteString(n.raw)
				continue
			}
			r.b.WriteString(format(v))
		case ifNode:
			v, _ := r.lookup(n.text, scopes)
			if truthy(v) {
				r.render(n.children, scopes)
			} else {
				r.render(n.orElse, scopes)
			}
		case eachNode:
			v, _ := r.lookup(n.text, scopes)
			for i, item := range items(v) {
				r.render(n.children, append(scopes, scope{item: item, index: i, loop: true}))
			}
		}
	}
}

// lookup resolves name against the innermost loop item, then the template
// variables. Dotted names walk nested maps.
func (r *renderer) lookup(name string, scopes []scope) (any, bool) {
	if len(scopes) > 0 {
		cur := scopes[len(scopes)-1]
		switch {
		case name == "this":
			return cur.item, cur.item != nil
		case name == "@index":
			return cur.index, true
		case strings.HasPrefix(name, "this."):
			return walk(cur.item, strings.Split(strings.TrimPrefix(name, "this."), "."))
		}
		if m, ok := cur.item.(map[string]any); ok {
			if v, ok := walk(m, strings.Split(name, ".")); ok {
				return v, true
			}
		}
	}
	return walk(r.vars, strings.Split(name, "."))
}

func walk(v any, path []string) (any, bool) {
	for _, p := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return v, v != nil
}

func items(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func truthy(v any) bool {
	switch vv := v.(type) {
	case nil:
		return false
	case bool:
		return vv
	case string:
		return vv != ""
	case int:
		return vv != 0
	case int64:
		return vv != 0
	case float64:
		return vv != 0
	case []any:
		return len(vv) > 0
	case []string:
		return len(vv) > 0
	case map[string]any:
		return len(vv) > 0
	default:
		return true
	}
}

func format(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case []any, []string:
		parts := items(vv)
		out := make([]string, len(parts))
		for i, p := range parts {
			out[i] = format(p)
		}
		return strings.Join(out, ", ")
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	default:
		return fmt.Sprint(vv)
	}
}
