// Package macro expands {{ NAME }} references in tag templates using the
// variables of a build.
package macro

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Safety limits for template resolution.
const (
	maxTemplateLen   = 1024
	maxExpressionLen = 200
)

// exprRegex matches {{ ... }} expressions.
var exprRegex = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// nameRegex validates variable and filter names.
var nameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Filter transforms an expanded value.
type Filter func(string) string

// Engine is the default macro service.
type Engine struct {
	filters map[string]Filter
}

// NewEngine creates an Engine with the built-in filters:
// lower, slug, short and trim.
func NewEngine() *Engine {
	return &Engine{
		filters: map[string]Filter{
			"lower": strings.ToLower,
			"slug":  Slug,
			"short": Short,
			"trim":  strings.TrimSpace,
		},
	}
}

// RegisterFilter adds or replaces a named filter. Templates can only
// reference names matching [A-Za-z_][A-Za-z0-9_]*.
func (e *Engine) RegisterFilter(name string, f Filter) {
	e.filters[name] = f
}

// Expand resolves every {{ NAME | filter ... }} expression in template
// against vars. A reference to an undefined variable or filter fails the
// whole template.
func (e *Engine) Expand(ctx context.Context, template string, vars map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(template) > maxTemplateLen {
		return "", fmt.Errorf("template exceeds %d characters", maxTemplateLen)
	}

	var firstErr error
	out := exprRegex.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := exprRegex.FindStringSubmatch(match)[1]
		val, err := e.eval(expr, vars)
		if err != nil {
			firstErr = err
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	if strings.Contains(out, "{{") || strings.Contains(out, "}}") {
		return "", fmt.Errorf("unbalanced macro delimiters in %q", template)
	}
	return out, nil
}

// eval resolves a single expression: a variable name followed by optional
// pipe-separated filters.
func (e *Engine) eval(expr string, vars map[string]string) (string, error) {
	if len(expr) > maxExpressionLen {
		return "", fmt.Errorf("expression exceeds %d characters", maxExpressionLen)
	}
	parts := strings.Split(expr, "|")
	name := strings.TrimSpace(parts[0])
	if !nameRegex.MatchString(name) {
		return "", fmt.Errorf("invalid macro name %q", name)
	}
	val, ok := vars[name]
	if !ok {
		return "", fmt.Errorf("unknown macro %q", name)
	}
	for _, p := range parts[1:] {
		fname := strings.TrimSpace(p)
		if !nameRegex.MatchString(fname) {
			return "", fmt.Errorf("invalid filter name %q", fname)
		}
		f, ok := e.filters[fname]
		if !ok {
			return "", fmt.Errorf("unknown filter %q", fname)
		}
		val = f(val)
	}
	return val, nil
}

// Slug lowercases s and replaces every character outside the tag grammar
// with '-', collapsing runs and trimming the ends.
func Slug(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(s) {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_'
		if ok {
			b.WriteRune(r)
			prevDash = false
			continue
		}
		if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// Short returns the first seven characters of s, the usual short commit form.
func Short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
