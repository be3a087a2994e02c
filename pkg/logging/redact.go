package logging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Patterns that match sensitive values in log output. The first capture
// group is kept, only the secret that follows it becomes [REDACTED].
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Authorization:\s*)\S+(\s+\S+)?`),
	regexp.MustCompile(`(?i)(Bearer\s+)\S+`),
	regexp.MustCompile(`(?i)("(?:password|identitytoken|registrytoken|auth)"\s*:\s*)"[^"]*"`),
	regexp.MustCompile(`(?i)(X-Registry-Auth:\s*)\S+`),
	regexp.MustCompile(`(?i)((?:password|passwd|secret|api[_-]?key|token|credentials?|auth[_-]?token)\s*[=:]\s*)[^\s"]+`),
}

// RedactingHandler is a slog.Handler that scrubs secrets from the message and
// every string attribute before forwarding to an inner handler.
type RedactingHandler struct {
	inner    slog.Handler
	patterns []*regexp.Regexp
}

// NewRedactingHandler wraps an inner handler with secret redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{
		inner:    inner,
		patterns: defaultRedactPatterns,
	}
}

// Enabled delegates to the inner handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts sensitive values in the record before forwarding.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	// Redact message
	r.Message = h.redactString(r.Message)

	// Build new attrs with redacted values
	var redacted []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		redacted = append(redacted, h.redactAttr(a))
		return true
	})

	// Create a new record with redacted attrs
	newRecord := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	newRecord.AddAttrs(redacted...)

	return h.inner.Handle(ctx, newRecord)
}

// WithAttrs returns a new handler with redacted persistent attributes.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &RedactingHandler{
		inner:    h.inner.WithAttrs(redacted),
		patterns: h.patterns,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{
		inner:    h.inner.WithGroup(name),
		patterns: h.patterns,
	}
}

// redactAttr redacts sensitive values in an attribute.
func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		redacted := make([]slog.Attr, len(attrs))
		for i, ga := range attrs {
			redacted[i] = h.redactAttr(ga)
		}
		return slog.Group(a.Key, attrsToAny(redacted)...)
	case slog.KindAny:
		return h.redactAnyAttr(a)
	default:
		return a
	}
}

// redactAnyAttr handles []string, map[string]string, errors and Stringers.
func (h *RedactingHandler) redactAnyAttr(a slog.Attr) slog.Attr {
	v := a.Value.Any()
	switch val := v.(type) {
	case []string:
		redacted := make([]string, len(val))
		for i, s := range val {
			redacted[i] = h.redactString(s)
		}
		return slog.Any(a.Key, redacted)
	case map[string]string:
		redacted := make(map[string]string, len(val))
		for k, v := range val {
			if isSensitiveKey(k) {
				redacted[k] = "[REDACTED]"
			} else {
				redacted[k] = h.redactString(v)
			}
		}
		return slog.Any(a.Key, redacted)
	case error:
		return slog.String(a.Key, h.redactString(val.Error()))
	case fmt.Stringer:
		return slog.String(a.Key, h.redactString(val.String()))
	default:
		return a
	}
}

// redactString applies all redaction patterns to a string.
func (h *RedactingHandler) redactString(s string) string {
	for _, p := range h.patterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}

// RedactString applies the default redaction patterns to a string.
// Sinks use it for raw engine output which never passes through slog.
func RedactString(s string) string {
	for _, p := range defaultRedactPatterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}

// attrsToAny converts []slog.Attr to []any for slog.Group().
func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, a := range attrs {
		result[i] = a
	}
	return result
}

// RedactVars returns a copy of vars with values of secret-looking keys
// replaced by [REDACTED]. Build-context variables are dumped through it.
func RedactVars(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}
	redacted := make(map[string]string, len(vars))
	for k, v := range vars {
		if isSensitiveKey(k) {
			redacted[k] = "[REDACTED]"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|key|credential|auth|api[_-]?key)`)

// isSensitiveKey returns true if the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(strings.ToLower(key))
}
