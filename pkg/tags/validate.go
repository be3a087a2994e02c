// Package tags validates and expands image tag templates.
//
// The same validator backs configuration-time checks (CLI, agent API,
// config loader) and the post-expansion check done at run time.
package tags

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is the naming grammar every literal tag must satisfy.
const Pattern = `^[a-z0-9\-_.]+$`

var validTag = regexp.MustCompile(Pattern)

// ident is the grammar shared by macro and filter names.
const ident = `[A-Za-z_][A-Za-z0-9_]*`

// macroRef matches a well-formed macro reference such as {{ GIT_BRANCH }} or
// {{ GIT_BRANCH | to_lower }}. Masked out when validating templates.
var macroRef = regexp.MustCompile(`\{\{\s*` + ident + `(?:\s*\|\s*` + ident + `)*\s*\}\}`)

// InvalidTagError reports a tag that does not match Pattern.
type InvalidTagError struct {
	Tag string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("tag %s doesn't match %s", e.Tag, Pattern)
}

// Validate checks a single literal tag against the naming grammar.
func Validate(tag string) error {
	if !validTag.MatchString(tag) {
		return &InvalidTagError{Tag: tag}
	}
	return nil
}

// ParseList splits newline-delimited text into tags. Entries are trimmed
// and empty entries are omitted.
func ParseList(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// JoinList is the inverse of ParseList.
func JoinList(tags []string) string {
	return strings.Join(tags, "\n")
}

// ValidateList validates every entry of newline-delimited literal tags and
// returns an *InvalidTagError naming the first offending entry.
func ValidateList(raw string) error {
	for _, tag := range ParseList(raw) {
		if err := Validate(tag); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTemplate checks a tag template. Macro references are masked so
// only the literal text around them is held to the grammar.
func ValidateTemplate(template string) error {
	masked := macroRef.ReplaceAllString(template, "x")
	if !validTag.MatchString(masked) {
		return &InvalidTagError{Tag: template}
	}
	return nil
}

// ValidateTemplates validates newline-delimited tag templates and names the
// first offending entry.
func ValidateTemplates(raw string) error {
	for _, tmpl := range ParseList(raw) {
		if err := ValidateTemplate(tmpl); err != nil {
			return err
		}
	}
	return nil
}
