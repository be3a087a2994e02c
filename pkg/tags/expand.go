package tags

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gridctl/imagectl/pkg/logging"
)

// MacroService expands one template against the variables of a build.
type MacroService interface {
	Expand(ctx context.Context, template string, vars map[string]string) (string, error)
}

// ExpansionError reports a template that was dropped from the tag set.
type ExpansionError struct {
	Template string
	Err      error
}

func (e *ExpansionError) Error() string {
	return fmt.Sprintf("couldn't macro expand tag %s: %v", e.Template, e.Err)
}

func (e *ExpansionError) Unwrap() error { return e.Err }

// Expander turns tag templates into the ordered set of literal tags for a run.
type Expander struct {
	macros MacroService
	logger *slog.Logger
}

// NewExpander creates an Expander backed by the given macro service.
func NewExpander(macros MacroService) *Expander {
	return &Expander{
		macros: macros,
		logger: logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger for expansion diagnostics.
func (e *Expander) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Expand expands every template independently. A template whose expansion
// fails, or whose result does not satisfy the grammar, is reported to sink
// and left out; the dropped templates are returned alongside the tags. Order
// of the remaining tags follows the templates. The result may be empty.
func (e *Expander) Expand(ctx context.Context, templates []string, vars map[string]string, sink logging.Sink) ([]string, []*ExpansionError) {
	if sink == nil {
		sink = logging.DiscardSink
	}
	out := make([]string, 0, len(templates))
	var dropped []*ExpansionError
	for _, tmpl := range templates {
		tag, err := e.macros.Expand(ctx, tmpl, vars)
		if err == nil {
			err = Validate(tag)
		}
		if err != nil {
			expErr := &ExpansionError{Template: tmpl, Err: err}
			dropped = append(dropped, expErr)
			e.logger.Warn("dropping tag template", "template", tmpl, "error", err)
			sink.Append("Couldn't macro expand tag " + tmpl)
			continue
		}
		out = append(out, tag)
	}
	return out, dropped
}
