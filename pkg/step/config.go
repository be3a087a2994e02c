package step

import (
	"path/filepath"

	"github.com/gridctl/imagectl/pkg/engine"
	"github.com/gridctl/imagectl/pkg/tags"
)

// Config is the build step as configured on a job. It is immutable input
// to every run of the step.
type Config struct {
	// ContextDir is the build context, relative to the job workspace.
	ContextDir string `yaml:"context_dir"`
	// Tags holds newline-delimited tag templates.
	Tags string `yaml:"tags"`

	PushOnSuccess        bool `yaml:"push_on_success"`
	CleanImages          bool `yaml:"clean_images"`
	CleanupWithJobDelete bool `yaml:"cleanup_with_job_delete"`

	// RequireTags fails a run whose templates all fail to expand instead of
	// treating it as a no-op.
	RequireTags bool `yaml:"require_tags"`

	Build engine.BuildOptions `yaml:",inline"`
}

// Templates returns the tag templates in configured order.
func (c Config) Templates() []string {
	return tags.ParseList(c.Tags)
}

// ResolveContextDir returns the build context for a run in workspace.
func (c Config) ResolveContextDir(workspace string) string {
	dir := c.ContextDir
	if dir == "" {
		dir = "."
	}
	if filepath.IsAbs(dir) || workspace == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(workspace, dir)
}
