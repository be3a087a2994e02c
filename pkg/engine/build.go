package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridctl/imagectl/pkg/dockerclient"
	"github.com/gridctl/imagectl/pkg/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// BuildOptions tune every build of a run.
type BuildOptions struct {
	Dockerfile string            `json:"dockerfile,omitempty" yaml:"dockerfile"` // path within the context, default "Dockerfile"
	BuildArgs  map[string]string `json:"build_args,omitempty" yaml:"build_args"`
	NoCache    bool              `json:"no_cache,omitempty" yaml:"no_cache"`
	Pull       bool              `json:"pull,omitempty" yaml:"pull"` // always attempt to pull newer base images
}

// Builder builds the context directory once per tag.
type Builder struct {
	conn   Conn
	opts   BuildOptions
	logger *slog.Logger
}

// NewBuilder creates a Builder using conn for engine calls.
func NewBuilder(conn Conn, opts BuildOptions) *Builder {
	return &Builder{
		conn:   conn,
		opts:   opts,
		logger: logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger for build diagnostics.
func (b *Builder) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Build builds contextDir once for each tag, in order, streaming engine
// output to sink. A failed tag is logged and skipped. The returned ID is
// that of the last successful build, or "" when no build succeeded.
//
// An unreadable context directory, a missing client and cancellation of
// ctx are fatal and returned as errors.
func (b *Builder) Build(ctx context.Context, contextDir string, tags []string, sink logging.Sink) (string, error) {
	dir, err := checkContextDir(contextDir)
	if err != nil {
		return "", err
	}

	logging.Appendf(sink, "Docker Build : build with tags %v at path %s", tags, dir)
	if len(tags) == 0 {
		return "", nil
	}

	cli, err := b.conn.Client()
	if err != nil {
		return "", err
	}

	var imageID string
	for _, tag := range tags {
		sink.Append("Docker Build : building tag " + tag)

		id, err := b.buildTag(ctx, cli, dir, tag, sink)
		if err != nil {
			var ctxErr *BuildContextError
			if errors.As(err, &ctxErr) {
				return "", err
			}
			if ctx.Err() != nil {
				return imageID, ctx.Err()
			}
			tagErr := &TagBuildError{Tag: tag, Err: err}
			b.logger.Warn("tag build failed", "tag", tag, "error", err)
			sink.Append(tagErr.Error())
			sink.Append("Error attempting to tag " + tag + ". Continuing anyway.")
			continue
		}

		b.logger.Info("built image", "tag", tag, "image_id", id)
		imageID = id
	}
	return imageID, nil
}

// buildTag runs one engine build with a fresh context archive.
func (b *Builder) buildTag(ctx context.Context, cli dockerclient.DockerClient, dir, tag string, sink logging.Sink) (string, error) {
	buildContext, err := archive.TarWithOptions(dir, &archive.TarOptions{
		ExcludePatterns: getExcludePatterns(dir),
	})
	if err != nil {
		return "", &BuildContextError{Dir: dir, Err: err}
	}
	defer buildContext.Close()

	dockerfile := b.opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	buildArgs := make(map[string]*string, len(b.opts.BuildArgs))
	for k, v := range b.opts.BuildArgs {
		val := v
		buildArgs[k] = &val
	}

	resp, err := cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Dockerfile:  dockerfile,
		Tags:        []string{tag},
		BuildArgs:   buildArgs,
		Remove:      true,
		ForceRemove: true,
		NoCache:     b.opts.NoCache,
		PullParent:  b.opts.Pull,
	})
	if err != nil {
		return "", fmt.Errorf("starting build: %w", err)
	}
	defer resp.Body.Close()

	return streamBuildOutput(resp.Body, sink)
}

// checkContextDir resolves dir and verifies it is a readable directory.
func checkContextDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", &BuildContextError{Dir: dir, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", &BuildContextError{Dir: abs, Err: err}
	}
	if !info.IsDir() {
		return "", &BuildContextError{Dir: abs, Err: errors.New("not a directory")}
	}
	f, err := os.Open(abs)
	if err != nil {
		return "", &BuildContextError{Dir: abs, Err: err}
	}
	defer f.Close()
	if _, err := f.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return "", &BuildContextError{Dir: abs, Err: err}
	}
	return abs, nil
}

// buildOutput is one message of the engine build stream.
type buildOutput struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

const successfullyBuilt = "Successfully built "

// streamBuildOutput forwards every build line to sink and returns the
// image ID announced by the engine.
func streamBuildOutput(reader io.Reader, sink logging.Sink) (string, error) {
	decoder := json.NewDecoder(reader)
	var imageID, legacyID string

	for {
		var output buildOutput
		if err := decoder.Decode(&output); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decoding build output: %w", err)
		}

		if output.Error != "" {
			return "", fmt.Errorf("build error: %s", output.Error)
		}

		if output.Aux.ID != "" {
			imageID = output.Aux.ID
		}

		if output.Stream != "" {
			logging.AppendText(sink, output.Stream)
			if s := strings.TrimSpace(output.Stream); strings.HasPrefix(s, successfullyBuilt) {
				legacyID = strings.TrimPrefix(s, successfullyBuilt)
			}
		}
		if output.Status != "" {
			sink.Append(output.Status)
		}
	}

	if imageID == "" {
		imageID = legacyID
	}
	if imageID == "" {
		return "", errors.New("build finished without reporting an image id")
	}
	return imageID, nil
}

// getExcludePatterns returns the .dockerignore patterns of the context.
func getExcludePatterns(contextPath string) []string {
	var patterns []string

	data, err := os.ReadFile(filepath.Join(contextPath, ".dockerignore"))
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	return patterns
}
