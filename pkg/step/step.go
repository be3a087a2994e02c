// Package step runs the image build step: resolve the engine host, expand
// tags, build, record the outcome, then push and clean up as configured.
package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gridctl/imagectl/pkg/connection"
	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/history"
	"github.com/gridctl/imagectl/pkg/host"
	"github.com/gridctl/imagectl/pkg/logging"
	"github.com/gridctl/imagectl/pkg/macro"
	"github.com/gridctl/imagectl/pkg/tags"
	"github.com/gridctl/imagectl/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoImageBuilt is returned when every tag failed to build.
	ErrNoImageBuilt = errors.New("no image was built")
	// ErrNoTagsResolved is returned in strict mode when no template expanded.
	ErrNoTagsResolved = errors.New("no tags resolved")
)

// HostResolver finds the engine host for an execution node.
type HostResolver interface {
	Resolve(node host.Node) (*host.Descriptor, bool)
}

// TagExpander expands tag templates into literal tags.
type TagExpander interface {
	Expand(ctx context.Context, templates []string, vars map[string]string, sink logging.Sink) ([]string, []*tags.ExpansionError)
}

// Input identifies one run of the step.
type Input struct {
	Job       macro.Job
	Node      host.Node
	Vars      map[string]string
	SourceURL string
}

// Result describes a finished run. It is returned for failed runs too.
type Result struct {
	RunID   string
	HostID  string
	Tags    []string
	Dropped []*tags.ExpansionError
	ImageID string
	Phase   Phase
	Phases  []Phase
	Pushed  bool
	Cleaned bool
}

func (r *Result) enter(p Phase) {
	r.Phase = p
	r.Phases = append(r.Phases, p)
}

// Runner executes runs of one configured step.
type Runner struct {
	cfg      Config
	resolver HostResolver
	expander TagExpander
	exec     executor.Executor
	store    history.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	newRunID func() string
}

// NewRunner creates a Runner for cfg.
func NewRunner(cfg Config, resolver HostResolver, expander TagExpander, exec executor.Executor, store history.Store) *Runner {
	return &Runner{
		cfg:      cfg,
		resolver: resolver,
		expander: expander,
		exec:     exec,
		store:    store,
		logger:   logging.NewDiscardLogger(),
		tracer:   tracing.Tracer(),
		newRunID: uuid.NewString,
	}
}

// SetLogger sets the logger for run diagnostics.
func (r *Runner) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetTracer replaces the tracer used for run spans.
func (r *Runner) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		r.tracer = tracer
	}
}

// Run executes the step once. The run log goes to sink in the order the
// work happens. The returned Result is never nil.
func (r *Runner) Run(ctx context.Context, in Input, sink logging.Sink) (*Result, error) {
	if sink == nil {
		sink = logging.DiscardSink
	}
	res := &Result{RunID: r.newRunID()}
	res.enter(PhaseInit)

	logger := logging.WithRunID(r.logger, res.RunID).With("job", in.Job.Name)
	ctx, span := r.tracer.Start(ctx, "imagectl.run", trace.WithAttributes(
		attribute.String("run.id", res.RunID),
		attribute.String("job.name", in.Job.Name),
		attribute.Int("job.build_number", in.Job.BuildNumber),
	))
	defer span.End()

	err := r.run(ctx, in, res, logger, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sink.Append("Docker Build Failed : " + err.Error())
		logger.Error("run failed", "phase", res.Phase.String(), "error", err)
		return res, err
	}

	res.enter(PhaseDone)
	sink.Append("Docker Build Done")
	logger.Info("run finished", "image_id", res.ImageID, "tags", len(res.Tags))
	return res, nil
}

func (r *Runner) run(ctx context.Context, in Input, res *Result, logger *slog.Logger, sink logging.Sink) error {
	sink.Append("Docker Build")

	desc, bound := r.resolver.Resolve(in.Node)
	res.enter(PhaseHostResolved)

	var params *connection.Params
	if bound {
		p, err := connection.ParamsFor(desc)
		if err == nil {
			params = &p
			res.HostID = p.HostID
		}
	}
	if params == nil {
		logger.Warn("node has no host binding")
	}
	res.enter(PhaseConnectionReady)

	expanded, dropped := r.expander.Expand(ctx, r.cfg.Templates(), in.Vars, sink)
	res.Tags = expanded
	res.Dropped = dropped
	res.enter(PhaseTagsExpanded)
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(expanded) == 0 {
		if r.cfg.RequireTags {
			return ErrNoTagsResolved
		}
		sink.Append("Docker Build : no tags resolved, nothing to build")
		return nil
	}

	sess, err := r.exec.Open(ctx, executor.Request{
		RunID:      res.RunID,
		ContextDir: r.cfg.ResolveContextDir(in.Job.Workspace),
		Tags:       expanded,
		Build:      r.cfg.Build,
		Connection: params,
	})
	if err != nil {
		res.enter(PhaseBuildFailed)
		return fmt.Errorf("opening session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("closing session", "error", err)
		}
	}()

	res.enter(PhaseBuilding)
	imageID, err := r.build(ctx, sess, sink)
	if err != nil {
		res.enter(PhaseBuildFailed)
		return err
	}
	if imageID == "" {
		res.enter(PhaseBuildFailed)
		return ErrNoImageBuilt
	}
	res.ImageID = imageID
	res.enter(PhaseBuilt)
	sink.Append("Docker Build Response : " + imageID)

	recorder := history.NewRecorder(r.store)
	if err := recorder.Record(ctx, in.Job.Name, history.Outcome{
		SourceURL:          in.SourceURL,
		ImageID:            imageID,
		Tags:               expanded,
		CleanupOnJobDelete: r.cfg.CleanupWithJobDelete,
		PublishOnSuccess:   r.cfg.PushOnSuccess,
		RunID:              res.RunID,
		BuildNumber:        in.Job.BuildNumber,
		HostID:             res.HostID,
	}); err != nil {
		return err
	}
	res.enter(PhaseOutcomeRecorded)

	var pushErr error
	if r.cfg.PushOnSuccess {
		res.enter(PhasePublishing)
		if pushErr = r.push(ctx, sess, sink); pushErr != nil {
			res.enter(PhasePublishFailed)
		} else {
			res.Pushed = true
			res.enter(PhasePublished)
		}
	}

	if r.cfg.CleanImages {
		res.enter(PhaseCleaning)
		r.clean(ctx, sess, imageID, sink)
		res.Cleaned = true
	}

	return pushErr
}

func (r *Runner) build(ctx context.Context, sess executor.Session, sink logging.Sink) (string, error) {
	ctx, span := r.tracer.Start(ctx, "imagectl.build")
	defer span.End()

	id, err := sess.Build(ctx, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("image.id", id))
	return id, err
}

func (r *Runner) push(ctx context.Context, sess executor.Session, sink logging.Sink) error {
	ctx, span := r.tracer.Start(ctx, "imagectl.push")
	defer span.End()

	err := sess.Push(ctx, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runner) clean(ctx context.Context, sess executor.Session, imageID string, sink logging.Sink) {
	ctx, span := r.tracer.Start(ctx, "imagectl.clean")
	defer span.End()

	sess.Clean(ctx, imageID, sink)
}
