package step

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gridctl/imagectl/pkg/connection"
	"github.com/gridctl/imagectl/pkg/dockerclient"
	"github.com/gridctl/imagectl/pkg/engine"
	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/history"
	"github.com/gridctl/imagectl/pkg/host"
	"github.com/gridctl/imagectl/pkg/logging"
	"github.com/gridctl/imagectl/pkg/macro"
	"github.com/gridctl/imagectl/pkg/tags"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"
)

// callLog records engine and history calls across components in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type loggingStore struct {
	*history.FileStore
	log *callLog
}

func (s loggingStore) Append(ctx context.Context, job string, o history.Outcome) error {
	s.log.add("record " + strings.Join(o.Tags, ","))
	return s.FileStore.Append(ctx, job, o)
}

type harness struct {
	cli     *dockerclient.MockDockerClient
	log     *callLog
	store   loggingStore
	runner  *Runner
	created int
	ws      string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	h := &harness{
		cli: dockerclient.NewMockDockerClient(ctrl),
		log: &callLog{},
		ws:  ws,
	}
	h.store = loggingStore{FileStore: history.NewFileStore(t.TempDir()), log: h.log}

	local := executor.NewLocal()
	local.SetFactory(func(connection.ClientConfig, connection.ExecConfig) (dockerclient.DockerClient, error) {
		h.created++
		return h.cli, nil
	})

	inv := host.NewInventory([]host.Host{{ID: "build-1", Endpoint: "tcp://10.0.0.5:2375"}})
	h.runner = NewRunner(cfg, host.NewResolver(inv), tags.NewExpander(macro.NewEngine()), local, h.store)
	h.runner.newRunID = func() string { return "run-1" }

	h.cli.EXPECT().Close().Return(nil).AnyTimes()
	return h
}

func (h *harness) input() Input {
	return Input{
		Job:  macro.Job{Name: "app", BuildNumber: 7, Workspace: h.ws},
		Node: host.NodeTable{"n1": "build-1"}.Node("n1"),
		Vars: map[string]string{"BUILD_NUMBER": "7"},
	}
}

// expectBuilds makes each tag's build succeed with the mapped id, or fail
// when the id is empty.
func (h *harness) expectBuilds(results map[string]string) {
	h.cli.EXPECT().ImageBuild(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ io.Reader, opts types.ImageBuildOptions) (types.ImageBuildResponse, error) {
			tag := opts.Tags[0]
			h.log.add("build " + tag)
			id := results[tag]
			if id == "" {
				return types.ImageBuildResponse{}, errors.New("build of " + tag + " failed")
			}
			body := `{"stream":"Successfully tagged ` + tag + `\n"}` + "\n" + `{"aux":{"ID":"` + id + `"}}`
			return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(body))}, nil
		}).Times(len(results))
}

func (h *harness) expectPushes(fail string) {
	h.cli.EXPECT().ImagePush(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ref string, _ image.PushOptions) (io.ReadCloser, error) {
			h.log.add("push " + ref)
			if strings.Contains(ref, "/"+fail+":") {
				return io.NopCloser(strings.NewReader(`{"errorDetail":{"message":"denied"},"error":"denied"}`)), nil
			}
			return io.NopCloser(strings.NewReader(`{"status":"Pushed"}`+"\n"+`{"aux":{"Tag":"latest","Digest":"sha256:d1","Size":10}}`)), nil
		}).AnyTimes()
}

func (h *harness) expectRemove(err error) {
	h.cli.EXPECT().ImageRemove(gomock.Any(), gomock.Any(), image.RemoveOptions{Force: true, PruneChildren: true}).
		DoAndReturn(func(_ context.Context, id string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
			h.log.add("remove " + id)
			return nil, err
		}).Times(1)
}

func (h *harness) outcomes(t *testing.T) []history.Outcome {
	t.Helper()
	got, err := h.store.List(context.Background(), "app")
	require.NoError(t, err)
	return got
}

func TestRun_PartialBuildKeepsLastImage(t *testing.T) {
	h := newHarness(t, Config{Tags: "a\nb\nc"})
	h.expectBuilds(map[string]string{"a": "sha256:x", "b": "", "c": "sha256:y"})

	sink := logging.NewBufferSink()
	res, err := h.runner.Run(context.Background(), h.input(), sink)
	require.NoError(t, err)

	assert.Equal(t, "sha256:y", res.ImageID)
	assert.Equal(t, []string{"build a", "build b", "build c", "record a,b,c"}, h.log.list())
	assert.Equal(t, PhaseDone, res.Phase)
	assert.True(t, sink.Contains("Error attempting to tag b. Continuing anyway."))
	assert.True(t, sink.Contains("Docker Build Response : sha256:y"))
	assert.True(t, sink.Contains("Docker Build Done"))

	outcomes := h.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.Equal(t, []string{"a", "b", "c"}, outcomes[0].Tags)
	assert.Equal(t, "sha256:y", outcomes[0].ImageID)
	assert.Equal(t, "run-1", outcomes[0].RunID)
	assert.Equal(t, "build-1", outcomes[0].HostID)
	assert.Equal(t, 7, outcomes[0].BuildNumber)
	assert.Equal(t, 1, h.created, "one client per run")
}

func TestRun_AllBuildsFail(t *testing.T) {
	h := newHarness(t, Config{Tags: "a\nb", PushOnSuccess: true, CleanImages: true})
	h.expectBuilds(map[string]string{"a": "", "b": ""})

	res, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	assert.ErrorIs(t, err, ErrNoImageBuilt)
	assert.Empty(t, res.ImageID)
	assert.Equal(t, PhaseBuildFailed, res.Phase)
	assert.Equal(t, []string{"build a", "build b"}, h.log.list())
	assert.Empty(t, h.outcomes(t))
}

func TestRun_RecordsBeforePublishAndCleanup(t *testing.T) {
	h := newHarness(t, Config{Tags: "a\nb", PushOnSuccess: true, CleanImages: true, CleanupWithJobDelete: true})
	h.expectBuilds(map[string]string{"a": "sha256:x", "b": "sha256:y"})
	h.expectPushes("")
	h.expectRemove(nil)

	res, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"build a", "build b",
		"record a,b",
		"push docker.io/library/a:latest", "push docker.io/library/b:latest",
		"remove sha256:y",
	}, h.log.list())
	assert.True(t, res.Pushed)
	assert.True(t, res.Cleaned)

	outcomes := h.outcomes(t)
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].CleanupOnJobDelete)
	assert.True(t, outcomes[0].PublishOnSuccess)
}

func TestRun_NoPublishWhenDisabled(t *testing.T) {
	h := newHarness(t, Config{Tags: "a", PushOnSuccess: false})
	h.expectBuilds(map[string]string{"a": "sha256:x"})
	h.cli.EXPECT().ImagePush(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	res, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	require.NoError(t, err)
	assert.False(t, res.Pushed)
	assert.NotContains(t, res.Phases, PhasePublishing)
}

func TestRun_PushFailureStillCleans(t *testing.T) {
	h := newHarness(t, Config{Tags: "a\nb", PushOnSuccess: true, CleanImages: true})
	h.expectBuilds(map[string]string{"a": "sha256:x", "b": "sha256:y"})
	h.expectPushes("b")
	h.expectRemove(nil)

	sink := logging.NewBufferSink()
	res, err := h.runner.Run(context.Background(), h.input(), sink)

	var pushErr *engine.PushError
	require.ErrorAs(t, err, &pushErr)
	assert.Equal(t, "b", pushErr.Tag)
	assert.Equal(t, []string{
		"build a", "build b",
		"record a,b",
		"push docker.io/library/a:latest", "push docker.io/library/b:latest",
		"remove sha256:y",
	}, h.log.list())
	assert.Contains(t, res.Phases, PhasePublishFailed)
	assert.True(t, res.Cleaned)
	assert.False(t, sink.Contains("Docker Build Done"))
	assert.Len(t, h.outcomes(t), 1, "the outcome survives a failed push")
}

func TestRun_CleanupFailureIgnored(t *testing.T) {
	h := newHarness(t, Config{Tags: "a", CleanImages: true})
	h.expectBuilds(map[string]string{"a": "sha256:x"})
	h.expectRemove(errors.New("conflict: image is in use"))

	sink := logging.NewBufferSink()
	res, err := h.runner.Run(context.Background(), h.input(), sink)
	require.NoError(t, err)
	assert.True(t, res.Cleaned)
	assert.True(t, sink.Contains("Error attempting to clean images"))
	assert.True(t, sink.Contains("Docker Build Done"))
}

func TestRun_NoTagsResolved(t *testing.T) {
	h := newHarness(t, Config{Tags: "{{ MISSING }}\nBad Tag"})

	sink := logging.NewBufferSink()
	res, err := h.runner.Run(context.Background(), h.input(), sink)
	require.NoError(t, err)
	assert.Empty(t, res.ImageID)
	assert.Empty(t, res.Tags)
	assert.Len(t, res.Dropped, 2)
	assert.Empty(t, h.log.list())
	assert.Equal(t, 0, h.created)
	assert.True(t, sink.Contains("Couldn't macro expand tag {{ MISSING }}"))
	assert.True(t, sink.Contains("Docker Build Done"))
}

func TestRun_RequireTags(t *testing.T) {
	h := newHarness(t, Config{Tags: "{{ MISSING }}", RequireTags: true})

	_, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	assert.ErrorIs(t, err, ErrNoTagsResolved)
	assert.Equal(t, 0, h.created)
}

func TestRun_ExpandsTemplates(t *testing.T) {
	h := newHarness(t, Config{Tags: "app-{{ BUILD_NUMBER }}\n{{ MISSING }}\nlatest"})
	h.expectBuilds(map[string]string{"app-7": "sha256:x", "latest": "sha256:x"})

	res, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	require.NoError(t, err)
	assert.Equal(t, []string{"app-7", "latest"}, res.Tags)
	assert.Equal(t, []string{"build app-7", "build latest", "record app-7,latest"}, h.log.list())
}

func TestRun_UnboundNode(t *testing.T) {
	h := newHarness(t, Config{Tags: "a", PushOnSuccess: true})
	in := h.input()
	in.Node = host.LocalNode{}

	res, err := h.runner.Run(context.Background(), in, logging.DiscardSink)
	assert.ErrorIs(t, err, connection.ErrNoHostBinding)
	assert.Equal(t, PhaseBuildFailed, res.Phase)
	assert.Equal(t, 0, h.created)
	assert.Empty(t, h.outcomes(t))
}

func TestRun_MissingContextDir(t *testing.T) {
	h := newHarness(t, Config{Tags: "a", ContextDir: "does-not-exist"})

	_, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	var ctxErr *engine.BuildContextError
	require.ErrorAs(t, err, &ctxErr)
	assert.Equal(t, filepath.Join(h.ws, "does-not-exist"), ctxErr.Dir)
	assert.Equal(t, 0, h.created)
}

func TestRun_Phases(t *testing.T) {
	h := newHarness(t, Config{Tags: "a", PushOnSuccess: true, CleanImages: true})
	h.expectBuilds(map[string]string{"a": "sha256:x"})
	h.expectPushes("")
	h.expectRemove(nil)

	res, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	require.NoError(t, err)
	assert.Equal(t, []Phase{
		PhaseInit, PhaseHostResolved, PhaseConnectionReady, PhaseTagsExpanded,
		PhaseBuilding, PhaseBuilt, PhaseOutcomeRecorded,
		PhasePublishing, PhasePublished, PhaseCleaning, PhaseDone,
	}, res.Phases)
}

func TestRun_Spans(t *testing.T) {
	h := newHarness(t, Config{Tags: "a", PushOnSuccess: true})
	h.expectBuilds(map[string]string{"a": "sha256:x"})
	h.expectPushes("a")

	recorder := tracetest.NewSpanRecorder()
	h.runner.SetTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test"))

	_, err := h.runner.Run(context.Background(), h.input(), logging.DiscardSink)
	require.Error(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"imagectl.build", "imagectl.push", "imagectl.run"}, names)
}

func TestRun_CancelledBeforeBuild(t *testing.T) {
	h := newHarness(t, Config{Tags: "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.runner.Run(ctx, h.input(), logging.DiscardSink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.log.list())
}

func TestConfig_ResolveContextDir(t *testing.T) {
	tests := []struct {
		dir, workspace, want string
	}{
		{"", "/ws", "/ws"},
		{"docker", "/ws", "/ws/docker"},
		{"/abs/ctx", "/ws", "/abs/ctx"},
		{"docker/", "", "docker"},
	}
	for _, tt := range tests {
		got := Config{ContextDir: tt.dir}.ResolveContextDir(tt.workspace)
		assert.Equal(t, tt.want, got, "dir=%q workspace=%q", tt.dir, tt.workspace)
	}
}

func TestConfig_Templates(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Config{Tags: " a \n\n b\n"}.Templates())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "outcome-recorded", PhaseOutcomeRecorded.String())
	assert.Equal(t, "unknown", Phase(99).String())
	assert.True(t, PhasePublishFailed.Failed())
	assert.False(t, PhaseDone.Failed())
}
