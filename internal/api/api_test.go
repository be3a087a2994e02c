package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gridctl/imagectl/pkg/connection"
	"github.com/gridctl/imagectl/pkg/dockerclient"
	"github.com/gridctl/imagectl/pkg/engine"
	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/host"
	"github.com/gridctl/imagectl/pkg/logging"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testEndpoint = "tcp://10.0.0.5:2376"

// newTestAgent starts an agent backed by a local executor whose engine is
// the returned mock.
func newTestAgent(t *testing.T, setup ...func(*Server)) (*Server, *httptest.Server, *dockerclient.MockDockerClient, *connection.ClientConfig) {
	t.Helper()
	ctrl := gomock.NewController(t)
	cli := dockerclient.NewMockDockerClient(ctrl)

	var seen connection.ClientConfig
	local := executor.NewLocal()
	local.SetFactory(func(cc connection.ClientConfig, _ connection.ExecConfig) (dockerclient.DockerClient, error) {
		seen = cc
		return cli, nil
	})

	srv := NewServer(local)
	for _, fn := range setup {
		fn(srv)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, cli, &seen
}

func contextDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	return dir
}

func buildResponse(id string) types.ImageBuildResponse {
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(`{"stream":"Step 1/1 : FROM scratch\n"}` + "\n" + `{"aux":{"ID":"` + id + `"}}`))}
}

func TestHandleHealth(t *testing.T) {
	_, ts, _, _ := newTestAgent(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ready, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestServer_RemoteRoundTrip(t *testing.T) {
	srv, ts, cli, _ := newTestAgent(t, func(s *Server) { s.SetAuth("bearer", "s3cret", "") })

	gomock.InOrder(
		cli.EXPECT().ImageBuild(gomock.Any(), gomock.Any(), gomock.Any()).Return(buildResponse("sha256:a1"), nil),
		cli.EXPECT().ImageBuild(gomock.Any(), gomock.Any(), gomock.Any()).Return(buildResponse("sha256:b2"), nil),
		cli.EXPECT().ImagePush(gomock.Any(), "docker.io/library/app:1", gomock.Any()).
			Return(io.NopCloser(strings.NewReader(`{"status":"Pushed"}`+"\n"+`{"aux":{"Tag":"latest","Digest":"sha256:d1","Size":10}}`)), nil),
		cli.EXPECT().ImagePush(gomock.Any(), "docker.io/library/app:latest", gomock.Any()).
			Return(io.NopCloser(strings.NewReader(`{"status":"Pushed"}`+"\n"+`{"aux":{"Tag":"latest","Digest":"sha256:d1","Size":10}}`)), nil),
		cli.EXPECT().ImageRemove(gomock.Any(), "sha256:b2", gomock.Any()).Return(nil, nil),
		cli.EXPECT().Close().Return(nil),
	)

	remote := executor.NewRemote(ts.URL, executor.WithToken("s3cret"))
	ctx := context.Background()
	params := connection.Params{HostID: "build-1", Endpoint: testEndpoint}
	sess, err := remote.Open(ctx, executor.Request{
		RunID:      "run-1",
		ContextDir: contextDir(t),
		Tags:       []string{"app:1", "app"},
		Connection: &params,
	})
	require.NoError(t, err)

	sink := logging.NewBufferSink()
	id, err := sess.Build(ctx, sink)
	require.NoError(t, err)
	assert.Equal(t, "sha256:b2", id)
	assert.True(t, sink.Contains("Docker Build : building tag app:1"))
	assert.True(t, sink.Contains("Step 1/1 : FROM scratch"))

	require.NoError(t, sess.Push(ctx, sink))
	sess.Clean(ctx, id, sink)
	assert.True(t, sink.Contains("Cleaning local images [sha256:b2]"))

	require.NoError(t, sess.Close())

	srv.mu.Lock()
	assert.Empty(t, srv.runs)
	srv.mu.Unlock()
}

func TestServer_BuildContextErrorCrossesBoundary(t *testing.T) {
	_, ts, _, _ := newTestAgent(t)

	remote := executor.NewRemote(ts.URL)
	ctx := context.Background()
	params := connection.Params{HostID: "build-1", Endpoint: testEndpoint}
	missing := filepath.Join(t.TempDir(), "missing")
	sess, err := remote.Open(ctx, executor.Request{RunID: "run-ctx", ContextDir: missing, Tags: []string{"a"}, Connection: &params})
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Build(ctx, logging.DiscardSink)
	var ctxErr *engine.BuildContextError
	require.ErrorAs(t, err, &ctxErr)
	assert.Equal(t, missing, ctxErr.Dir)
}

func TestServer_UnboundRun(t *testing.T) {
	_, ts, _, _ := newTestAgent(t)

	remote := executor.NewRemote(ts.URL)
	ctx := context.Background()
	sess, err := remote.Open(ctx, executor.Request{RunID: "run-unbound", ContextDir: contextDir(t), Tags: []string{"a"}})
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Build(ctx, logging.DiscardSink)
	assert.ErrorIs(t, err, connection.ErrNoHostBinding)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_OpenRun(t *testing.T) {
	_, ts, _, _ := newTestAgent(t)

	t.Run("generates id", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/runs", executor.Request{Tags: []string{"a"}})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var out map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.NotEmpty(t, out["id"])
	})

	t.Run("duplicate id", func(t *testing.T) {
		first := postJSON(t, ts.URL+"/v1/runs", executor.Request{RunID: "dup"})
		require.Equal(t, http.StatusCreated, first.StatusCode)
		second := postJSON(t, ts.URL+"/v1/runs", executor.Request{RunID: "dup"})
		assert.Equal(t, http.StatusConflict, second.StatusCode)
	})

	t.Run("bad body", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("listed", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/runs")
		require.NoError(t, err)
		defer resp.Body.Close()
		var infos []RunInfo
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
		assert.Len(t, infos, 2)
	})
}

func TestServer_UnknownRun(t *testing.T) {
	_, ts, _, _ := newTestAgent(t)

	resp, err := http.Post(ts.URL+"/v1/runs/nope/build", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/nope", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusNotFound, del.StatusCode)
}

func TestServer_PolicyRejectsUnknownEndpoint(t *testing.T) {
	_, ts, _, _ := newTestAgent(t, func(s *Server) {
		s.SetPolicy(NewEndpointPolicy(EndpointsInventory, host.NewInventory([]host.Host{{ID: "build-1", Endpoint: testEndpoint}})))
	})

	params := connection.Params{HostID: "rogue", Endpoint: "tcp://evil:2375"}
	resp := postJSON(t, ts.URL+"/v1/runs", executor.Request{RunID: "r", Connection: &params})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_PolicyAppliesAgentTLS(t *testing.T) {
	agentTLS := host.TLS{CAFile: "/etc/imagectl/ca.pem"}
	_, ts, cli, seen := newTestAgent(t, func(s *Server) {
		s.SetPolicy(NewEndpointPolicy(EndpointsInventory, host.NewInventory([]host.Host{{ID: "build-1", Endpoint: testEndpoint, TLS: agentTLS}})))
	})

	cli.EXPECT().ImageBuild(gomock.Any(), gomock.Any(), gomock.Any()).Return(buildResponse("sha256:a1"), nil)
	cli.EXPECT().Close().Return(nil)

	remote := executor.NewRemote(ts.URL)
	ctx := context.Background()
	params := connection.Params{HostID: "build-1", Endpoint: testEndpoint, TLS: host.TLS{CAFile: "/home/ci/ca.pem"}}
	sess, err := remote.Open(ctx, executor.Request{RunID: "tls", ContextDir: contextDir(t), Tags: []string{"a"}, Connection: &params})
	require.NoError(t, err)

	_, err = sess.Build(ctx, logging.DiscardSink)
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	assert.Equal(t, agentTLS, seen.TLS)
	assert.Equal(t, testEndpoint, seen.Host)
}

func TestEndpointPolicy_Admit(t *testing.T) {
	inv := host.NewInventory([]host.Host{{
		ID:           "build-1",
		Endpoint:     testEndpoint,
		APIVersion:   "1.45",
		RegistryAuth: host.RegistryAuth{Username: "agent", Password: "pw"},
	}})

	t.Run("unbound passes", func(t *testing.T) {
		p := NewEndpointPolicy("", inv)
		req, err := p.Admit(executor.Request{RunID: "r"})
		require.NoError(t, err)
		assert.Nil(t, req.Connection)
	})

	t.Run("inventory fills settings", func(t *testing.T) {
		p := NewEndpointPolicy(EndpointsInventory, inv)
		in := connection.Params{HostID: "build-1", Endpoint: strings.ToUpper(testEndpoint) + "/"}
		req, err := p.Admit(executor.Request{Connection: &in})
		require.NoError(t, err)
		assert.Equal(t, "1.45", req.Connection.APIVersion)
		assert.Equal(t, "agent", req.Connection.RegistryAuth.Username)
		assert.Empty(t, in.APIVersion, "caller params must not be mutated")
	})

	t.Run("caller credentials kept", func(t *testing.T) {
		p := NewEndpointPolicy(EndpointsInventory, inv)
		in := connection.Params{Endpoint: testEndpoint, RegistryAuth: host.RegistryAuth{IdentityToken: "tok"}}
		req, err := p.Admit(executor.Request{Connection: &in})
		require.NoError(t, err)
		assert.Equal(t, "tok", req.Connection.RegistryAuth.IdentityToken)
		assert.Empty(t, req.Connection.RegistryAuth.Username)
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		p := NewEndpointPolicy(EndpointsInventory, inv)
		in := connection.Params{Endpoint: "tcp://other:2376"}
		_, err := p.Admit(executor.Request{Connection: &in})
		assert.ErrorIs(t, err, ErrEndpointNotAllowed)
	})

	t.Run("any mode", func(t *testing.T) {
		p := NewEndpointPolicy(EndpointsAny, nil)
		in := connection.Params{Endpoint: "tcp://other:2376"}
		req, err := p.Admit(executor.Request{Connection: &in})
		require.NoError(t, err)
		assert.Equal(t, "tcp://other:2376", req.Connection.Endpoint)
	})

	t.Run("update", func(t *testing.T) {
		p := NewEndpointPolicy(EndpointsInventory, nil)
		in := connection.Params{Endpoint: testEndpoint}
		_, err := p.Admit(executor.Request{Connection: &in})
		require.ErrorIs(t, err, ErrEndpointNotAllowed)

		p.Update(EndpointsInventory, inv)
		_, err = p.Admit(executor.Request{Connection: &in})
		assert.NoError(t, err)
	})
}

func TestHandleValidateTags(t *testing.T) {
	_, ts, _, _ := newTestAgent(t)

	tests := []struct {
		name    string
		tags    string
		wantOK  bool
		wantTag string
	}{
		{name: "valid", tags: "app\n{{ BUILD_NUMBER }}", wantOK: true},
		{name: "empty", tags: "", wantOK: true},
		{name: "invalid", tags: "ok\nBad Tag", wantOK: false, wantTag: "Bad Tag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/validate/tags", validateTagsRequest{Tags: tt.tags})
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var out validateTagsResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.wantOK, out.OK)
			assert.Equal(t, tt.wantTag, out.Tag)
		})
	}
}

func TestHandleReload_NotEnabled(t *testing.T) {
	_, ts, _, _ := newTestAgent(t)

	resp, err := http.Post(ts.URL+"/v1/reload", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSMiddleware(t *testing.T) {
	srv, _, _, _ := newTestAgent(t)
	srv.SetAllowedOrigins([]string{"http://ci.example"})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	req.Header.Set("Origin", "http://ci.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://ci.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	req.Header.Set("Origin", "http://other.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Shutdown(t *testing.T) {
	srv, ts, _, _ := newTestAgent(t)

	resp := postJSON(t, ts.URL+"/v1/runs", executor.Request{RunID: "a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	srv.Shutdown()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Empty(t, srv.runs)
}

// blockingExecutor opens sessions whose Build waits for release.
type blockingExecutor struct {
	entered chan struct{}
	release chan struct{}
	closed  chan struct{}
}

func (e *blockingExecutor) Open(context.Context, executor.Request) (executor.Session, error) {
	return &blockingSession{e: e}, nil
}

type blockingSession struct {
	e        *blockingExecutor
	building atomic.Bool
}

func (s *blockingSession) Build(ctx context.Context, _ logging.Sink) (string, error) {
	s.building.Store(true)
	defer s.building.Store(false)
	close(s.e.entered)
	<-s.e.release
	return "sha256:built", nil
}

func (s *blockingSession) Push(context.Context, logging.Sink) error { return nil }

func (s *blockingSession) Clean(context.Context, string, logging.Sink) {}

func (s *blockingSession) Close() error {
	if s.building.Load() {
		return errors.New("closed during build")
	}
	close(s.e.closed)
	return nil
}

func TestServer_ShutdownWaitsForOperation(t *testing.T) {
	exec := &blockingExecutor{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	srv := NewServer(exec)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/v1/runs", executor.Request{RunID: "a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	buildDone := make(chan string, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/v1/runs/a/build", "application/json", nil)
		if err != nil {
			buildDone <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		buildDone <- string(body)
	}()
	<-exec.entered

	shutdownDone := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-exec.closed:
		t.Fatal("session closed while build was running")
	case <-shutdownDone:
		t.Fatal("shutdown returned while build was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(exec.release)
	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return after build finished")
	}
	select {
	case <-exec.closed:
	default:
		t.Fatal("session was not closed")
	}
	assert.Contains(t, <-buildDone, "sha256:built")
}
