package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gridctl/imagectl/pkg/logging"
)

// Remote executes sessions on an imagectl agent over HTTP. Each operation
// is one POST whose response body is an NDJSON event stream.
type Remote struct {
	baseURL string
	client  *http.Client
	token   string
	logger  *slog.Logger
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithHTTPClient sets the HTTP client used for agent calls.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) {
		if c != nil {
			r.client = c
		}
	}
}

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) RemoteOption {
	return func(r *Remote) { r.token = token }
}

// WithLogger sets the logger for transport diagnostics.
func WithLogger(logger *slog.Logger) RemoteOption {
	return func(r *Remote) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRemote creates an executor for the agent at baseURL.
func NewRemote(baseURL string, opts ...RemoteOption) *Remote {
	r := &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		logger:  logging.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type openResponse struct {
	ID string `json:"id"`
}

type cleanRequest struct {
	ImageID string `json:"image_id"`
}

// Open registers the run with the agent.
func (r *Remote) Open(ctx context.Context, req Request) (Session, error) {
	resp, err := r.do(ctx, http.MethodPost, "/v1/runs", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, statusError(resp)
	}

	var out openResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding open response: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("agent returned no run id")
	}

	r.logger.Debug("opened remote run", "run_id", out.ID, "agent", r.baseURL)
	return &remoteSession{remote: r, id: out.ID}, nil
}

func (r *Remote) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("calling agent: %w", err)
	}
	return resp, nil
}

// stream runs one operation and forwards its events to sink.
func (r *Remote) stream(ctx context.Context, path string, body any, sink logging.Sink) (string, error) {
	resp, err := r.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	id, err := ReadEvents(resp.Body, sink)
	if err != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	return id, err
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return &RemoteError{Message: fmt.Sprintf("agent returned %d: %s", resp.StatusCode, body.Error)}
	}
	return &RemoteError{Message: fmt.Sprintf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
}

type remoteSession struct {
	remote *Remote
	id     string
}

func (s *remoteSession) path(op string) string {
	p := "/v1/runs/" + url.PathEscape(s.id)
	if op != "" {
		p += "/" + op
	}
	return p
}

func (s *remoteSession) Build(ctx context.Context, sink logging.Sink) (string, error) {
	return s.remote.stream(ctx, s.path("build"), nil, sink)
}

func (s *remoteSession) Push(ctx context.Context, sink logging.Sink) error {
	_, err := s.remote.stream(ctx, s.path("push"), nil, sink)
	return err
}

func (s *remoteSession) Clean(ctx context.Context, imageID string, sink logging.Sink) {
	if _, err := s.remote.stream(ctx, s.path("clean"), cleanRequest{ImageID: imageID}, sink); err != nil {
		s.remote.logger.Warn("remote cleanup failed", "run_id", s.id, "error", err)
		sink.Append("Error attempting to clean images")
	}
}

// Close ends the run on the agent, releasing its connection. It uses a
// fresh context so a cancelled run still frees agent resources.
func (s *remoteSession) Close() error {
	resp, err := s.remote.do(context.Background(), http.MethodDelete, s.path(""), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}
