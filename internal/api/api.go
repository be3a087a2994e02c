// Package api serves the imagectl agent: runs opened by a remote executor
// execute their engine calls here and stream events back.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/logging"
	"github.com/gridctl/imagectl/pkg/reload"
	"github.com/gridctl/imagectl/pkg/tags"
)

const maxRequestBody = 1 << 20

// Server provides the agent API.
type Server struct {
	exec           executor.Executor
	policy         *EndpointPolicy
	reloadHandler  *reload.Handler
	allowedOrigins []string
	authType       string
	authToken      string
	authHeader     string
	logger         *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	mu       sync.Mutex
	session  executor.Session
	hostID   string
	endpoint string
	tags     []string
	opened   time.Time
}

// RunInfo describes an open run.
type RunInfo struct {
	ID       string    `json:"id"`
	HostID   string    `json:"host_id,omitempty"`
	Endpoint string    `json:"endpoint,omitempty"`
	Tags     []string  `json:"tags"`
	OpenedAt time.Time `json:"opened_at"`
}

// NewServer creates an agent server executing runs with exec. Until a
// policy is set every endpoint is accepted.
func NewServer(exec executor.Executor) *Server {
	return &Server{
		exec:   exec,
		policy: NewEndpointPolicy(EndpointsAny, nil),
		logger: logging.NewDiscardLogger(),
		runs:   make(map[string]*run),
	}
}

// SetLogger sets the logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetPolicy sets the endpoint policy for new runs.
func (s *Server) SetPolicy(p *EndpointPolicy) {
	if p != nil {
		s.policy = p
	}
}

// SetReloadHandler enables POST /v1/reload.
func (s *Server) SetReloadHandler(h *reload.Handler) {
	s.reloadHandler = h
}

// SetAllowedOrigins sets the allowed CORS origins.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.allowedOrigins = origins
}

// SetAuth configures authentication for the server.
// When configured, all requests except /health and /ready must include a valid token.
func (s *Server) SetAuth(authType, token, header string) {
	s.authType = authType
	s.authToken = token
	s.authHeader = header
}

// Handler returns the main HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("POST /v1/runs", s.handleOpenRun)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.handleCloseRun)
	mux.HandleFunc("POST /v1/runs/{id}/build", s.handleBuild)
	mux.HandleFunc("POST /v1/runs/{id}/push", s.handlePush)
	mux.HandleFunc("POST /v1/runs/{id}/clean", s.handleClean)

	mux.HandleFunc("POST /v1/validate/tags", s.handleValidateTags)
	mux.HandleFunc("POST /v1/reload", s.handleReload)

	handler := s.requireAuth(mux)

	var extraHeaders []string
	if s.authHeader != "" && s.authHeader != "Authorization" {
		extraHeaders = append(extraHeaders, s.authHeader)
	}
	return corsMiddleware(s.allowedOrigins, extraHeaders, handler)
}

// Shutdown closes every open run once its in-flight operation returns.
func (s *Server) Shutdown() {
	s.mu.Lock()
	runs := s.runs
	s.runs = make(map[string]*run)
	s.mu.Unlock()

	for id, rn := range runs {
		rn.mu.Lock()
		err := rn.session.Close()
		rn.mu.Unlock()
		if err != nil {
			s.logger.Warn("closing run", "run_id", id, "error", err)
		}
	}
}

func (s *Server) handleOpenRun(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	admitted, err := s.policy.Admit(req)
	if err != nil {
		s.logger.Warn("run rejected", "run_id", req.RunID, "error", err)
		writeJSONError(w, err.Error(), http.StatusForbidden)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[admitted.RunID]; exists {
		writeJSONError(w, "run already open: "+admitted.RunID, http.StatusConflict)
		return
	}

	sess, err := s.exec.Open(r.Context(), admitted)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	rn := &run{session: sess, tags: admitted.Tags, opened: time.Now()}
	if admitted.Connection != nil {
		rn.hostID = admitted.Connection.HostID
		rn.endpoint = admitted.Connection.Endpoint
	}
	s.runs[admitted.RunID] = rn
	s.logger.Info("run opened", "run_id", admitted.RunID, "host", rn.hostID, "tags", len(rn.tags))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": admitted.RunID})
}

func (s *Server) handleCloseRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	rn, ok := s.runs[id]
	delete(s.runs, id)
	s.mu.Unlock()

	if !ok {
		writeJSONError(w, "unknown run: "+id, http.StatusNotFound)
		return
	}

	rn.mu.Lock()
	err := rn.session.Close()
	rn.mu.Unlock()
	if err != nil {
		s.logger.Warn("closing run", "run_id", id, "error", err)
	}
	s.logger.Info("run closed", "run_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	infos := make([]RunInfo, 0, len(s.runs))
	for id, rn := range s.runs {
		infos = append(infos, RunInfo{
			ID:       id,
			HostID:   rn.hostID,
			Endpoint: rn.endpoint,
			Tags:     rn.tags,
			OpenedAt: rn.opened,
		})
	}
	s.mu.Unlock()

	slices.SortFunc(infos, func(a, b RunInfo) int { return a.OpenedAt.Compare(b.OpenedAt) })
	writeJSON(w, infos)
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	s.streamOp(w, r, func(sess executor.Session, ev *executor.EventWriter) {
		id, err := sess.Build(r.Context(), ev)
		if err != nil {
			ev.Fail(err)
			return
		}
		ev.Result(id)
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	s.streamOp(w, r, func(sess executor.Session, ev *executor.EventWriter) {
		if err := sess.Push(r.Context(), ev); err != nil {
			ev.Fail(err)
			return
		}
		ev.Result("")
	})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ImageID string `json:"image_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.streamOp(w, r, func(sess executor.Session, ev *executor.EventWriter) {
		sess.Clean(r.Context(), body.ImageID, ev)
		ev.Result("")
	})
}

// streamOp runs op against the named run with the response as an NDJSON
// event stream. Operations on one run are serialized.
func (s *Server) streamOp(w http.ResponseWriter, r *http.Request, op func(executor.Session, *executor.EventWriter)) {
	id := r.PathValue("id")

	s.mu.Lock()
	rn, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, "unknown run: "+id, http.StatusNotFound)
		return
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	ev := executor.NewEventWriter(w, flush)
	op(rn.session, ev)
	if err := ev.Err(); err != nil {
		s.logger.Warn("event stream interrupted", "run_id", id, "error", err)
	}
}

type validateTagsRequest struct {
	Tags string `json:"tags"`
}

type validateTagsResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

func (s *Server) handleValidateTags(w http.ResponseWriter, r *http.Request) {
	var req validateTagsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := validateTagsResponse{OK: true}
	if err := tags.ValidateTemplates(req.Tags); err != nil {
		resp.OK = false
		resp.Error = err.Error()
		var invalid *tags.InvalidTagError
		if errors.As(err, &invalid) {
			resp.Tag = invalid.Tag
		}
	}
	writeJSON(w, resp)
}

// handleReload triggers a configuration reload from disk.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloadHandler == nil {
		writeJSONError(w, "Reload not enabled (start with --watch flag)", http.StatusServiceUnavailable)
		return
	}

	result, err := s.reloadHandler.Reload(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if !result.Success {
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(result)
}

// handleHealth returns 200 OK when the agent is serving requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once an executor is wired.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.exec == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("executor not configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// corsMiddleware adds CORS headers to responses based on allowed origins.
// extraHeaders are additional headers to include in Access-Control-Allow-Headers.
func corsMiddleware(allowedOrigins []string, extraHeaders []string, next http.Handler) http.Handler {
	originSet := make(map[string]bool, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}
	allowHeaders := "Content-Type, Authorization"
	for _, h := range extraHeaders {
		allowHeaders += ", " + h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || originSet[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
