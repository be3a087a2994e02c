package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth types accepted by SetAuth.
const (
	AuthBearer = "bearer"
	AuthAPIKey = "api_key"
)

// unauthenticatedPaths are served without credentials.
var unauthenticatedPaths = map[string]bool{
	"/health": true,
	"/ready":  true,
}

// requireAuth rejects requests that do not carry the configured token.
// Rejections use the JSON error body every other endpoint returns. With no
// token configured next is returned as is. Preflight requests are answered
// by corsMiddleware before they get here.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.authToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unauthenticatedPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := s.credential(r)
		if !ok {
			s.logger.Warn("request without credentials", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONError(w, "unauthorized: missing credentials", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.authToken)) != 1 {
			s.logger.Warn("request with invalid credentials", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
			writeJSONError(w, "unauthorized: invalid credentials", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// credential extracts the presented token from the configured header.
// Bearer auth requires the "Bearer " scheme prefix.
func (s *Server) credential(r *http.Request) (string, bool) {
	header := s.authHeader
	if header == "" {
		header = "Authorization"
	}
	val := r.Header.Get(header)
	if s.authType != AuthBearer {
		return val, val != ""
	}
	token, found := strings.CutPrefix(val, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
