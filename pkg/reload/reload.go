// Package reload watches the agent configuration and applies inventory
// changes without a restart.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gridctl/imagectl/pkg/config"
	"github.com/gridctl/imagectl/pkg/logging"
)

// ReloadResult contains the result of a reload operation.
type ReloadResult struct {
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// ApplyFunc installs a new configuration.
type ApplyFunc func(cfg *config.Config) error

// Handler reloads the agent's configuration file. Hosts whose TLS files
// change on disk count as modified even when the file itself is unchanged.
type Handler struct {
	mu         sync.Mutex
	path       string
	currentCfg *config.Config
	tlsPrints  map[string]string
	apply      ApplyFunc
	logger     *slog.Logger
}

// NewHandler creates a reload handler. apply is called with every changed
// configuration.
func NewHandler(path string, currentCfg *config.Config, apply ApplyFunc) *Handler {
	return &Handler{
		path:       path,
		currentCfg: currentCfg,
		tlsPrints:  fingerprintTLS(currentCfg.Hosts),
		apply:      apply,
		logger:     logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger.
func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// CurrentConfig returns the current configuration.
func (h *Handler) CurrentConfig() *config.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentCfg
}

// WatchPaths lists the files a reload reads: the config file and the TLS
// material of every configured host.
func (h *Handler) WatchPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	paths := []string{h.path}
	for _, hst := range h.currentCfg.Hosts {
		paths = append(paths, tlsFiles(hst.TLS)...)
	}
	slices.Sort(paths)
	return slices.Compact(paths)
}

// Reload reloads the configuration from disk and applies changes. An
// invalid file leaves the current configuration in place.
func (h *Handler) Reload(ctx context.Context) (*ReloadResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.logger.Info("reloading configuration", "path", h.path)

	newCfg, err := config.Load(h.path)
	if err != nil {
		return &ReloadResult{
			Success: false,
			Message: fmt.Sprintf("failed to load config: %v", err),
		}, nil
	}

	diff := ComputeDiff(h.currentCfg, newCfg)
	prints := fingerprintTLS(newCfg.Hosts)
	for _, id := range rotatedTLS(h.tlsPrints, prints) {
		if !slices.Contains(diff.Hosts.Modified, id) {
			diff.Hosts.Modified = append(diff.Hosts.Modified, id)
		}
	}

	if diff.IsEmpty() {
		h.logger.Info("no configuration changes detected")
		return &ReloadResult{
			Success: true,
			Message: "no changes detected",
		}, nil
	}

	changed := make(map[string]bool)
	for _, id := range slices.Concat(diff.Hosts.Added, diff.Hosts.Modified) {
		changed[id] = true
	}
	for _, hst := range newCfg.Hosts {
		if !changed[hst.ID] {
			continue
		}
		if err := checkTLS(hst); err != nil {
			return &ReloadResult{
				Success: false,
				Message: fmt.Sprintf("failed to load config: %v", err),
			}, nil
		}
	}

	if diff.AgentChanged {
		h.logger.Warn("agent settings changed; listen address and auth apply after restart")
	}

	if err := h.apply(newCfg); err != nil {
		return &ReloadResult{
			Success: false,
			Message: fmt.Sprintf("failed to apply config: %v", err),
		}, nil
	}
	h.currentCfg = newCfg
	h.tlsPrints = prints

	result := &ReloadResult{
		Success:  true,
		Message:  "configuration reloaded",
		Added:    prefixed("host", diff.Hosts.Added, "node", diff.Nodes.Added),
		Removed:  prefixed("host", diff.Hosts.Removed, "node", diff.Nodes.Removed),
		Modified: prefixed("host", diff.Hosts.Modified, "node", diff.Nodes.Modified),
	}
	h.logger.Info("configuration reloaded",
		"added", len(result.Added),
		"removed", len(result.Removed),
		"modified", len(result.Modified))
	return result, nil
}

func prefixed(hostKind string, hosts []string, nodeKind string, nodes []string) []string {
	var out []string
	for _, h := range hosts {
		out = append(out, hostKind+":"+h)
	}
	for _, n := range nodes {
		out = append(out, nodeKind+":"+n)
	}
	return out
}
