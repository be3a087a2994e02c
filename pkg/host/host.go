// Package host resolves which container engine host an execution node is
// bound to.
package host

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gridctl/imagectl/pkg/logging"
)

// Binding associates an execution node with a container host.
type Binding struct {
	HostID      string `json:"host_id"`
	EndpointURL string `json:"endpoint_url"`
}

// Node is the execution node a run happened on. Any node may expose a
// binding; nodes that do not return false.
type Node interface {
	HostBinding() (Binding, bool)
}

// TLS holds paths to client TLS material for a host.
type TLS struct {
	CAFile             string `yaml:"ca" json:"ca,omitempty"`
	CertFile           string `yaml:"cert" json:"cert,omitempty"`
	KeyFile            string `yaml:"key" json:"key,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify,omitempty"`
}

// Enabled reports whether any TLS material is configured.
func (t TLS) Enabled() bool {
	return t.CAFile != "" || t.CertFile != "" || t.KeyFile != "" || t.InsecureSkipVerify
}

// Timeouts bound engine calls made against a host. Zero means no limit.
type Timeouts struct {
	Connect time.Duration `yaml:"connect" json:"connect,omitempty"`
	Request time.Duration `yaml:"request" json:"request,omitempty"`
}

// RegistryAuth carries the credentials used when pushing from a host.
type RegistryAuth struct {
	Username      string `yaml:"username" json:"username,omitempty"`
	Password      string `yaml:"password" json:"password,omitempty"`
	IdentityToken string `yaml:"identity_token" json:"identity_token,omitempty"`
	ServerAddress string `yaml:"server" json:"server,omitempty"`
}

// Empty reports whether no credential is set.
func (a RegistryAuth) Empty() bool {
	return a.Username == "" && a.Password == "" && a.IdentityToken == ""
}

// Host describes a known container engine host.
type Host struct {
	ID           string       `yaml:"id"`
	Endpoint     string       `yaml:"endpoint"`
	TLS          TLS          `yaml:"tls"`
	APIVersion   string       `yaml:"api_version"`
	Timeouts     Timeouts     `yaml:"timeouts"`
	RegistryAuth RegistryAuth `yaml:"registry_auth"`
}

// Descriptor is everything needed to connect to the host a node is bound to.
type Descriptor struct {
	Binding      Binding
	TLS          TLS
	APIVersion   string
	Timeouts     Timeouts
	RegistryAuth RegistryAuth
}

// Inventory is the set of known hosts keyed by ID.
type Inventory struct {
	hosts map[string]Host
	order []string
}

// NewInventory builds an inventory from hosts. Later duplicates replace
// earlier ones.
func NewInventory(hosts []Host) *Inventory {
	inv := &Inventory{hosts: make(map[string]Host, len(hosts))}
	for _, h := range hosts {
		if _, dup := inv.hosts[h.ID]; !dup {
			inv.order = append(inv.order, h.ID)
		}
		inv.hosts[h.ID] = h
	}
	return inv
}

// Get returns the host with the given ID.
func (inv *Inventory) Get(id string) (Host, bool) {
	if inv == nil {
		return Host{}, false
	}
	h, ok := inv.hosts[id]
	return h, ok
}

// Hosts returns all hosts in declaration order.
func (inv *Inventory) Hosts() []Host {
	if inv == nil {
		return nil
	}
	out := make([]Host, 0, len(inv.order))
	for _, id := range inv.order {
		out = append(out, inv.hosts[id])
	}
	return out
}

// ByEndpoint finds the host serving the given endpoint URL.
func (inv *Inventory) ByEndpoint(endpoint string) (Host, bool) {
	if inv == nil || endpoint == "" {
		return Host{}, false
	}
	want := normalizeEndpoint(endpoint)
	for _, id := range inv.order {
		if normalizeEndpoint(inv.hosts[id].Endpoint) == want {
			return inv.hosts[id], true
		}
	}
	return Host{}, false
}

func normalizeEndpoint(s string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), "/")
}

// Resolver maps execution nodes to host descriptors.
type Resolver struct {
	inventory *Inventory
	logger    *slog.Logger
}

// NewResolver creates a Resolver over the given inventory.
func NewResolver(inv *Inventory) *Resolver {
	return &Resolver{
		inventory: inv,
		logger:    logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger for resolution diagnostics.
func (r *Resolver) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Resolve asks node for its binding and, when it has one, returns the
// descriptor for that host. A node without a binding resolves to false,
// which is not an error. A binding naming an unknown host also resolves to
// false. A binding whose endpoint is empty takes the inventory's endpoint.
func (r *Resolver) Resolve(node Node) (*Descriptor, bool) {
	if node == nil {
		return nil, false
	}
	b, ok := node.HostBinding()
	if !ok {
		return nil, false
	}

	h, known := r.inventory.Get(b.HostID)
	if !known {
		if b.EndpointURL == "" {
			r.logger.Warn("node bound to unknown host", "host", b.HostID)
			return nil, false
		}
		// Bound directly to an endpoint that the inventory does not list.
		return &Descriptor{Binding: b}, true
	}

	if b.EndpointURL == "" {
		b.EndpointURL = h.Endpoint
	}
	r.logger.Debug("resolved host", "host", h.ID, "endpoint", b.EndpointURL)
	return &Descriptor{
		Binding:      b,
		TLS:          h.TLS,
		APIVersion:   h.APIVersion,
		Timeouts:     h.Timeouts,
		RegistryAuth: h.RegistryAuth,
	}, true
}
