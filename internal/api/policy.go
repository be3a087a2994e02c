package api

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gridctl/imagectl/pkg/executor"
	"github.com/gridctl/imagectl/pkg/host"
)

// Endpoint policy modes.
const (
	EndpointsInventory = "inventory"
	EndpointsAny       = "any"
)

// ErrEndpointNotAllowed is returned for a run targeting an engine the
// agent does not serve.
var ErrEndpointNotAllowed = errors.New("endpoint not allowed")

// EndpointPolicy decides which engines a run may target. In inventory
// mode the endpoint must be listed in the agent's own inventory, and the
// agent's TLS material, API version and timeouts replace the caller's.
type EndpointPolicy struct {
	mu   sync.RWMutex
	mode string
	inv  *host.Inventory
}

// NewEndpointPolicy creates a policy. An empty mode means inventory.
func NewEndpointPolicy(mode string, inv *host.Inventory) *EndpointPolicy {
	p := &EndpointPolicy{}
	p.Update(mode, inv)
	return p
}

// Update swaps the mode and inventory.
func (p *EndpointPolicy) Update(mode string, inv *host.Inventory) {
	if mode == "" {
		mode = EndpointsInventory
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	p.inv = inv
}

// Admit checks req and returns it with the agent's connection settings
// applied. An unbound request is admitted as is; its engine calls fail on
// their own.
func (p *EndpointPolicy) Admit(req executor.Request) (executor.Request, error) {
	if req.Connection == nil {
		return req, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.mode == EndpointsAny {
		return req, nil
	}

	h, ok := p.inv.ByEndpoint(req.Connection.Endpoint)
	if !ok {
		return req, fmt.Errorf("%w: %s", ErrEndpointNotAllowed, req.Connection.Endpoint)
	}

	params := *req.Connection
	params.TLS = h.TLS
	params.APIVersion = h.APIVersion
	params.Timeouts = h.Timeouts
	if params.RegistryAuth.Empty() {
		params.RegistryAuth = h.RegistryAuth
	}
	req.Connection = &params
	return req, nil
}
