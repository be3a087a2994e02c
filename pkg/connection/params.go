// Package connection derives engine connection settings from a host
// descriptor and owns the per-run docker client.
package connection

import (
	"errors"
	"time"

	"github.com/gridctl/imagectl/pkg/host"
)

// ErrNoHostBinding is the configuration error returned when a connection
// is requested for a run whose node is not bound to any known host.
var ErrNoHostBinding = errors.New("could not get client because we could not find the host that the project was built on; did this build run on a bound node?")

// Params is the serializable connection descriptor sent with a request
// across the execution boundary.
type Params struct {
	HostID       string            `json:"host_id"`
	Endpoint     string            `json:"endpoint"`
	TLS          host.TLS          `json:"tls,omitempty"`
	APIVersion   string            `json:"api_version,omitempty"`
	Timeouts     host.Timeouts     `json:"timeouts,omitempty"`
	RegistryAuth host.RegistryAuth `json:"registry_auth,omitempty"`
}

// ClientConfig is the transport half of the connection: where the engine
// lives and how to secure the channel.
type ClientConfig struct {
	Host string
	TLS  host.TLS
}

// ExecConfig is the command-execution half: API version pinning and
// timeouts applied to every engine call.
type ExecConfig struct {
	APIVersion     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// ParamsFor derives connection params from a resolved host descriptor.
// It performs no I/O.
func ParamsFor(desc *host.Descriptor) (Params, error) {
	if desc == nil || desc.Binding.EndpointURL == "" {
		return Params{}, ErrNoHostBinding
	}
	return Params{
		HostID:       desc.Binding.HostID,
		Endpoint:     desc.Binding.EndpointURL,
		TLS:          desc.TLS,
		APIVersion:   desc.APIVersion,
		Timeouts:     desc.Timeouts,
		RegistryAuth: desc.RegistryAuth,
	}, nil
}

// ClientConfig returns the transport configuration.
func (p Params) ClientConfig() ClientConfig {
	return ClientConfig{Host: p.Endpoint, TLS: p.TLS}
}

// ExecConfig returns the command-execution configuration.
func (p Params) ExecConfig() ExecConfig {
	return ExecConfig{
		APIVersion:     p.APIVersion,
		ConnectTimeout: p.Timeouts.Connect,
		RequestTimeout: p.Timeouts.Request,
	}
}
