package connection

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gridctl/imagectl/pkg/dockerclient"
	"github.com/gridctl/imagectl/pkg/host"

	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
)

// Factory creates a docker client from connection settings.
type Factory func(ClientConfig, ExecConfig) (dockerclient.DockerClient, error)

// Connection is the engine connection of a single run. The client is
// created on first use and reused for every later call. A Connection must
// not be shared between runs; it is not safe for concurrent use.
type Connection struct {
	params  *Params
	factory Factory
	cli     dockerclient.DockerClient
}

// New creates a connection for params. No client is created yet.
func New(params Params, factory Factory) *Connection {
	if factory == nil {
		factory = NewDockerClient
	}
	return &Connection{params: &params, factory: factory}
}

// Unbound returns a connection for a run without a host binding. Every
// Client call fails with ErrNoHostBinding.
func Unbound() *Connection {
	return &Connection{}
}

// Params returns the connection params, or nil when unbound.
func (c *Connection) Params() *Params {
	return c.params
}

// RegistryAuth returns the registry credentials configured for the host.
func (c *Connection) RegistryAuth() host.RegistryAuth {
	if c.params == nil {
		return host.RegistryAuth{}
	}
	return c.params.RegistryAuth
}

// Client returns the run's docker client, creating it on first call.
func (c *Connection) Client() (dockerclient.DockerClient, error) {
	if c.cli != nil {
		return c.cli, nil
	}
	if c.params == nil {
		return nil, ErrNoHostBinding
	}
	cli, err := c.factory(c.params.ClientConfig(), c.params.ExecConfig())
	if err != nil {
		return nil, err
	}
	c.cli = cli
	return cli, nil
}

// Close releases the client if one was created.
func (c *Connection) Close() error {
	if c.cli == nil {
		return nil
	}
	err := c.cli.Close()
	c.cli = nil
	return err
}

// NewDockerClient is the default Factory. It builds an Engine API client
// for the configured host, with optional TLS and timeouts.
func NewDockerClient(cc ClientConfig, ec ExecConfig) (dockerclient.DockerClient, error) {
	transport := &http.Transport{}
	if ec.ConnectTimeout > 0 {
		transport.DialContext = (&net.Dialer{Timeout: ec.ConnectTimeout}).DialContext
	}
	if cc.TLS.Enabled() {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:             cc.TLS.CAFile,
			CertFile:           cc.TLS.CertFile,
			KeyFile:            cc.TLS.KeyFile,
			InsecureSkipVerify: cc.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("loading TLS material: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	opts := []client.Opt{
		client.WithHTTPClient(&http.Client{Transport: transport}),
		client.WithHost(cc.Host),
	}
	if ec.RequestTimeout > 0 {
		opts = append(opts, client.WithTimeout(ec.RequestTimeout))
	}
	if ec.APIVersion != "" {
		opts = append(opts, client.WithVersion(ec.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return cli, nil
}
