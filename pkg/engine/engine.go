// Package engine builds, pushes and removes images through a docker client.
package engine

import (
	"github.com/gridctl/imagectl/pkg/dockerclient"
	"github.com/gridctl/imagectl/pkg/host"
)

// Conn is the run's engine connection. The client is resolved on each
// operation so an unbound run fails only once an engine call is needed.
type Conn interface {
	Client() (dockerclient.DockerClient, error)
	RegistryAuth() host.RegistryAuth
}
