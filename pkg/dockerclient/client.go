// Package dockerclient defines the subset of the Docker Engine API client
// that imagectl depends on.
package dockerclient

//go:generate mockgen -source=client.go -destination=mock_client.go -package=dockerclient

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerClient is implemented by *client.Client.
type DockerClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

var _ DockerClient = (*client.Client)(nil)
