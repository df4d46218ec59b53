// Package runtime builds container-runtime API clients and keeps a bounded
// pool of idle ones for the provisioning tasks.
package runtime

import (
	"context"
	"fmt"
	"io"
	goruntime "runtime"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	windowsEndpoint = "npipe:////./pipe/docker_engine"
	unixEndpoint    = "unix:///var/run/docker.sock"
)

// Client is the subset of the Docker Engine API used to provision tenant
// databases. *client.Client satisfies it.
type Client interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

var _ Client = (*client.Client)(nil)

// Factory constructs a new runtime client.
type Factory func() (Client, error)

// DefaultEndpoint returns the local engine endpoint for the current platform.
func DefaultEndpoint() string {
	return endpointFor(goruntime.GOOS)
}

func endpointFor(goos string) string {
	if goos == "windows" {
		return windowsEndpoint
	}
	return unixEndpoint
}

// NewDockerFactory returns a Factory dialing endpoint. An empty endpoint
// selects DefaultEndpoint. The API version is negotiated with the engine.
func NewDockerFactory(endpoint string) Factory {
	if endpoint == "" {
		endpoint = DefaultEndpoint()
	}
	return func() (Client, error) {
		cli, err := client.NewClientWithOpts(
			client.WithHost(endpoint),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create runtime client for %s: %w", endpoint, err)
		}
		return cli, nil
	}
}
