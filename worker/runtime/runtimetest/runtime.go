// Package runtimetest provides an in-memory container runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/wfahnestock/caass-server/worker/runtime"
)

const (
	StateCreated    = "created"
	StateRunning    = "running"
	StateExited     = "exited"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateDead       = "dead"
)

// Container is the recorded state of one fake container.
type Container struct {
	ID         string
	Name       string
	State      string
	Image      string
	Env        []string
	Mounts     []string
	HostConfig *container.HostConfig
	HostPort   string
}

// Runtime is a shared in-memory engine. Every client returned by NewClient
// sees the same containers and volumes.
//
// The hook and error fields must be set before the runtime is used
// concurrently.
type Runtime struct {
	// OnCreate runs before a container is created. A non-nil error is
	// returned from ContainerCreate.
	OnCreate func(name string) error
	// PortDelay is the number of inspects that report no port binding
	// after a container starts.
	PortDelay int
	// ConflictOnExistingVolume makes VolumeCreate fail with a conflict for
	// an existing name instead of returning the volume.
	ConflictOnExistingVolume bool
	// MissingImage makes ContainerCreate report the image as not found
	// until ImagePull is called.
	MissingImage bool
	ListErr      error
	StartErr     error

	mu            sync.Mutex
	containers    map[string]*Container
	volumes       map[string]bool
	inspects      map[string]int
	nextID        int
	nextPort      int
	creates       int
	starts        int
	unpauses      int
	volumeCreates int
	pulls         int
	pulled        bool
	clients       int
	closed        int
}

// New returns an empty runtime.
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		volumes:    make(map[string]bool),
		inspects:   make(map[string]int),
		nextPort:   49152,
	}
}

// NewClient returns a client handle bound to r.
func (r *Runtime) NewClient() runtime.Client {
	r.mu.Lock()
	r.clients++
	r.mu.Unlock()
	return &Client{rt: r}
}

// Factory returns a runtime.Factory producing clients bound to r.
func (r *Runtime) Factory() runtime.Factory {
	return func() (runtime.Client, error) {
		return r.NewClient(), nil
	}
}

// Seed adds a container directly, as if created by someone else.
func (r *Runtime) Seed(name, state string) Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.addLocked(name, state, "", nil, nil)
	return *c
}

func (r *Runtime) addLocked(name, state, img string, env []string, hc *container.HostConfig) *Container {
	r.nextID++
	c := &Container{
		ID:         fmt.Sprintf("c%04d", r.nextID),
		Name:       name,
		State:      state,
		Image:      img,
		Env:        env,
		HostConfig: hc,
		HostPort:   strconv.Itoa(r.nextPort),
	}
	r.nextPort++
	if hc != nil {
		for _, m := range hc.Mounts {
			c.Mounts = append(c.Mounts, m.Source+":"+m.Target)
		}
	}
	r.containers[name] = c
	return c
}

// Container returns the container called name.
func (r *Runtime) Container(name string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[strings.TrimPrefix(name, "/")]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// ContainerCount returns the number of containers.
func (r *Runtime) ContainerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// HasVolume reports whether a volume called name exists.
func (r *Runtime) HasVolume(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volumes[name]
}

// Creates returns the number of successful container creations.
func (r *Runtime) Creates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

// Starts returns the number of container starts.
func (r *Runtime) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Unpauses returns the number of container unpauses.
func (r *Runtime) Unpauses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unpauses
}

// VolumeCreates returns the number of VolumeCreate calls.
func (r *Runtime) VolumeCreates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.volumeCreates
}

// Pulls returns the number of ImagePull calls.
func (r *Runtime) Pulls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// Clients returns how many clients were handed out.
func (r *Runtime) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients
}

// Closed returns how many clients were closed.
func (r *Runtime) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Client is a handle on a Runtime.
type Client struct {
	rt     *Runtime
	mu     sync.Mutex
	closed bool
}

var _ runtime.Client = (*Client)(nil)

func (c *Client) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("runtime client is closed")
	}
	return nil
}

func (c *Client) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	r := c.rt
	if r.ListErr != nil {
		return nil, r.ListErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]container.Summary, 0, len(r.containers))
	for _, ctr := range r.containers {
		if !options.All && ctr.State != StateRunning {
			continue
		}
		out = append(out, container.Summary{
			ID:    ctr.ID,
			Names: []string{"/" + ctr.Name},
			Image: ctr.Image,
			State: ctr.State,
		})
	}
	return out, nil
}

func (c *Client) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if err := c.check(); err != nil {
		return container.CreateResponse{}, err
	}
	r := c.rt
	if r.OnCreate != nil {
		if err := r.OnCreate(containerName); err != nil {
			return container.CreateResponse{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MissingImage && !r.pulled {
		return container.CreateResponse{}, fmt.Errorf("no such image: %s: %w", config.Image, errdefs.ErrNotFound)
	}
	if _, exists := r.containers[containerName]; exists {
		return container.CreateResponse{}, fmt.Errorf("the container name %q is already in use: %w", "/"+containerName, errdefs.ErrConflict)
	}
	ctr := r.addLocked(containerName, StateCreated, config.Image, config.Env, hostConfig)
	r.creates++
	return container.CreateResponse{ID: ctr.ID}, nil
}

func (c *Client) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	if err := c.check(); err != nil {
		return err
	}
	r := c.rt
	if r.StartErr != nil {
		return r.StartErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ctr := range r.containers {
		if ctr.ID != containerID {
			continue
		}
		switch ctr.State {
		case StatePaused:
			return fmt.Errorf("cannot start a paused container, try unpause instead: %w", errdefs.ErrConflict)
		case StateDead:
			return fmt.Errorf("container %s is marked for removal and cannot be started: %w", containerID, errdefs.ErrConflict)
		case StateRunning:
		default:
			ctr.State = StateRunning
			r.inspects[containerID] = 0
		}
		r.starts++
		return nil
	}
	return fmt.Errorf("no such container: %s: %w", containerID, errdefs.ErrNotFound)
}

func (c *Client) ContainerUnpause(ctx context.Context, containerID string) error {
	if err := c.check(); err != nil {
		return err
	}
	r := c.rt

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ctr := range r.containers {
		if ctr.ID != containerID {
			continue
		}
		if ctr.State != StatePaused {
			return fmt.Errorf("container %s is not paused: %w", containerID, errdefs.ErrConflict)
		}
		ctr.State = StateRunning
		r.unpauses++
		return nil
	}
	return fmt.Errorf("no such container: %s: %w", containerID, errdefs.ErrNotFound)
}

func (c *Client) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	if err := c.check(); err != nil {
		return container.InspectResponse{}, err
	}
	r := c.rt

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ctr := range r.containers {
		if ctr.ID != containerID {
			continue
		}
		ports := nat.PortMap{}
		r.inspects[containerID]++
		if ctr.State == StateRunning && r.inspects[containerID] > r.PortDelay {
			ports["5432/tcp"] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ctr.HostPort}}
		}
		return container.InspectResponse{
			ContainerJSONBase: &container.ContainerJSONBase{
				ID:   ctr.ID,
				Name: "/" + ctr.Name,
			},
			NetworkSettings: &container.NetworkSettings{
				NetworkSettingsBase: container.NetworkSettingsBase{Ports: ports},
			},
		}, nil
	}
	return container.InspectResponse{}, fmt.Errorf("no such container: %s: %w", containerID, errdefs.ErrNotFound)
}

func (c *Client) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	if err := c.check(); err != nil {
		return volume.Volume{}, err
	}
	r := c.rt

	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumeCreates++
	if r.volumes[options.Name] && r.ConflictOnExistingVolume {
		return volume.Volume{}, fmt.Errorf("volume %q already exists: %w", options.Name, errdefs.ErrConflict)
	}
	r.volumes[options.Name] = true
	return volume.Volume{Name: options.Name, Driver: "local"}, nil
}

func (c *Client) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	r := c.rt
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls++
	r.pulled = true
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded newer image for ` + refStr + `"}`)), nil
}

// Close marks the handle closed. Closing twice is an error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("runtime client already closed")
	}
	c.closed = true
	c.rt.mu.Lock()
	c.rt.closed++
	c.rt.mu.Unlock()
	return nil
}
