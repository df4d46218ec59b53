// Package provision creates and starts per-tenant database containers.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/go-connections/nat"
	"github.com/juju/clock"

	"github.com/wfahnestock/caass-server/worker/credentials"
	"github.com/wfahnestock/caass-server/worker/retry"
	"github.com/wfahnestock/caass-server/worker/runtime"
)

const (
	// DefaultImage is the database image for tenant containers.
	DefaultImage = "postgres:16"
	// DatabaseUser is the superuser created in every tenant database.
	DatabaseUser = "caass"
	// DataDir is where the tenant volume is mounted.
	DataDir = "/var/lib/postgresql/data"
	// ContainerPort is the database port inside the container.
	ContainerPort = "5432/tcp"
	// TenantLabel marks containers and volumes with their tenant slug.
	TenantLabel = "caass.tenant"
)

const (
	stateRunning    = "running"
	statePaused     = "paused"
	stateRestarting = "restarting"
	stateDead       = "dead"
)

var (
	// ErrContainerVanished is returned when a create conflict was reported
	// but the conflicting container can no longer be found.
	ErrContainerVanished = errors.New("container reported as existing but not found")
	// ErrContainerDead is returned for a container the engine can no longer
	// start. It must be removed before the tenant can be provisioned again.
	ErrContainerDead = errors.New("container is dead")
	// ErrPortUnavailable is returned when the runtime never published a host
	// port for the database.
	ErrPortUnavailable = errors.New("database host port unavailable")

	errNoBinding = errors.New("no host port binding yet")
)

// Logger is the logging surface of the provisioner.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nopLogger struct{}

func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// ContainerName returns the container name for a tenant.
func ContainerName(slug string) string { return slug + "-db" }

// VolumeName returns the data volume name for a tenant.
func VolumeName(slug string) string { return slug + "-data" }

// DatabaseName returns the database created inside the tenant container.
func DatabaseName(slug string) string { return slug + "-db" }

// Provisioner makes sure the database container of a tenant exists and runs.
type Provisioner struct {
	Image      string
	User       string
	DataDir    string
	PortPolicy retry.Policy
	Clock      clock.Clock
	Logger     Logger
}

// NewProvisioner returns a Provisioner with the default image and policies.
func NewProvisioner(logger Logger) *Provisioner {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Provisioner{
		Image:      DefaultImage,
		User:       DatabaseUser,
		DataDir:    DataDir,
		PortPolicy: retry.PortPolicy,
		Clock:      clock.WallClock,
		Logger:     logger,
	}
}

func (p *Provisioner) logger() Logger {
	if p.Logger == nil {
		return nopLogger{}
	}
	return p.Logger
}

// Ensure returns the ID of the running "{slug}-db" container, starting or
// creating it as needed. Concurrent calls for the same slug converge on one
// container.
func (p *Provisioner) Ensure(ctx context.Context, slug string, c runtime.Client) (string, error) {
	name := ContainerName(slug)
	log := p.logger()

	existing, err := findContainer(ctx, c, name)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return p.resume(ctx, slug, existing, c)
	}

	if err := p.ensureVolume(ctx, slug, c); err != nil {
		return "", err
	}

	id, err := p.create(ctx, slug, c)
	if errdefs.IsConflict(err) {
		log.Info("Tenant container created concurrently, reusing it", "tenant", slug)
		return p.recoverConflict(ctx, name, c)
	}
	if err != nil {
		return "", err
	}

	if err := c.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	log.Info("Created tenant container", "tenant", slug, "container", id, "image", p.Image)
	return id, nil
}

// resume brings an existing container back to running according to its state.
func (p *Provisioner) resume(ctx context.Context, slug string, existing *container.Summary, c runtime.Client) (string, error) {
	log := p.logger()
	name := ContainerName(slug)

	switch existing.State {
	case stateRunning:
		log.Debug("Tenant container already running", "tenant", slug, "container", existing.ID)
		return existing.ID, nil
	case statePaused:
		log.Info("Unpausing tenant container", "tenant", slug, "container", existing.ID)
		if err := c.ContainerUnpause(ctx, existing.ID); err != nil {
			return "", fmt.Errorf("failed to unpause container %s: %w", name, err)
		}
		return existing.ID, nil
	case stateRestarting:
		// The engine is already bringing it up; HostPort waits for the binding.
		log.Info("Tenant container is restarting", "tenant", slug, "container", existing.ID)
		return existing.ID, nil
	case stateDead:
		log.Error("Tenant container is dead and cannot be started, remove it to reprovision the tenant",
			"tenant", slug, "container", existing.ID)
		return "", fmt.Errorf("container %s: %w", name, ErrContainerDead)
	}

	log.Info("Starting existing tenant container", "tenant", slug, "container", existing.ID, "state", existing.State)
	if err := c.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return existing.ID, nil
}

func (p *Provisioner) ensureVolume(ctx context.Context, slug string, c runtime.Client) error {
	_, err := c.VolumeCreate(ctx, volume.CreateOptions{
		Name:   VolumeName(slug),
		Labels: map[string]string{TenantLabel: slug},
	})
	if err != nil && !errdefs.IsConflict(err) {
		return fmt.Errorf("failed to create volume %s: %w", VolumeName(slug), err)
	}
	return nil
}

func (p *Provisioner) create(ctx context.Context, slug string, c runtime.Client) (string, error) {
	port := nat.Port(ContainerPort)
	cfg := &container.Config{
		Image: p.Image,
		Env: []string{
			"POSTGRES_USER=" + p.User,
			"POSTGRES_PASSWORD=" + credentials.TenantPassword(slug),
			"POSTGRES_DB=" + DatabaseName(slug),
		},
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{TenantLabel: slug},
	}
	hostCfg := &container.HostConfig{
		// An empty HostPort lets the engine pick a free port.
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostPort: ""}}},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: VolumeName(slug),
			Target: p.DataDir,
		}},
	}

	name := ContainerName(slug)
	resp, err := c.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if errdefs.IsNotFound(err) {
		if pullErr := p.pullImage(ctx, c); pullErr != nil {
			return "", pullErr
		}
		resp, err = c.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		if errdefs.IsConflict(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	for _, w := range resp.Warnings {
		p.logger().Warn("Runtime warning while creating container", "container", name, "warning", w)
	}
	return resp.ID, nil
}

func (p *Provisioner) pullImage(ctx context.Context, c runtime.Client) error {
	p.logger().Info("Pulling database image", "image", p.Image)
	rc, err := c.ImagePull(ctx, p.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", p.Image, err)
	}
	defer rc.Close()
	// The pull completes when the progress stream ends.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", p.Image, err)
	}
	return nil
}

func (p *Provisioner) recoverConflict(ctx context.Context, name string, c runtime.Client) (string, error) {
	existing, err := findContainer(ctx, c, name)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", fmt.Errorf("%w: %s", ErrContainerVanished, name)
	}
	if existing.State != stateRunning {
		if err := c.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("failed to start container %s: %w", name, err)
		}
	}
	return existing.ID, nil
}

// findContainer returns the container named exactly name, or nil.
func findContainer(ctx context.Context, c runtime.Client, name string) (*container.Summary, error) {
	list, err := c.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	for i := range list {
		for _, n := range list[i].Names {
			if strings.TrimPrefix(n, "/") == name {
				return &list[i], nil
			}
		}
	}
	return nil, nil
}

// HostPort waits until the runtime publishes a host port for the database
// port of containerID.
func (p *Provisioner) HostPort(ctx context.Context, c runtime.Client, containerID string) (string, error) {
	var hostPort string
	err := p.PortPolicy.Run(ctx, p.Clock, func(ctx context.Context) error {
		info, err := c.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", containerID, err)
		}
		if info.NetworkSettings == nil {
			return errNoBinding
		}
		for _, b := range info.NetworkSettings.Ports[nat.Port(ContainerPort)] {
			if b.HostPort != "" {
				hostPort = b.HostPort
				return nil
			}
		}
		return errNoBinding
	}, func(err error, attempt int) {
		p.logger().Debug("Waiting for database host port", "container", containerID, "attempt", attempt, "error", err)
	})
	if err != nil {
		return "", fmt.Errorf("%w: container %s: %w", ErrPortUnavailable, containerID, err)
	}
	return hostPort, nil
}
