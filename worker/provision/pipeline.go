package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfahnestock/caass-server/common/events"
	"github.com/wfahnestock/caass-server/worker/credentials"
	"github.com/wfahnestock/caass-server/worker/runtime"
)

// ErrMigrationFailed is returned when the tenant schema could not be applied.
var ErrMigrationFailed = errors.New("tenant database migration failed")

// ClientPool hands out runtime clients for exclusive use.
type ClientPool interface {
	Acquire() (runtime.Client, error)
	Release(runtime.Client)
}

// Applier brings the tenant database schema up to date. It reports false
// once its own retries are exhausted.
type Applier interface {
	Apply(ctx context.Context, slug, hostPort, password string) bool
}

// Pipeline provisions one tenant: container, host port, schema.
type Pipeline struct {
	Pool        ClientPool
	Provisioner *Provisioner
	Applier     Applier
	Logger      Logger
}

// Process runs the provisioning steps for evt. Every step must succeed for
// a nil error; callers requeue the event otherwise.
func (p *Pipeline) Process(ctx context.Context, evt events.TenantCreatedEvent) error {
	log := p.Logger
	if log == nil {
		log = nopLogger{}
	}
	slug := evt.TenantSlug

	c, err := p.Pool.Acquire()
	if err != nil {
		return fmt.Errorf("tenant %s: %w", slug, err)
	}
	defer p.Pool.Release(c)

	id, err := p.Provisioner.Ensure(ctx, slug, c)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", slug, err)
	}

	hostPort, err := p.Provisioner.HostPort(ctx, c, id)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", slug, err)
	}
	log.Debug("Tenant database reachable on host port", "tenant", slug, "container", id, "port", hostPort)

	if !p.Applier.Apply(ctx, slug, hostPort, credentials.TenantPassword(slug)) {
		return fmt.Errorf("tenant %s: %w", slug, ErrMigrationFailed)
	}

	log.Info("Tenant database provisioned", "tenant", slug, "tenant_id", evt.TenantID, "container", id, "port", hostPort)
	return nil
}
