package storage

import (
	"context"

	"github.com/juju/clock"

	"github.com/wfahnestock/caass-server/worker/retry"
)

// DefaultUser is the database superuser of tenant containers.
const DefaultUser = "caass"

// Applier runs a Migrator against a freshly started tenant database,
// retrying while the database is still coming up.
type Applier struct {
	Migrator Migrator
	Host     string
	User     string
	Policy   retry.Policy
	Clock    clock.Clock
}

// NewApplier returns an Applier with the default host, user and policy.
func NewApplier(m Migrator) *Applier {
	return &Applier{
		Migrator: m,
		Host:     DefaultHost,
		User:     DefaultUser,
		Policy:   retry.MigrationPolicy,
		Clock:    clock.WallClock,
	}
}

// Database returns the connection parameters for a tenant.
func (a *Applier) Database(slug, hostPort, password string) TenantDatabase {
	host := a.Host
	if host == "" {
		host = DefaultHost
	}
	user := a.User
	if user == "" {
		user = DefaultUser
	}
	return TenantDatabase{
		Host:     host,
		Port:     hostPort,
		Name:     slug + "-db",
		User:     user,
		Password: password,
	}
}

// Apply migrates the tenant database, reporting false once the retry policy
// is exhausted or ctx is done.
func (a *Applier) Apply(ctx context.Context, slug, hostPort, password string) bool {
	tdb := a.Database(slug, hostPort, password)

	var applied int
	err := a.Policy.Run(ctx, a.Clock, func(ctx context.Context) error {
		n, err := a.Migrator.Migrate(ctx, tdb)
		applied = n
		return err
	}, func(err error, attempt int) {
		logWarn("Tenant database not ready, retrying migration", "tenant", slug, "database", tdb.String(), "attempt", attempt, "max_attempts", a.Policy.MaxAttempts, "error", err)
	})
	if err != nil {
		logError("Tenant migration failed", "tenant", slug, "database", tdb.String(), "error", err)
		return false
	}

	logInfo("Tenant schema up to date", "tenant", slug, "database", tdb.String(), "applied", applied)
	return true
}
