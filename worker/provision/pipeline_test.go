package provision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/wfahnestock/caass-server/common/events"
	"github.com/wfahnestock/caass-server/worker/credentials"
	"github.com/wfahnestock/caass-server/worker/runtime"
	"github.com/wfahnestock/caass-server/worker/runtime/runtimetest"
)

type applyCall struct {
	slug, hostPort, password string
}

type fakeApplier struct {
	mu    sync.Mutex
	ok    bool
	calls []applyCall
}

func (f *fakeApplier) Apply(ctx context.Context, slug, hostPort, password string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applyCall{slug, hostPort, password})
	return f.ok
}

func newTestPipeline(rt *runtimetest.Runtime, applier Applier) (*Pipeline, *runtime.Pool) {
	pool := runtime.NewPool(2, rt.Factory(), nil)
	return &Pipeline{
		Pool:        pool,
		Provisioner: newTestProvisioner(),
		Applier:     applier,
	}, pool
}

func TestPipelineProcess(t *testing.T) {
	t.Parallel()

	rt := runtimetest.New()
	applier := &fakeApplier{ok: true}
	p, pool := newTestPipeline(rt, applier)

	if err := p.Process(context.Background(), events.TenantCreatedEvent{TenantSlug: "acme"}); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	ctr, ok := rt.Container("acme-db")
	if !ok || ctr.State != runtimetest.StateRunning {
		t.Fatalf("expected running acme-db, got %+v (found=%v)", ctr, ok)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("Apply called %d times, want 1", len(applier.calls))
	}
	call := applier.calls[0]
	if call.slug != "acme" || call.hostPort != ctr.HostPort || call.password != credentials.TenantPassword("acme") {
		t.Errorf("Apply(%+v), want slug acme, port %s and the derived password", call, ctr.HostPort)
	}
	if pool.Idle() != 1 {
		t.Errorf("client was not returned to the pool, Idle() = %d", pool.Idle())
	}
}

func TestPipelineMigrationFailure(t *testing.T) {
	t.Parallel()

	rt := runtimetest.New()
	p, pool := newTestPipeline(rt, &fakeApplier{ok: false})

	err := p.Process(context.Background(), events.TenantCreatedEvent{TenantSlug: "acme"})
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("Process() error = %v, want ErrMigrationFailed", err)
	}
	if pool.Idle() != 1 {
		t.Errorf("client should be released on failure, Idle() = %d", pool.Idle())
	}
}

func TestPipelineRuntimeFailureSkipsMigration(t *testing.T) {
	t.Parallel()

	rt := runtimetest.New()
	rt.StartErr = errors.New("port already allocated")
	applier := &fakeApplier{ok: true}
	p, _ := newTestPipeline(rt, applier)

	if err := p.Process(context.Background(), events.TenantCreatedEvent{TenantSlug: "acme"}); err == nil {
		t.Fatal("expected Process() to fail")
	}
	if len(applier.calls) != 0 {
		t.Errorf("Apply should not run after a runtime failure, got %d calls", len(applier.calls))
	}
}

func TestPipelineAcquireFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("engine socket missing")
	pool := runtime.NewPool(1, func() (runtime.Client, error) { return nil, boom }, nil)
	p := &Pipeline{Pool: pool, Provisioner: newTestProvisioner(), Applier: &fakeApplier{ok: true}}

	if err := p.Process(context.Background(), events.TenantCreatedEvent{TenantSlug: "acme"}); !errors.Is(err, boom) {
		t.Fatalf("Process() error = %v, want %v", err, boom)
	}
}
