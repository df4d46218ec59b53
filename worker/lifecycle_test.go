package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/wfahnestock/caass-server/common/config"
	"github.com/wfahnestock/caass-server/common/logger"
	"github.com/wfahnestock/caass-server/worker/consumer"
)

// eventLog records lifecycle steps across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// fakeSubscription closes its stream on Cancel, as the broker does.
type fakeSubscription struct {
	log    *eventLog
	stream chan struct{}
	once   sync.Once
}

func newFakeSubscription(log *eventLog) *fakeSubscription {
	return &fakeSubscription{log: log, stream: make(chan struct{})}
}

func (s *fakeSubscription) Cancel() error {
	s.once.Do(func() {
		s.log.add("cancel subscription")
		close(s.stream)
	})
	return nil
}

// drainingRunner returns once the stream closes, after settling in-flight work.
type drainingRunner struct {
	log *eventLog
	sub *fakeSubscription
}

func (r *drainingRunner) Run(context.Context) error {
	<-r.sub.stream
	r.log.add("in-flight settled")
	return consumer.ErrSourceClosed
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestServeShutdownOrder(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	sub := newFakeSubscription(log)
	run := &drainingRunner{log: log, sub: sub}

	var closers closeStack
	closers.push("broker connection", func() error { log.add("close broker connection"); return nil })
	closers.push("consumer channel", func() error { log.add("close consumer channel"); return nil })
	closers.push("runtime clients", func() error { log.add("close runtime clients"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, run, sub) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve() error = %v, a cancelled run should stop cleanly", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve() did not return after cancellation")
	}
	closers.closeAll()

	want := []string{
		"cancel subscription",
		"in-flight settled",
		"close runtime clients",
		"close consumer channel",
		"close broker connection",
	}
	if got := log.snapshot(); !slices.Equal(got, want) {
		t.Errorf("shutdown order = %v, want %v", got, want)
	}
}

func TestServeSourceClosedByBroker(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	sub := newFakeSubscription(log)
	run := runnerFunc(func(context.Context) error { return consumer.ErrSourceClosed })

	err := serve(context.Background(), run, sub)
	if !errors.Is(err, consumer.ErrSourceClosed) {
		t.Fatalf("serve() error = %v, want ErrSourceClosed", err)
	}
	if got := log.snapshot(); !slices.Equal(got, []string{"cancel subscription"}) {
		t.Errorf("events = %v, subscription should still be cancelled", got)
	}
}

func TestServeTaskFailureStopsConsumer(t *testing.T) {
	t.Parallel()

	errBind := errors.New("listen tcp :9464: address already in use")
	log := &eventLog{}
	sub := newFakeSubscription(log)
	run := runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		log.add("consumer stopped")
		return nil
	})

	err := serve(context.Background(), run, sub, func(context.Context) error { return errBind })
	if !errors.Is(err, errBind) {
		t.Fatalf("serve() error = %v, want %v", err, errBind)
	}
	got := log.snapshot()
	if !slices.Contains(got, "cancel subscription") || !slices.Contains(got, "consumer stopped") {
		t.Errorf("events = %v, want the consumer stopped and the subscription cancelled", got)
	}
}

func TestCloseStackContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	var order []string
	var closers closeStack
	closers.push("first", func() error { order = append(order, "first"); return nil })
	closers.push("second", func() error { order = append(order, "second"); return errors.New("already closed") })
	closers.push("third", func() error { order = append(order, "third"); return nil })

	closers.closeAll()
	closers.closeAll()

	if want := []string{"third", "second", "first"}; !slices.Equal(order, want) {
		t.Errorf("close order = %v, want %v", order, want)
	}
}

type countingRotator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRotator) ForceRotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRotator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestRotateOnSignal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{"rotates", nil},
		{"keeps running after failure", errors.New("rename worker.log: permission denied")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &countingRotator{err: tt.err}
			sigs := make(chan os.Signal)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- rotateOnSignal(ctx, sigs, r) }()

			sigs <- syscall.SIGHUP
			sigs <- syscall.SIGHUP
			cancel()

			if err := <-done; err != nil {
				t.Fatalf("rotateOnSignal() error = %v", err)
			}
			if r.count() != 2 {
				t.Errorf("rotations = %d, want 2", r.count())
			}
		})
	}
}

func TestNewWorkerLoggerAppliesConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.DefaultLoggingConfig()
	cfg.Level = "debug"
	cfg.File = "provision.log"
	cfg.Console = false
	cfg.MaxSizeMB = 5
	cfg.MaxAgeDays = 2
	cfg.MaxFiles = 3

	l := newWorkerLogger(cfg, dir)
	t.Cleanup(func() { l.Close() })

	want := logger.RotationPolicy{Enabled: true, MaxSizeMB: 5, MaxAgeDays: 2, MaxFiles: 3}
	if got := l.RotationPolicy(); got != want {
		t.Errorf("RotationPolicy() = %+v, want %+v", got, want)
	}
	if l.GetLevel() != logger.DEBUG {
		t.Errorf("level = %v, want DEBUG", l.GetLevel())
	}
	path := filepath.Join(dir, "provision.log")
	if got := l.FilePath(); got != path {
		t.Errorf("FilePath() = %q, want %q", got, path)
	}

	l.Debug("container ready", "tenant", "acme")
	if err := l.ForceRotate(); err != nil {
		t.Fatalf("ForceRotate() error = %v", err)
	}
	l.Info("after rotation")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "provision*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 2 {
		t.Errorf("expected a rotated backup next to %s, got %v", path, files)
	}
}

func TestNewWorkerLoggerDefaultFileName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := config.DefaultLoggingConfig()
	cfg.Console = false
	cfg.Rotate = false

	l := newWorkerLogger(cfg, dir)
	t.Cleanup(func() { l.Close() })

	if got := l.FilePath(); got != filepath.Join(dir, logger.DefaultFileName) {
		t.Errorf("FilePath() = %q, want the default file name", got)
	}
	if l.RotationPolicy().Enabled {
		t.Error("rotation should be disabled")
	}
	// Without rotation there is nothing to rotate.
	l.Info("plain file")
	if err := l.ForceRotate(); err != nil {
		t.Errorf("ForceRotate() error = %v", err)
	}
}
