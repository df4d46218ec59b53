package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{MaxAttempts: 3, Delay: time.Millisecond}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fast.Run(context.Background(), nil, func(context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	var notified []int
	err := fast.Run(context.Background(), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, func(err error, attempt int) {
		notified = append(notified, attempt)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("notify attempts = %v, want [1 2]", notified)
	}
}

func TestRunExhausted(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	calls := 0
	err := fast.Run(context.Background(), nil, func(context.Context) error {
		calls++
		return boom
	}, nil)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Run() error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Run() error = %v, should wrap the last attempt error", err)
	}
	if calls != fast.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, fast.MaxAttempts)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{MaxAttempts: 100, Delay: time.Hour}

	done := make(chan error, 1)
	go func() {
		done <- slow.Run(ctx, nil, func(context.Context) error {
			return errors.New("down")
		}, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPolicyNormalized(t *testing.T) {
	t.Parallel()

	p := Policy{}.normalized()
	if p.MaxAttempts != 1 || p.Delay <= 0 {
		t.Errorf("normalized zero policy = %+v", p)
	}
}

func TestDefaultPolicies(t *testing.T) {
	t.Parallel()

	if MigrationPolicy.MaxAttempts != 10 || MigrationPolicy.Delay != 3*time.Second {
		t.Errorf("MigrationPolicy = %+v", MigrationPolicy)
	}
	if PortPolicy.MaxAttempts != 5 || PortPolicy.Delay != time.Second {
		t.Errorf("PortPolicy = %+v", PortPolicy)
	}
}
