// Package retry holds the retry policies used while a tenant database comes up.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
)

// Policy is a fixed-delay retry policy.
type Policy struct {
	MaxAttempts int           `toml:"max_attempts"`
	Delay       time.Duration `toml:"delay"`
}

var (
	// MigrationPolicy covers database start-up and schema migration.
	MigrationPolicy = Policy{MaxAttempts: 10, Delay: 3 * time.Second}
	// PortPolicy covers waiting for the runtime to publish a host port.
	PortPolicy = Policy{MaxAttempts: 5, Delay: time.Second}
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Notify is called after each failed attempt, attempt counting from 1.
type Notify func(err error, attempt int)

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Delay <= 0 {
		p.Delay = time.Millisecond
	}
	return p
}

// Run calls fn until it succeeds, the attempts are used up or ctx is done.
// A nil clk uses the wall clock.
func (p Policy) Run(ctx context.Context, clk clock.Clock, fn func(context.Context) error, notify Notify) error {
	p = p.normalized()
	if clk == nil {
		clk = clock.WallClock
	}

	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			return fn(ctx)
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			if notify != nil {
				notify(err, attempt)
			}
		},
		Attempts: p.MaxAttempts,
		Delay:    p.Delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}

	switch {
	case jujuretry.IsAttemptsExceeded(err):
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, jujuretry.LastError(err))
	case jujuretry.IsRetryStopped(err):
		return fmt.Errorf("%w: %w", ctx.Err(), jujuretry.LastError(err))
	default:
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
}
