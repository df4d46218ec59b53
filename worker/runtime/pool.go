package runtime

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultPoolSize is used when the configured pool size is not positive.
const DefaultPoolSize = 10

// Logger is the logging surface of the pool.
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

// Pool holds at most maxSize idle clients. Acquire never blocks: when no idle
// client is available a new one is built, so concurrency is bounded by the
// caller, not by the pool.
type Pool struct {
	mu      sync.Mutex
	idle    []Client
	maxSize int
	closed  bool
	factory Factory
	logger  Logger
}

// NewPool creates an empty pool.
func NewPool(maxSize int, factory Factory, logger Logger) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultPoolSize
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Pool{
		idle:    make([]Client, 0, maxSize),
		maxSize: maxSize,
		factory: factory,
		logger:  logger,
	}
}

// MaxSize returns the idle capacity.
func (p *Pool) MaxSize() int {
	return p.maxSize
}

// Warm fills the pool up to its capacity.
func (p *Pool) Warm() error {
	for {
		p.mu.Lock()
		full := p.closed || len(p.idle) >= p.maxSize
		p.mu.Unlock()
		if full {
			return nil
		}

		c, err := p.factory()
		if err != nil {
			return fmt.Errorf("failed to warm runtime client pool: %w", err)
		}
		p.Release(c)
	}
}

// Acquire returns an idle client or builds a new one. The caller has
// exclusive use of it until Release.
func (p *Pool) Acquire() (Client, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime client: %w", err)
	}
	p.logger.Debug("Created runtime client outside the idle pool")
	return c, nil
}

// Release returns c to the pool, or closes it when the pool is full or closed.
func (p *Pool) Release(c Client) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if !p.closed && len(p.idle) < p.maxSize {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := c.Close(); err != nil {
		p.logger.Warn("Failed to close surplus runtime client", "error", err)
	}
}

// Idle returns the number of idle clients.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes every idle client. Clients released afterwards are closed
// immediately.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
