// Package writegate provides admission control for writes to the document
// index and file tree.
//
// A Gate combines an admission gate with an in-flight barrier. Writers take a
// Lease around each external write; maintenance closes the gate so new
// writers wait, then drains until every outstanding Lease is released.
// Admission and registration happen under one lock, so a writer is either
// registered while the gate is open or not registered at all.
package writegate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultAdmissionTimeout bounds how long Acquire waits for a closed gate.
const DefaultAdmissionTimeout = 10 * time.Second

// Gate tracks in-flight writes and blocks new ones while closed.
// Create one at startup and pass it to every component that writes.
type Gate struct {
	admissionTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	opened   chan struct{} // closed when the gate opens
	inFlight int
	idle     chan struct{} // closed when inFlight drops to zero
}

// Option configures a Gate.
type Option func(*Gate)

// WithAdmissionTimeout sets how long Acquire waits for a closed gate.
func WithAdmissionTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.admissionTimeout = d
		}
	}
}

// New creates an open gate with no writes in flight.
func New(opts ...Option) *Gate {
	idle := make(chan struct{})
	close(idle)
	g := &Gate{
		admissionTimeout: DefaultAdmissionTimeout,
		idle:             idle,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Lease represents one registered in-flight write.
type Lease struct {
	gate *Gate
	once sync.Once
}

// Release marks the write complete. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.gate.release)
}

// Acquire waits for the gate to be open and registers a write.
// It fails with ErrAdmissionTimeout if the gate stays closed past the
// admission timeout, or with the bare context error if ctx ends first. A failed
// Acquire never leaves a registration behind.
func (g *Gate) Acquire(ctx context.Context) (*Lease, error) {
	timer := time.NewTimer(g.admissionTimeout)
	defer timer.Stop()

	for {
		g.mu.Lock()
		if !g.closed {
			if g.inFlight == 0 {
				g.idle = make(chan struct{})
			}
			g.inFlight++
			g.mu.Unlock()
			return &Lease{gate: g}, nil
		}
		wait := g.opened
		g.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, fmt.Errorf("%w after %s", ErrAdmissionTimeout, g.admissionTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Do runs fn while holding a Lease. The Lease is released on every exit
// path, including a panic in fn.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	lease, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}

func (g *Gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	if g.inFlight == 0 {
		close(g.idle)
	}
}

// Close stops admitting new writes. Writes already registered continue.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.opened = make(chan struct{})
}

// Open admits writes again and wakes every waiting Acquire.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		return
	}
	g.closed = false
	close(g.opened)
}

// Drain waits until no writes are in flight. It returns ErrDrainTimeout if
// the count has not reached zero within timeout.
func (g *Gate) Drain(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %d still in flight after %s", ErrDrainTimeout, g.InFlight(), timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
	}
}

// Freeze closes the gate and drains in-flight writes. On success the caller
// owns the frozen gate and must call reopen, typically via defer. If the
// drain fails the gate is reopened before Freeze returns.
func (g *Gate) Freeze(ctx context.Context, drainTimeout time.Duration) (reopen func(), err error) {
	g.Close()
	if err := g.Drain(ctx, drainTimeout); err != nil {
		g.Open()
		return func() {}, err
	}
	var once sync.Once
	return func() { once.Do(g.Open) }, nil
}

// InFlight returns the number of registered writes.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Closed reports whether the gate is refusing new writes.
func (g *Gate) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
