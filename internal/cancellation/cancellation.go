// Package cancellation implements the engine's structured cancellation
// tree and observable value cells (§4.K), generalizing the
// context.Context/cancel() pair the teacher uses per StreamSession
// (dash2hlsd/internal/session.StreamSession.ctx/cancel) into a
// linkable tree with registered LIFO teardown callbacks, since a bare
// context.Context cannot express an ordered teardown-callback list.
package cancellation

import (
	"sync"

	"github.com/google/uuid"
)

// Canceller is a node in the cancellation tree. Each node has its own
// signal; linking a child to a parent means the parent cancelling also
// cancels the child, one-way.
type Canceller struct {
	id string

	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
	callbacks []func()
	children  []*Canceller
}

// New creates a fresh, unlinked Canceller.
func New() *Canceller {
	return &Canceller{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
}

// ID returns the canceller's identity, useful for logging.
func (c *Canceller) ID() string { return c.id }

// Signal returns a channel that is closed when the canceller is
// cancelled. Safe to select on from any goroutine.
func (c *Canceller) Signal() <-chan struct{} {
	return c.done
}

// IsCancelled reports whether Cancel has already been called.
func (c *Canceller) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Register adds a teardown callback, invoked once when the canceller
// is cancelled. Callbacks run in LIFO registration order. If the
// canceller is already cancelled, cb runs synchronously before
// Register returns. A panicking callback is recovered so it cannot
// prevent the remaining callbacks from running.
func (c *Canceller) Register(cb func()) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		runProtected(cb)
		return
	}
	c.callbacks = append(c.callbacks, cb)
	c.mu.Unlock()
}

// LinkChild registers child so that cancelling c also cancels child.
// If c is already cancelled, child is cancelled immediately.
func (c *Canceller) LinkChild(child *Canceller) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		child.Cancel()
		return
	}
	c.children = append(c.children, child)
	c.mu.Unlock()
}

// Derive creates a new Canceller already linked as a child of c.
func (c *Canceller) Derive() *Canceller {
	child := New()
	c.LinkChild(child)
	return child
}

// Cancel cancels c, running its teardown callbacks in LIFO order and
// propagating cancellation to all linked children. Safe to call more
// than once; only the first call has effect.
func (c *Canceller) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	callbacks := c.callbacks
	children := c.children
	c.callbacks = nil
	c.children = nil
	close(c.done)
	c.mu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		runProtected(callbacks[i])
	}
	for _, child := range children {
		child.Cancel()
	}
}

func runProtected(cb func()) {
	defer func() { _ = recover() }()
	cb()
}
