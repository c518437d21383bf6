package cancellation

import "sync"

// SharedReference is a value cell with subscribe/onUpdate semantics
// and an explicit terminal Finish() state, used throughout the engine
// for configuration (buffer goal, max buffer size, bitrate throttle),
// track/Representation choices, and cross-component observations.
type SharedReference[T any] struct {
	mu        sync.Mutex
	value     T
	finished  bool
	listeners map[int]func(T)
	nextID    int
}

// NewSharedReference creates a reference holding initial.
func NewSharedReference[T any](initial T) *SharedReference[T] {
	return &SharedReference[T]{
		value:     initial,
		listeners: make(map[int]func(T)),
	}
}

// Get returns the current value.
func (r *SharedReference[T]) Get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Set updates the value and notifies every current subscriber in FIFO
// registration order. A subscriber registered from within a
// notification callback only observes subsequent updates, never the
// one in progress. No-op once Finish has been called.
func (r *SharedReference[T]) Set(v T) {
	r.set(v, false)
}

// SetIfChanged updates and notifies only if v differs from the
// current value, as judged by the caller-supplied equal function.
// No-op once Finish has been called.
func (r *SharedReference[T]) SetIfChanged(v T, equal func(a, b T) bool) {
	r.mu.Lock()
	if equal(r.value, v) || r.finished {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.set(v, false)
}

func (r *SharedReference[T]) set(v T, finishing bool) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.value = v
	if finishing {
		r.finished = true
	}
	// Snapshot listeners registered so far; FIFO order by ascending id.
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sortInts(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	if finishing {
		r.listeners = nil
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// OnUpdateOptions controls subscription behavior.
type OnUpdateOptions struct {
	// EmitCurrent calls cb synchronously with the current value before
	// returning from OnUpdate.
	EmitCurrent bool
	// ClearSignal, when non-nil, unsubscribes cb once closed.
	ClearSignal <-chan struct{}
}

// OnUpdate subscribes cb to future updates. If the reference has
// already finished, cb is called once with the final value and never
// again, regardless of EmitCurrent.
func (r *SharedReference[T]) OnUpdate(cb func(T), opts OnUpdateOptions) {
	r.mu.Lock()
	if r.finished {
		v := r.value
		r.mu.Unlock()
		cb(v)
		return
	}

	id := r.nextID
	r.nextID++
	r.listeners[id] = cb
	current := r.value
	emitCurrent := opts.EmitCurrent
	r.mu.Unlock()

	if emitCurrent {
		cb(current)
	}

	if opts.ClearSignal != nil {
		go func() {
			<-opts.ClearSignal
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		}()
	}
}

// Listen is an alias for OnUpdate kept for call-site readability when
// EmitCurrent is not needed.
func (r *SharedReference[T]) Listen(cb func(T)) {
	r.OnUpdate(cb, OnUpdateOptions{})
}

// Finish flips the reference to a terminal, read-only state after one
// last notification with v.
func (r *SharedReference[T]) Finish(v T) {
	r.set(v, true)
}

// IsFinished reports whether Finish has been called.
func (r *SharedReference[T]) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
