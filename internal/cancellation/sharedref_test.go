package cancellation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSharedReferenceGetSet(t *testing.T) {
	r := NewSharedReference(1)
	assert.Equal(t, 1, r.Get())
	r.Set(2)
	assert.Equal(t, 2, r.Get())
}

func TestSharedReferenceOnUpdateEmitCurrent(t *testing.T) {
	r := NewSharedReference("a")
	var seen []string
	r.OnUpdate(func(v string) { seen = append(seen, v) }, OnUpdateOptions{EmitCurrent: true})
	assert.Equal(t, []string{"a"}, seen)

	r.Set("b")
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestSharedReferenceSubscriberDuringCallbackMissesCurrentUpdate(t *testing.T) {
	r := NewSharedReference(0)
	var lateSeen []int
	r.Listen(func(v int) {
		if v == 1 {
			r.Listen(func(v2 int) { lateSeen = append(lateSeen, v2) })
		}
	})

	r.Set(1)
	assert.Empty(t, lateSeen, "a listener registered during a callback must not see the update in progress")

	r.Set(2)
	assert.Equal(t, []int{2}, lateSeen)
}

func TestSharedReferenceFinishIsTerminal(t *testing.T) {
	r := NewSharedReference(1)
	r.Finish(42)
	assert.True(t, r.IsFinished())

	var got int
	r.OnUpdate(func(v int) { got = v }, OnUpdateOptions{})
	assert.Equal(t, 42, got)

	r.Set(100)
	assert.Equal(t, 42, r.Get(), "Set after Finish must be a no-op")
}

func TestSharedReferenceFinishNotifiesExistingSubscribersOnce(t *testing.T) {
	r := NewSharedReference(0)
	calls := 0
	r.Listen(func(int) { calls++ })

	r.Finish(9)
	r.Finish(10)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 9, r.Get())
}

func TestSharedReferenceSetIfChanged(t *testing.T) {
	r := NewSharedReference(5)
	calls := 0
	r.Listen(func(int) { calls++ })

	eq := func(a, b int) bool { return a == b }
	r.SetIfChanged(5, eq)
	assert.Equal(t, 0, calls)

	r.SetIfChanged(6, eq)
	assert.Equal(t, 1, calls)
}

func TestSharedReferenceClearSignalUnsubscribes(t *testing.T) {
	r := NewSharedReference(0)
	clear := make(chan struct{})
	calls := 0
	r.OnUpdate(func(int) { calls++ }, OnUpdateOptions{ClearSignal: clear})

	r.Set(1)
	assert.Equal(t, 1, calls)

	close(clear)
	// allow the unsubscribe goroutine to run
	waitFor(func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.listeners) == 0
	})

	r.Set(2)
	assert.Equal(t, 1, calls, "listener must not fire after ClearSignal closes")
}

func waitFor(cond func() bool) {
	for i := 0; i < 1000; i++ {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
