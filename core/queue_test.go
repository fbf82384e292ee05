package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxFIFO(t *testing.T) {
	var mb mailbox
	for i := 0; i < 200; i++ {
		require.True(t, mb.push(envelope{event: NewSignal(fmt.Sprint(i))}))
	}
	assert.Equal(t, 200, mb.len())

	for i := 0; i < 200; i++ {
		env, ok := mb.pop()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprint(i), env.event.Name())
	}
	_, ok := mb.pop()
	assert.False(t, ok)
}

func TestMailboxSeal(t *testing.T) {
	t.Run("graceful keeps pending", func(t *testing.T) {
		var mb mailbox
		mb.push(envelope{event: NewSignal("a")})
		mb.push(envelope{event: NewSignal("b")})

		dropped := mb.seal(envelope{kind: kindFinalize}, false)
		assert.Equal(t, 0, dropped)
		assert.False(t, mb.push(envelope{event: NewSignal("late")}))
		assert.Equal(t, 3, mb.len())
	})

	t.Run("discard drops stimuli but keeps init", func(t *testing.T) {
		var mb mailbox
		mb.push(envelope{kind: kindInit})
		mb.push(envelope{event: NewSignal("a")})
		mb.push(envelope{event: NewSignal("b")})

		dropped := mb.seal(envelope{kind: kindFinalize}, true)
		assert.Equal(t, 2, dropped)

		first, _ := mb.pop()
		second, _ := mb.pop()
		assert.Equal(t, kindInit, first.kind)
		assert.Equal(t, kindFinalize, second.kind)
	})

	t.Run("second seal only discards", func(t *testing.T) {
		var mb mailbox
		mb.push(envelope{event: NewSignal("a")})
		mb.seal(envelope{kind: kindFinalize}, false)
		dropped := mb.seal(envelope{kind: kindFinalize}, true)

		assert.Equal(t, 1, dropped)
		assert.Equal(t, 1, mb.len())
	})
}

func TestReadyQueueCloseReleasesWorkers(t *testing.T) {
	q := newReadyQueue()
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, ok := q.pop()
		assert.False(t, ok)
	}()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pop did not return after close")
	}
	assert.False(t, q.push(&Context{}))
}
