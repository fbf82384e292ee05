package core

import (
	"sync"
	"time"
)

type envelopeKind uint8

const (
	kindStimulus envelopeKind = iota
	kindInit
	kindFinalize
)

// envelope is a mailbox entry.
type envelope struct {
	kind     envelopeKind
	event    Event
	timer    *timer
	enqueued time.Time
}

// mailbox is an unbounded FIFO written by any goroutine and drained by the
// single worker currently activating the biote.
type mailbox struct {
	mu     sync.Mutex
	items  []envelope
	head   int
	closed bool
}

// push appends env. It returns false once the mailbox is closed.
func (mb *mailbox) push(env envelope) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return false
	}
	mb.items = append(mb.items, env)
	return true
}

// pop removes the oldest entry.
func (mb *mailbox) pop() (envelope, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.head == len(mb.items) {
		return envelope{}, false
	}
	env := mb.items[mb.head]
	mb.items[mb.head] = envelope{}
	mb.head++

	if mb.head == len(mb.items) {
		mb.items = mb.items[:0]
		mb.head = 0
	} else if mb.head > 64 && mb.head*2 > len(mb.items) {
		n := copy(mb.items, mb.items[mb.head:])
		mb.items = mb.items[:n]
		mb.head = 0
	}
	return env, true
}

// len returns the number of queued entries.
func (mb *mailbox) len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.items) - mb.head
}

// seal closes the mailbox behind final. When discard is set every queued
// stimulus is dropped first. A second seal only applies discard.
func (mb *mailbox) seal(final envelope, discard bool) (dropped int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if discard {
		kept := mb.items[:0]
		for _, env := range mb.items[mb.head:] {
			if env.kind == kindStimulus {
				dropped++
				continue
			}
			kept = append(kept, env)
		}
		for i := len(kept); i < len(mb.items); i++ {
			mb.items[i] = envelope{}
		}
		mb.items = kept
		mb.head = 0
	}
	if !mb.closed {
		mb.items = append(mb.items, final)
		mb.closed = true
	}
	return dropped
}

// clear drops everything and closes the mailbox.
func (mb *mailbox) clear() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	n := len(mb.items) - mb.head
	mb.items = nil
	mb.head = 0
	mb.closed = true
	return n
}

// readyQueue holds biotes with pending work. A biote is present at most once.
type readyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Context
	closed bool
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push adds c and wakes one worker.
func (q *readyQueue) push(c *Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, c)
	q.cond.Signal()
	return true
}

// pop blocks until a biote is ready or the queue is closed and empty.
func (q *readyQueue) pop() (*Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return c, true
}

// close stops admission and wakes every waiting worker.
func (q *readyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
