package core

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// timer is a scheduled self-directed stimulus.
type timer struct {
	id        TimerID
	owner     BioteID
	event     Event
	interval  time.Duration
	repeating bool
	fireAt    time.Time

	// index in the heap, -1 when not scheduled
	index     int
	cancelled atomic.Bool
}

// timerHeap orders timers by fire time, then by id.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].id < h[j].id
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// deliverFunc hands a fired timer to its owner. It returns false when the
// owner can no longer receive it.
type deliverFunc func(t *timer) bool

// timerService runs a single goroutine that sleeps until the earliest deadline.
type timerService struct {
	mu      sync.Mutex
	queue   timerHeap
	byID    map[TimerID]*timer
	byOwner map[BioteID]map[TimerID]*timer
	nextID  atomic.Uint32

	deliver deliverFunc
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newTimerService(deliver deliverFunc) *timerService {
	return &timerService{
		byID:    make(map[TimerID]*timer),
		byOwner: make(map[BioteID]map[TimerID]*timer),
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// schedule arms a timer for owner firing after delay, then every delay if repeating.
func (ts *timerService) schedule(owner BioteID, delay time.Duration, repeating bool, ev Event) *timer {
	t := &timer{
		id:        TimerID(ts.nextID.Inc()),
		owner:     owner,
		event:     ev,
		interval:  delay,
		repeating: repeating,
		fireAt:    time.Now().Add(delay),
		index:     -1,
	}

	ts.mu.Lock()
	heap.Push(&ts.queue, t)
	ts.byID[t.id] = t
	owned, ok := ts.byOwner[owner]
	if !ok {
		owned = make(map[TimerID]*timer)
		ts.byOwner[owner] = owned
	}
	owned[t.id] = t
	earliest := ts.queue[0] == t
	ts.mu.Unlock()

	if earliest {
		ts.signal()
	}
	return t
}

// cancel removes a timer. It returns false when the timer is unknown or its
// event has already been dispatched. A one-shot event still queued in the
// owner's mailbox is dropped at dispatch.
func (ts *timerService) cancel(id TimerID) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.byID[id]
	if !ok {
		return false
	}
	t.cancelled.Store(true)
	ts.removeLocked(t)
	return true
}

// cancelOwner removes every timer belonging to owner.
func (ts *timerService) cancelOwner(owner BioteID) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	owned := ts.byOwner[owner]
	n := len(owned)
	for _, t := range owned {
		t.cancelled.Store(true)
		ts.removeLocked(t)
	}
	return n
}

// settle is called when a timer event reaches dispatch. It reports whether
// the event should be handled and retires a one-shot timer.
func (ts *timerService) settle(t *timer) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if t.cancelled.Load() {
		return false
	}
	if !t.repeating {
		ts.removeLocked(t)
	}
	return true
}

// owner returns the biote owning id.
func (ts *timerService) owner(id TimerID) (BioteID, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.byID[id]
	if !ok {
		return NoBiote, false
	}
	return t.owner, true
}

// removeLocked drops t from every index. Callers that cancel mark t first.
func (ts *timerService) removeLocked(t *timer) {
	if t.index >= 0 {
		heap.Remove(&ts.queue, t.index)
	}
	delete(ts.byID, t.id)
	if owned, ok := ts.byOwner[t.owner]; ok {
		delete(owned, t.id)
		if len(owned) == 0 {
			delete(ts.byOwner, t.owner)
		}
	}
}

// pending returns the number of live timers.
func (ts *timerService) pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.byID)
}

func (ts *timerService) signal() {
	select {
	case ts.wake <- struct{}{}:
	default:
	}
}

// run is the timer goroutine.
func (ts *timerService) run() {
	defer close(ts.done)

	for {
		ts.mu.Lock()
		scheduled := len(ts.queue) > 0
		var wait time.Duration
		if scheduled {
			wait = time.Until(ts.queue[0].fireAt)
		}
		ts.mu.Unlock()

		if scheduled && wait <= 0 {
			ts.fire(time.Now())
			continue
		}

		var expired <-chan time.Time
		var sleeper *time.Timer
		if scheduled {
			sleeper = time.NewTimer(wait)
			expired = sleeper.C
		}

		select {
		case <-expired:
		case <-ts.wake:
		case <-ts.stop:
			if sleeper != nil {
				sleeper.Stop()
			}
			return
		}
		if sleeper != nil {
			sleeper.Stop()
		}
	}
}

// fire delivers every timer due at now.
func (ts *timerService) fire(now time.Time) {
	var due []*timer

	ts.mu.Lock()
	for len(ts.queue) > 0 && !ts.queue[0].fireAt.After(now) {
		t := heap.Pop(&ts.queue).(*timer)
		if t.repeating {
			t.fireAt = t.fireAt.Add(t.interval)
			if !t.fireAt.After(now) {
				t.fireAt = now.Add(t.interval)
			}
			heap.Push(&ts.queue, t)
		}
		due = append(due, t)
	}
	ts.mu.Unlock()

	for _, t := range due {
		if t.cancelled.Load() {
			continue
		}
		delivered := ts.deliver(t)

		ts.mu.Lock()
		// a delivered one-shot stays live until settled at dispatch
		if _, live := ts.byID[t.id]; live && !delivered {
			ts.removeLocked(t)
		}
		ts.mu.Unlock()
	}
}

// close stops the timer goroutine and waits for it to exit.
func (ts *timerService) close() {
	ts.once.Do(func() {
		close(ts.stop)
	})
	<-ts.done
}
