package core

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRepeatingTimerShutsDownManager(t *testing.T) {
	m := NewManager(DefaultManagerOptions())

	var fired atomic.Int32
	_, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		counter := 10
		ctx.Subscribe("timer-event", func(ctx *Context, _ Event) error {
			fired.Inc()
			counter--
			if counter == 0 {
				ctx.Manager().Shutdown()
			}
			return nil
		})
		ctx.StartTimer(100*time.Millisecond, NewSignal("timer-event"), true)
		return nil
	}})
	require.NoError(t, err)

	waitForShutdown(t, m, 5*time.Second)
	assert.False(t, m.IsRunning())
	assert.Equal(t, 0, m.BioteCount())
	assert.Equal(t, int32(10), fired.Load())
}

func TestBioteToBioteEvents(t *testing.T) {
	m := NewManager(DefaultManagerOptions())

	var replied atomic.Bool
	var countAtInit atomic.Int64

	one, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("event-from-one", func(ctx *Context, ev Event) error {
			from, ok := ev.Data().GetID("biote-id")
			if !ok {
				return errors.New("missing biote-id")
			}
			ctx.SendStimulus(from, ev)
			ctx.Shutdown(true)
			return nil
		})
		return nil
	}})
	require.NoError(t, err)

	_, err = m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		countAtInit.Store(int64(ctx.Manager().BioteCount()))
		ctx.Subscribe("event-from-one", func(ctx *Context, ev Event) error {
			replied.Store(true)
			ctx.Manager().Shutdown()
			return nil
		})
		data := NewDataBuilder().Set("biote-id", ctx.ID()).Build()
		ctx.SendStimulus(one, NewEvent("event-from-one", data))
		return nil
	}})
	require.NoError(t, err)

	_, err = m.StartTimer(time.Second, true, 99, NewSignal("never"))
	assert.ErrorIs(t, err, ErrUnknownBiote)

	waitForShutdown(t, m, 5*time.Second)
	assert.True(t, replied.Load())
	assert.Equal(t, int64(2), countAtInit.Load())
	assert.False(t, m.IsRunning())

	stats := m.FlushStats()
	for _, name := range []string{StatStimulate, StatStartTimer, StatSendStimulus} {
		s, ok := FindStat(stats, name)
		if assert.True(t, ok, "missing stat %s", name) {
			assert.GreaterOrEqual(t, s.Samples, int64(1), name)
		}
	}
}

func TestStimulusToUnknownBiote(t *testing.T) {
	var mu sync.Mutex
	var dropped []BioteID
	m := newTestManager(t, func(o *ManagerOptions) {
		o.Undeliverable = func(target BioteID, _ Event, reason error) {
			mu.Lock()
			defer mu.Unlock()
			assert.ErrorIs(t, reason, ErrUnknownBiote)
			dropped = append(dropped, target)
		}
	})

	assert.NotPanics(t, func() {
		err := m.SendStimulus(4242, NewSignal("hello"))
		assert.ErrorIs(t, err, ErrUnknownBiote)
	})
	assert.True(t, m.IsRunning())

	mu.Lock()
	assert.Equal(t, []BioteID{4242}, dropped)
	mu.Unlock()

	s, ok := FindStat(m.FlushStats(), StatDropped)
	require.True(t, ok)
	assert.Equal(t, int64(1), s.Samples)
}

func TestSubscriptionDispatchesByName(t *testing.T) {
	m := newTestManager(t)

	var a, b atomic.Int32
	done := make(chan struct{})
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("a", func(*Context, Event) error { a.Inc(); return nil })
		ctx.Subscribe("b", func(*Context, Event) error { b.Inc(); return nil })
		ctx.Subscribe("swap", func(ctx *Context, _ Event) error {
			ctx.Subscribe("a", func(*Context, Event) error { b.Inc(); return nil })
			ctx.Unsubscribe("b")
			return nil
		})
		ctx.Subscribe("done", func(*Context, Event) error { close(done); return nil })
		return nil
	}})
	require.NoError(t, err)

	for _, name := range []string{"a", "a", "b", "c", "swap", "a", "b", "done"} {
		require.NoError(t, m.SendStimulus(id, NewSignal(name)))
	}
	<-done

	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(2), b.Load(), "one b before swap, one a after swap")
}

func TestStimuliProcessedInSendOrder(t *testing.T) {
	m := newTestManager(t)

	const total = 2000
	var seen []int64
	done := make(chan struct{})
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("seq", func(_ *Context, ev Event) error {
			n, _ := ev.Data().GetInt("n")
			seen = append(seen, n)
			if len(seen) == total {
				close(done)
			}
			return nil
		})
		return nil
	}})
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		require.NoError(t, m.SendStimulus(id, NewSignal("seq").With("n", i)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events not processed")
	}
	for i, n := range seen {
		require.Equal(t, int64(i), n)
	}
}

func TestHandlersNeverRunConcurrently(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.WorkerPoolSize = 8 })

	const senders, perSender = 8, 500
	var violations, handled atomic.Int32

	ids := make([]BioteID, 3)
	for i := range ids {
		id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
			var local atomic.Bool
			ctx.Subscribe("work", func(*Context, Event) error {
				if !local.CompareAndSwap(false, true) {
					violations.Inc()
				}
				runtime.Gosched()
				local.Store(false)
				handled.Inc()
				return nil
			})
			return nil
		}})
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				for _, id := range ids {
					_ = m.SendStimulus(id, NewSignal("work"))
				}
			}
		}()
	}
	wg.Wait()

	want := int32(senders * perSender * len(ids))
	require.Eventually(t, func() bool { return handled.Load() == want }, 10*time.Second, 10*time.Millisecond)
	assert.Zero(t, violations.Load())
}

func TestHandlerFaultsAreContained(t *testing.T) {
	m := newTestManager(t)

	var after atomic.Int32
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("fail", func(*Context, Event) error { return errors.New("boom") })
		ctx.Subscribe("panic", func(*Context, Event) error { panic("kaboom") })
		ctx.Subscribe("ok", func(*Context, Event) error { after.Inc(); return nil })
		return nil
	}})
	require.NoError(t, err)

	for _, name := range []string{"fail", "ok", "panic", "ok"} {
		require.NoError(t, m.SendStimulus(id, NewSignal(name)))
	}

	require.Eventually(t, func() bool { return after.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.HasBiote(id))

	stats := m.Biotes()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(2), stats[0].HandlerFaults)
	assert.Equal(t, uint64(4), stats[0].EventsHandled)
	assert.Equal(t, BioteRunning, stats[0].State)
}

func TestInitFaultTerminatesBiote(t *testing.T) {
	m := newTestManager(t)

	var finalized atomic.Bool
	id, err := m.CreateBiote(BioteFuncs{
		Init: func(ctx *Context, _ Event) error {
			ctx.Subscribe("ping", func(*Context, Event) error { return nil })
			return errors.New("bad wiring")
		},
		Finalize: func(*Context, Event) error {
			finalized.Store(true)
			return nil
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !m.HasBiote(id) }, time.Second, 5*time.Millisecond)
	assert.False(t, finalized.Load())
	assert.ErrorIs(t, m.SendStimulus(id, NewSignal("ping")), ErrUnknownBiote)
	assert.True(t, m.IsRunning())
}

func TestInitPanicTerminatesBiote(t *testing.T) {
	m := newTestManager(t)

	id, err := m.CreateBiote(BioteFuncs{Init: func(*Context, Event) error {
		panic("nil wheel")
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !m.HasBiote(id) }, time.Second, 5*time.Millisecond)
}

func TestMessageRoutes(t *testing.T) {
	m := newTestManager(t)

	got := make(chan string, 4)
	relay := func(label string) Biote {
		return BioteFuncs{Init: func(ctx *Context, _ Event) error {
			ctx.Subscribe("Net-Out", func(*Context, Event) error {
				got <- label
				return nil
			})
			return nil
		}}
	}

	target, err := m.CreateBiote(relay("target"))
	require.NoError(t, err)

	routed := make(chan struct{})
	source, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("Net-Out", func(*Context, Event) error {
			got <- "source"
			return nil
		})
		ctx.Subscribe("route", func(ctx *Context, ev Event) error {
			to, _ := ev.Data().GetID("to")
			ctx.SetMessageRoute("Net-Out", to)
			routed <- struct{}{}
			return nil
		})
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, m.SendStimulus(source, NewSignal("route").With("to", target)))
	<-routed
	require.NoError(t, m.SendStimulus(source, NewSignal("Net-Out")))
	assert.Equal(t, "target", <-got)

	require.NoError(t, m.SendStimulus(source, NewSignal("route").With("to", BioteID(999))))
	<-routed
	require.NoError(t, m.SendStimulus(source, NewSignal("Net-Out")))
	assert.Equal(t, "source", <-got, "missing route target falls back to the addressee")
}

func TestShutdownDrainModes(t *testing.T) {
	tests := []struct {
		name     string
		graceful bool
		want     int32
	}{
		{"graceful drains queued events", true, 5},
		{"non-graceful discards queued events", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)

			gate := make(chan struct{})
			blocked := make(chan struct{})
			var work, finals atomic.Int32

			id, err := m.CreateBiote(BioteFuncs{
				Init: func(ctx *Context, _ Event) error {
					ctx.Subscribe("block", func(ctx *Context, _ Event) error {
						close(blocked)
						<-gate
						ctx.Shutdown(tt.graceful)
						return nil
					})
					ctx.Subscribe("work", func(*Context, Event) error {
						work.Inc()
						return nil
					})
					return nil
				},
				Finalize: func(*Context, Event) error {
					finals.Inc()
					return nil
				},
			})
			require.NoError(t, err)

			require.NoError(t, m.SendStimulus(id, NewSignal("block")))
			<-blocked
			for i := 0; i < 5; i++ {
				require.NoError(t, m.SendStimulus(id, NewSignal("work")))
			}
			close(gate)

			require.Eventually(t, func() bool { return !m.HasBiote(id) }, time.Second, 5*time.Millisecond)
			assert.Equal(t, tt.want, work.Load())
			assert.Equal(t, int32(1), finals.Load())

			err = m.SendStimulus(id, NewSignal("work"))
			assert.ErrorIs(t, err, ErrUnknownBiote)
		})
	}
}

func TestShutdownFinalizesEachBioteOnce(t *testing.T) {
	m := NewManager(DefaultManagerOptions())

	var finals atomic.Int32
	for i := 0; i < 20; i++ {
		_, err := m.CreateBiote(BioteFuncs{
			Init: func(ctx *Context, _ Event) error {
				ctx.Subscribe("quit", func(ctx *Context, _ Event) error {
					ctx.Shutdown(false)
					return nil
				})
				return nil
			},
			Finalize: func(*Context, Event) error {
				finals.Inc()
				return nil
			},
		})
		require.NoError(t, err)
	}
	for _, b := range m.Biotes() {
		_ = m.SendStimulus(b.ID, NewSignal("quit"))
	}
	m.Shutdown()
	m.Shutdown()

	waitForShutdown(t, m, 5*time.Second)
	assert.Equal(t, int32(20), finals.Load())
	assert.False(t, m.IsRunning())
	assert.Equal(t, 0, m.BioteCount())

	_, err := m.CreateBiote(BioteFuncs{})
	assert.ErrorIs(t, err, ErrManagerStopped)
}

func TestShutdownWithoutBiotes(t *testing.T) {
	m := NewManager(DefaultManagerOptions())
	assert.True(t, m.IsRunning())

	m.Shutdown()
	waitForShutdown(t, m, time.Second)
	assert.False(t, m.IsRunning())
}

func TestCreateBioteRejectsNil(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateBiote(nil)
	assert.ErrorIs(t, err, ErrNilBiote)
}

func TestBioteIDsAreUnique(t *testing.T) {
	m := newTestManager(t)

	seen := make(map[BioteID]bool)
	for i := 0; i < 50; i++ {
		id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
			ctx.Shutdown(true)
			return nil
		}})
		require.NoError(t, err)
		require.False(t, seen[id], "id %d reused", id)
		seen[id] = true
	}
}

func TestSubscribeOutsideContextIsRejected(t *testing.T) {
	m := newTestManager(t)

	captured := make(chan *Context, 1)
	var calls atomic.Int32
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		captured <- ctx
		return nil
	}})
	require.NoError(t, err)

	ctx := <-captured
	require.Eventually(t, func() bool { return ctx.State() == BioteRunning }, time.Second, time.Millisecond)

	ctx.Subscribe("late", func(*Context, Event) error { calls.Inc(); return nil })
	require.NoError(t, m.SendStimulus(id, NewSignal("late")))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestSubscribeFromAnotherGoroutineWhileHandling(t *testing.T) {
	m := newTestManager(t)

	captured := make(chan *Context, 1)
	stop := make(chan struct{})
	looped := make(chan struct{})
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("spin", func(ctx *Context, _ Event) error {
			captured <- ctx
			defer close(looped)
			for {
				select {
				case <-stop:
					return nil
				default:
					ctx.Subscribed("x")
				}
			}
		})
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, m.SendStimulus(id, NewSignal("spin")))

	ctx := <-captured
	for i := 0; i < 100; i++ {
		ctx.Subscribe("x", func(*Context, Event) error { return nil })
		ctx.Unsubscribe("x")
	}
	close(stop)
	select {
	case <-looped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never returned")
	}
}

func TestUnsubscribeAll(t *testing.T) {
	m := newTestManager(t)

	var handled atomic.Int32
	subscribed := make(chan bool, 2)
	done := make(chan struct{})
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("a", func(*Context, Event) error { handled.Inc(); return nil })
		ctx.Subscribe("reset", func(ctx *Context, _ Event) error {
			subscribed <- ctx.Subscribed("a")
			ctx.UnsubscribeAll()
			subscribed <- ctx.Subscribed("a")
			ctx.Subscribe("done", func(*Context, Event) error { close(done); return nil })
			return nil
		})
		return nil
	}})
	require.NoError(t, err)

	for _, name := range []string{"a", "reset", "a", "done"} {
		require.NoError(t, m.SendStimulus(id, NewSignal(name)))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("done never handled")
	}

	assert.True(t, <-subscribed)
	assert.False(t, <-subscribed)
	assert.Equal(t, int32(1), handled.Load())
}

func TestBlockingPoolIsolatesSlowBiotes(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) {
		o.WorkerPoolSize = 1
		o.BlockingPoolSize = 1
	})

	gate := make(chan struct{})
	defer close(gate)
	slow, err := m.CreateBioteWithOptions(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("io", func(*Context, Event) error {
			<-gate
			return nil
		})
		return nil
	}}, BioteOptions{Name: "writer", Blocking: true})
	require.NoError(t, err)

	fast := make(chan struct{})
	quick, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("ping", func(*Context, Event) error {
			close(fast)
			return nil
		})
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, m.SendStimulus(slow, NewSignal("io")))
	require.NoError(t, m.SendStimulus(quick, NewSignal("ping")))

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("regular pool starved by a blocking biote")
	}
}

func TestCheckThreadActivityReportsLongActivations(t *testing.T) {
	m := newTestManager(t, func(o *ManagerOptions) { o.LongActivation = 30 * time.Millisecond })

	gate := make(chan struct{})
	id, err := m.CreateBiote(BioteFuncs{Init: func(ctx *Context, _ Event) error {
		ctx.Subscribe("stall", func(*Context, Event) error {
			<-gate
			return nil
		})
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, m.SendStimulus(id, NewSignal("stall")))

	var reports []ActivityReport
	require.Eventually(t, func() bool {
		reports = m.CheckThreadActivity()
		return len(reports) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, id, reports[0].Biote)
	assert.GreaterOrEqual(t, reports[0].Elapsed, 30*time.Millisecond)
	assert.Equal(t, 1, m.Snapshot().BusyWorkers)

	close(gate)
	require.Eventually(t, func() bool { return len(m.CheckThreadActivity()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestClampPoolSize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultPoolSize},
		{-3, MinPoolSize},
		{1, 1},
		{12, 12},
		{400, MaxPoolSize},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampPoolSize(tt.in), "ClampPoolSize(%d)", tt.in)
	}
}
