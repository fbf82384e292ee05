package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// Manager owns the biote registry, the worker pools, the timer service and
// the statistics collector. It is safe for concurrent use.
type Manager struct {
	opts ManagerOptions
	log  logrus.FieldLogger

	registry registry
	names    nameTable
	ready    *readyQueue
	blocking *readyQueue
	timers   *timerService
	stats    *Collector

	// worker goroutines and their current activations
	workers  errgroup.Group
	activity sync.Map

	// mu orders biote creation against the shutdown broadcast
	mu         sync.Mutex
	running    atomic.Bool
	stopping   atomic.Bool
	live       atomic.Int64
	finishOnce sync.Once
	done       chan struct{}
}

// activation records which biote a worker is draining and since when.
type activation struct {
	biote   BioteID
	started time.Time
}

// NewManager creates a manager and starts its workers and timer goroutine.
func NewManager(opts ManagerOptions) *Manager {
	opts = opts.normalize()

	m := &Manager{
		opts:     opts,
		log:      opts.Logger.WithField("manager", opts.Name),
		ready:    newReadyQueue(),
		blocking: newReadyQueue(),
		stats:    NewCollector(),
		done:     make(chan struct{}),
	}
	m.timers = newTimerService(m.deliverTimer)
	m.running.Store(true)

	go m.timers.run()
	for i := 0; i < opts.WorkerPoolSize; i++ {
		name := fmt.Sprintf("worker-%d", i)
		m.workers.Go(func() error { return m.work(name, m.ready) })
	}
	for i := 0; i < opts.BlockingPoolSize; i++ {
		name := fmt.Sprintf("blocking-%d", i)
		m.workers.Go(func() error { return m.work(name, m.blocking) })
	}

	m.log.WithFields(logrus.Fields{
		"workers":  opts.WorkerPoolSize,
		"blocking": opts.BlockingPoolSize,
	}).Info("biote manager started")
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.opts.Name
}

// CreateBiote registers b and schedules its OnInit. It returns immediately.
func (m *Manager) CreateBiote(b Biote) (BioteID, error) {
	return m.CreateBioteWithOptions(b, BioteOptions{})
}

// CreateBioteWithOptions registers b using opts.
func (m *Manager) CreateBioteWithOptions(b Biote, opts BioteOptions) (BioteID, error) {
	if b == nil {
		return NoBiote, ErrNilBiote
	}
	start := time.Now()

	m.mu.Lock()
	if m.stopping.Load() {
		m.mu.Unlock()
		return NoBiote, ErrManagerStopped
	}
	c := newContext(m, m.registry.nextID(), b, opts)
	if err := m.registry.register(c); err != nil {
		m.mu.Unlock()
		return NoBiote, err
	}
	m.live.Inc()
	c.mailbox.push(envelope{kind: kindInit, event: NewSignal(EventInit), enqueued: start})
	m.mu.Unlock()

	m.schedule(c)
	m.stats.Sample(StatCreateBiote, time.Since(start).Microseconds())
	c.log.WithField("blocking", opts.Blocking).Debug("biote created")
	return c.id, nil
}

// SendStimulus enqueues ev into target's mailbox. A stimulus that cannot be
// delivered is logged, counted and reported to the Undeliverable hook; the
// returned error wraps ErrUnknownBiote or ErrBioteStopping.
func (m *Manager) SendStimulus(target BioteID, ev Event) error {
	start := time.Now()
	defer func() {
		m.stats.Sample(StatSendStimulus, time.Since(start).Microseconds())
	}()

	c, ok := m.registry.lookup(target)
	if !ok {
		m.log.WithFields(logrus.Fields{"target": target, "event": ev.Name()}).Warn("stimulus for unknown biote dropped")
		m.drop(target, ev, ErrUnknownBiote)
		return fmt.Errorf("send %s to %d: %w", ev.Name(), target, ErrUnknownBiote)
	}

	c = m.resolve(c, ev.Name())
	if !c.enqueue(envelope{kind: kindStimulus, event: ev, enqueued: start}) {
		c.log.WithField("event", ev.Name()).Debug("stimulus for stopping biote dropped")
		m.drop(c.id, ev, ErrBioteStopping)
		return fmt.Errorf("send %s to %d: %w", ev.Name(), c.id, ErrBioteStopping)
	}
	return nil
}

// StartTimer schedules ev for target after delay, re-arming every delay when
// repeating. Repeating timers need a positive delay.
func (m *Manager) StartTimer(delay time.Duration, repeating bool, target BioteID, ev Event) (TimerID, error) {
	start := time.Now()
	defer func() {
		m.stats.Sample(StatStartTimer, time.Since(start).Microseconds())
	}()

	if delay < 0 || (repeating && delay == 0) {
		return 0, fmt.Errorf("timer %s: %w", ev.Name(), ErrInvalidDelay)
	}
	c, ok := m.registry.lookup(target)
	if !ok || c.State() == BioteTerminated {
		m.log.WithFields(logrus.Fields{"target": target, "event": ev.Name()}).Warn("timer for unknown biote dropped")
		m.drop(target, ev, ErrUnknownBiote)
		return 0, fmt.Errorf("timer %s for %d: %w", ev.Name(), target, ErrUnknownBiote)
	}

	t := m.timers.schedule(target, delay, repeating, ev)
	return t.id, nil
}

// CancelTimer removes a pending timer. It reports whether the timer was
// still pending. A one-shot firing already queued in the owner's mailbox
// counts as pending and is dropped at dispatch.
func (m *Manager) CancelTimer(id TimerID) bool {
	start := time.Now()
	ok := m.timers.cancel(id)
	m.stats.Sample(StatCancelTimer, time.Since(start).Microseconds())
	return ok
}

// Shutdown asks every biote to shut down gracefully and refuses new biotes.
// It does not block; use WaitForShutdown to join.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.stopping.Load() {
		m.mu.Unlock()
		return
	}
	m.stopping.Store(true)
	biotes := m.registry.list()
	m.mu.Unlock()

	m.log.WithField("biotes", len(biotes)).Info("beginning biote manager shutdown")
	for _, c := range biotes {
		c.requestShutdown(true)
	}
	if m.live.Load() == 0 {
		m.finish()
	}
}

// WaitForShutdown blocks until every biote has terminated and every worker exited.
func (m *Manager) WaitForShutdown() {
	<-m.done
}

// WaitForShutdownContext is WaitForShutdown bounded by ctx.
func (m *Manager) WaitForShutdownContext(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	}
}

// Done is closed once shutdown has completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// IsRunning reports whether the manager has not yet completed shutdown.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// IsStopping reports whether Shutdown has been called.
func (m *Manager) IsStopping() bool {
	return m.stopping.Load()
}

// BioteCount returns the number of registered, non-terminated biotes.
func (m *Manager) BioteCount() int {
	return m.registry.len()
}

// HasBiote reports whether id is registered.
func (m *Manager) HasBiote(id BioteID) bool {
	_, ok := m.registry.lookup(id)
	return ok
}

// Biotes returns per-biote statistics ordered by id.
func (m *Manager) Biotes() []BioteStats {
	list := m.registry.list()
	out := make([]BioteStats, 0, len(list))
	for _, c := range list {
		out = append(out, c.Stats())
	}
	return out
}

// FlushStats drains and returns the statistics window.
func (m *Manager) FlushStats() []SystemStat {
	return m.stats.Flush()
}

// LifetimeStats returns cumulative statistics.
func (m *Manager) LifetimeStats() []SystemStat {
	return m.stats.Lifetime()
}

// CheckThreadActivity reports workers whose current activation has run
// longer than the configured threshold. Findings are logged.
func (m *Manager) CheckThreadActivity() []ActivityReport {
	now := time.Now()
	var reports []ActivityReport

	m.activity.Range(func(key, value any) bool {
		a := value.(activation)
		if elapsed := now.Sub(a.started); elapsed >= m.opts.LongActivation {
			reports = append(reports, ActivityReport{
				Worker:  key.(string),
				Biote:   a.biote,
				Elapsed: elapsed,
			})
		}
		return true
	})

	sort.Slice(reports, func(i, j int) bool { return reports[i].Worker < reports[j].Worker })
	for _, r := range reports {
		m.log.WithFields(logrus.Fields{
			"worker":  r.Worker,
			"biote":   r.Biote,
			"elapsed": r.Elapsed.Truncate(time.Millisecond),
		}).Warn("long running activation")
	}
	return reports
}

// Snapshot returns the current manager gauges.
func (m *Manager) Snapshot() ManagerSnapshot {
	busy := 0
	m.activity.Range(func(_, _ any) bool {
		busy++
		return true
	})
	return ManagerSnapshot{
		Name:          m.opts.Name,
		Running:       m.IsRunning(),
		Stopping:      m.IsStopping(),
		Biotes:        m.BioteCount(),
		ReadyDepth:    m.ready.len() + m.blocking.len(),
		PendingTimers: m.timers.pending(),
		Workers:       m.opts.WorkerPoolSize + m.opts.BlockingPoolSize,
		BusyWorkers:   busy,
	}
}

// schedule puts c on its ready queue unless it is already queued or active.
func (m *Manager) schedule(c *Context) {
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	q := m.ready
	if c.blocking {
		q = m.blocking
	}
	if !q.push(c) {
		c.processing.Store(false)
	}
}

// work is the worker loop.
func (m *Manager) work(name string, q *readyQueue) error {
	for {
		c, ok := q.pop()
		if !ok {
			return nil
		}
		m.activate(name, c)
	}
}

// activate drains c, then releases it and re-queues it if work arrived late.
func (m *Manager) activate(worker string, c *Context) {
	m.activity.Store(worker, activation{biote: c.id, started: time.Now()})
	n := c.drain()
	m.activity.Delete(worker)

	if n > 0 {
		m.stats.Sample(StatActivation, int64(n))
	}
	c.processing.Store(false)
	if c.mailbox.len() > 0 {
		m.schedule(c)
	}
}

// deliverTimer enqueues a fired timer into its owner's mailbox.
func (m *Manager) deliverTimer(t *timer) bool {
	c, ok := m.registry.lookup(t.owner)
	if !ok {
		m.log.WithFields(logrus.Fields{"timer": t.id, "biote": t.owner}).Debug("timer owner gone")
		return false
	}
	return c.enqueue(envelope{kind: kindStimulus, event: t.event, timer: t, enqueued: time.Now()})
}

// retire finalizes the bookkeeping for a biote that has stopped.
func (m *Manager) retire(c *Context) {
	c.state.Store(int32(BioteTerminated))
	timers := m.timers.cancelOwner(c.id)
	m.registry.unregister(c.id)
	names := m.names.release(c.id)
	c.mailbox.clear()
	c.clearSubscriptions()

	left := m.live.Dec()
	c.log.WithFields(logrus.Fields{"timers": timers, "names": len(names), "remaining": left}).Debug("biote terminated")
	if left == 0 && m.stopping.Load() {
		m.finish()
	}
}

func (m *Manager) drop(target BioteID, ev Event, reason error) {
	m.stats.Sample(StatDropped, 1)
	if m.opts.Undeliverable != nil {
		m.opts.Undeliverable(target, ev, reason)
	}
}

// finish closes the ready queues and joins the workers in the background.
func (m *Manager) finish() {
	m.finishOnce.Do(func() {
		m.ready.close()
		m.blocking.close()

		go func() {
			if err := m.workers.Wait(); err != nil {
				m.log.WithError(err).Error("worker exited with error")
			}
			m.timers.close()
			m.running.Store(false)
			m.log.Info("biote manager shut down")
			close(m.done)
		}()
	})
}
