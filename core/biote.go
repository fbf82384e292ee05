package core

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// EventHandler reacts to one event. A returned error is logged by the
// dispatch loop and does not stop the biote.
type EventHandler func(ctx *Context, ev Event) error

// Biote is implemented by every actor hosted by a Manager.
type Biote interface {
	// OnInit runs once, before any other event. It normally subscribes to
	// events and starts timers. An error terminates the biote.
	OnInit(ctx *Context, ev Event) error

	// OnFinalize runs once when the biote shuts down.
	OnFinalize(ctx *Context, ev Event) error
}

// BioteFuncs adapts a pair of functions to the Biote interface.
type BioteFuncs struct {
	Init     func(ctx *Context, ev Event) error
	Finalize func(ctx *Context, ev Event) error
}

// OnInit implements Biote.
func (f BioteFuncs) OnInit(ctx *Context, ev Event) error {
	if f.Init == nil {
		return nil
	}
	return f.Init(ctx, ev)
}

// OnFinalize implements Biote.
func (f BioteFuncs) OnFinalize(ctx *Context, ev Event) error {
	if f.Finalize == nil {
		return nil
	}
	return f.Finalize(ctx, ev)
}

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Context is a biote's handle on the runtime. It carries the biote's
// mailbox and subscription table and is passed to every handler.
type Context struct {
	id       BioteID
	name     string
	biote    Biote
	manager  *Manager
	log      logrus.FieldLogger
	blocking bool
	created  time.Time

	mailbox    mailbox
	processing atomic.Bool
	state      atomic.Int32
	executing  atomic.Bool

	handled    atomic.Uint64
	faults     atomic.Uint64
	lastActive atomic.Int64

	routesMu sync.RWMutex
	routes   map[string]BioteID

	subsMu        sync.RWMutex
	subscriptions map[string]EventHandler
}

func newContext(m *Manager, id BioteID, b Biote, opts BioteOptions) *Context {
	fields := logrus.Fields{"biote": id}
	if opts.Name != "" {
		fields["name"] = opts.Name
	}
	return &Context{
		id:            id,
		name:          opts.Name,
		biote:         b,
		manager:       m,
		log:           m.log.WithFields(fields),
		blocking:      opts.Blocking,
		created:       time.Now(),
		subscriptions: make(map[string]EventHandler),
	}
}

// ID returns the biote id.
func (c *Context) ID() BioteID {
	return c.id
}

// Name returns the name given at creation.
func (c *Context) Name() string {
	return c.name
}

// Manager returns the owning manager.
func (c *Context) Manager() *Manager {
	return c.manager
}

// Logger returns a logger tagged with the biote id.
func (c *Context) Logger() logrus.FieldLogger {
	return c.log
}

// State returns the current lifecycle state.
func (c *Context) State() BioteState {
	return BioteState(c.state.Load())
}

// Subscribe registers handler for events named name, replacing any previous
// handler. Only valid while the biote is executing.
func (c *Context) Subscribe(name string, handler EventHandler) {
	if !c.executing.Load() {
		c.log.WithError(ErrOutsideContext).WithField("event", name).Error("subscribe rejected")
		return
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if handler == nil {
		delete(c.subscriptions, name)
		return
	}
	c.subscriptions[name] = handler
}

// Unsubscribe removes the handler for name. Only valid while the biote is executing.
func (c *Context) Unsubscribe(name string) {
	if !c.executing.Load() {
		c.log.WithError(ErrOutsideContext).WithField("event", name).Error("unsubscribe rejected")
		return
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	delete(c.subscriptions, name)
}

// UnsubscribeAll removes every handler.
func (c *Context) UnsubscribeAll() {
	if !c.executing.Load() {
		c.log.WithError(ErrOutsideContext).Error("unsubscribe rejected")
		return
	}
	c.clearSubscriptions()
}

func (c *Context) clearSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subscriptions = make(map[string]EventHandler)
}

// Subscribed reports whether a handler is registered for name.
func (c *Context) Subscribed(name string) bool {
	_, ok := c.handler(name)
	return ok
}

func (c *Context) handler(name string) (EventHandler, bool) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	h, ok := c.subscriptions[name]
	return h, ok
}

// SendStimulus enqueues ev for target. Unknown targets are logged and dropped;
// the returned error is informational.
func (c *Context) SendStimulus(target BioteID, ev Event) error {
	return c.manager.SendStimulus(target, ev)
}

// StartTimer delivers ev back to this biote after delay, and then every
// delay if repeating. It returns 0 if the timer could not be armed.
func (c *Context) StartTimer(delay time.Duration, ev Event, repeating bool) TimerID {
	id, err := c.manager.StartTimer(delay, repeating, c.id, ev)
	if err != nil {
		c.log.WithError(err).WithField("event", ev.Name()).Error("start timer failed")
		return 0
	}
	return id
}

// CancelTimer cancels one of this biote's timers.
func (c *Context) CancelTimer(id TimerID) bool {
	owner, ok := c.manager.timers.owner(id)
	if !ok {
		return false
	}
	if owner != c.id {
		c.log.WithFields(logrus.Fields{"timer": id, "owner": owner}).Warn("refusing to cancel another biote's timer")
		return false
	}
	return c.manager.CancelTimer(id)
}

// Shutdown stops the biote. A graceful shutdown handles the events already
// queued before finalizing; otherwise they are discarded.
func (c *Context) Shutdown(graceful bool) {
	c.requestShutdown(graceful)
}

// SetMessageRoute redirects stimuli named name, addressed to this biote, to target.
func (c *Context) SetMessageRoute(name string, target BioteID) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()

	if c.routes == nil {
		c.routes = make(map[string]BioteID)
	}
	c.routes[name] = target
}

// ClearMessageRoute removes the route for name.
func (c *Context) ClearMessageRoute(name string) {
	c.routesMu.Lock()
	defer c.routesMu.Unlock()
	delete(c.routes, name)
}

func (c *Context) route(name string) (BioteID, bool) {
	c.routesMu.RLock()
	defer c.routesMu.RUnlock()

	target, ok := c.routes[name]
	return target, ok
}

// Stats returns a snapshot of the biote's counters.
func (c *Context) Stats() BioteStats {
	s := BioteStats{
		ID:            c.id,
		Name:          c.name,
		State:         c.State(),
		StateName:     c.State().String(),
		Blocking:      c.blocking,
		Pending:       c.mailbox.len(),
		EventsHandled: c.handled.Load(),
		HandlerFaults: c.faults.Load(),
		CreatedAt:     c.created,
	}
	if ns := c.lastActive.Load(); ns > 0 {
		s.LastActivityAt = time.Unix(0, ns)
	}
	return s
}

// enqueue appends env and marks the biote ready.
func (c *Context) enqueue(env envelope) bool {
	if !c.mailbox.push(env) {
		return false
	}
	c.manager.schedule(c)
	return true
}

// requestShutdown moves the biote to ShuttingDown and queues its finalize
// step. A later non-graceful request still discards pending stimuli.
func (c *Context) requestShutdown(graceful bool) bool {
	for {
		s := c.State()
		if s == BioteTerminated {
			return false
		}
		if s == BioteShuttingDown || c.state.CompareAndSwap(int32(s), int32(BioteShuttingDown)) {
			break
		}
	}

	final := envelope{kind: kindFinalize, event: NewSignal(EventFinalize), enqueued: time.Now()}
	if dropped := c.mailbox.seal(final, !graceful); dropped > 0 {
		c.log.WithField("dropped", dropped).Debug("discarded pending events")
		c.manager.stats.Sample(StatDropped, int64(dropped))
	}
	c.manager.schedule(c)
	return true
}

// drain dispatches mailbox entries until the mailbox is empty.
func (c *Context) drain() int {
	n := 0
	for {
		env, ok := c.mailbox.pop()
		if !ok {
			return n
		}
		c.dispatch(env)
		n++
	}
}

func (c *Context) dispatch(env envelope) {
	c.executing.Store(true)
	defer c.executing.Store(false)
	c.lastActive.Store(time.Now().UnixNano())

	switch env.kind {
	case kindInit:
		c.runInit(env.event)
	case kindFinalize:
		c.runFinalize(env.event)
	default:
		c.runStimulus(env)
	}
}

func (c *Context) runInit(ev Event) {
	c.state.CompareAndSwap(int32(BioteCreated), int32(BioteInitializing))

	if err := c.invoke(func() error { return c.biote.OnInit(c, ev) }); err != nil {
		c.logFault(err, ev.Name()).Error("biote init failed, terminating")
		c.manager.retire(c)
		return
	}
	c.state.CompareAndSwap(int32(BioteInitializing), int32(BioteRunning))
}

func (c *Context) runFinalize(ev Event) {
	if c.State() == BioteTerminated {
		return
	}
	if err := c.invoke(func() error { return c.biote.OnFinalize(c, ev) }); err != nil {
		c.logFault(err, ev.Name()).Error("biote finalize failed")
	}
	c.manager.retire(c)
}

func (c *Context) runStimulus(env envelope) {
	ev := env.event
	if c.State() == BioteTerminated {
		return
	}
	if env.timer != nil && !c.manager.timers.settle(env.timer) {
		c.log.WithFields(logrus.Fields{"event": ev.Name(), "timer": env.timer.id}).Debug("dropping cancelled timer event")
		return
	}

	handler, ok := c.handler(ev.Name())
	if !ok {
		c.log.WithField("event", ev.Name()).Debug("no handler for event")
		return
	}

	c.manager.stats.Sample(StatStimulate, time.Since(env.enqueued).Microseconds())
	c.handled.Inc()
	if err := c.invoke(func() error { return handler(c, ev) }); err != nil {
		c.faults.Inc()
		c.manager.stats.Sample(StatHandlerFault, 1)
		c.logFault(err, ev.Name()).Error("event handler failed")
	}
}

// invoke runs fn, converting a panic into a *PanicError.
func (c *Context) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func (c *Context) logFault(err error, event string) logrus.FieldLogger {
	l := c.log.WithError(err).WithField("event", event)
	if p, ok := err.(*PanicError); ok {
		l = l.WithField("stack", string(p.Stack))
	}
	return l
}
