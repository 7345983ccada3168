package hwenc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Listener receives component events. Calls come from one dispatcher
// goroutine, in order, and never overlap.
type Listener interface {
	OnWorkDone(works []*Work)
	OnTripped(results []*SettingResult)
	OnError(err error)
}

// EventKind identifies the listener callback an Event maps to.
type EventKind int

const (
	EventWorkDone EventKind = iota
	EventTripped
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventWorkDone:
		return "work-done"
	case EventTripped:
		return "tripped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one listener notification.
type Event struct {
	Kind     EventKind
	Works    []*Work
	Failures []*SettingResult
	Err      error
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	WorkDone func(works []*Work)
	Tripped  func(results []*SettingResult)
	Error    func(err error)
}

func (f ListenerFuncs) OnWorkDone(works []*Work) {
	if f.WorkDone != nil {
		f.WorkDone(works)
	}
}

func (f ListenerFuncs) OnTripped(results []*SettingResult) {
	if f.Tripped != nil {
		f.Tripped(results)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// EventChannel is a Listener that forwards events to a channel consumed by
// the caller. Delivery blocks while the channel is full.
type EventChannel struct {
	ch chan Event
}

var _ Listener = (*EventChannel)(nil)

// NewEventChannel creates an EventChannel with the given buffer size.
func NewEventChannel(size int) *EventChannel {
	return &EventChannel{ch: make(chan Event, size)}
}

// Events returns the channel events are delivered on.
func (c *EventChannel) Events() <-chan Event { return c.ch }

func (c *EventChannel) OnWorkDone(works []*Work) {
	c.ch <- Event{Kind: EventWorkDone, Works: works}
}

func (c *EventChannel) OnTripped(results []*SettingResult) {
	c.ch <- Event{Kind: EventTripped, Failures: results}
}

func (c *EventChannel) OnError(err error) {
	c.ch <- Event{Kind: EventError, Err: err}
}

// listenerBox lets a nil Listener be stored in an atomic.Pointer.
type listenerBox struct {
	l Listener
}

// dispatcher delivers events to the current listener from its own goroutine.
type dispatcher struct {
	listener atomic.Pointer[listenerBox]
	events   chan Event

	// pending counts events accepted but not yet handed to the listener.
	mu      sync.Mutex
	pending int
	idle    *sync.Cond

	done chan struct{}
}

func newDispatcher(ctx context.Context, size int) *dispatcher {
	d := &dispatcher{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	d.listener.Store(&listenerBox{})
	go d.run(ctx)
	return d
}

func (d *dispatcher) setListener(l Listener) {
	d.listener.Store(&listenerBox{l: l})
}

func (d *dispatcher) hasListener() bool {
	return d.listener.Load().l != nil
}

// post queues ev. It blocks while the event buffer is full.
func (d *dispatcher) post(ev Event) {
	d.mu.Lock()
	d.pending++
	d.mu.Unlock()
	d.events <- ev
}

// wait blocks until every posted event reached the listener.
func (d *dispatcher) wait() {
	d.mu.Lock()
	for d.pending > 0 {
		d.idle.Wait()
	}
	d.mu.Unlock()
}

// close stops the dispatcher after the queued events were delivered.
func (d *dispatcher) close() {
	close(d.events)
	<-d.done
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for ev := range d.events {
		d.deliver(ctx, ev)
		d.mu.Lock()
		d.pending--
		if d.pending == 0 {
			d.idle.Broadcast()
		}
		d.mu.Unlock()
	}
}

func (d *dispatcher) deliver(ctx context.Context, ev Event) {
	l := d.listener.Load().l
	if l == nil {
		logger.Warnf(ctx, "dropping %s event: no listener", ev.Kind)
		return
	}
	switch ev.Kind {
	case EventWorkDone:
		l.OnWorkDone(ev.Works)
	case EventTripped:
		l.OnTripped(ev.Failures)
	case EventError:
		l.OnError(ev.Err)
	}
}
