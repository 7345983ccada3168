package hwenc

import (
	"context"
	"fmt"
	"sync"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
)

// State is the lifecycle state of a component.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ComponentOptions configures a component.
type ComponentOptions struct {
	Surface     SurfaceFactory // Encode surface factory (nil = SoftSurfaceFactory)
	Device      DeviceMemory   // Enables MemoryGraphics when the surface supports it
	PoolSize    int            // Frames per allocator pool
	MaxPending  int            // Queued works not yet started (0 = no limit)
	EventBuffer int            // Listener events buffered before posting blocks
}

// DefaultComponentOptions returns the default component options.
func DefaultComponentOptions() ComponentOptions {
	return ComponentOptions{
		Surface:     SoftSurfaceFactory,
		PoolSize:    4,
		MaxPending:  0,
		EventBuffer: 16,
	}
}

// queueEntry is one position of the work queue.
type queueEntry struct {
	work   *Work
	config []Param       // applied when the entry is reached
	flush  chan struct{} // closed once the surface was drained
}

// Component is an asynchronous encoder component. Works queued while running
// are encoded in order by one worker goroutine and returned through the
// listener in the order they were queued.
type Component struct {
	ctx        context.Context
	id         uuid.UUID
	variant    Variant
	opts       ComponentOptions
	intf       *Interface
	surface    EncodeSurface
	allocators map[MemoryType]*Allocator
	events     *dispatcher
	stats      statsCounters

	// opMu serializes state transitions and SetListener.
	opMu sync.Mutex

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	queue []queueEntry
	// halted is set once the session stopped on a failure
	halted bool
	// session stays set until its worker exited, even when Stop timed out
	session *session
}

// NewComponent creates a stopped component of the given variant.
func NewComponent(ctx context.Context, variant Variant, opts ComponentOptions) (*Component, error) {
	if variant >= variantCount {
		return nil, fmt.Errorf("%w: variant %d", ErrNotFound, variant)
	}
	if opts.Surface == nil {
		opts.Surface = SoftSurfaceFactory
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultComponentOptions().PoolSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultComponentOptions().EventBuffer
	}

	surface, err := opts.Surface(variant)
	if err != nil {
		return nil, fmt.Errorf("unable to create the encode surface for %s: %w", variant, err)
	}

	id := uuid.New()
	ctx = belt.WithField(ctx, "component", variant.String())
	ctx = belt.WithField(ctx, "component_id", id.String())

	allocators := map[MemoryType]*Allocator{MemorySystem: NewSystemAllocator()}
	memoryTypes := []MemoryType{MemorySystem}
	if opts.Device != nil && surface.Features().Has(FeatureGraphicsMemory) {
		alloc, err := NewDeviceAllocator(opts.Device)
		if err != nil {
			return nil, err
		}
		allocators[MemoryGraphics] = alloc
		memoryTypes = append(memoryTypes, MemoryGraphics)
	}

	c := &Component{
		ctx:        ctx,
		id:         id,
		variant:    variant,
		opts:       opts,
		intf:       newInterface(variant, id, surface.Features(), memoryTypes),
		surface:    surface,
		allocators: allocators,
		events:     newDispatcher(ctx, opts.EventBuffer),
	}
	c.cond = sync.NewCond(&c.mu)
	c.intf.setNotify(c.onConfig)
	logger.Debugf(ctx, "created %s with surface features 0x%x", variant, uint32(surface.Features()))
	return c, nil
}

// Name returns the component name.
func (c *Component) Name() string { return c.variant.String() }

// ID returns the component instance id.
func (c *Component) ID() uuid.UUID { return c.id }

// Intf returns the parameter registry.
func (c *Component) Intf() *Interface { return c.intf }

// Allocator returns the allocator used for the given memory type, if any.
// Frames locked from it are encoded without a copy.
func (c *Component) Allocator(t MemoryType) (*Allocator, bool) {
	a, ok := c.allocators[t]
	return a, ok
}

// State returns the current lifecycle state.
func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the component statistics.
func (c *Component) Stats() ComponentStats {
	return c.stats.snapshot()
}

// SetListener sets the receiver of component events. It is only allowed
// while stopped.
func (c *Component) SetListener(ctx context.Context, l Listener, mayBlock Blocking) error {
	if mayBlock {
		c.opMu.Lock()
	} else if !c.opMu.TryLock() {
		return fmt.Errorf("%w: component is changing state", ErrBlocking)
	}
	defer c.opMu.Unlock()

	if st := c.State(); st != StateStopped {
		return fmt.Errorf("%w: cannot set the listener while %s", ErrBadState, st)
	}
	c.events.setListener(l)
	return nil
}

// Start moves a stopped component to running. When a previous Stop timed
// out, Start first waits for that worker to exit.
func (c *Component) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if st := c.State(); st != StateStopped {
		return fmt.Errorf("%w: cannot start while %s", ErrBadState, st)
	}
	if err := c.awaitSession(ctx); err != nil {
		return fmt.Errorf("%w: previous session still running: %w", ErrBadState, err)
	}

	c.mu.Lock()
	c.state = StateRunning
	c.halted = false
	c.queue = nil
	c.mu.Unlock()

	// Config calls made from here on are delivered as queue markers.
	base := c.intf.startSession()

	s := newSession(c, base)
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	if !c.events.hasListener() {
		logger.Warnf(ctx, "%s started without a listener", c.Name())
	}
	go s.run()
	logger.Debugf(ctx, "%s started", c.Name())
	return nil
}

// Stop moves a running component to stopped. The work being encoded and
// the works held by the surface complete normally; works not yet started
// are returned with StatusNotFound. Stop returns once the listener received
// every completion.
func (c *Component) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Component) stopLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrBadState, st)
	}
	c.state = StateStopped
	c.session.stopping = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.intf.setRunning(false)

	if err := c.awaitSession(ctx); err != nil {
		return err
	}
	logger.Debugf(ctx, "%s stopped", c.Name())
	return nil
}

// awaitSession waits until the worker of the stopping session exited and
// the listener received its completions, then forgets the session.
func (c *Component) awaitSession(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for the worker: %w", ErrTimedOut, ctx.Err())
	}
	c.events.wait()

	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
	return nil
}

// Flush returns every work not yet started with StatusNotFound and drains
// the surface. Works held by the surface complete through the listener.
func (c *Component) Flush(ctx context.Context) ([]*Work, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateRunning {
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot flush while %s", ErrBadState, st)
	}
	var flushed []*Work
	kept := c.queue[:0]
	for _, e := range c.queue {
		if e.work != nil {
			flushed = append(flushed, e.work)
			continue
		}
		kept = append(kept, e)
	}
	done := make(chan struct{})
	c.queue = append(kept, queueEntry{flush: done})
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, w := range flushed {
		w.complete(StatusNotFound)
		c.stats.countResult(StatusNotFound)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return flushed, fmt.Errorf("%w: waiting for the surface drain: %w", ErrTimedOut, ctx.Err())
	}
	logger.Debugf(ctx, "%s flushed %d works", c.Name(), len(flushed))
	return flushed, nil
}

// Queue submits works for encoding. The call never waits for the encoder.
// Every work is validated first; an invalid work rejects the whole call.
func (c *Component) Queue(ctx context.Context, works []*Work) error {
	for n, w := range works {
		if err := w.validate(); err != nil {
			return fmt.Errorf("work %d: %w", n, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return fmt.Errorf("%w: cannot queue while %s", ErrBadState, c.state)
	}
	if c.halted {
		return fmt.Errorf("%w: component halted after a failure, restart it", ErrBadState)
	}
	if c.opts.MaxPending > 0 && c.pendingWorksLocked()+len(works) > c.opts.MaxPending {
		return fmt.Errorf("%w: %d works pending", ErrBlocking, c.pendingWorksLocked())
	}
	for _, w := range works {
		w.Result = StatusOK
		w.WorkletsProcessed = 0
		c.queue = append(c.queue, queueEntry{work: w})
		if w.inputFrame() == nil {
			c.stats.emptyWorks.Add(1)
		}
	}
	c.stats.worksQueued.Add(uint64(len(works)))
	c.cond.Broadcast()
	logger.Tracef(ctx, "queued %d works", len(works))
	return nil
}

func (c *Component) pendingWorksLocked() int {
	n := 0
	for _, e := range c.queue {
		if e.work != nil {
			n++
		}
	}
	return n
}

// onConfig turns a Config made while running into a queue marker.
func (c *Component) onConfig(ctx context.Context, applied []Param) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}
	c.queue = append(c.queue, queueEntry{config: applied})
	c.cond.Broadcast()
	logger.Tracef(ctx, "queued config marker with %d params", len(applied))
}

// next blocks until an entry is available for s. It returns false once s
// is stopping.
func (c *Component) next(s *session) (queueEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !s.stopping {
		c.cond.Wait()
	}
	if s.stopping {
		return queueEntry{}, false
	}
	e := c.queue[0]
	c.queue[0] = queueEntry{}
	c.queue = c.queue[1:]
	return e, true
}

// halt rejects further works and returns the queued ones.
func (c *Component) halt() []*Work {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halted = true
	return c.takeWorksLocked()
}

// takeRemaining empties the queue after the worker stopped.
func (c *Component) takeRemaining() []*Work {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeWorksLocked()
}

func (c *Component) takeWorksLocked() []*Work {
	var works []*Work
	kept := c.queue[:0]
	for _, e := range c.queue {
		switch {
		case e.work != nil:
			works = append(works, e.work)
		case e.flush != nil:
			kept = append(kept, e)
		}
	}
	c.queue = kept
	return works
}

// Release stops the component if needed and frees its resources. A released
// component rejects every operation.
func (c *Component) Release(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() == StateRunning {
		if err := c.stopLocked(ctx); err != nil {
			return err
		}
	}
	// the surface must outlive a worker left behind by a timed out Stop
	if err := c.awaitSession(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateReleased {
		c.mu.Unlock()
		return fmt.Errorf("%w: already released", ErrBadState)
	}
	c.state = StateReleased
	c.mu.Unlock()

	c.events.close()
	if err := c.surface.Close(); err != nil {
		return fmt.Errorf("unable to close the encode surface: %w", err)
	}
	logger.Debugf(ctx, "%s released", c.Name())
	return nil
}
