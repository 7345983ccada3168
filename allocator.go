package hwenc

import (
	"context"
	"fmt"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
)

// MemID identifies one allocator-owned frame buffer. Zero is never a valid id.
type MemID uint64

// Handle is the native handle of a frame buffer handed to the encode surface.
type Handle uintptr

// MemoryType selects the allocator backend.
type MemoryType int32

const (
	MemorySystem   MemoryType = iota // Go heap buffers
	MemoryGraphics                   // device buffers behind DeviceMemory
)

func (m MemoryType) String() string {
	switch m {
	case MemorySystem:
		return "system"
	case MemoryGraphics:
		return "graphics"
	default:
		return "unknown"
	}
}

// MemoryUsage is a bitmask describing the expected buffer access.
type MemoryUsage uint32

const (
	UsageCPURead MemoryUsage = 1 << iota
	UsageCPUWrite
	UsageCodecRead
	UsageCodecWrite
)

// FrameAllocRequest describes a pool of frames to reserve.
type FrameAllocRequest struct {
	Width     int
	Height    int
	Format    PixelFormat
	Usage     MemoryUsage
	NumFrames int
}

// FrameAllocResponse lists the frames reserved for one request.
type FrameAllocResponse struct {
	MemIDs []MemID
}

// FrameAllocator acquires, releases and maps frame memory.
// LockFrame and UnlockFrame bracket every direct access to a frame's planes.
type FrameAllocator interface {
	MemoryType() MemoryType
	AllocFrames(ctx context.Context, req FrameAllocRequest) (*FrameAllocResponse, error)
	FreeFrames(ctx context.Context, resp *FrameAllocResponse) error
	LockFrame(mid MemID) (*VideoFrame, error)
	UnlockFrame(mid MemID) error
	FrameHandle(mid MemID) (Handle, error)
}

// frameStorage is the memory behind one frame, provided by a backend.
type frameStorage interface {
	mapPlanes() (planes [][]byte, strides []int, err error)
	unmap() error
	handle() Handle
	free() error
}

// frameBackend is the capability set an allocator variant implements.
type frameBackend interface {
	memoryType() MemoryType
	allocFrame(req FrameAllocRequest) (frameStorage, error)
}

type allocatedFrame struct {
	storage frameStorage
	width   int
	height  int
	format  PixelFormat
	locked  bool
}

// Allocator implements FrameAllocator on top of one backend.
// It owns id assignment and lock bookkeeping; backends only move memory.
type Allocator struct {
	backend frameBackend

	mu     sync.Mutex
	frames map[MemID]*allocatedFrame
	nextID MemID
}

var _ FrameAllocator = (*Allocator)(nil)

func newAllocator(backend frameBackend) *Allocator {
	return &Allocator{
		backend: backend,
		frames:  make(map[MemID]*allocatedFrame),
	}
}

// MemoryType implements FrameAllocator.
func (a *Allocator) MemoryType() MemoryType {
	return a.backend.memoryType()
}

// AllocFrames implements FrameAllocator. A partially failed request
// releases whatever it already reserved.
func (a *Allocator) AllocFrames(ctx context.Context, req FrameAllocRequest) (*FrameAllocResponse, error) {
	if req.Width <= 0 || req.Height <= 0 || req.NumFrames <= 0 {
		return nil, fmt.Errorf("%w: invalid alloc request %dx%d x%d", ErrBadValue, req.Width, req.Height, req.NumFrames)
	}
	if req.Format.PlaneCount() == 0 {
		return nil, fmt.Errorf("%w: unsupported pixel format %s", ErrBadValue, req.Format)
	}

	storages := make([]frameStorage, 0, req.NumFrames)
	for i := 0; i < req.NumFrames; i++ {
		s, err := a.backend.allocFrame(req)
		if err != nil {
			for _, s := range storages {
				_ = s.free()
			}
			return nil, fmt.Errorf("unable to allocate frame %d of %d: %w", i, req.NumFrames, err)
		}
		storages = append(storages, s)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	resp := &FrameAllocResponse{MemIDs: make([]MemID, 0, len(storages))}
	for _, s := range storages {
		a.nextID++
		a.frames[a.nextID] = &allocatedFrame{
			storage: s,
			width:   req.Width,
			height:  req.Height,
			format:  req.Format,
		}
		resp.MemIDs = append(resp.MemIDs, a.nextID)
	}
	logger.Tracef(ctx, "allocated %d %s frames %dx%d %s", len(storages), a.MemoryType(), req.Width, req.Height, req.Format)
	return resp, nil
}

// FreeFrames implements FrameAllocator. Nothing is freed if any frame of the
// response is unknown or still locked.
func (a *Allocator) FreeFrames(ctx context.Context, resp *FrameAllocResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", ErrBadValue)
	}

	a.mu.Lock()
	for _, mid := range resp.MemIDs {
		f, ok := a.frames[mid]
		if !ok {
			a.mu.Unlock()
			return fmt.Errorf("frame %d: %w", mid, ErrUnknownFrame)
		}
		if f.locked {
			a.mu.Unlock()
			return fmt.Errorf("frame %d: %w", mid, ErrFrameLocked)
		}
	}
	storages := make([]frameStorage, 0, len(resp.MemIDs))
	for _, mid := range resp.MemIDs {
		storages = append(storages, a.frames[mid].storage)
		delete(a.frames, mid)
	}
	a.mu.Unlock()

	var result *multierror.Error
	for _, s := range storages {
		if err := s.free(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	logger.Tracef(ctx, "freed %d %s frames", len(storages), a.MemoryType())
	return result.ErrorOrNil()
}

// LockFrame implements FrameAllocator.
func (a *Allocator) LockFrame(mid MemID) (*VideoFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.frames[mid]
	if !ok {
		return nil, fmt.Errorf("frame %d: %w", mid, ErrUnknownFrame)
	}
	if f.locked {
		return nil, fmt.Errorf("frame %d: %w", mid, ErrFrameLocked)
	}
	planes, strides, err := f.storage.mapPlanes()
	if err != nil {
		return nil, fmt.Errorf("unable to map frame %d: %w", mid, err)
	}
	f.locked = true
	return &VideoFrame{
		Data:   planes,
		Stride: strides,
		Width:  f.width,
		Height: f.height,
		Format: f.format,
		MemID:  mid,
	}, nil
}

// UnlockFrame implements FrameAllocator.
func (a *Allocator) UnlockFrame(mid MemID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.frames[mid]
	if !ok {
		return fmt.Errorf("frame %d: %w", mid, ErrUnknownFrame)
	}
	if !f.locked {
		return fmt.Errorf("%w: frame %d is not locked", ErrBadState, mid)
	}
	f.locked = false
	if err := f.storage.unmap(); err != nil {
		return fmt.Errorf("unable to unmap frame %d: %w", mid, err)
	}
	return nil
}

// FrameHandle implements FrameAllocator.
func (a *Allocator) FrameHandle(mid MemID) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.frames[mid]
	if !ok {
		return 0, fmt.Errorf("frame %d: %w", mid, ErrUnknownFrame)
	}
	return f.storage.handle(), nil
}

// Owns reports whether mid was allocated here and not yet freed.
func (a *Allocator) Owns(mid MemID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.frames[mid]
	return ok
}

// framePool hands out the frames of one allocation to the scheduler.
type framePool struct {
	allocator FrameAllocator
	resp      *FrameAllocResponse

	mu   sync.Mutex
	free []MemID
}

func newFramePool(ctx context.Context, allocator FrameAllocator, req FrameAllocRequest) (*framePool, error) {
	resp, err := allocator.AllocFrames(ctx, req)
	if err != nil {
		return nil, err
	}
	p := &framePool{
		allocator: allocator,
		resp:      resp,
		free:      make([]MemID, len(resp.MemIDs)),
	}
	copy(p.free, resp.MemIDs)
	return p, nil
}

func (p *framePool) contains(mid MemID) bool {
	for _, id := range p.resp.MemIDs {
		if id == mid {
			return true
		}
	}
	return false
}

func (p *framePool) acquire() (MemID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, fmt.Errorf("%w: frame pool of %d exhausted", ErrNoMemory, len(p.resp.MemIDs))
	}
	mid := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return mid, nil
}

func (p *framePool) release(mid MemID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, mid)
}

func (p *framePool) close(ctx context.Context) error {
	return p.allocator.FreeFrames(ctx, p.resp)
}

// fillFrame copies src into the allocator frame mid. The frame is unlocked
// on every path.
func fillFrame(allocator FrameAllocator, mid MemID, src *VideoFrame) (err error) {
	dst, err := allocator.LockFrame(mid)
	if err != nil {
		return err
	}
	defer func() {
		if unlockErr := allocator.UnlockFrame(mid); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	if dst.Width != src.Width || dst.Height != src.Height || dst.Format != src.Format {
		return fmt.Errorf("%w: frame %dx%d %s does not fit pool %dx%d %s", ErrBadValue,
			src.Width, src.Height, src.Format, dst.Width, dst.Height, dst.Format)
	}
	copyPlanes(dst, src)
	return nil
}
