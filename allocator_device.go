package hwenc

import (
	"errors"
	"fmt"
)

// DeviceMemory is the port to a graphics device that owns frame surfaces.
// Implementations are supplied by the embedding application.
type DeviceMemory interface {
	AllocSurface(width, height int, format PixelFormat, usage MemoryUsage) (DeviceSurface, error)
}

// DeviceSurface is one device-resident frame.
type DeviceSurface interface {
	// Map makes the planes CPU accessible until Unmap.
	Map() (planes [][]byte, strides []int, err error)
	Unmap() error
	Handle() Handle
	Release() error
}

// NewDeviceAllocator returns an allocator handing out surfaces of dev.
func NewDeviceAllocator(dev DeviceMemory) (*Allocator, error) {
	if dev == nil {
		return nil, errors.New("device memory is nil")
	}
	return newAllocator(deviceBackend{dev: dev}), nil
}

type deviceBackend struct {
	dev DeviceMemory
}

func (deviceBackend) memoryType() MemoryType { return MemoryGraphics }

func (b deviceBackend) allocFrame(req FrameAllocRequest) (frameStorage, error) {
	s, err := b.dev.AllocSurface(req.Width, req.Height, req.Format, req.Usage)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	return deviceFrame{s}, nil
}

type deviceFrame struct {
	surface DeviceSurface
}

func (f deviceFrame) mapPlanes() ([][]byte, []int, error) {
	planes, strides, err := f.surface.Map()
	if err != nil {
		return nil, nil, err
	}
	if len(planes) != len(strides) {
		_ = f.surface.Unmap()
		return nil, nil, fmt.Errorf("%w: device returned %d planes and %d strides", ErrCorrupted, len(planes), len(strides))
	}
	return planes, strides, nil
}

func (f deviceFrame) unmap() error   { return f.surface.Unmap() }
func (f deviceFrame) handle() Handle { return f.surface.Handle() }
func (f deviceFrame) free() error    { return f.surface.Release() }
