package hwenc

import "unsafe"

// systemPitchAlign is the row alignment of system memory frames.
const systemPitchAlign = 64

// NewSystemAllocator returns an allocator backed by the Go heap.
func NewSystemAllocator() *Allocator {
	return newAllocator(systemBackend{})
}

type systemBackend struct{}

func (systemBackend) memoryType() MemoryType { return MemorySystem }

func (systemBackend) allocFrame(req FrameAllocRequest) (frameStorage, error) {
	pitch := alignUp(req.Width, systemPitchAlign)
	buf := make([]byte, req.Format.FrameSize(pitch, req.Height))

	f := &systemFrame{buf: buf}
	off := 0
	for i := 0; i < req.Format.PlaneCount(); i++ {
		stride, rows := req.Format.planeGeometry(i, pitch, req.Height)
		f.planes = append(f.planes, buf[off:off+stride*rows:off+stride*rows])
		f.strides = append(f.strides, stride)
		off += stride * rows
	}
	return f, nil
}

// systemFrame keeps all planes in one contiguous buffer.
type systemFrame struct {
	buf     []byte
	planes  [][]byte
	strides []int
}

func (f *systemFrame) mapPlanes() ([][]byte, []int, error) {
	return f.planes, f.strides, nil
}

func (f *systemFrame) unmap() error { return nil }

func (f *systemFrame) handle() Handle {
	return Handle(uintptr(unsafe.Pointer(&f.buf[0])))
}

func (f *systemFrame) free() error {
	f.buf, f.planes, f.strides = nil, nil, nil
	return nil
}

func alignUp(v, align int) int {
	return (v + align - 1) / align * align
}
