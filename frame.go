// Core frame types used across the package.
package hwenc

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatNV12 PixelFormat = iota // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatI420                    // YUV 4:2:0 planar (Y + U + V)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatI420:
		return "I420"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatI420:
		return 3 // Y, U, V
	default:
		return 0
	}
}

// planeGeometry returns stride and row count of plane i for a frame
// of the given luma pitch and height.
func (p PixelFormat) planeGeometry(i, pitch, height int) (stride, rows int) {
	if i == 0 {
		return pitch, height
	}
	switch p {
	case PixelFormatNV12:
		return pitch, (height + 1) / 2
	case PixelFormatI420:
		return (pitch + 1) / 2, (height + 1) / 2
	}
	return 0, 0
}

// FrameSize returns the total buffer size of a frame with the given luma pitch.
func (p PixelFormat) FrameSize(pitch, height int) int {
	total := 0
	for i := 0; i < p.PlaneCount(); i++ {
		stride, rows := p.planeGeometry(i, pitch, height)
		total += stride * rows
	}
	return total
}

// VideoFrame represents a raw video frame.
// The Data slices may point to allocator-owned memory; such frames carry
// the MemID they were locked from.
type VideoFrame struct {
	Data      [][]byte    // Plane data (2-3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Capture timestamp in nanoseconds
	MemID     MemID       // Allocator frame backing Data, 0 when caller owned
}

// NewVideoFrame allocates a tightly packed frame on the Go heap.
func NewVideoFrame(width, height int, format PixelFormat) *VideoFrame {
	f := &VideoFrame{
		Data:   make([][]byte, format.PlaneCount()),
		Stride: make([]int, format.PlaneCount()),
		Width:  width,
		Height: height,
		Format: format,
	}
	for i := range f.Data {
		stride, rows := format.planeGeometry(i, width, height)
		f.Stride[i] = stride
		f.Data[i] = make([]byte, stride*rows)
	}
	return f
}

// copyPlanes copies the visible area of src into dst.
// Both frames must share format and dimensions; strides may differ.
func copyPlanes(dst, src *VideoFrame) {
	for i := 0; i < len(src.Data) && i < len(dst.Data); i++ {
		rowBytes, rows := src.Format.planeGeometry(i, src.Width, src.Height)
		for y := 0; y < rows; y++ {
			s := src.Data[i][y*src.Stride[i]:]
			d := dst.Data[i][y*dst.Stride[i]:]
			copy(d[:rowBytes], s[:rowBytes])
		}
	}
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // IDR frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds one access unit of coded video in Annex B format.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key or delta frame
	Timestamp uint32    // RTP timestamp (90kHz clock for video)
	Duration  uint32    // Duration in RTP timestamp units
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}
