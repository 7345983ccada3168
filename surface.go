package hwenc

import "context"

// SurfaceParams is the complete encoding configuration handed to a surface.
type SurfaceParams struct {
	Codec       VideoCodec
	Width       int
	Height      int
	Format      PixelFormat
	RateControl RateControlMethod
	FrameRate   float32
	Bitrate     uint32
	QP          FrameQPSetting
	Profile     Profile
	Level       Level
	GOPSize     int
	RefDist     int

	// Allocator owns the frames referenced by SurfaceInput.MemID.
	Allocator FrameAllocator
}

// SurfaceInput is one frame submitted for encoding.
type SurfaceInput struct {
	FrameIndex    uint64
	Timestamp     uint64
	MemID         MemID
	ForceKeyframe bool
}

// SurfaceOutput is one coded access unit.
type SurfaceOutput struct {
	FrameIndex uint64
	Data       []byte // Annex B, parameter sets included on the first output
	Keyframe   bool
	Header     []byte // parameter sets, only on the first output after Init or a header change
}

// EncodeSurface is the hardware encode session driven by a component.
// It is used from one goroutine at a time. Encode may hold frames back and
// return them from a later call or from Drain; each input produces exactly
// one output.
type EncodeSurface interface {
	Features() Features
	Init(ctx context.Context, params SurfaceParams) error
	Encode(ctx context.Context, in *SurfaceInput) ([]*SurfaceOutput, error)
	Drain(ctx context.Context) ([]*SurfaceOutput, error)
	Reconfigure(ctx context.Context, params SurfaceParams) error
	Close() error
}

// SurfaceFactory creates the encode surface of a new component.
type SurfaceFactory func(variant Variant) (EncodeSurface, error)

// SoftSurfaceFactory creates SoftSurfaces with every feature enabled.
func SoftSurfaceFactory(Variant) (EncodeSurface, error) {
	return NewSoftSurface(DefaultSoftFeatures), nil
}
