//go:build (darwin || linux) && !nonative

// NativeSurface binds the libmedia_h264 encoder through purego.

package hwenc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	nativeH264Once    sync.Once
	nativeH264Handle  uintptr
	nativeH264InitErr error
)

// libmedia_h264 function pointers
var (
	nativeH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	nativeH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	nativeH264EncoderMaxOutputSize func(encoder uint64) int32
	nativeH264EncoderSetBitrate    func(encoder uint64, bitrateKbps int32) int32
	nativeH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	nativeH264EncoderDestroy       func(encoder uint64)
	nativeH264GetError             func() uintptr
	nativeH264EncoderAvailable     func() int32
)

// Constants from media_h264.h
const (
	nativeH264FrameI   = 0
	nativeH264FrameIDR = 3
	nativeH264OK       = 0
)

// nativeEncodeResult holds the output parameters of one encode call.
// It must be heap allocated for purego to work correctly on arm64.
type nativeEncodeResult struct {
	FrameType int32
	PTS       int64
	DTS       int64
}

func loadNativeH264() error {
	nativeH264Once.Do(func() {
		nativeH264InitErr = loadNativeH264Lib()
	})
	return nativeH264InitErr
}

func loadNativeH264Lib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_h264", "MEDIA_H264_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		nativeH264Handle = handle
		registerNativeH264Symbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

func registerNativeH264Symbols() {
	purego.RegisterLibFunc(&nativeH264EncoderCreate, nativeH264Handle, "media_h264_encoder_create")
	purego.RegisterLibFunc(&nativeH264EncoderEncode, nativeH264Handle, "media_h264_encoder_encode")
	purego.RegisterLibFunc(&nativeH264EncoderMaxOutputSize, nativeH264Handle, "media_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&nativeH264EncoderSetBitrate, nativeH264Handle, "media_h264_encoder_set_bitrate")
	purego.RegisterLibFunc(&nativeH264EncoderGetSPSPPS, nativeH264Handle, "media_h264_encoder_get_sps_pps")
	purego.RegisterLibFunc(&nativeH264EncoderDestroy, nativeH264Handle, "media_h264_encoder_destroy")
	purego.RegisterLibFunc(&nativeH264GetError, nativeH264Handle, "media_h264_get_error")
	purego.RegisterLibFunc(&nativeH264EncoderAvailable, nativeH264Handle, "media_h264_encoder_available")
}

// NativeAvailable reports whether the native AVC encoder can be loaded.
func NativeAvailable() bool {
	if err := loadNativeH264(); err != nil {
		return false
	}
	return nativeH264EncoderAvailable() != 0
}

func nativeH264Error() string {
	ptr := nativeH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// NativeSurface encodes AVC through libmedia_h264. It supports CBR with
// dynamic bitrate and forced keyframes, and never reorders.
type NativeSurface struct {
	params    SurfaceParams
	handle    uint64
	outputBuf []byte
	result    *nativeEncodeResult
	header    []byte
	sentHdr   bool

	// I420 scratch planes converted from NV12 input
	u, v []byte
}

var _ EncodeSurface = (*NativeSurface)(nil)

// NewNativeSurface loads libmedia_h264 and returns an uninitialized surface.
func NewNativeSurface() (*NativeSurface, error) {
	if err := loadNativeH264(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if nativeH264EncoderAvailable() == 0 {
		return nil, fmt.Errorf("%w: libmedia_h264 built without an encoder", ErrNotFound)
	}
	return &NativeSurface{result: &nativeEncodeResult{}}, nil
}

// NativeSurfaceFactory creates NativeSurfaces for the AVC variant.
func NativeSurfaceFactory(v Variant) (EncodeSurface, error) {
	if v.Codec() != VideoCodecAVC {
		return nil, fmt.Errorf("%w: native surface encodes AVC only", ErrBadValue)
	}
	return NewNativeSurface()
}

// Features implements EncodeSurface.
func (s *NativeSurface) Features() Features { return FeatureDynamicBitrate }

// Init implements EncodeSurface.
func (s *NativeSurface) Init(ctx context.Context, params SurfaceParams) error {
	if params.Codec != VideoCodecAVC {
		return fmt.Errorf("%w: codec %s", ErrBadValue, params.Codec)
	}
	if params.RateControl != RateControlCBR {
		return fmt.Errorf("%w: rate control %s", ErrBadValue, params.RateControl)
	}
	if params.Allocator == nil {
		return fmt.Errorf("%w: no frame allocator", ErrBadValue)
	}
	if s.handle != 0 {
		nativeH264EncoderDestroy(s.handle)
		s.handle = 0
	}

	bitrateKbps := max(int32(params.Bitrate/1000), 1)
	fps := max(int32(params.FrameRate+0.5), 1)
	handle := nativeH264EncoderCreate(int32(params.Width), int32(params.Height), fps, bitrateKbps,
		int32(params.Profile.IDC()), 0)
	if handle == 0 {
		return fmt.Errorf("%w: failed to create H.264 encoder: %s", ErrCorrupted, nativeH264Error())
	}

	maxOutput := nativeH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(params.Width * params.Height * 3 / 2)
	}
	s.params = params
	s.handle = handle
	s.outputBuf = make([]byte, maxOutput)
	s.header = s.extractHeader()
	s.sentHdr = false
	chroma := ((params.Width + 1) / 2) * ((params.Height + 1) / 2)
	s.u = make([]byte, chroma)
	s.v = make([]byte, chroma)
	return nil
}

func (s *NativeSurface) extractHeader() []byte {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	lens := &[2]int32{}

	nativeH264EncoderGetSPSPPS(
		s.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&lens[0])),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&lens[1])),
	)

	var header []byte
	for _, nal := range [][]byte{spsOut[:max(lens[0], 0)], ppsOut[:max(lens[1], 0)]} {
		if len(nal) == 0 {
			continue
		}
		if units := SplitAnnexB(nal); len(units) > 0 {
			nal = units[0]
		}
		header = appendNAL(header, nal)
	}
	return header
}

// Encode implements EncodeSurface.
func (s *NativeSurface) Encode(ctx context.Context, in *SurfaceInput) (_ []*SurfaceOutput, err error) {
	if s.handle == 0 {
		return nil, fmt.Errorf("%w: surface not initialized", ErrBadState)
	}
	alloc := s.params.Allocator
	frame, err := alloc.LockFrame(in.MemID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if unlockErr := alloc.UnlockFrame(in.MemID); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()

	y, u, v, uvStride := s.planarize(frame)
	force := int32(0)
	if in.ForceKeyframe || !s.sentHdr {
		force = 1
	}

	n := nativeH264EncoderEncode(
		s.handle,
		uintptr(unsafe.Pointer(&y[0])),
		uintptr(unsafe.Pointer(&u[0])),
		uintptr(unsafe.Pointer(&v[0])),
		int32(frame.Stride[0]),
		int32(uvStride),
		force,
		uintptr(unsafe.Pointer(&s.outputBuf[0])),
		int32(len(s.outputBuf)),
		uintptr(unsafe.Pointer(&s.result.FrameType)),
		uintptr(unsafe.Pointer(&s.result.PTS)),
		uintptr(unsafe.Pointer(&s.result.DTS)),
	)
	if n < 0 {
		return nil, fmt.Errorf("%w: encode failed: %s", ErrCorrupted, nativeH264Error())
	}

	out := &SurfaceOutput{
		FrameIndex: in.FrameIndex,
		Keyframe:   s.result.FrameType == nativeH264FrameIDR || s.result.FrameType == nativeH264FrameI,
	}
	data := s.outputBuf[:n]
	if !s.sentHdr && out.Keyframe {
		out.Header = append([]byte(nil), s.header...)
		// the library may already emit parameter sets in-band
		if units := SplitAnnexB(data); len(units) > 0 && !isParameterSet(VideoCodecAVC, units[0]) {
			out.Data = append(out.Data, s.header...)
		}
		s.sentHdr = true
	}
	out.Data = append(out.Data, data...)
	return []*SurfaceOutput{out}, nil
}

// planarize returns I420 planes for frame, converting NV12 chroma into the
// surface's scratch planes.
func (s *NativeSurface) planarize(frame *VideoFrame) (y, u, v []byte, uvStride int) {
	if frame.Format == PixelFormatI420 {
		return frame.Data[0], frame.Data[1], frame.Data[2], frame.Stride[1]
	}
	cw, ch := (frame.Width+1)/2, (frame.Height+1)/2
	uv := frame.Data[1]
	for row := 0; row < ch; row++ {
		src := uv[row*frame.Stride[1]:]
		for x := 0; x < cw; x++ {
			s.u[row*cw+x] = src[2*x]
			s.v[row*cw+x] = src[2*x+1]
		}
	}
	return frame.Data[0], s.u, s.v, cw
}

// Drain implements EncodeSurface. The library never holds frames back.
func (s *NativeSurface) Drain(ctx context.Context) ([]*SurfaceOutput, error) {
	return nil, nil
}

// Reconfigure implements EncodeSurface. Only the bitrate can change in place;
// anything else recreates the encoder.
func (s *NativeSurface) Reconfigure(ctx context.Context, params SurfaceParams) error {
	if s.handle == 0 {
		return fmt.Errorf("%w: surface not initialized", ErrBadState)
	}
	prev := s.params
	prev.Bitrate = params.Bitrate
	if prev != params {
		return s.Init(ctx, params)
	}
	if params.Bitrate != s.params.Bitrate {
		if nativeH264EncoderSetBitrate(s.handle, int32(params.Bitrate/1000)) != nativeH264OK {
			return fmt.Errorf("%w: failed to set bitrate: %s", ErrBadValue, nativeH264Error())
		}
	}
	s.params = params
	return nil
}

// Close implements EncodeSurface.
func (s *NativeSurface) Close() error {
	if s.handle != 0 {
		nativeH264EncoderDestroy(s.handle)
		s.handle = 0
	}
	return nil
}
