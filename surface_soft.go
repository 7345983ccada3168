package hwenc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
)

// DefaultSoftFeatures enables everything SoftSurface can do.
const DefaultSoftFeatures = FeatureBFrames | FeatureDynamicBitrate | FeatureVBR | FeatureCQP | FeatureGraphicsMemory

const (
	softMinSlice = 16 // smallest slice payload in bytes
	softQPBase   = 30 // QP at which CQP output equals the content estimate
)

// SoftSurface is a deterministic software stand-in for a hardware encode
// session. It emits well-formed Annex B access units whose sizes follow the
// configured rate control, and whose payload depends only on the frame
// content and position, so identical input yields an identical stream.
type SoftSurface struct {
	features Features
	params   SurfaceParams
	inited   bool

	header     []byte
	headerSent bool

	// frames since the last IDR, in display order
	gopPos int
	// bytes produced above the rate control target
	debt float64
	// running content activity average for VBR
	avgActivity float64

	// frames submitted since Init
	submitted uint64
	// held back until the next anchor when RefDist > 1
	pending []*pendingFrame
}

type pendingFrame struct {
	in       SurfaceInput
	pos      uint64
	activity float64
	seed     uint64
}

var _ EncodeSurface = (*SoftSurface)(nil)

// NewSoftSurface creates a surface advertising features.
func NewSoftSurface(features Features) *SoftSurface {
	return &SoftSurface{features: features}
}

// Features implements EncodeSurface.
func (s *SoftSurface) Features() Features { return s.features }

// Init implements EncodeSurface.
func (s *SoftSurface) Init(ctx context.Context, params SurfaceParams) error {
	if err := s.check(params); err != nil {
		return err
	}
	s.params = params
	s.inited = true
	s.header = s.buildHeader()
	s.headerSent = false
	s.gopPos = 0
	s.debt = 0
	s.avgActivity = 0
	s.submitted = 0
	s.pending = nil
	return nil
}

func (s *SoftSurface) check(params SurfaceParams) error {
	switch {
	case params.Codec != VideoCodecAVC && params.Codec != VideoCodecHEVC:
		return fmt.Errorf("%w: codec %s", ErrBadValue, params.Codec)
	case params.Width <= 0 || params.Height <= 0:
		return fmt.Errorf("%w: picture size %dx%d", ErrBadValue, params.Width, params.Height)
	case params.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate %g", ErrBadValue, params.FrameRate)
	case params.Allocator == nil:
		return fmt.Errorf("%w: no frame allocator", ErrBadValue)
	case params.RefDist > 1 && !s.features.Has(FeatureBFrames):
		return fmt.Errorf("%w: ref distance %d without B-frame support", ErrBadValue, params.RefDist)
	case !s.features.supportsRateControl(params.RateControl):
		return fmt.Errorf("%w: rate control %s", ErrBadValue, params.RateControl)
	}
	return nil
}

// Reconfigure implements EncodeSurface. A change of picture size, profile or
// level produces a new header and restarts the stream at an IDR.
func (s *SoftSurface) Reconfigure(ctx context.Context, params SurfaceParams) error {
	if !s.inited {
		return fmt.Errorf("%w: surface not initialized", ErrBadState)
	}
	if err := s.check(params); err != nil {
		return err
	}
	if params.Bitrate != s.params.Bitrate && !s.features.Has(FeatureDynamicBitrate) {
		return fmt.Errorf("%w: dynamic bitrate", ErrBadValue)
	}
	restart := params.Width != s.params.Width || params.Height != s.params.Height ||
		params.Profile != s.params.Profile || params.Level != s.params.Level ||
		params.Codec != s.params.Codec
	s.params = params
	if restart {
		s.header = s.buildHeader()
		s.headerSent = false
		s.gopPos = 0
	}
	return nil
}

// Encode implements EncodeSurface.
func (s *SoftSurface) Encode(ctx context.Context, in *SurfaceInput) ([]*SurfaceOutput, error) {
	if !s.inited {
		return nil, fmt.Errorf("%w: surface not initialized", ErrBadState)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	activity, seed, err := s.analyze(in.MemID)
	if err != nil {
		return nil, err
	}
	frame := &pendingFrame{in: *in, pos: s.submitted, activity: activity, seed: seed}
	s.submitted++

	if in.ForceKeyframe || !s.headerSent || s.gopPos == 0 {
		// flush held frames as forward predicted before the new IDR
		outs := s.flushPending(false)
		s.gopPos = 0
		outs = append(outs, s.code(frame, sliceIDR))
		s.gopPos++
		return outs, nil
	}

	refDist := max(s.params.RefDist, 1)
	if s.gopPos%refDist != 0 {
		s.pending = append(s.pending, frame)
		s.gopPos++
		return nil, nil
	}

	kind := slicePredicted
	if s.params.GOPSize > 0 && s.gopPos%s.params.GOPSize == 0 {
		kind = sliceIntra
	}
	outs := []*SurfaceOutput{s.code(frame, kind)}
	outs = append(outs, s.flushPending(true)...)
	s.gopPos++
	return outs, nil
}

// Drain implements EncodeSurface.
func (s *SoftSurface) Drain(ctx context.Context) ([]*SurfaceOutput, error) {
	if !s.inited {
		return nil, nil
	}
	return s.flushPending(false), nil
}

// Close implements EncodeSurface.
func (s *SoftSurface) Close() error {
	s.inited = false
	s.pending = nil
	return nil
}

func (s *SoftSurface) flushPending(bidirectional bool) []*SurfaceOutput {
	kind := slicePredicted
	if bidirectional {
		kind = sliceBidir
	}
	outs := make([]*SurfaceOutput, 0, len(s.pending))
	for _, f := range s.pending {
		outs = append(outs, s.code(f, kind))
	}
	s.pending = nil
	return outs
}

// analyze reads the luma plane of mid and returns its activity (mean
// horizontal gradient, 0..255) and a content hash.
func (s *SoftSurface) analyze(mid MemID) (activity float64, seed uint64, err error) {
	alloc := s.params.Allocator
	frame, err := alloc.LockFrame(mid)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if unlockErr := alloc.UnlockFrame(mid); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	if len(frame.Data) == 0 {
		return 0, 0, errors.New("locked frame has no planes")
	}

	h := fnv.New64a()
	var grad, samples float64
	y := frame.Data[0]
	for row := 0; row < frame.Height; row += 4 {
		line := y[row*frame.Stride[0] : row*frame.Stride[0]+frame.Width]
		h.Write(line)
		for x := 1; x < len(line); x += 2 {
			grad += math.Abs(float64(line[x]) - float64(line[x-1]))
			samples++
		}
	}
	if samples > 0 {
		activity = grad / samples
	}
	return activity, h.Sum64(), nil
}

type sliceKind int

const (
	sliceIDR sliceKind = iota
	sliceIntra
	slicePredicted
	sliceBidir
)

func (s *SoftSurface) code(f *pendingFrame, kind sliceKind) *SurfaceOutput {
	size := s.sliceSize(f, kind)

	out := &SurfaceOutput{
		FrameIndex: f.in.FrameIndex,
		Keyframe:   kind == sliceIDR,
	}
	if !s.headerSent && kind == sliceIDR {
		out.Header = append([]byte(nil), s.header...)
		out.Data = append(out.Data, s.header...)
		s.headerSent = true
	}
	out.Data = appendNAL(out.Data, s.slice(kind, f, size))
	return out
}

// sliceSize returns the payload size for one frame under the current rate control.
func (s *SoftSurface) sliceSize(f *pendingFrame, kind sliceKind) int {
	p := s.params
	if p.RateControl == RateControlCQP {
		qp := p.QP.QPP
		switch kind {
		case sliceIDR, sliceIntra:
			qp = p.QP.QPI
		case sliceBidir:
			qp = p.QP.QPB
		}
		estimate := float64(p.Width*p.Height) / 16 * (0.25 + f.activity/64)
		size := estimate * math.Pow(2, float64(softQPBase-qp)/6)
		return max(int(size), softMinSlice)
	}

	target := float64(p.Bitrate) / 8 / float64(p.FrameRate)
	want := target
	switch kind {
	case sliceIDR, sliceIntra:
		want = target * 2
	case sliceBidir:
		want = target / 2
	}
	if p.RateControl == RateControlVBR {
		if s.avgActivity == 0 {
			s.avgActivity = f.activity
		}
		s.avgActivity = 0.9*s.avgActivity + 0.1*f.activity
		if s.avgActivity > 0 {
			want *= math.Min(math.Max(f.activity/s.avgActivity, 0.5), 2)
		}
	}

	// pay back bytes spent above target, never below a quarter of it
	size := math.Max(want-s.debt, target/4)
	s.debt += size - target
	return max(int(size), softMinSlice)
}

func (s *SoftSurface) slice(kind sliceKind, f *pendingFrame, size int) []byte {
	var nalu []byte
	if s.params.Codec == VideoCodecHEVC {
		t := byte(hevcNALTrailR)
		switch kind {
		case sliceIDR:
			t = hevcNALIDRWRADL
		case sliceBidir:
			t = hevcNALTrailN
		}
		nalu = []byte{t << 1, 0x01}
	} else {
		switch kind {
		case sliceIDR:
			nalu = []byte{0x60 | avcNALIDR}
		case sliceBidir:
			nalu = []byte{avcNALSlice}
		default:
			nalu = []byte{0x40 | avcNALSlice}
		}
	}

	// payload bytes are never zero, so no emulation prevention is needed
	x := f.seed ^ (f.pos+1)*0x9E3779B97F4A7C15 ^ uint64(kind)
	header := len(nalu)
	for len(nalu)-header < size-1 {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		nalu = append(nalu, byte(x%255)+1)
	}
	return append(nalu, 0x80) // rbsp_stop_one_bit
}

func (s *SoftSurface) buildHeader() []byte {
	p := s.params
	var rbsp []byte
	rbsp = binary.BigEndian.AppendUint16(rbsp, uint16(p.Width))
	rbsp = binary.BigEndian.AppendUint16(rbsp, uint16(p.Height))
	rbsp = binary.BigEndian.AppendUint32(rbsp, uint32(math.Round(float64(p.FrameRate)*1000)))
	rbsp = append(rbsp, byte(p.GOPSize), byte(max(p.RefDist, 1)), 0x80)

	var out []byte
	if p.Codec == VideoCodecHEVC {
		vps := []byte{hevcNALVPS << 1, 0x01, 0x0C, 0x01, 0xFF, 0xFF}
		out = appendNAL(out, append(vps, 0x80))

		sps := []byte{hevcNALSPS << 1, 0x01, 0x01, p.Profile.IDC(), p.Level.IDC()}
		out = appendNAL(out, escapeRBSP(nil, append(sps, rbsp...)))

		out = appendNAL(out, []byte{hevcNALPPS << 1, 0x01, 0xC1, 0x72, 0xB4, 0x62, 0x40})
		return out
	}

	var constraints byte
	switch p.Profile {
	case ProfileAVCConstrainedBaseline:
		constraints = 0xC0 // constraint_set0 and constraint_set1
	case ProfileAVCBaseline:
		constraints = 0x80
	}
	sps := []byte{0x60 | avcNALSPS, p.Profile.IDC(), constraints, p.Level.IDC()}
	out = appendNAL(out, escapeRBSP(nil, append(sps, rbsp...)))
	out = appendNAL(out, []byte{0x60 | avcNALPPS, 0xCE, 0x3C, 0x80})
	return out
}
