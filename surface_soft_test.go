package hwenc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type softHarness struct {
	t       *testing.T
	surface *SoftSurface
	alloc   *Allocator
	pool    *framePool
	gen     FrameGenerator
	next    uint64
}

func newSoftHarness(t *testing.T, params SurfaceParams) *softHarness {
	ctx := context.Background()
	alloc := NewSystemAllocator()
	pool, err := newFramePool(ctx, alloc, FrameAllocRequest{Width: testWidth, Height: testHeight, NumFrames: 2})
	require.NoError(t, err)

	if params.Codec == VideoCodecUnknown {
		params.Codec = VideoCodecAVC
	}
	params.Width, params.Height = testWidth, testHeight
	if params.FrameRate == 0 {
		params.FrameRate = 30
	}
	if params.Bitrate == 0 {
		params.Bitrate = 1_000_000
	}
	params.Allocator = alloc

	s := NewSoftSurface(DefaultSoftFeatures)
	require.NoError(t, s.Init(ctx, params))
	return &softHarness{t: t, surface: s, alloc: alloc, pool: pool, gen: NewStripeGenerator(testPattern())}
}

func (h *softHarness) encode(force bool) []*SurfaceOutput {
	mid, err := h.pool.acquire()
	require.NoError(h.t, err)
	defer h.pool.release(mid)
	require.NoError(h.t, fillFrame(h.alloc, mid, h.gen.Next()))

	outs, err := h.surface.Encode(context.Background(), &SurfaceInput{FrameIndex: h.next, MemID: mid, ForceKeyframe: force})
	require.NoError(h.t, err)
	h.next++
	return outs
}

func TestSoftSurfaceGOP(t *testing.T) {
	h := newSoftHarness(t, SurfaceParams{GOPSize: 5, RefDist: 1})

	for i := 0; i < 12; i++ {
		outs := h.encode(false)
		require.Len(t, outs, 1)
		out := outs[0]
		assert.Equal(t, uint64(i), out.FrameIndex)
		assert.Equal(t, i == 0, out.Keyframe, "frame %d", i)
		assert.Equal(t, i == 0, out.Header != nil, "frame %d", i)

		nalus := SplitAnnexB(out.Data)
		slice := nalus[len(nalus)-1]
		switch {
		case i == 0:
			assert.True(t, IsIDR(VideoCodecAVC, slice))
			assert.Equal(t, out.Header, ExtractHeader(VideoCodecAVC, out.Data))
		case i%5 == 0:
			// GOP boundaries are intra coded without restarting the stream
			assert.Equal(t, uint8(avcNALSlice), NALType(VideoCodecAVC, slice))
			assert.Equal(t, byte(0x40), slice[0]&0x60)
		default:
			assert.Equal(t, uint8(avcNALSlice), NALType(VideoCodecAVC, slice))
		}
	}

	outs := h.encode(true)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Keyframe)
	assert.Nil(t, outs[0].Header)
	assert.Equal(t, 1, CountIDR(VideoCodecAVC, outs[0].Data))
}

func TestSoftSurfaceReorder(t *testing.T) {
	h := newSoftHarness(t, SurfaceParams{Codec: VideoCodecHEVC, GOPSize: 30, RefDist: 3})

	var order []uint64
	collect := func(outs []*SurfaceOutput) {
		for _, o := range outs {
			order = append(order, o.FrameIndex)
		}
	}
	for i := 0; i < 7; i++ {
		collect(h.encode(false))
	}
	// 0 is the IDR, 3 and 6 are anchors; 1 and 2 follow 3, 4 and 5 follow 6
	assert.Equal(t, []uint64{0, 3, 1, 2, 6, 4, 5}, order)

	collect(h.encode(false))
	drained, err := h.surface.Drain(context.Background())
	require.NoError(t, err)
	collect(drained)
	assert.Equal(t, []uint64{0, 3, 1, 2, 6, 4, 5, 7}, order)
}

func TestSoftSurfaceDeterministic(t *testing.T) {
	run := func() []byte {
		h := newSoftHarness(t, SurfaceParams{GOPSize: 10, RefDist: 1, RateControl: RateControlVBR})
		var out []byte
		for i := 0; i < 20; i++ {
			for _, o := range h.encode(i == 13) {
				out = append(out, o.Data...)
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestSoftSurfaceReconfigure(t *testing.T) {
	h := newSoftHarness(t, SurfaceParams{GOPSize: 30, RefDist: 1})
	h.encode(false)
	h.encode(false)

	params := h.surface.params
	params.Bitrate *= 2
	require.NoError(t, h.surface.Reconfigure(context.Background(), params))
	outs := h.encode(false)
	assert.False(t, outs[0].Keyframe, "a bitrate change keeps the stream going")

	params.Profile = ProfileAVCHigh
	require.NoError(t, h.surface.Reconfigure(context.Background(), params))
	outs = h.encode(false)
	assert.True(t, outs[0].Keyframe)
	assert.NotNil(t, outs[0].Header)

	noDynamic := NewSoftSurface(0)
	require.NoError(t, noDynamic.Init(context.Background(), params))
	changed := params
	changed.Bitrate++
	assert.ErrorIs(t, noDynamic.Reconfigure(context.Background(), changed), ErrBadValue)
}

func TestSoftSurfaceCheck(t *testing.T) {
	ctx := context.Background()
	valid := SurfaceParams{
		Codec: VideoCodecAVC, Width: 64, Height: 48, FrameRate: 30, Bitrate: 1_000_000,
		RefDist: 1, Allocator: NewSystemAllocator(),
	}

	tests := []struct {
		name     string
		features Features
		mutate   func(p *SurfaceParams)
	}{
		{"codec", DefaultSoftFeatures, func(p *SurfaceParams) { p.Codec = VideoCodecUnknown }},
		{"size", DefaultSoftFeatures, func(p *SurfaceParams) { p.Width = 0 }},
		{"frame rate", DefaultSoftFeatures, func(p *SurfaceParams) { p.FrameRate = 0 }},
		{"allocator", DefaultSoftFeatures, func(p *SurfaceParams) { p.Allocator = nil }},
		{"b-frames", 0, func(p *SurfaceParams) { p.RefDist = 2 }},
		{"vbr", 0, func(p *SurfaceParams) { p.RateControl = RateControlVBR }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.ErrorIs(t, NewSoftSurface(tt.features).Init(ctx, p), ErrBadValue)
		})
	}

	s := NewSoftSurface(DefaultSoftFeatures)
	_, err := s.Encode(ctx, &SurfaceInput{})
	assert.ErrorIs(t, err, ErrBadState)
	assert.ErrorIs(t, s.Reconfigure(ctx, valid), ErrBadState)
	require.NoError(t, s.Init(ctx, valid))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
