package hwenc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentLifecycle(t *testing.T) {
	ctx := testContext(t)
	c, _ := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())

	assert.Equal(t, StateStopped, c.State())
	assert.ErrorIs(t, c.Stop(ctx), ErrBadState)

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateRunning, c.State())
	assert.ErrorIs(t, c.Start(ctx), ErrBadState)

	require.NoError(t, c.Stop(ctx))
	assert.ErrorIs(t, c.Stop(ctx), ErrBadState)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))

	require.NoError(t, c.Release(ctx))
	assert.Equal(t, StateReleased, c.State())
	assert.ErrorIs(t, c.Start(ctx), ErrBadState)
	assert.ErrorIs(t, c.Release(ctx), ErrBadState)
	assert.ErrorIs(t, c.Queue(ctx, []*Work{NewWork(0, 0, nil)}), ErrBadState)
}

func TestComponentReleaseWhileRunning(t *testing.T) {
	ctx := testContext(t)
	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())

	require.NoError(t, c.Start(ctx))
	encodeAll(t, ctx, c, l, 3, nil)
	require.NoError(t, c.Release(ctx))
	assert.Equal(t, StateReleased, c.State())
}

func TestComponentSetListener(t *testing.T) {
	ctx := testContext(t)
	c, _ := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())

	require.NoError(t, c.SetListener(ctx, nil, DontBlock))
	require.NoError(t, c.Start(ctx))
	assert.ErrorIs(t, c.SetListener(ctx, &workCollector{}, MayBlock), ErrBadState)
	require.NoError(t, c.Stop(ctx))
}

func TestComponentQueueWhileStopped(t *testing.T) {
	ctx := testContext(t)
	c, _ := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())

	err := c.Queue(ctx, []*Work{NewWork(0, 0, nil)})
	assert.ErrorIs(t, err, ErrBadState)
}

func TestComponentQueueValidation(t *testing.T) {
	ctx := testContext(t)
	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)

	gen := NewStripeGenerator(testPattern())
	noWorklet := frameWork(gen, 1)
	noWorklet.Worklets = nil
	twoBuffers := frameWork(gen, 2)
	twoBuffers.Input.Buffers = append(twoBuffers.Input.Buffers, &Buffer{Frame: gen.Next()})
	noFrame := frameWork(gen, 3)
	noFrame.Input.Buffers[0].Frame = nil

	for name, bad := range map[string]*Work{
		"nil":         nil,
		"no-worklet":  noWorklet,
		"two-buffers": twoBuffers,
		"no-frame":    noFrame,
	} {
		t.Run(name, func(t *testing.T) {
			err := c.Queue(ctx, []*Work{frameWork(gen, 0), bad})
			assert.ErrorIs(t, err, ErrBadValue)
		})
	}

	// rejected calls queue nothing
	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 0)}))
	works := l.wait(t, 1)
	assert.Len(t, works, 1)
	assert.Equal(t, uint64(1), c.Stats().WorksQueued)
}

func TestComponentEncodesInOrder(t *testing.T) {
	for _, v := range Variants() {
		t.Run(v.String(), func(t *testing.T) {
			ctx := testContext(t)
			c, l := newTestComponent(t, ctx, v, DefaultComponentOptions())
			require.NoError(t, c.Start(ctx))

			works := encodeAll(t, ctx, c, l, 40, nil)
			require.NoError(t, c.Stop(ctx))

			require.Len(t, works, 40)
			for i, w := range works {
				assert.Equal(t, StatusOK, w.Result)
				assert.Equal(t, uint64(i), w.Input.Ordinal.FrameIndex)
				assert.Equal(t, w.Input.Ordinal, w.Worklets[0].Output.Ordinal)
				assert.Equal(t, 1, w.WorkletsProcessed)
				require.Len(t, w.Worklets[0].Output.Buffers, 1)
				assert.NotEmpty(t, w.Worklets[0].Output.Buffers[0].Data)
			}
			assert.Equal(t, []uint64{0}, keyframeIndices(works))
			assert.Equal(t, 1, CountIDR(v.Codec(), bitstream(works)))

			stats := c.Stats()
			assert.Equal(t, uint64(40), stats.WorksQueued)
			assert.Equal(t, uint64(40), stats.WorksCompleted)
			assert.Equal(t, uint64(40), stats.FramesEncoded)
			assert.Equal(t, uint64(1), stats.KeyframesEncoded)
			assert.Equal(t, uint64(len(bitstream(works))), stats.BytesEncoded)
		})
	}
}

// reorderSurface holds frames back like a surface coding B-frames.
type reorderSurface struct {
	*SoftSurface
	refDist int
}

func (s *reorderSurface) Init(ctx context.Context, params SurfaceParams) error {
	params.RefDist = s.refDist
	return s.SoftSurface.Init(ctx, params)
}

func (s *reorderSurface) Reconfigure(ctx context.Context, params SurfaceParams) error {
	params.RefDist = s.refDist
	return s.SoftSurface.Reconfigure(ctx, params)
}

func TestComponentRestoresQueueOrder(t *testing.T) {
	ctx := testContext(t)
	opts := DefaultComponentOptions()
	opts.Surface = func(Variant) (EncodeSurface, error) {
		return &reorderSurface{SoftSurface: NewSoftSurface(DefaultSoftFeatures), refDist: 3}, nil
	}
	c, l := newTestComponent(t, ctx, VariantHEVC, opts)
	require.NoError(t, c.Start(ctx))

	gen := NewStripeGenerator(testPattern())
	const n = 31
	for i := uint64(0); i < n; i++ {
		w := frameWork(gen, i)
		if i == n-1 {
			w.Input.Flags |= FlagEndOfStream
		}
		require.NoError(t, c.Queue(ctx, []*Work{w}))
	}
	works := l.wait(t, n)
	require.NoError(t, c.Stop(ctx))

	for i, w := range works {
		assert.Equal(t, uint64(i), w.Input.Ordinal.FrameIndex)
		assert.Equal(t, StatusOK, w.Result)
		assert.Len(t, w.Worklets[0].Output.Buffers, 1)
	}
	assert.True(t, works[n-1].Worklets[0].Output.Flags.Has(FlagEndOfStream))
}

func TestComponentStopWhileEncoding(t *testing.T) {
	ctx := testContext(t)
	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	gen := NewNoiseGenerator(PatternConfig{Width: 320, Height: 240}, 1)

	const n = 60
	for cycle := 0; cycle < 3; cycle++ {
		l.reset()
		require.NoError(t, c.Start(ctx))

		works := make([]*Work, n)
		for i := range works {
			works[i] = frameWork(gen, uint64(i))
		}
		require.NoError(t, c.Queue(ctx, works))
		l.wait(t, 1)
		require.NoError(t, c.Stop(ctx))

		// Stop returns after every work reached the listener
		done := l.snapshot()
		require.Len(t, done, n, "cycle %d", cycle)
		statuses := map[Status]bool{}
		for i, w := range done {
			assert.Equal(t, uint64(i), w.Input.Ordinal.FrameIndex)
			statuses[w.Result] = true
		}
		assert.True(t, statuses[StatusOK], "cycle %d", cycle)
		for s := range statuses {
			assert.Contains(t, []Status{StatusOK, StatusNotFound}, s)
		}
	}
}

func TestComponentEmptyWorks(t *testing.T) {
	ctx := testContext(t)

	plain, pl := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	require.NoError(t, plain.Start(ctx))
	reference := encodeAll(t, ctx, plain, pl, 20, nil)
	require.NoError(t, plain.Stop(ctx))

	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	require.NoError(t, c.Start(ctx))
	gen := NewStripeGenerator(testPattern())
	var idx uint64
	var queued []*Work
	for i := 0; i < 20; i++ {
		if i%3 == 0 {
			queued = append(queued, NewWork(idx, idx*1000, nil))
			idx++
		}
		queued = append(queued, frameWork(gen, idx))
		idx++
	}
	for _, w := range queued {
		require.NoError(t, c.Queue(ctx, []*Work{w}))
	}
	works := l.wait(t, len(queued))
	require.NoError(t, c.Stop(ctx))

	for i, w := range works {
		assert.Same(t, queued[i], w)
		assert.Equal(t, StatusOK, w.Result)
		if w.inputFrame() == nil {
			assert.Empty(t, w.Worklets[0].Output.Buffers)
		}
	}
	assert.Equal(t, bitstream(reference), bitstream(works))
	assert.Equal(t, uint64(7), c.Stats().EmptyWorks)
}

func TestComponentIntraRefresh(t *testing.T) {
	const (
		n      = 40
		period = 7
	)
	want := []uint64{}
	for i := uint64(0); i < n; i += period {
		want = append(want, i)
	}

	t.Run("config", func(t *testing.T) {
		ctx := testContext(t)
		c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
		require.NoError(t, c.Start(ctx))

		works := encodeAll(t, ctx, c, l, n, func(i uint64) []Param {
			if i > 0 && i%period == 0 {
				failures, err := c.Intf().Config(ctx, []Param{IntraRefreshTuning{Force: true}}, MayBlock)
				require.NoError(t, err)
				require.Empty(t, failures)
			}
			return nil
		})
		require.NoError(t, c.Stop(ctx))
		assert.Equal(t, want, keyframeIndices(works))
		assert.Equal(t, len(want), CountIDR(VideoCodecAVC, bitstream(works)))
	})

	t.Run("tuning", func(t *testing.T) {
		ctx := testContext(t)
		c, l := newTestComponent(t, ctx, VariantHEVC, DefaultComponentOptions())
		require.NoError(t, c.Start(ctx))

		works := encodeAll(t, ctx, c, l, n, func(i uint64) []Param {
			if i > 0 && i%period == 0 {
				return []Param{IntraRefreshTuning{Force: true}}
			}
			return nil
		})
		require.NoError(t, c.Stop(ctx))
		assert.Equal(t, want, keyframeIndices(works))
		assert.Equal(t, len(want), CountIDR(VideoCodecHEVC, bitstream(works)))
	})

	t.Run("empty-work", func(t *testing.T) {
		ctx := testContext(t)
		c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
		require.NoError(t, c.Start(ctx))

		gen := NewStripeGenerator(testPattern())
		empty := NewWork(5, 0, nil)
		empty.Worklets[0].Tunings = []Param{IntraRefreshTuning{Force: true}}
		queued := []*Work{frameWork(gen, 0), frameWork(gen, 1), empty, frameWork(gen, 6), frameWork(gen, 7)}
		require.NoError(t, c.Queue(ctx, queued))
		works := l.wait(t, len(queued))
		require.NoError(t, c.Stop(ctx))
		assert.Equal(t, []uint64{0, 6}, keyframeIndices(works))
	})
}

func secondHalfRatio(works []*Work) float64 {
	half := len(works) / 2
	first := len(bitstream(works[:half]))
	second := len(bitstream(works[half:]))
	return float64(second) / float64(first)
}

func TestComponentDynamicBitrate(t *testing.T) {
	const n = 60

	t.Run("config", func(t *testing.T) {
		ctx := testContext(t)
		c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
		require.NoError(t, c.Start(ctx))

		works := encodeAll(t, ctx, c, l, n, func(i uint64) []Param {
			if i == n/2 {
				_, err := c.Intf().Config(ctx, []Param{BitrateInfo{Value: 2 * 2222000}}, MayBlock)
				require.NoError(t, err)
			}
			return nil
		})
		require.NoError(t, c.Stop(ctx))
		assert.InDelta(t, 2.0, secondHalfRatio(works), 0.2)
	})

	t.Run("tuning", func(t *testing.T) {
		ctx := testContext(t)
		c, l := newTestComponent(t, ctx, VariantHEVC, DefaultComponentOptions())
		require.NoError(t, c.Start(ctx))

		works := encodeAll(t, ctx, c, l, n, func(i uint64) []Param {
			if i == n/2 {
				return []Param{BitrateTuning{Value: 2 * 2222000}}
			}
			return nil
		})
		require.NoError(t, c.Stop(ctx))
		assert.InDelta(t, 2.0, secondHalfRatio(works), 0.2)

		values, err := c.Intf().Query(ctx, []ParamIndex{IndexBitrate}, MayBlock)
		require.NoError(t, err)
		assert.Equal(t, BitrateInfo{Value: 2 * 2222000}, values[0])
	})
}

func TestComponentCBRBitrate(t *testing.T) {
	for _, bitrate := range []uint32{500_000, 2_000_000, 6_000_000} {
		t.Run(fmt.Sprint(bitrate), func(t *testing.T) {
			ctx := testContext(t)
			c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
			_, err := c.Intf().Config(ctx, []Param{
				RateControlSetting{Method: RateControlCBR},
				FrameRateInfo{Value: 30},
				BitrateInfo{Value: bitrate},
			}, MayBlock)
			require.NoError(t, err)
			require.NoError(t, c.Start(ctx))

			const n = 90
			works := encodeAll(t, ctx, c, l, n, nil)
			require.NoError(t, c.Stop(ctx))

			actual := float64(len(bitstream(works))) * 30 * 8 / n
			assert.InEpsilon(t, float64(bitrate), actual, 0.1)
		})
	}
}

func TestComponentFrameQP(t *testing.T) {
	encode := func(t *testing.T, qp *FrameQPSetting) []*Work {
		ctx := testContext(t)
		c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
		params := []Param{RateControlSetting{Method: RateControlCQP}}
		if qp != nil {
			params = append(params, *qp)
		}
		_, err := c.Intf().Config(ctx, params, MayBlock)
		require.NoError(t, err)
		require.NoError(t, c.Start(ctx))
		works := encodeAll(t, ctx, c, l, 10, nil)
		require.NoError(t, c.Stop(ctx))
		return works
	}

	t.Run("invalid-rejected", func(t *testing.T) {
		reference := bitstream(encode(t, nil))
		for _, qp := range []int32{0, 100} {
			ctx := testContext(t)
			c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
			failures, err := c.Intf().Config(ctx, []Param{
				RateControlSetting{Method: RateControlCQP},
				FrameQPSetting{QPI: qp, QPP: qp, QPB: qp},
			}, MayBlock)
			assert.ErrorIs(t, err, ErrBadValue)
			require.Len(t, failures, 3)
			for n, f := range failures {
				assert.Equal(t, FailureBadValue, f.Failure)
				assert.Equal(t, []string{"qp_i", "qp_p", "qp_b"}[n], f.Field.Field)
				assert.Equal(t, ValueRange{Min: 1, Max: 51, Step: 1}, f.Values.Range)
			}
			require.NoError(t, c.Start(ctx))
			works := encodeAll(t, ctx, c, l, 10, nil)
			require.NoError(t, c.Stop(ctx))
			assert.Equal(t, reference, bitstream(works), "qp %d", qp)
		}
	})

	t.Run("higher-qp-shrinks", func(t *testing.T) {
		prev := -1
		for _, qp := range []int32{10, 20, 30, 36} {
			size := len(bitstream(encode(t, &FrameQPSetting{QPI: qp, QPP: qp, QPB: qp})))
			if prev >= 0 {
				assert.Less(t, size, prev, "qp %d", qp)
			}
			prev = size
		}
	})
}

func TestComponentHeaderOnce(t *testing.T) {
	for _, v := range Variants() {
		t.Run(v.String(), func(t *testing.T) {
			ctx := testContext(t)
			c, l := newTestComponent(t, ctx, v, DefaultComponentOptions())
			require.NoError(t, c.Start(ctx))
			works := encodeAll(t, ctx, c, l, 30, func(i uint64) []Param {
				if i == 10 {
					return []Param{IntraRefreshTuning{Force: true}}
				}
				return nil
			})
			require.NoError(t, c.Stop(ctx))

			var headers [][]byte
			for _, w := range works {
				if p, ok := w.Worklets[0].Output.ConfigParam(IndexInitData); ok {
					headers = append(headers, p.(InitDataInfo).Data)
				}
			}
			require.Len(t, headers, 1)
			assert.Equal(t, ExtractHeader(v.Codec(), outputData(works[0])), headers[0])
			_, ok := works[0].Worklets[0].Output.ConfigParam(IndexInitData)
			assert.True(t, ok)
		})
	}
}

func TestComponentPictureSize(t *testing.T) {
	ctx := testContext(t)
	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())

	var mu sync.Mutex
	var sizes []Param
	l.onWork = func(w *Work) {
		values, err := c.Intf().Query(ctx, []ParamIndex{IndexPictureSize}, MayBlock)
		if err == nil {
			mu.Lock()
			sizes = append(sizes, values[0])
			mu.Unlock()
		}
	}
	require.NoError(t, c.Start(ctx))

	failures, err := c.Intf().Config(ctx, []Param{PictureSizeInfo{Width: 320, Height: 240}}, MayBlock)
	assert.ErrorIs(t, err, ErrBadValue)
	require.Len(t, failures, 1)
	assert.Equal(t, FailureReadOnly, failures[0].Failure)

	encodeAll(t, ctx, c, l, 5, nil)

	gen := NewStripeGenerator(PatternConfig{Width: 96, Height: 64})
	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 5)}))
	works := l.wait(t, 6)
	require.NoError(t, c.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sizes, 6)
	for _, s := range sizes[:5] {
		assert.Equal(t, PictureSizeInfo{Width: testWidth, Height: testHeight}, s)
	}
	assert.Equal(t, PictureSizeInfo{Width: 96, Height: 64}, sizes[5])
	// a resolution change restarts the stream with a new header
	assert.True(t, works[5].Worklets[0].Output.Buffers[0].IsKeyframe())
	_, ok := works[5].Worklets[0].Output.ConfigParam(IndexInitData)
	assert.True(t, ok)
}

func TestComponentTripped(t *testing.T) {
	ctx := testContext(t)
	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	require.NoError(t, c.Start(ctx))

	gen := NewStripeGenerator(testPattern())
	var works []*Work
	for i := uint64(0); i < 10; i++ {
		var tunings []Param
		if i == 5 {
			tunings = []Param{BitrateTuning{Value: 1}}
		}
		works = append(works, frameWork(gen, i, tunings...))
	}
	require.NoError(t, c.Queue(ctx, works))
	done := l.wait(t, 10)

	for i, w := range done {
		switch {
		case i < 5:
			assert.Equal(t, StatusOK, w.Result, "work %d", i)
		case i == 5:
			assert.Equal(t, StatusBadValue, w.Result)
			require.Len(t, w.Worklets[0].Failures, 1)
			assert.Equal(t, ParamField{Index: IndexBitrateTuning, Field: "value"}, w.Worklets[0].Failures[0].Field)
		default:
			assert.Equal(t, StatusNotFound, w.Result, "work %d", i)
		}
	}
	l.mu.Lock()
	require.Len(t, l.tripped, 1)
	assert.Equal(t, FailureBadValue, l.tripped[0][0].Failure)
	l.mu.Unlock()

	assert.ErrorIs(t, c.Queue(ctx, []*Work{frameWork(gen, 10)}), ErrBadState)
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, uint64(1), c.Stats().Tripped)

	// a restart clears the halt
	l.reset()
	require.NoError(t, c.Start(ctx))
	encodeAll(t, ctx, c, l, 3, nil)
	require.NoError(t, c.Stop(ctx))
}

func TestComponentFlush(t *testing.T) {
	ctx := testContext(t)
	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())

	_, err := c.Flush(ctx)
	assert.ErrorIs(t, err, ErrBadState)

	require.NoError(t, c.Start(ctx))
	gen := NewNoiseGenerator(PatternConfig{Width: 320, Height: 240}, 7)
	const n = 40
	queued := make([]*Work, n)
	for i := range queued {
		queued[i] = frameWork(gen, uint64(i))
	}
	require.NoError(t, c.Queue(ctx, queued))

	flushed, err := c.Flush(ctx)
	require.NoError(t, err)
	for _, w := range flushed {
		assert.Equal(t, StatusNotFound, w.Result)
	}
	delivered := l.wait(t, n-len(flushed))

	seen := map[*Work]bool{}
	for _, w := range append(delivered, flushed...) {
		assert.False(t, seen[w], "work %d returned twice", w.Input.Ordinal.FrameIndex)
		seen[w] = true
	}
	assert.Len(t, seen, n)
	for _, w := range delivered {
		assert.Equal(t, StatusOK, w.Result)
	}

	// the component keeps running after a flush
	more := encodeAll(t, ctx, c, l, 2, nil)
	assert.Equal(t, StatusOK, more[0].Result)
	require.NoError(t, c.Stop(ctx))
}

func TestComponentLockedParamsWhileRunning(t *testing.T) {
	ctx := testContext(t)
	c, _ := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)

	failures, err := c.Intf().Config(ctx, []Param{
		RateControlSetting{Method: RateControlVBR},
		ProfileSetting{Profile: ProfileAVCHigh},
		FrameRateInfo{Value: 60},
		BitrateInfo{Value: 1_000_000},
	}, MayBlock)
	assert.ErrorIs(t, err, ErrBadValue)
	require.Len(t, failures, 3)
	for _, f := range failures {
		assert.Equal(t, FailureReadOnly, f.Failure)
	}

	values, err := c.Intf().Query(ctx, []ParamIndex{IndexRateControl, IndexBitrate}, MayBlock)
	require.NoError(t, err)
	assert.Equal(t, RateControlSetting{Method: RateControlCBR}, values[0])
	assert.Equal(t, BitrateInfo{Value: 1_000_000}, values[1])
}

// blockingSurface blocks every Encode until release is closed.
type blockingSurface struct {
	*SoftSurface
	started chan struct{}
	release chan struct{}
	once    sync.Once
	failErr error
}

func (s *blockingSurface) Encode(ctx context.Context, in *SurfaceInput) ([]*SurfaceOutput, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.failErr != nil {
		return nil, s.failErr
	}
	return s.SoftSurface.Encode(ctx, in)
}

func newBlockingSurface() *blockingSurface {
	return &blockingSurface{
		SoftSurface: NewSoftSurface(DefaultSoftFeatures),
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func TestComponentMaxPending(t *testing.T) {
	ctx := testContext(t)
	surface := newBlockingSurface()
	opts := DefaultComponentOptions()
	opts.MaxPending = 2
	opts.Surface = func(Variant) (EncodeSurface, error) { return surface, nil }
	c, l := newTestComponent(t, ctx, VariantAVC, opts)
	require.NoError(t, c.Start(ctx))

	gen := NewStripeGenerator(testPattern())
	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 0)}))
	<-surface.started

	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 1), frameWork(gen, 2)}))
	assert.ErrorIs(t, c.Queue(ctx, []*Work{frameWork(gen, 3)}), ErrBlocking)

	close(surface.release)
	works := l.wait(t, 3)
	for _, w := range works {
		assert.Equal(t, StatusOK, w.Result)
	}
	require.NoError(t, c.Stop(ctx))
}

func TestComponentSurfaceError(t *testing.T) {
	ctx := testContext(t)
	surface := newBlockingSurface()
	surface.failErr = errors.New("device lost")
	close(surface.release)
	opts := DefaultComponentOptions()
	opts.Surface = func(Variant) (EncodeSurface, error) { return surface, nil }
	c, l := newTestComponent(t, ctx, VariantAVC, opts)
	require.NoError(t, c.Start(ctx))

	gen := NewStripeGenerator(testPattern())
	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 0), frameWork(gen, 1)}))
	works := l.wait(t, 2)
	assert.Equal(t, StatusCorrupted, works[0].Result)
	assert.Equal(t, StatusNotFound, works[1].Result)

	l.mu.Lock()
	require.Len(t, l.errs, 1)
	assert.ErrorContains(t, l.errs[0], "device lost")
	l.mu.Unlock()

	assert.ErrorIs(t, c.Queue(ctx, []*Work{frameWork(gen, 2)}), ErrBadState)
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, uint64(1), c.Stats().Errors)
}

// refusingSurface rejects every reconfiguration.
type refusingSurface struct {
	*SoftSurface
}

func (s *refusingSurface) Reconfigure(context.Context, SurfaceParams) error {
	return errors.New("reconfigure refused")
}

func TestComponentReconfigureError(t *testing.T) {
	ctx := testContext(t)
	opts := DefaultComponentOptions()
	opts.Surface = func(Variant) (EncodeSurface, error) {
		return &refusingSurface{SoftSurface: NewSoftSurface(DefaultSoftFeatures)}, nil
	}
	c, l := newTestComponent(t, ctx, VariantAVC, opts)
	require.NoError(t, c.Start(ctx))

	gen := NewStripeGenerator(testPattern())
	require.NoError(t, c.Queue(ctx, []*Work{
		frameWork(gen, 0),
		frameWork(gen, 1, BitrateTuning{Value: 4_000_000}),
		frameWork(gen, 2),
	}))
	works := l.wait(t, 3)

	var order []uint64
	var results []Status
	for _, w := range works {
		order = append(order, w.Input.Ordinal.FrameIndex)
		results = append(results, w.Result)
	}
	assert.Equal(t, []uint64{0, 1, 2}, order)
	assert.Equal(t, []Status{StatusOK, StatusCorrupted, StatusNotFound}, results)
	assert.Empty(t, works[1].Worklets[0].Output.Buffers)

	l.mu.Lock()
	require.Len(t, l.errs, 1)
	assert.ErrorContains(t, l.errs[0], "reconfigure refused")
	l.mu.Unlock()
	require.NoError(t, c.Stop(ctx))
}

func TestComponentStopTimeout(t *testing.T) {
	ctx := testContext(t)
	surface := newBlockingSurface()
	opts := DefaultComponentOptions()
	opts.Surface = func(Variant) (EncodeSurface, error) { return surface, nil }
	c, l := newTestComponent(t, ctx, VariantAVC, opts)
	require.NoError(t, c.Start(ctx))

	gen := NewStripeGenerator(testPattern())
	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 0)}))
	<-surface.started

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(stopCtx), ErrTimedOut)

	// the old worker is still encoding
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := c.Start(startCtx)
	assert.ErrorIs(t, err, ErrBadState)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, StateStopped, c.State())

	releaseCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Release(releaseCtx), ErrTimedOut)
	assert.Equal(t, StateStopped, c.State())

	c.mu.Lock()
	old := c.session
	c.mu.Unlock()
	require.NotNil(t, old)

	close(surface.release)
	works := l.wait(t, 1)
	assert.Equal(t, StatusOK, works[0].Result)

	// Start waits for the old worker before launching a new one
	require.NoError(t, c.Start(ctx))
	select {
	case <-old.done:
	default:
		t.Fatal("previous worker still running after Start")
	}
	c.mu.Lock()
	assert.NotSame(t, old, c.session)
	c.mu.Unlock()

	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 1)}))
	works = l.wait(t, 2)
	assert.Equal(t, StatusOK, works[1].Result)
	require.NoError(t, c.Stop(ctx))
}

func TestComponentReleaseAfterStopTimeout(t *testing.T) {
	ctx := testContext(t)
	surface := newBlockingSurface()
	opts := DefaultComponentOptions()
	opts.Surface = func(Variant) (EncodeSurface, error) { return surface, nil }
	c, l := newTestComponent(t, ctx, VariantAVC, opts)
	require.NoError(t, c.Start(ctx))

	gen := NewStripeGenerator(testPattern())
	require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, 0)}))
	<-surface.started

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Stop(stopCtx), ErrTimedOut)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(surface.release)
	}()
	require.NoError(t, c.Release(ctx))
	assert.Equal(t, StateReleased, c.State())
	assert.Equal(t, 1, l.count())
}

func TestComponentZeroCopyInput(t *testing.T) {
	ctx := testContext(t)
	c, l := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	alloc, ok := c.Allocator(MemorySystem)
	require.True(t, ok)

	resp, err := alloc.AllocFrames(ctx, FrameAllocRequest{
		Width: testWidth, Height: testHeight, Format: PixelFormatNV12, NumFrames: 2,
	})
	require.NoError(t, err)
	gen := NewStripeGenerator(testPattern())
	var frames []*VideoFrame
	for _, mid := range resp.MemIDs {
		f, err := alloc.LockFrame(mid)
		require.NoError(t, err)
		gen.Fill(f)
		require.NoError(t, alloc.UnlockFrame(mid))
		frames = append(frames, f)
	}

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Queue(ctx, []*Work{NewWork(0, 0, frames[0]), NewWork(1, 1, frames[1])}))
	works := l.wait(t, 2)
	require.NoError(t, c.Stop(ctx))

	reference, rl := newTestComponent(t, ctx, VariantAVC, DefaultComponentOptions())
	require.NoError(t, reference.Start(ctx))
	copied := encodeAll(t, ctx, reference, rl, 2, nil)
	require.NoError(t, reference.Stop(ctx))

	assert.Equal(t, bitstream(copied), bitstream(works))
	require.NoError(t, alloc.FreeFrames(ctx, resp))
}
