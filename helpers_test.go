package hwenc

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 64
	testHeight = 48
	waitFor    = 10 * time.Second
)

func testContext(t *testing.T) context.Context {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	t.Cleanup(func() {
		cancel()
		belt.Flush(ctx)
	})
	return ctx
}

// workCollector records every listener event.
type workCollector struct {
	mu      sync.Mutex
	works   []*Work
	tripped [][]*SettingResult
	errs    []error
	// onWork runs on the dispatcher goroutine for each completed work
	onWork func(w *Work)
}

var _ Listener = (*workCollector)(nil)

func (c *workCollector) OnWorkDone(works []*Work) {
	c.mu.Lock()
	c.works = append(c.works, works...)
	fn := c.onWork
	c.mu.Unlock()
	if fn != nil {
		for _, w := range works {
			fn(w)
		}
	}
}

func (c *workCollector) OnTripped(results []*SettingResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tripped = append(c.tripped, results)
}

func (c *workCollector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *workCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.works)
}

func (c *workCollector) snapshot() []*Work {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Work, len(c.works))
	copy(out, c.works)
	return out
}

func (c *workCollector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.works = nil
	c.tripped = nil
	c.errs = nil
}

func (c *workCollector) wait(t *testing.T, n int) []*Work {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n }, waitFor, time.Millisecond,
		"expected %d completed works", n)
	return c.snapshot()
}

func newTestComponent(t *testing.T, ctx context.Context, v Variant, opts ComponentOptions) (*Component, *workCollector) {
	t.Helper()
	c, err := NewComponent(ctx, v, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if c.State() != StateReleased {
			require.NoError(t, c.Release(ctx))
		}
	})
	l := &workCollector{}
	require.NoError(t, c.SetListener(ctx, l, MayBlock))
	return c, l
}

func testPattern() PatternConfig {
	return PatternConfig{Width: testWidth, Height: testHeight, Format: PixelFormatNV12, FPS: 30}
}

// frameWork returns a work for frame i of gen with tunings attached.
func frameWork(gen FrameGenerator, i uint64, tunings ...Param) *Work {
	w := NewWork(i, i*33333, gen.Next())
	w.Worklets[0].Tunings = tunings
	return w
}

// encodeAll queues n frames one by one and waits for their completion.
// before runs ahead of queueing frame i.
func encodeAll(t *testing.T, ctx context.Context, c *Component, l *workCollector, n int, before func(i uint64) []Param) []*Work {
	t.Helper()
	gen := NewStripeGenerator(testPattern())
	start := l.count()
	for i := 0; i < n; i++ {
		var tunings []Param
		if before != nil {
			tunings = before(uint64(i))
		}
		require.NoError(t, c.Queue(ctx, []*Work{frameWork(gen, uint64(i), tunings...)}))
	}
	return l.wait(t, start+n)[start:]
}

func outputData(w *Work) []byte {
	var out []byte
	for _, b := range w.Worklets[0].Output.Buffers {
		out = append(out, b.Data...)
	}
	return out
}

func bitstream(works []*Work) []byte {
	var buf bytes.Buffer
	for _, w := range works {
		buf.Write(outputData(w))
	}
	return buf.Bytes()
}

func keyframeIndices(works []*Work) []uint64 {
	var idx []uint64
	for _, w := range works {
		for _, b := range w.Worklets[0].Output.Buffers {
			if b.IsKeyframe() {
				idx = append(idx, w.Input.Ordinal.FrameIndex)
			}
		}
	}
	return idx
}
