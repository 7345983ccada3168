package hwenc

import "time"

// FrameGenerator produces synthetic input frames.
type FrameGenerator interface {
	// Fill writes the next picture into dst, which may be a frame locked
	// from an allocator.
	Fill(dst *VideoFrame)
	// Next allocates and returns the next picture.
	Next() *VideoFrame
	// Size returns the picture dimensions.
	Size() (width, height int)
}

// PatternConfig configures a frame generator.
type PatternConfig struct {
	Width  int         // Frame width (default: 640)
	Height int         // Frame height (default: 480)
	Format PixelFormat // Pixel format (default: NV12)
	FPS    int         // Frames per second, used for timestamps (default: 30)
}

// DefaultPatternConfig returns a default pattern configuration.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Width:  640,
		Height: 480,
		Format: PixelFormatNV12,
		FPS:    30,
	}
}

func (c *PatternConfig) applyDefaults() {
	d := DefaultPatternConfig()
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	if c.FPS <= 0 {
		c.FPS = d.FPS
	}
}

// FrameDuration returns the time between frames.
func (c PatternConfig) FrameDuration() time.Duration {
	if c.FPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.FPS)
}

type patternBase struct {
	config PatternConfig
	frame  uint64
}

func (b *patternBase) Size() (int, int) { return b.config.Width, b.config.Height }

func (b *patternBase) stamp(dst *VideoFrame) {
	dst.Timestamp = int64(b.frame) * int64(b.config.FrameDuration())
	b.frame++
}

// neutralChroma fills the chroma planes with mid grey.
func neutralChroma(dst *VideoFrame) {
	for i := 1; i < len(dst.Data); i++ {
		p := dst.Data[i]
		for j := range p {
			p[j] = 128
		}
	}
}

// StripeGenerator draws vertical luma stripes that scroll one step per frame.
// Consecutive frames differ only by the offset, so their content is highly
// predictable.
type StripeGenerator struct {
	patternBase
	stripeWidth int
}

var _ FrameGenerator = (*StripeGenerator)(nil)

// NewStripeGenerator creates a stripe generator.
func NewStripeGenerator(config PatternConfig) *StripeGenerator {
	config.applyDefaults()
	return &StripeGenerator{
		patternBase: patternBase{config: config},
		stripeWidth: max(config.Width/8, 2),
	}
}

// Fill implements FrameGenerator.
func (g *StripeGenerator) Fill(dst *VideoFrame) {
	shift := int(g.frame) * 4
	y := dst.Data[0]
	for row := 0; row < dst.Height; row++ {
		line := y[row*dst.Stride[0] : row*dst.Stride[0]+dst.Width]
		for x := range line {
			if ((x+shift)/g.stripeWidth)%2 == 0 {
				line[x] = 235
			} else {
				line[x] = 16
			}
		}
	}
	neutralChroma(dst)
	g.stamp(dst)
}

// Next implements FrameGenerator.
func (g *StripeGenerator) Next() *VideoFrame {
	f := NewVideoFrame(g.config.Width, g.config.Height, g.config.Format)
	g.Fill(f)
	return f
}

// NoiseGenerator draws grayscale noise. Every frame is new content.
type NoiseGenerator struct {
	patternBase
	rngState uint64
}

var _ FrameGenerator = (*NoiseGenerator)(nil)

// NewNoiseGenerator creates a noise generator. Equal seeds give equal frames.
func NewNoiseGenerator(config PatternConfig, seed uint64) *NoiseGenerator {
	config.applyDefaults()
	if seed == 0 {
		seed = 0x9E3779B97F4A7C15
	}
	return &NoiseGenerator{
		patternBase: patternBase{config: config},
		rngState:    seed,
	}
}

// Fill implements FrameGenerator.
func (g *NoiseGenerator) Fill(dst *VideoFrame) {
	y := dst.Data[0]
	for row := 0; row < dst.Height; row++ {
		line := y[row*dst.Stride[0] : row*dst.Stride[0]+dst.Width]
		for x := range line {
			// xorshift64
			g.rngState ^= g.rngState << 13
			g.rngState ^= g.rngState >> 7
			g.rngState ^= g.rngState << 17
			line[x] = uint8(g.rngState)
		}
	}
	neutralChroma(dst)
	g.stamp(dst)
}

// Next implements FrameGenerator.
func (g *NoiseGenerator) Next() *VideoFrame {
	f := NewVideoFrame(g.config.Width, g.config.Height, g.config.Format)
	g.Fill(f)
	return f
}
