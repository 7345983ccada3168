package hwenc

import "fmt"

// Ordinal positions a work item in the stream.
type Ordinal struct {
	Timestamp     uint64 // presentation time in microseconds
	FrameIndex    uint64 // client-assigned, unique within a session
	CustomOrdinal uint64
}

// FrameFlags qualify a BufferPack.
type FrameFlags uint32

const (
	FlagEndOfStream FrameFlags = 1 << iota // last work of the stream
	FlagCodecConfig                        // buffer holds codec config only
	FlagDropFrame                          // input produced no output
)

// Has reports whether all bits of flag are set.
func (f FrameFlags) Has(flag FrameFlags) bool { return f&flag == flag }

// Buffer is one input frame or one coded output unit.
type Buffer struct {
	Frame *VideoFrame // raw input, nil for coded output
	Data  []byte      // coded output in Annex B format
	Infos []Param     // per-buffer info such as PictureTypeInfo
}

// Info returns the first info with the given index.
func (b *Buffer) Info(idx ParamIndex) (Param, bool) {
	for _, p := range b.Infos {
		if p.Index() == idx {
			return p, true
		}
	}
	return nil, false
}

// IsKeyframe reports whether the buffer is tagged as a sync frame.
func (b *Buffer) IsKeyframe() bool {
	p, ok := b.Info(IndexPictureType)
	return ok && p.(PictureTypeInfo).Key
}

// BufferPack groups buffers sharing flags and ordinal.
type BufferPack struct {
	Flags        FrameFlags
	Ordinal      Ordinal
	Buffers      []*Buffer
	ConfigUpdate []Param // parameters that changed with this pack
}

// ConfigParam returns the first config update with the given index.
func (p *BufferPack) ConfigParam(idx ParamIndex) (Param, bool) {
	for _, c := range p.ConfigUpdate {
		if c.Index() == idx {
			return c, true
		}
	}
	return nil, false
}

// Worklet is one processing step of a Work.
type Worklet struct {
	Tunings  []Param          // applied before this work is encoded
	Failures []*SettingResult // tunings that were rejected
	Output   BufferPack
}

// Work is the unit queued to a component and returned through the listener.
type Work struct {
	Input             BufferPack
	Worklets          []*Worklet
	WorkletsProcessed int
	Result            Status
}

// NewWork returns a work with one empty worklet for the given input frame.
// frame may be nil for an empty work.
func NewWork(frameIndex uint64, timestamp uint64, frame *VideoFrame) *Work {
	w := &Work{
		Input: BufferPack{
			Ordinal: Ordinal{Timestamp: timestamp, FrameIndex: frameIndex},
		},
		Worklets: []*Worklet{{}},
	}
	if frame != nil {
		w.Input.Buffers = []*Buffer{{Frame: frame}}
	}
	return w
}

var (
	errNilWork      = fmt.Errorf("%w: nil work", ErrBadValue)
	errNoWorklet    = fmt.Errorf("%w: work needs at least one worklet", ErrBadValue)
	errInputBuffers = fmt.Errorf("%w: work carries more than one input buffer", ErrBadValue)
	errInputFrame   = fmt.Errorf("%w: input buffer has no frame", ErrBadValue)
)

func (w *Work) validate() error {
	if w == nil {
		return errNilWork
	}
	if len(w.Worklets) == 0 {
		return errNoWorklet
	}
	for _, wl := range w.Worklets {
		if wl == nil {
			return errNoWorklet
		}
	}
	if len(w.Input.Buffers) > 1 {
		return errInputBuffers
	}
	if len(w.Input.Buffers) == 1 {
		b := w.Input.Buffers[0]
		if b == nil || b.Frame == nil {
			return errInputFrame
		}
	}
	return nil
}

func (w *Work) inputFrame() *VideoFrame {
	if len(w.Input.Buffers) == 0 {
		return nil
	}
	return w.Input.Buffers[0].Frame
}

// worklet returns the worklet the encoder fills. Extra worklets are
// returned untouched.
func (w *Work) worklet() *Worklet { return w.Worklets[0] }

// complete finalizes the work with the given status.
func (w *Work) complete(status Status) {
	w.Result = status
	w.WorkletsProcessed = len(w.Worklets)
	wl := w.worklet()
	wl.Output.Ordinal = w.Input.Ordinal
	if w.Input.Flags.Has(FlagEndOfStream) {
		wl.Output.Flags |= FlagEndOfStream
	}
}
