package hwenc

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// inflightWork is a started work waiting for its output.
type inflightWork struct {
	work       *Work
	frameIndex uint64
	done       bool
}

// session is one Start..Stop run of the worker goroutine. Only the worker
// touches its fields.
type session struct {
	c   *Component
	ctx context.Context

	base     settings // encode-side parameter values
	forceKey bool     // keyframe requested by a config marker or an empty work

	ready  bool
	params SurfaceParams
	pool   *framePool

	// started works in queue order; only the completed prefix is delivered
	inflight []*inflightWork
	halted   bool

	// stopping is guarded by c.mu
	stopping bool
	done     chan struct{}
}

func newSession(c *Component, base settings) *session {
	return &session{
		c:    c,
		ctx:  c.ctx,
		base: base,
		done: make(chan struct{}),
	}
}

func (s *session) run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: worker panic: %v", ErrCorrupted, r)
			logger.Errorf(s.ctx, "%v", err)
			s.fail(nil, err)
			s.finish()
		}
	}()

	for {
		e, ok := s.c.next(s)
		if !ok {
			break
		}
		switch {
		case e.work != nil:
			s.process(e.work)
		case e.config != nil:
			if s.halted {
				break
			}
			if _, err := s.applyParams(e.config); err != nil {
				s.fail(nil, err)
			}
		case e.flush != nil:
			if !s.halted {
				if err := s.drain(); err != nil {
					s.fail(nil, err)
				}
			}
			s.deliver()
			close(e.flush)
		}
	}
	s.finish()
}

// finish drains the surface, cancels the works left in the queue and
// releases the session resources.
func (s *session) finish() {
	if !s.halted {
		if err := s.drain(); err != nil {
			s.fail(nil, err)
		}
	}
	for _, w := range s.c.takeRemaining() {
		s.cancel(w)
	}
	for _, iw := range s.inflight {
		if !iw.done {
			logger.Errorf(s.ctx, "frame %d never came out of the surface", iw.frameIndex)
			iw.work.complete(StatusCorrupted)
			iw.done = true
		}
	}
	s.deliver()

	if s.ready {
		if err := s.c.surface.Close(); err != nil {
			logger.Errorf(s.ctx, "unable to close the encode surface: %v", err)
		}
		s.ready = false
	}
	if s.pool != nil {
		if err := s.pool.close(s.ctx); err != nil {
			logger.Errorf(s.ctx, "unable to free the frame pool: %v", err)
		}
		s.pool = nil
	}
}

func (s *session) process(w *Work) {
	if s.halted {
		s.cancel(w)
		s.deliver()
		return
	}

	wl := w.worklet()
	forceKey := s.forceKey
	if len(wl.Tunings) > 0 {
		applied, failures, err := s.c.intf.applyTunings(s.ctx, wl.Tunings)
		if err != nil {
			s.fail(w, err)
			return
		}
		if len(failures) > 0 {
			wl.Failures = failures
			s.trip(w, failures)
			return
		}
		requested, err := s.applyParams(applied)
		if err != nil {
			s.fail(w, err)
			return
		}
		if requested {
			forceKey = true
		}
	}

	frame := w.inputFrame()
	if frame == nil {
		// a keyframe request carried by an empty work applies to the next frame
		s.forceKey = forceKey
		if w.Input.Flags.Has(FlagEndOfStream) {
			if err := s.drain(); err != nil {
				s.fail(w, err)
				return
			}
		}
		s.inflight = append(s.inflight, &inflightWork{work: w, frameIndex: w.Input.Ordinal.FrameIndex, done: true})
		w.complete(StatusOK)
		s.deliver()
		return
	}
	s.forceKey = false

	if err := s.prepare(frame); err != nil {
		s.fail(w, err)
		return
	}

	mid, release, err := s.stage(frame)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.inflight = append(s.inflight, &inflightWork{work: w, frameIndex: w.Input.Ordinal.FrameIndex})
	outs, err := s.c.surface.Encode(s.ctx, &SurfaceInput{
		FrameIndex:    w.Input.Ordinal.FrameIndex,
		Timestamp:     w.Input.Ordinal.Timestamp,
		MemID:         mid,
		ForceKeyframe: forceKey,
	})
	release()
	if err != nil {
		s.fail(w, fmt.Errorf("unable to encode frame %d: %w", w.Input.Ordinal.FrameIndex, err))
		return
	}
	s.complete(outs)
	if w.Input.Flags.Has(FlagEndOfStream) {
		if err := s.drain(); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.deliver()
}

// prepare initializes the surface on the first frame and re-initializes it
// when the input resolution changes.
func (s *session) prepare(frame *VideoFrame) error {
	if s.ready && s.params.Width == frame.Width && s.params.Height == frame.Height && s.params.Format == frame.Format {
		return nil
	}

	alloc, ok := s.c.allocators[s.base.memoryType]
	if !ok {
		return fmt.Errorf("%w: no allocator for %s memory", ErrCorrupted, s.base.memoryType)
	}
	if s.ready {
		if err := s.drain(); err != nil {
			return err
		}
		s.deliver()
	}
	if s.pool != nil {
		if err := s.pool.close(s.ctx); err != nil {
			return fmt.Errorf("unable to free the frame pool: %w", err)
		}
		s.pool = nil
	}
	pool, err := newFramePool(s.ctx, alloc, FrameAllocRequest{
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    frame.Format,
		Usage:     UsageCPUWrite | UsageCodecRead,
		NumFrames: s.c.opts.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("unable to allocate the frame pool: %w", err)
	}
	s.pool = pool

	params := s.surfaceParams(frame.Width, frame.Height, frame.Format, alloc)
	if s.ready {
		err = s.c.surface.Reconfigure(s.ctx, params)
	} else {
		err = s.c.surface.Init(s.ctx, params)
	}
	if err != nil {
		return fmt.Errorf("unable to configure the encode surface: %w", err)
	}
	s.params = params
	s.ready = true
	s.c.intf.setPictureSize(uint32(frame.Width), uint32(frame.Height))
	logger.Debugf(s.ctx, "encode surface ready: %dx%d %s %s %d bps",
		frame.Width, frame.Height, frame.Format, params.RateControl, params.Bitrate)
	return nil
}

func (s *session) surfaceParams(width, height int, format PixelFormat, alloc FrameAllocator) SurfaceParams {
	d := s.c.variant.Defaults()
	return SurfaceParams{
		Codec:       s.c.variant.Codec(),
		Width:       width,
		Height:      height,
		Format:      format,
		RateControl: s.base.rateControl,
		FrameRate:   s.base.frameRate,
		Bitrate:     s.base.bitrate,
		QP:          s.base.qp,
		Profile:     s.base.profile,
		Level:       s.base.level,
		GOPSize:     d.GOPSize,
		RefDist:     d.RefDist,
		Allocator:   alloc,
	}
}

// stage returns the allocator frame to encode from. Frames locked from the
// session allocator are used as is; others are copied into a pool frame.
func (s *session) stage(frame *VideoFrame) (MemID, func(), error) {
	if frame.MemID != 0 {
		if a, ok := s.params.Allocator.(*Allocator); ok && a.Owns(frame.MemID) && !s.pool.contains(frame.MemID) {
			return frame.MemID, func() {}, nil
		}
	}
	mid, err := s.pool.acquire()
	if err != nil {
		return 0, nil, err
	}
	if err := fillFrame(s.params.Allocator, mid, frame); err != nil {
		s.pool.release(mid)
		return 0, nil, err
	}
	return mid, func() { s.pool.release(mid) }, nil
}

// applyParams applies dynamic parameters to the session and reports whether
// a keyframe was requested.
func (s *session) applyParams(params []Param) (forceKey bool, err error) {
	prev := s.base
	for _, p := range params {
		switch v := p.(type) {
		case BitrateInfo:
			s.base.bitrate = v.Value
		case BitrateTuning:
			s.base.bitrate = v.Value
		case IntraRefreshTuning:
			if v.Force {
				forceKey = true
				s.forceKey = true
			}
		}
	}
	if s.ready && s.base != prev {
		s.params.Bitrate = s.base.bitrate
		if err := s.c.surface.Reconfigure(s.ctx, s.params); err != nil {
			return forceKey, fmt.Errorf("unable to reconfigure the encode surface: %w", err)
		}
	}
	return forceKey, nil
}

// complete attaches surface outputs to their works.
func (s *session) complete(outs []*SurfaceOutput) {
	for _, out := range outs {
		iw := s.findInflight(out.FrameIndex)
		if iw == nil {
			logger.Errorf(s.ctx, "surface returned unknown frame %d", out.FrameIndex)
			continue
		}
		wl := iw.work.worklet()
		if out.Header != nil {
			wl.Output.ConfigUpdate = append(wl.Output.ConfigUpdate, InitDataInfo{Data: out.Header})
		}
		wl.Output.Buffers = append(wl.Output.Buffers, &Buffer{
			Data:  out.Data,
			Infos: []Param{PictureTypeInfo{Key: out.Keyframe}},
		})
		iw.work.complete(StatusOK)
		iw.done = true
		s.c.stats.countOutput(out)
	}
}

func (s *session) findInflight(frameIndex uint64) *inflightWork {
	for _, iw := range s.inflight {
		if !iw.done && iw.frameIndex == frameIndex {
			return iw
		}
	}
	return nil
}

func (s *session) drain() error {
	if !s.ready {
		return nil
	}
	outs, err := s.c.surface.Drain(s.ctx)
	if err != nil {
		return fmt.Errorf("unable to drain the encode surface: %w", err)
	}
	s.complete(outs)
	return nil
}

// deliver posts the completed prefix of the in-flight works.
func (s *session) deliver() {
	n := 0
	for n < len(s.inflight) && s.inflight[n].done {
		n++
	}
	if n == 0 {
		return
	}
	works := make([]*Work, n)
	for i, iw := range s.inflight[:n] {
		works[i] = iw.work
		s.c.stats.countResult(iw.work.Result)
	}
	s.inflight = s.inflight[n:]
	s.c.events.post(Event{Kind: EventWorkDone, Works: works})
}

func (s *session) cancel(w *Work) {
	w.complete(StatusNotFound)
	s.inflight = append(s.inflight, &inflightWork{work: w, frameIndex: w.Input.Ordinal.FrameIndex, done: true})
}

// trip halts the session on a rejected tuning. Works started earlier
// complete normally.
func (s *session) trip(w *Work, failures []*SettingResult) {
	logger.Warnf(s.ctx, "work %d tripped: %v", w.Input.Ordinal.FrameIndex, settingError(failures))
	drainErr := s.drain()
	s.deliver()

	s.c.stats.tripped.Add(1)
	s.c.events.post(Event{Kind: EventTripped, Failures: failures})
	if drainErr != nil {
		s.fail(w, drainErr)
		return
	}
	w.complete(StatusBadValue)
	s.inflight = append(s.inflight, &inflightWork{work: w, frameIndex: w.Input.Ordinal.FrameIndex, done: true})
	s.halt()
}

// fail halts the session on a fatal error. The failing work and the works
// held by the surface complete with the error status.
func (s *session) fail(w *Work, err error) {
	if s.halted {
		return
	}
	logger.Errorf(s.ctx, "%v", err)
	status := StatusOf(err)
	if status == StatusOK || status == StatusNotFound {
		status = StatusCorrupted
	}

	s.c.stats.errors.Add(1)
	s.c.events.post(Event{Kind: EventError, Err: err})
	if w != nil && s.findWork(w) == nil {
		s.inflight = append(s.inflight, &inflightWork{work: w, frameIndex: w.Input.Ordinal.FrameIndex})
	}
	for _, iw := range s.inflight {
		if !iw.done {
			iw.work.complete(status)
			iw.done = true
		}
	}
	s.halt()
}

func (s *session) findWork(w *Work) *inflightWork {
	for _, iw := range s.inflight {
		if iw.work == w {
			return iw
		}
	}
	return nil
}

func (s *session) halt() {
	s.halted = true
	for _, w := range s.c.halt() {
		s.cancel(w)
	}
	s.deliver()
}
