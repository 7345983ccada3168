package commands

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/thesyncim/hwenc"
)

const maxInflight = 8

// sink writes the coded output of completed works.
type sink struct {
	file       io.WriteCloser
	conn       net.Conn
	packetizer *hwenc.WorkPacketizer
}

func newSink(ctx context.Context, job hwenc.EncodeJob, codec hwenc.VideoCodec) (*sink, error) {
	s := &sink{}
	if job.Output.File != "" {
		f, err := os.Create(job.Output.File)
		if err != nil {
			return nil, fmt.Errorf("unable to create '%s': %w", job.Output.File, err)
		}
		s.file = f
	}
	if job.Output.RTP != "" {
		conn, err := net.Dial("udp", job.Output.RTP)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("unable to dial '%s': %w", job.Output.RTP, err)
		}
		p, err := hwenc.NewWorkPacketizer(codec, rand.Uint32(), 0, 1200)
		if err != nil {
			conn.Close()
			s.Close()
			return nil, err
		}
		s.conn = conn
		s.packetizer = p
		logger.Infof(ctx, "sending RTP to %s (pt %d, ssrc %d)", job.Output.RTP, p.PayloadType(), p.SSRC())
	}
	return s, nil
}

func (s *sink) write(w *hwenc.Work) error {
	if w.Result != hwenc.StatusOK {
		return nil
	}
	out := &w.Worklets[0].Output
	if s.file != nil {
		// the first buffer already starts with the parameter sets
		for _, b := range out.Buffers {
			if _, err := s.file.Write(b.Data); err != nil {
				return err
			}
		}
	}
	if s.conn != nil {
		packets, err := s.packetizer.PacketizeWork(w)
		if err != nil {
			return err
		}
		for _, pkt := range packets {
			b, err := pkt.Marshal()
			if err != nil {
				return err
			}
			if _, err := s.conn.Write(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *sink) Close() error {
	var result *multierror.Error
	if s.file != nil {
		result = multierror.Append(result, s.file.Close())
	}
	if s.conn != nil {
		result = multierror.Append(result, s.conn.Close())
	}
	return result.ErrorOrNil()
}

// runJob configures and starts the component, feeds it the job frames and
// writes every completed work to the sink.
func runJob(ctx context.Context, comp *hwenc.Component, job hwenc.EncodeJob, out *sink) (hwenc.ComponentStats, error) {
	params, err := job.Params()
	if err != nil {
		return hwenc.ComponentStats{}, err
	}
	failures, err := comp.Intf().Config(ctx, params, hwenc.MayBlock)
	for _, f := range failures {
		logger.Errorf(ctx, "config: %v", f)
	}
	if err != nil {
		return hwenc.ComponentStats{}, fmt.Errorf("unable to configure %s: %w", comp.Name(), err)
	}

	gen, err := job.Generator()
	if err != nil {
		return hwenc.ComponentStats{}, err
	}
	cfg, err := job.PatternConfig()
	if err != nil {
		return hwenc.ComponentStats{}, err
	}

	events := hwenc.NewEventChannel(maxInflight)
	if err := comp.SetListener(ctx, events, hwenc.MayBlock); err != nil {
		return hwenc.ComponentStats{}, err
	}
	if err := comp.Start(ctx); err != nil {
		return hwenc.ComponentStats{}, err
	}

	slots := make(chan struct{}, maxInflight)
	queueErr := make(chan error, 1)
	go func() {
		defer close(queueErr)
		for i := 0; i < job.Input.Frames; i++ {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				queueErr <- ctx.Err()
				return
			}
			ts := uint64(i) * uint64(cfg.FrameDuration().Microseconds())
			w := hwenc.NewWork(uint64(i), ts, gen.Next())
			w.Worklets[0].Tunings = job.TuningsFor(uint64(i))
			if i == job.Input.Frames-1 {
				w.Input.Flags |= hwenc.FlagEndOfStream
			}
			if err := comp.Queue(ctx, []*hwenc.Work{w}); err != nil {
				queueErr <- err
				return
			}
		}
	}()

	var result *multierror.Error
	for done := 0; done < job.Input.Frames; {
		select {
		case err := <-queueErr:
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("unable to queue: %w", err))
				done = job.Input.Frames
			}
			queueErr = nil
		case ev := <-events.Events():
			switch ev.Kind {
			case hwenc.EventWorkDone:
				for _, w := range ev.Works {
					<-slots
					done++
					if err := out.write(w); err != nil {
						result = multierror.Append(result, err)
					}
					logger.Tracef(ctx, "frame %d: %s", w.Input.Ordinal.FrameIndex, w.Result)
				}
			case hwenc.EventTripped:
				for _, f := range ev.Failures {
					result = multierror.Append(result, f)
				}
			case hwenc.EventError:
				result = multierror.Append(result, ev.Err)
			}
		case <-ctx.Done():
			result = multierror.Append(result, ctx.Err())
			done = job.Input.Frames
		}
	}

	// keep draining while Stop waits for the listener
	stopped := make(chan error, 1)
	go func() { stopped <- comp.Stop(ctx) }()
	for {
		select {
		case err := <-stopped:
			if err != nil {
				result = multierror.Append(result, err)
			}
			return comp.Stats(), result.ErrorOrNil()
		case <-events.Events():
			select {
			case <-slots:
			default:
			}
		}
	}
}
