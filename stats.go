package hwenc

import "sync/atomic"

// ComponentStats provides component metrics.
type ComponentStats struct {
	WorksQueued      uint64 // Works accepted by Queue
	WorksCompleted   uint64 // Works returned with StatusOK
	WorksFailed      uint64 // Works returned with a failure status other than not-found
	WorksCanceled    uint64 // Works returned with StatusNotFound by stop, flush or a halt
	EmptyWorks       uint64 // Works without an input buffer
	FramesEncoded    uint64 // Access units produced by the surface
	KeyframesEncoded uint64 // Access units tagged as sync frames
	BytesEncoded     uint64 // Total bytes of coded output
	Tripped          uint64 // Tripped events raised
	Errors           uint64 // Error events raised
}

type statsCounters struct {
	worksQueued      atomic.Uint64
	worksCompleted   atomic.Uint64
	worksFailed      atomic.Uint64
	worksCanceled    atomic.Uint64
	emptyWorks       atomic.Uint64
	framesEncoded    atomic.Uint64
	keyframesEncoded atomic.Uint64
	bytesEncoded     atomic.Uint64
	tripped          atomic.Uint64
	errors           atomic.Uint64
}

func (c *statsCounters) snapshot() ComponentStats {
	return ComponentStats{
		WorksQueued:      c.worksQueued.Load(),
		WorksCompleted:   c.worksCompleted.Load(),
		WorksFailed:      c.worksFailed.Load(),
		WorksCanceled:    c.worksCanceled.Load(),
		EmptyWorks:       c.emptyWorks.Load(),
		FramesEncoded:    c.framesEncoded.Load(),
		KeyframesEncoded: c.keyframesEncoded.Load(),
		BytesEncoded:     c.bytesEncoded.Load(),
		Tripped:          c.tripped.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *statsCounters) countResult(s Status) {
	switch s {
	case StatusOK:
		c.worksCompleted.Add(1)
	case StatusNotFound:
		c.worksCanceled.Add(1)
	default:
		c.worksFailed.Add(1)
	}
}

func (c *statsCounters) countOutput(out *SurfaceOutput) {
	c.framesEncoded.Add(1)
	if out.Keyframe {
		c.keyframesEncoded.Add(1)
	}
	c.bytesEncoded.Add(uint64(len(out.Data)))
}
