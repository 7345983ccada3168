package hwenc

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

const rtpHeaderSize = 12

// WorkPacketizer converts the coded output of completed works into RTP
// packets (RFC 6184 for AVC, RFC 7798 for HEVC). The codec header delivered
// through the InitDataInfo config update is kept and sent ahead of every
// keyframe that does not already carry it.
type WorkPacketizer struct {
	codec       VideoCodec
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	header      []byte
	mu          sync.Mutex
}

// NewWorkPacketizer creates a packetizer for the given codec.
func NewWorkPacketizer(codec VideoCodec, ssrc uint32, payloadType uint8, mtu int) (*WorkPacketizer, error) {
	if codec != VideoCodecAVC && codec != VideoCodecHEVC {
		return nil, fmt.Errorf("%w: no packetization for %s", ErrBadValue, codec)
	}
	if mtu <= 0 {
		mtu = 1200
	}
	if payloadType == 0 {
		payloadType = codec.DefaultPayloadType()
	}
	return &WorkPacketizer{
		codec:       codec,
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
	}, nil
}

// RTPTimestamp converts an ordinal timestamp in microseconds to the 90kHz
// RTP clock.
func RTPTimestamp(us uint64) uint32 {
	return uint32(us * 90000 / 1_000_000)
}

// PacketizeWork packetizes the output of a completed work. Works that failed
// or produced no output yield no packets.
func (p *WorkPacketizer) PacketizeWork(w *Work) ([]*rtp.Packet, error) {
	if w == nil || w.Result != StatusOK || len(w.Worklets) == 0 {
		return nil, nil
	}
	out := &w.worklet().Output
	if c, ok := out.ConfigParam(IndexInitData); ok {
		p.mu.Lock()
		p.header = append([]byte(nil), c.(InitDataInfo).Data...)
		p.mu.Unlock()
	}

	var packets []*rtp.Packet
	for _, b := range out.Buffers {
		if len(b.Data) == 0 {
			continue
		}
		pkts, err := p.Packetize(&EncodedFrame{
			Data:      b.Data,
			FrameType: frameTypeOf(b),
			Timestamp: RTPTimestamp(out.Ordinal.Timestamp),
		})
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", out.Ordinal.FrameIndex, err)
		}
		packets = append(packets, pkts...)
	}
	return packets, nil
}

func frameTypeOf(b *Buffer) FrameType {
	if b.IsKeyframe() {
		return FrameTypeKey
	}
	return FrameTypeDelta
}

// Packetize converts one Annex B access unit into RTP packets.
func (p *WorkPacketizer) Packetize(frame *EncodedFrame) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(frame.Data) == 0 {
		return nil, nil
	}
	nalUnits := SplitAnnexB(frame.Data)
	if len(nalUnits) == 0 {
		return nil, fmt.Errorf("%w: no NAL units found in frame", ErrCorrupted)
	}
	if frame.IsKeyframe() && len(p.header) > 0 && !isParameterSet(p.codec, nalUnits[0]) {
		nalUnits = append(SplitAnnexB(p.header), nalUnits...)
	}

	var packets []*rtp.Packet
	for i, nalu := range nalUnits {
		isLast := i == len(nalUnits)-1
		if len(nalu) <= p.mtu-rtpHeaderSize {
			packets = append(packets, p.packet(nalu, frame.Timestamp, isLast))
			continue
		}
		packets = append(packets, p.fragment(nalu, frame.Timestamp, isLast)...)
	}
	return packets, nil
}

func (p *WorkPacketizer) packet(payload []byte, timestamp uint32, marker bool) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// fragment splits a NAL unit into FU-A (AVC) or FU (HEVC) packets.
func (p *WorkPacketizer) fragment(nalu []byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	var (
		prefix  []byte // FU indicator or payload header
		nalType byte
		payload []byte
	)
	switch p.codec {
	case VideoCodecHEVC:
		if len(nalu) < 3 {
			return nil
		}
		nalType = (nalu[0] >> 1) & 0x3F
		// keep F, LayerId and TID; replace the type with 49
		prefix = []byte{nalu[0]&0x81 | hevcNALFU<<1, nalu[1]}
		payload = nalu[2:]
	default:
		if len(nalu) < 2 {
			return nil
		}
		nalType = nalu[0] & 0x1F
		prefix = []byte{nalu[0]&0x60 | avcNALFUA}
		payload = nalu[1:]
	}

	maxPayload := p.mtu - rtpHeaderSize - len(prefix) - 1
	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		end := min(offset+maxPayload, len(payload))
		isEnd := end == len(payload)

		fuHeader := nalType
		if offset == 0 {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		buf := make([]byte, 0, len(prefix)+1+end-offset)
		buf = append(buf, prefix...)
		buf = append(buf, fuHeader)
		buf = append(buf, payload[offset:end]...)
		packets = append(packets, p.packet(buf, timestamp, isEnd && isLastNALU))
		offset = end
	}
	return packets
}

// Codec returns the codec type.
func (p *WorkPacketizer) Codec() VideoCodec { return p.codec }

// PacketizeToBytes converts an access unit to raw RTP packet bytes.
func (p *WorkPacketizer) PacketizeToBytes(frame *EncodedFrame) ([][]byte, error) {
	packets, err := p.Packetize(frame)
	if err != nil {
		return nil, err
	}
	result := make([][]byte, len(packets))
	for i, pkt := range packets {
		if result[i], err = pkt.Marshal(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *WorkPacketizer) SetSSRC(ssrc uint32) { p.mu.Lock(); p.ssrc = ssrc; p.mu.Unlock() }
func (p *WorkPacketizer) SSRC() uint32        { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *WorkPacketizer) PayloadType() uint8  { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *WorkPacketizer) MTU() int            { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }
