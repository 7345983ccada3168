package hwenc

// H.264 NAL unit types
const (
	avcNALSlice = 1
	avcNALIDR   = 5
	avcNALSEI   = 6
	avcNALSPS   = 7
	avcNALPPS   = 8
	avcNALFUA   = 28 // Fragmentation Unit A
)

// H.265 NAL unit types
const (
	hevcNALTrailN   = 0
	hevcNALTrailR   = 1
	hevcNALIDRWRADL = 19
	hevcNALIDRNLP   = 20
	hevcNALVPS      = 32
	hevcNALSPS      = 33
	hevcNALPPS      = 34
	hevcNALFU       = 49 // Fragmentation Unit
)

var startCode = []byte{0, 0, 0, 1}

// SplitAnnexB splits Annex B data into NAL units without start codes.
// Annex B uses start codes: 0x00000001 or 0x000001
func SplitAnnexB(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i < len(data); i++ {
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			// 4-byte start code
			if start >= 0 && i > start {
				nalUnits = append(nalUnits, data[start:i])
			}
			start = i + 4
			i += 3
		} else if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			// 3-byte start code
			if start >= 0 && i > start {
				nalUnits = append(nalUnits, data[start:i])
			}
			start = i + 3
			i += 2
		}
	}

	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}
	return nalUnits
}

// NALType returns the nal_unit_type of a NAL unit of the given codec.
func NALType(codec VideoCodec, nalu []byte) uint8 {
	if len(nalu) == 0 {
		return 0
	}
	if codec == VideoCodecHEVC {
		return (nalu[0] & 0x7E) >> 1
	}
	return nalu[0] & 0x1F
}

// IsIDR reports whether nalu is an IDR slice.
func IsIDR(codec VideoCodec, nalu []byte) bool {
	t := NALType(codec, nalu)
	if codec == VideoCodecHEVC {
		return t == hevcNALIDRWRADL || t == hevcNALIDRNLP
	}
	return t == avcNALIDR
}

// isParameterSet reports whether nalu is a VPS, SPS or PPS.
func isParameterSet(codec VideoCodec, nalu []byte) bool {
	t := NALType(codec, nalu)
	if codec == VideoCodecHEVC {
		return t == hevcNALVPS || t == hevcNALSPS || t == hevcNALPPS
	}
	return t == avcNALSPS || t == avcNALPPS
}

// CountIDR counts IDR slices in an Annex B stream.
func CountIDR(codec VideoCodec, data []byte) int {
	n := 0
	for _, nalu := range SplitAnnexB(data) {
		if IsIDR(codec, nalu) {
			n++
		}
	}
	return n
}

// ExtractHeader returns the parameter sets of an Annex B stream, each with a
// start code, in the order VPS, SPS, PPS. Later sets replace earlier ones.
func ExtractHeader(codec VideoCodec, data []byte) []byte {
	var vps, sps, pps []byte
	for _, nalu := range SplitAnnexB(data) {
		switch t := NALType(codec, nalu); {
		case codec == VideoCodecHEVC && t == hevcNALVPS:
			vps = nalu
		case codec == VideoCodecHEVC && t == hevcNALSPS, codec != VideoCodecHEVC && t == avcNALSPS:
			sps = nalu
		case codec == VideoCodecHEVC && t == hevcNALPPS, codec != VideoCodecHEVC && t == avcNALPPS:
			pps = nalu
		}
	}
	var out []byte
	for _, nalu := range [][]byte{vps, sps, pps} {
		if len(nalu) > 0 {
			out = appendNAL(out, nalu)
		}
	}
	return out
}

// appendNAL appends nalu to buf behind a 4-byte start code.
func appendNAL(buf, nalu []byte) []byte {
	buf = append(buf, startCode...)
	return append(buf, nalu...)
}

// escapeRBSP inserts emulation prevention bytes so that payload can follow
// a NAL header without forming a start code.
func escapeRBSP(dst, payload []byte) []byte {
	zeros := 0
	for _, b := range payload {
		if zeros >= 2 && b <= 3 {
			dst = append(dst, 3)
			zeros = 0
		}
		dst = append(dst, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return dst
}
