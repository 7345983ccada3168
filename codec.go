package hwenc

import "fmt"

// VideoCodec identifies the compression standard of an encoder variant.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecAVC
	VideoCodecHEVC
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecAVC:
		return "AVC"
	case VideoCodecHEVC:
		return "HEVC"
	default:
		return "Unknown"
	}
}

// MimeType returns the media type of the coded stream.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecAVC:
		return "video/avc"
	case VideoCodecHEVC:
		return "video/hevc"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// Note: Actual payload type is negotiated via SDP.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecAVC:
		return 102
	case VideoCodecHEVC:
		return 104
	default:
		return 96
	}
}

// RawMimeType is the media type of uncompressed encoder input.
const RawMimeType = "video/raw"

// RateControlMethod defines the encoder rate control method.
type RateControlMethod int32

const (
	RateControlCBR RateControlMethod = iota // Constant bitrate
	RateControlVBR                          // Variable bitrate
	RateControlCQP                          // Constant QP per frame type
)

func (r RateControlMethod) String() string {
	switch r {
	case RateControlCBR:
		return "CBR"
	case RateControlVBR:
		return "VBR"
	case RateControlCQP:
		return "CQP"
	default:
		return "Unknown"
	}
}

func (r RateControlMethod) valid() bool {
	return r >= RateControlCBR && r <= RateControlCQP
}

// Profile identifies a codec profile. Values of different codecs never overlap.
type Profile uint32

const (
	ProfileUnused Profile = 0

	ProfileAVCBaseline            Profile = 0x2000
	ProfileAVCConstrainedBaseline Profile = 0x2001
	ProfileAVCMain                Profile = 0x2002
	ProfileAVCHigh                Profile = 0x2004

	ProfileHEVCMain      Profile = 0x6000
	ProfileHEVCMainStill Profile = 0x6002
)

var profileNames = map[Profile]string{
	ProfileAVCBaseline:            "AVC Baseline",
	ProfileAVCConstrainedBaseline: "AVC Constrained Baseline",
	ProfileAVCMain:                "AVC Main",
	ProfileAVCHigh:                "AVC High",
	ProfileHEVCMain:               "HEVC Main",
	ProfileHEVCMainStill:          "HEVC Main Still",
}

func (p Profile) String() string {
	if name, ok := profileNames[p]; ok {
		return name
	}
	return fmt.Sprintf("profile(0x%x)", uint32(p))
}

// IDC returns the profile_idc written into the sequence header.
func (p Profile) IDC() uint8 {
	switch p {
	case ProfileAVCBaseline, ProfileAVCConstrainedBaseline:
		return 66
	case ProfileAVCMain:
		return 77
	case ProfileAVCHigh:
		return 100
	case ProfileHEVCMain:
		return 1
	case ProfileHEVCMainStill:
		return 3
	default:
		return 0
	}
}

// Level identifies a codec level. Levels of one codec are ordered.
type Level uint32

const (
	LevelUnused Level = 0

	LevelAVC1 Level = 0x1000 + iota - 1
	LevelAVC1b
	LevelAVC11
	LevelAVC12
	LevelAVC13
	LevelAVC2
	LevelAVC21
	LevelAVC22
	LevelAVC3
	LevelAVC31
	LevelAVC32
	LevelAVC4
	LevelAVC41
	LevelAVC42
	LevelAVC5
	LevelAVC51
	LevelAVC52
)

const (
	LevelHEVCMain1 Level = 0x6000 + iota
	LevelHEVCMain2
	LevelHEVCMain21
	LevelHEVCMain3
	LevelHEVCMain31
	LevelHEVCMain4
	LevelHEVCMain41
	LevelHEVCMain5
	LevelHEVCMain51
	LevelHEVCMain52
	LevelHEVCMain6
	LevelHEVCMain61
	LevelHEVCMain62
)

// level_idc values, indexed from the first level of each codec.
var (
	avcLevelIDC  = []uint8{10, 9, 11, 12, 13, 20, 21, 22, 30, 31, 32, 40, 41, 42, 50, 51, 52}
	hevcLevelIDC = []uint8{30, 60, 63, 90, 93, 120, 123, 150, 153, 156, 180, 183, 186}
)

// Codec returns the codec the level belongs to.
func (l Level) Codec() VideoCodec {
	switch {
	case l >= LevelAVC1 && l <= LevelAVC52:
		return VideoCodecAVC
	case l >= LevelHEVCMain1 && l <= LevelHEVCMain62:
		return VideoCodecHEVC
	default:
		return VideoCodecUnknown
	}
}

// IDC returns the level_idc written into the sequence header.
func (l Level) IDC() uint8 {
	switch l.Codec() {
	case VideoCodecAVC:
		return avcLevelIDC[l-LevelAVC1]
	case VideoCodecHEVC:
		return hevcLevelIDC[l-LevelHEVCMain1]
	default:
		return 0
	}
}

func (l Level) String() string {
	switch l.Codec() {
	case VideoCodecAVC:
		if l == LevelAVC1b {
			return "AVC 1b"
		}
		idc := l.IDC()
		return fmt.Sprintf("AVC %d.%d", idc/10, idc%10)
	case VideoCodecHEVC:
		idc := int(l.IDC())
		return fmt.Sprintf("HEVC Main %d.%d", idc/30, (idc%30)/3)
	default:
		return fmt.Sprintf("level(0x%x)", uint32(l))
	}
}

// Codec returns the codec the profile belongs to.
func (p Profile) Codec() VideoCodec {
	switch p & 0xf000 {
	case 0x2000:
		return VideoCodecAVC
	case 0x6000:
		return VideoCodecHEVC
	default:
		return VideoCodecUnknown
	}
}

// ProfileLevel is a supported (profile, maximum level) pair.
type ProfileLevel struct {
	Profile Profile `yaml:"profile"`
	Level   Level   `yaml:"level"`
}
