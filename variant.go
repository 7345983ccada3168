package hwenc

// Variant identifies an encoder component variant.
type Variant uint8

const (
	VariantAVC  Variant = iota // H.264 encoder
	VariantHEVC                // H.265 encoder
	variantCount
)

// Features is a bitmask of encode surface capabilities.
type Features uint32

const (
	FeatureBFrames        Features = 1 << iota // Reordered output (ref distance > 1)
	FeatureDynamicBitrate                      // Runtime bitrate changes
	FeatureVBR                                 // Variable bitrate rate control
	FeatureCQP                                 // Constant QP rate control
	FeatureGraphicsMemory                      // Encodes from device memory handles
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// supportsRateControl reports whether a surface with these features can run m.
func (f Features) supportsRateControl(m RateControlMethod) bool {
	switch m {
	case RateControlCBR:
		return true
	case RateControlVBR:
		return f.Has(FeatureVBR)
	case RateControlCQP:
		return f.Has(FeatureCQP)
	default:
		return false
	}
}

// VariantDefaults holds the initial value of every settable parameter.
type VariantDefaults struct {
	RateControl RateControlMethod
	FrameRate   float32
	Bitrate     uint32
	QP          int32
	GOPSize     int
	RefDist     int
	Profile     Profile
	Level       Level
	MemoryType  MemoryType
}

// variantMeta contains static metadata about a variant.
type variantMeta struct {
	Name          string
	Codec         VideoCodec
	MaxDimension  uint32
	ProfileLevels []ProfileLevel // supported profiles, each with its maximum level
	Levels        []Level        // every level of the codec, ascending
	Defaults      VariantDefaults
}

// Static metadata table, indexed by Variant.
var variantInfo = [variantCount]variantMeta{
	VariantAVC: {
		Name:         "c2.hw.avc.encoder",
		Codec:        VideoCodecAVC,
		MaxDimension: 4096,
		ProfileLevels: []ProfileLevel{
			{ProfileAVCConstrainedBaseline, LevelAVC41},
			{ProfileAVCBaseline, LevelAVC41},
			{ProfileAVCMain, LevelAVC52},
			{ProfileAVCHigh, LevelAVC52},
		},
		Levels: levelRange(LevelAVC1, LevelAVC52),
		Defaults: VariantDefaults{
			RateControl: RateControlCBR,
			FrameRate:   30,
			Bitrate:     2222000,
			QP:          30,
			GOPSize:     15,
			RefDist:     1,
			Profile:     ProfileAVCConstrainedBaseline,
			Level:       LevelAVC52,
			MemoryType:  MemorySystem,
		},
	},
	VariantHEVC: {
		Name:         "c2.hw.hevc.encoder",
		Codec:        VideoCodecHEVC,
		MaxDimension: 8192,
		ProfileLevels: []ProfileLevel{
			{ProfileHEVCMain, LevelHEVCMain62},
			{ProfileHEVCMainStill, LevelHEVCMain51},
		},
		Levels: levelRange(LevelHEVCMain1, LevelHEVCMain62),
		Defaults: VariantDefaults{
			RateControl: RateControlCBR,
			FrameRate:   30,
			Bitrate:     2222000,
			QP:          30,
			GOPSize:     15,
			RefDist:     1,
			Profile:     ProfileHEVCMain,
			Level:       LevelHEVCMain51,
			MemoryType:  MemorySystem,
		},
	},
}

func levelRange(first, last Level) []Level {
	levels := make([]Level, 0, last-first+1)
	for l := first; l <= last; l++ {
		levels = append(levels, l)
	}
	return levels
}

// Variants lists every variant in table order.
func Variants() []Variant {
	out := make([]Variant, 0, variantCount)
	for v := Variant(0); v < variantCount; v++ {
		out = append(out, v)
	}
	return out
}

// String returns the component name of the variant.
func (v Variant) String() string {
	if v >= variantCount {
		return "unknown"
	}
	return variantInfo[v].Name
}

// Codec returns the codec produced by the variant.
func (v Variant) Codec() VideoCodec {
	if v >= variantCount {
		return VideoCodecUnknown
	}
	return variantInfo[v].Codec
}

// MediaType returns the output media type.
func (v Variant) MediaType() string {
	return v.Codec().MimeType()
}

// Defaults returns the initial parameter values.
func (v Variant) Defaults() VariantDefaults {
	if v >= variantCount {
		return VariantDefaults{}
	}
	return variantInfo[v].Defaults
}

// ProfileLevels returns the supported profiles with their maximum level.
func (v Variant) ProfileLevels() []ProfileLevel {
	if v >= variantCount {
		return nil
	}
	out := make([]ProfileLevel, len(variantInfo[v].ProfileLevels))
	copy(out, variantInfo[v].ProfileLevels)
	return out
}

// maxLevel returns the highest level supported with profile p.
func (v Variant) maxLevel(p Profile) (Level, bool) {
	if v >= variantCount {
		return LevelUnused, false
	}
	for _, pl := range variantInfo[v].ProfileLevels {
		if pl.Profile == p {
			return pl.Level, true
		}
	}
	return LevelUnused, false
}

func (v Variant) hasLevel(l Level) bool {
	return v < variantCount && l.Codec() == variantInfo[v].Codec
}

func (v Variant) maxDimension() uint32 {
	if v >= variantCount {
		return 0
	}
	return variantInfo[v].MaxDimension
}

// VariantByName resolves a component name.
func VariantByName(name string) (Variant, bool) {
	for v := Variant(0); v < variantCount; v++ {
		if variantInfo[v].Name == name {
			return v, true
		}
	}
	return variantCount, false
}
