package hwenc

import (
	"fmt"
	"slices"
	"strings"
)

// ParamIndex identifies a parameter in the registry.
type ParamIndex uint32

const (
	IndexRateControl ParamIndex = iota + 1
	IndexFrameRate
	IndexBitrate
	IndexBitrateTuning
	IndexFrameQP
	IndexIntraRefresh
	IndexProfile
	IndexLevel
	IndexProfileLevels
	IndexMemoryType
	IndexComponentDomain
	IndexComponentKind
	IndexInputBufferType
	IndexOutputBufferType
	IndexInputMediaType
	IndexOutputMediaType
	IndexPictureSize
	IndexInitData
	IndexPictureType

	// IndexVendorStart is the first index reserved for vendor extensions.
	IndexVendorStart ParamIndex = 0x1000
)

// Param is one typed parameter value. The set of implementations is closed.
type Param interface {
	Index() ParamIndex
	isParam()
}

// RateControlSetting selects the rate control method.
type RateControlSetting struct {
	Method RateControlMethod
}

// FrameRateInfo is the nominal input frame rate.
type FrameRateInfo struct {
	Value float32
}

// BitrateInfo is the target bitrate in bits per second.
type BitrateInfo struct {
	Value uint32
}

// BitrateTuning changes the target bitrate of a running session.
type BitrateTuning struct {
	Value uint32
}

// FrameQPSetting holds the quantizer of each frame type for CQP.
type FrameQPSetting struct {
	QPI int32
	QPP int32
	QPB int32
}

// IntraRefreshTuning requests a keyframe. It is consumed by the next frame.
type IntraRefreshTuning struct {
	Force bool
}

// ProfileSetting selects the coding profile.
type ProfileSetting struct {
	Profile Profile
}

// LevelSetting selects the coding level.
type LevelSetting struct {
	Level Level
}

// ProfileLevelInfo lists the supported profiles with their maximum level.
type ProfileLevelInfo struct {
	Values []ProfileLevel
}

// MemoryTypeSetting selects the allocator backend for input frames.
type MemoryTypeSetting struct {
	Type MemoryType
}

// Domain is the media domain of a component.
type Domain uint32

const DomainVideo Domain = 1

// Kind is the role of a component.
type Kind uint32

const KindEncoder Kind = 2

// BufferType is the memory layout of a stream's buffers.
type BufferType uint32

const (
	BufferTypeLinear  BufferType = 1
	BufferTypeGraphic BufferType = 2
)

func (b BufferType) String() string {
	switch b {
	case BufferTypeLinear:
		return "linear"
	case BufferTypeGraphic:
		return "graphic"
	default:
		return "unknown"
	}
}

type ComponentDomainSetting struct {
	Domain Domain
}

type ComponentKindSetting struct {
	Kind Kind
}

type InputBufferTypeSetting struct {
	Type BufferType
}

type OutputBufferTypeSetting struct {
	Type BufferType
}

type InputMediaTypeSetting struct {
	Value string
}

type OutputMediaTypeSetting struct {
	Value string
}

// PictureSizeInfo is the coded picture size. While encoding it follows the
// input resolution.
type PictureSizeInfo struct {
	Width  uint32
	Height uint32
}

// InitDataInfo carries the codec header (parameter sets). Output only.
type InitDataInfo struct {
	Data []byte
}

// PictureTypeInfo marks an output buffer as a sync frame. Output only.
type PictureTypeInfo struct {
	Key bool
}

// VendorParam carries an opaque vendor extension.
type VendorParam struct {
	Idx  ParamIndex
	Data []byte
}

func (RateControlSetting) Index() ParamIndex      { return IndexRateControl }
func (FrameRateInfo) Index() ParamIndex           { return IndexFrameRate }
func (BitrateInfo) Index() ParamIndex             { return IndexBitrate }
func (BitrateTuning) Index() ParamIndex           { return IndexBitrateTuning }
func (FrameQPSetting) Index() ParamIndex          { return IndexFrameQP }
func (IntraRefreshTuning) Index() ParamIndex      { return IndexIntraRefresh }
func (ProfileSetting) Index() ParamIndex          { return IndexProfile }
func (LevelSetting) Index() ParamIndex            { return IndexLevel }
func (ProfileLevelInfo) Index() ParamIndex        { return IndexProfileLevels }
func (MemoryTypeSetting) Index() ParamIndex       { return IndexMemoryType }
func (ComponentDomainSetting) Index() ParamIndex  { return IndexComponentDomain }
func (ComponentKindSetting) Index() ParamIndex    { return IndexComponentKind }
func (InputBufferTypeSetting) Index() ParamIndex  { return IndexInputBufferType }
func (OutputBufferTypeSetting) Index() ParamIndex { return IndexOutputBufferType }
func (InputMediaTypeSetting) Index() ParamIndex   { return IndexInputMediaType }
func (OutputMediaTypeSetting) Index() ParamIndex  { return IndexOutputMediaType }
func (PictureSizeInfo) Index() ParamIndex         { return IndexPictureSize }
func (InitDataInfo) Index() ParamIndex            { return IndexInitData }
func (PictureTypeInfo) Index() ParamIndex         { return IndexPictureType }
func (p VendorParam) Index() ParamIndex           { return p.Idx }

func (RateControlSetting) isParam()      {}
func (FrameRateInfo) isParam()           {}
func (BitrateInfo) isParam()             {}
func (BitrateTuning) isParam()           {}
func (FrameQPSetting) isParam()          {}
func (IntraRefreshTuning) isParam()      {}
func (ProfileSetting) isParam()          {}
func (LevelSetting) isParam()            {}
func (ProfileLevelInfo) isParam()        {}
func (MemoryTypeSetting) isParam()       {}
func (ComponentDomainSetting) isParam()  {}
func (ComponentKindSetting) isParam()    {}
func (InputBufferTypeSetting) isParam()  {}
func (OutputBufferTypeSetting) isParam() {}
func (InputMediaTypeSetting) isParam()   {}
func (OutputMediaTypeSetting) isParam()  {}
func (PictureSizeInfo) isParam()         {}
func (InitDataInfo) isParam()            {}
func (PictureTypeInfo) isParam()         {}
func (VendorParam) isParam()             {}

// cloneParam returns a copy that shares no memory with p.
func cloneParam(p Param) Param {
	switch v := p.(type) {
	case ProfileLevelInfo:
		return ProfileLevelInfo{Values: slices.Clone(v.Values)}
	case InitDataInfo:
		return InitDataInfo{Data: slices.Clone(v.Data)}
	case VendorParam:
		return VendorParam{Idx: v.Idx, Data: slices.Clone(v.Data)}
	default:
		return p
	}
}

// ParamField names one field of a parameter.
type ParamField struct {
	Index ParamIndex
	Field string
}

func (f ParamField) String() string {
	name := f.Index.String()
	if f.Field == "" {
		return name
	}
	return name + "." + f.Field
}

var paramNames = map[ParamIndex]string{
	IndexRateControl:      "rate-control",
	IndexFrameRate:        "frame-rate",
	IndexBitrate:          "bitrate",
	IndexBitrateTuning:    "bitrate-tuning",
	IndexFrameQP:          "frame-qp",
	IndexIntraRefresh:     "intra-refresh",
	IndexProfile:          "profile",
	IndexLevel:            "level",
	IndexProfileLevels:    "profile-levels",
	IndexMemoryType:       "memory-type",
	IndexComponentDomain:  "component-domain",
	IndexComponentKind:    "component-kind",
	IndexInputBufferType:  "input-buffer-type",
	IndexOutputBufferType: "output-buffer-type",
	IndexInputMediaType:   "input-media-type",
	IndexOutputMediaType:  "output-media-type",
	IndexPictureSize:      "picture-size",
	IndexInitData:         "init-data",
	IndexPictureType:      "picture-type",
}

func (i ParamIndex) String() string {
	if name, ok := paramNames[i]; ok {
		return name
	}
	if i >= IndexVendorStart {
		return fmt.Sprintf("vendor(0x%x)", uint32(i))
	}
	return fmt.Sprintf("param(%d)", uint32(i))
}

// FailureKind classifies why a parameter was not applied.
type FailureKind int

const (
	FailureBadType     FailureKind = iota // index unknown to the component
	FailureBadValue                       // value outside the supported domain
	FailureReadOnly                       // parameter cannot change now
	FailureUnsupported                    // valid value the surface cannot serve
	FailureConflict                       // inconsistent with another field
)

func (k FailureKind) String() string {
	switch k {
	case FailureBadType:
		return "bad type"
	case FailureBadValue:
		return "bad value"
	case FailureReadOnly:
		return "read only"
	case FailureUnsupported:
		return "unsupported"
	case FailureConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// ValuesType describes the shape of SupportedValues.
type ValuesType int

const (
	ValuesEmpty ValuesType = iota
	ValuesRange
	ValuesSet
)

// ValueRange is an inclusive range. Step 0 means continuous.
type ValueRange struct {
	Min  float64
	Max  float64
	Step float64
}

// Contains reports whether v lies in the range and on a step.
func (r ValueRange) Contains(v float64) bool {
	if v < r.Min || v > r.Max {
		return false
	}
	if r.Step == 0 {
		return true
	}
	n := (v - r.Min) / r.Step
	return n == float64(int64(n))
}

// SupportedValues describes the domain of one field.
type SupportedValues struct {
	Type   ValuesType
	Range  ValueRange
	Values []float64
}

func (v *SupportedValues) String() string {
	switch v.Type {
	case ValuesRange:
		return fmt.Sprintf("[%g..%g step %g]", v.Range.Min, v.Range.Max, v.Range.Step)
	case ValuesSet:
		parts := make([]string, len(v.Values))
		for i, x := range v.Values {
			parts[i] = fmt.Sprintf("%g", x)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "{}"
	}
}

func rangeValues(min, max, step float64) *SupportedValues {
	return &SupportedValues{Type: ValuesRange, Range: ValueRange{Min: min, Max: max, Step: step}}
}

func setValues[T ~int32 | ~uint32](vs ...T) *SupportedValues {
	out := &SupportedValues{Type: ValuesSet, Values: make([]float64, 0, len(vs))}
	for _, v := range vs {
		out.Values = append(out.Values, float64(v))
	}
	return out
}

// SettingResult reports one field that was not applied.
type SettingResult struct {
	Failure   FailureKind
	Field     ParamField
	Values    *SupportedValues
	Conflicts []ParamField
}

func (r *SettingResult) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", r.Field, r.Failure)
	if r.Values != nil && r.Values.Type == ValuesRange {
		fmt.Fprintf(&b, " %s", r.Values)
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(&b, " conflicts with %s", c)
	}
	return b.String()
}

// ParamDescriptor describes one supported parameter.
type ParamDescriptor struct {
	Index      ParamIndex
	Name       string
	Fields     []string
	Required   bool // always has a value
	Persistent bool // keeps its value after being applied
}

// Blocking selects whether a registry call may wait for the registry latch.
type Blocking bool

const (
	DontBlock Blocking = false
	MayBlock  Blocking = true
)
