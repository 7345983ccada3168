package hwenc

import (
	"context"
	"fmt"
	"slices"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const (
	minFrameRate    = 1
	maxFrameRate    = 300
	minBitrate      = 1000
	maxBitrate      = 200_000_000
	minQP           = 1
	maxQP           = 51
	minPictureSize  = 16
	pictureSizeStep = 2
)

// paramDescriptors lists the supported parameters in the order they are described.
var paramDescriptors = []ParamDescriptor{
	{Index: IndexRateControl, Required: true, Persistent: true},
	{Index: IndexFrameRate, Required: true, Persistent: true},
	{Index: IndexBitrate, Required: true, Persistent: true},
	{Index: IndexBitrateTuning, Persistent: true},
	{Index: IndexFrameQP, Persistent: true},
	{Index: IndexIntraRefresh},
	{Index: IndexProfile, Required: true, Persistent: true},
	{Index: IndexLevel, Required: true, Persistent: true},
	{Index: IndexProfileLevels, Required: true, Persistent: true},
	{Index: IndexMemoryType, Persistent: true},
	{Index: IndexComponentDomain, Required: true, Persistent: true},
	{Index: IndexComponentKind, Required: true, Persistent: true},
	{Index: IndexInputBufferType, Required: true, Persistent: true},
	{Index: IndexOutputBufferType, Required: true, Persistent: true},
	{Index: IndexInputMediaType, Required: true, Persistent: true},
	{Index: IndexOutputMediaType, Required: true, Persistent: true},
	{Index: IndexPictureSize, Required: true, Persistent: true},
}

// primaryField is the field reported for whole-parameter failures.
var primaryField = map[ParamIndex]string{
	IndexRateControl:      "method",
	IndexFrameRate:        "value",
	IndexBitrate:          "value",
	IndexBitrateTuning:    "value",
	IndexFrameQP:          "qp_i",
	IndexIntraRefresh:     "force",
	IndexProfile:          "profile",
	IndexLevel:            "level",
	IndexProfileLevels:    "values",
	IndexMemoryType:       "type",
	IndexComponentDomain:  "value",
	IndexComponentKind:    "value",
	IndexInputBufferType:  "value",
	IndexOutputBufferType: "value",
	IndexInputMediaType:   "value",
	IndexOutputMediaType:  "value",
	IndexPictureSize:      "width",
}

// lockedWhileRunning reports parameters that can only change while stopped.
func lockedWhileRunning(idx ParamIndex) bool {
	switch idx {
	case IndexRateControl, IndexFrameRate, IndexFrameQP, IndexProfile, IndexLevel,
		IndexMemoryType, IndexPictureSize:
		return true
	}
	return false
}

// settings is the current value of every settable parameter.
type settings struct {
	rateControl RateControlMethod
	frameRate   float32
	bitrate     uint32
	qp          FrameQPSetting
	profile     Profile
	level       Level
	memoryType  MemoryType
	width       uint32
	height      uint32
}

func defaultSettings(v Variant) settings {
	d := v.Defaults()
	return settings{
		rateControl: d.RateControl,
		frameRate:   d.FrameRate,
		bitrate:     d.Bitrate,
		qp:          FrameQPSetting{QPI: d.QP, QPP: d.QP, QPB: d.QP},
		profile:     d.Profile,
		level:       d.Level,
		memoryType:  d.MemoryType,
	}
}

// Interface is the parameter registry of one component.
// All access goes through a single latch; DontBlock calls fail with
// ErrBlocking instead of waiting for it.
type Interface struct {
	id          uuid.UUID
	variant     Variant
	features    Features
	memoryTypes []MemoryType

	latch   chan struct{}
	running bool
	cur     settings

	// notify receives the parameters applied by a Config made while running.
	// It is called with the latch held so notifications keep Config order.
	notify func(ctx context.Context, applied []Param)
}

func newInterface(variant Variant, id uuid.UUID, features Features, memoryTypes []MemoryType) *Interface {
	return &Interface{
		id:          id,
		variant:     variant,
		features:    features,
		memoryTypes: slices.Clone(memoryTypes),
		latch:       make(chan struct{}, 1),
		cur:         defaultSettings(variant),
	}
}

// Name returns the component name.
func (i *Interface) Name() string { return i.variant.String() }

// ID returns the component instance id.
func (i *Interface) ID() uuid.UUID { return i.id }

// Variant returns the component variant.
func (i *Interface) Variant() Variant { return i.variant }

func (i *Interface) lock(ctx context.Context, mayBlock Blocking) error {
	if !mayBlock {
		select {
		case i.latch <- struct{}{}:
			return nil
		default:
			return fmt.Errorf("%w: parameter registry is busy", ErrBlocking)
		}
	}
	select {
	case i.latch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimedOut, ctx.Err())
	}
}

func (i *Interface) unlock() { <-i.latch }

// Query returns the current value of each index, in request order.
// Unknown indices leave a nil entry and make the call fail with ErrBadIndex;
// every other index is still resolved.
func (i *Interface) Query(ctx context.Context, indices []ParamIndex, mayBlock Blocking) ([]Param, error) {
	if err := i.lock(ctx, mayBlock); err != nil {
		return nil, err
	}
	defer i.unlock()

	out := make([]Param, len(indices))
	var result *multierror.Error
	for n, idx := range indices {
		p, ok := i.valueLocked(idx)
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%s: %w", idx, ErrBadIndex))
			continue
		}
		out[n] = p
	}
	if result != nil {
		return out, fmt.Errorf("%w: %w", ErrBadIndex, result)
	}
	return out, nil
}

func (i *Interface) valueLocked(idx ParamIndex) (Param, bool) {
	s := i.cur
	switch idx {
	case IndexRateControl:
		return RateControlSetting{Method: s.rateControl}, true
	case IndexFrameRate:
		return FrameRateInfo{Value: s.frameRate}, true
	case IndexBitrate:
		return BitrateInfo{Value: s.bitrate}, true
	case IndexBitrateTuning:
		return BitrateTuning{Value: s.bitrate}, true
	case IndexFrameQP:
		return s.qp, true
	case IndexIntraRefresh:
		return IntraRefreshTuning{}, true
	case IndexProfile:
		return ProfileSetting{Profile: s.profile}, true
	case IndexLevel:
		return LevelSetting{Level: s.level}, true
	case IndexProfileLevels:
		return ProfileLevelInfo{Values: i.variant.ProfileLevels()}, true
	case IndexMemoryType:
		return MemoryTypeSetting{Type: s.memoryType}, true
	case IndexPictureSize:
		return PictureSizeInfo{Width: s.width, Height: s.height}, true
	}
	if p, ok := i.constantParam(idx); ok {
		return p, true
	}
	return nil, false
}

func (i *Interface) constantParam(idx ParamIndex) (Param, bool) {
	switch idx {
	case IndexComponentDomain:
		return ComponentDomainSetting{Domain: DomainVideo}, true
	case IndexComponentKind:
		return ComponentKindSetting{Kind: KindEncoder}, true
	case IndexInputBufferType:
		return InputBufferTypeSetting{Type: BufferTypeGraphic}, true
	case IndexOutputBufferType:
		return OutputBufferTypeSetting{Type: BufferTypeLinear}, true
	case IndexInputMediaType:
		return InputMediaTypeSetting{Value: RawMimeType}, true
	case IndexOutputMediaType:
		return OutputMediaTypeSetting{Value: i.variant.MediaType()}, true
	}
	return nil, false
}

// Config applies params. Every valid member is applied even when others fail;
// each rejected field is reported as one SettingResult. The returned error is
// ErrBadIndex if any parameter is unknown, ErrBadValue otherwise, and wraps
// every individual failure.
//
// A rate control change is applied before the other members and resets the
// bitrate and frame QP to their defaults, so explicit values in the same call
// take precedence over the reset.
func (i *Interface) Config(ctx context.Context, params []Param, mayBlock Blocking) ([]*SettingResult, error) {
	if err := i.lock(ctx, mayBlock); err != nil {
		return nil, err
	}
	defer i.unlock()

	applied, failures := i.configLocked(params, i.running)
	if i.running && len(applied) > 0 && i.notify != nil {
		i.notify(ctx, applied)
	}
	if len(failures) > 0 {
		logger.Debugf(ctx, "%s: %d of %d params rejected", i.Name(), len(failures), len(params))
	}
	return failures, settingError(failures)
}

// applyTunings applies per-work tunings as a Config made while running.
func (i *Interface) applyTunings(ctx context.Context, tunings []Param) ([]Param, []*SettingResult, error) {
	if err := i.lock(ctx, MayBlock); err != nil {
		return nil, nil, err
	}
	defer i.unlock()
	applied, failures := i.configLocked(tunings, true)
	return applied, failures, nil
}

func settingError(failures []*SettingResult) error {
	if len(failures) == 0 {
		return nil
	}
	status := ErrBadValue
	var result *multierror.Error
	for _, f := range failures {
		if f.Failure == FailureBadType {
			status = ErrBadIndex
		}
		result = multierror.Append(result, f)
	}
	return fmt.Errorf("%w: %w", status, result)
}

func (i *Interface) configLocked(params []Param, running bool) (applied []Param, failures []*SettingResult) {
	ordered := make([]Param, 0, len(params))
	for _, p := range params {
		if _, ok := p.(RateControlSetting); ok {
			ordered = append(ordered, p)
		}
	}
	for _, p := range params {
		switch p.(type) {
		case nil:
			// a nil member has no index to resolve
			failures = append(failures, fail(FailureBadType, 0, "", nil)...)
		case RateControlSetting:
		default:
			ordered = append(ordered, p)
		}
	}

	next := i.cur
	targetProfile := next.profile
	if !running {
		for _, p := range params {
			if ps, ok := p.(ProfileSetting); ok {
				if _, known := i.variant.maxLevel(ps.Profile); known {
					targetProfile = ps.Profile
				}
			}
		}
	}

	for _, p := range ordered {
		if res := i.applyLocked(&next, p, running, targetProfile); len(res) > 0 {
			failures = append(failures, res...)
			continue
		}
		applied = append(applied, cloneParam(p))
	}

	if maxLevel, ok := i.variant.maxLevel(next.profile); ok && next.level > maxLevel {
		next.level = maxLevel
	}
	i.cur = next
	return applied, failures
}

func fail(kind FailureKind, idx ParamIndex, field string, values *SupportedValues, conflicts ...ParamField) []*SettingResult {
	return []*SettingResult{{
		Failure:   kind,
		Field:     ParamField{Index: idx, Field: field},
		Values:    values,
		Conflicts: conflicts,
	}}
}

func (i *Interface) applyLocked(s *settings, p Param, running bool, targetProfile Profile) []*SettingResult {
	idx := p.Index()
	if running && lockedWhileRunning(idx) {
		return fail(FailureReadOnly, idx, primaryField[idx], nil)
	}

	switch v := p.(type) {
	case RateControlSetting:
		if !v.Method.valid() {
			return fail(FailureBadValue, idx, "method", i.rateControlValues())
		}
		if !i.features.supportsRateControl(v.Method) {
			return fail(FailureUnsupported, idx, "method", i.rateControlValues())
		}
		d := i.variant.Defaults()
		s.rateControl = v.Method
		s.bitrate = d.Bitrate
		s.qp = FrameQPSetting{QPI: d.QP, QPP: d.QP, QPB: d.QP}

	case FrameRateInfo:
		r := rangeValues(minFrameRate, maxFrameRate, 0)
		if !r.Range.Contains(float64(v.Value)) {
			return fail(FailureBadValue, idx, "value", r)
		}
		s.frameRate = v.Value

	case BitrateInfo:
		return i.applyBitrate(s, idx, v.Value, running)

	case BitrateTuning:
		return i.applyBitrate(s, idx, v.Value, running)

	case FrameQPSetting:
		var failures []*SettingResult
		r := rangeValues(minQP, maxQP, 1)
		for _, f := range []struct {
			name string
			qp   int32
		}{{"qp_i", v.QPI}, {"qp_p", v.QPP}, {"qp_b", v.QPB}} {
			if !r.Range.Contains(float64(f.qp)) {
				failures = append(failures, fail(FailureBadValue, idx, f.name, rangeValues(minQP, maxQP, 1))...)
			}
		}
		if len(failures) > 0 {
			return failures
		}
		s.qp = v

	case IntraRefreshTuning:
		// one-shot, consumed by the next frame

	case ProfileSetting:
		if _, ok := i.variant.maxLevel(v.Profile); !ok {
			return fail(FailureBadValue, idx, "profile", i.profileValues())
		}
		s.profile = v.Profile

	case LevelSetting:
		if !i.variant.hasLevel(v.Level) {
			return fail(FailureBadValue, idx, "level", i.levelValues(LevelUnused))
		}
		maxLevel, _ := i.variant.maxLevel(targetProfile)
		if v.Level > maxLevel {
			return fail(FailureConflict, idx, "level", i.levelValues(maxLevel),
				ParamField{Index: IndexProfile, Field: "profile"})
		}
		s.level = v.Level

	case MemoryTypeSetting:
		if !slices.Contains(i.memoryTypes, v.Type) {
			kind := FailureUnsupported
			if v.Type != MemorySystem && v.Type != MemoryGraphics {
				kind = FailureBadValue
			}
			return fail(kind, idx, "type", setValues(i.memoryTypes...))
		}
		s.memoryType = v.Type

	case PictureSizeInfo:
		var failures []*SettingResult
		r := i.pictureSizeValues()
		if !r.Range.Contains(float64(v.Width)) {
			failures = append(failures, fail(FailureBadValue, idx, "width", r)...)
		}
		if !r.Range.Contains(float64(v.Height)) {
			failures = append(failures, fail(FailureBadValue, idx, "height", i.pictureSizeValues())...)
		}
		if len(failures) > 0 {
			return failures
		}
		s.width, s.height = v.Width, v.Height

	case ProfileLevelInfo:
		if !slices.Equal(v.Values, i.variant.ProfileLevels()) {
			return fail(FailureReadOnly, idx, "values", nil)
		}

	case ComponentDomainSetting, ComponentKindSetting, InputBufferTypeSetting,
		OutputBufferTypeSetting, InputMediaTypeSetting, OutputMediaTypeSetting:
		if c, _ := i.constantParam(idx); c != p {
			return fail(FailureReadOnly, idx, "value", nil)
		}

	default:
		return fail(FailureBadType, idx, "", nil)
	}
	return nil
}

func (i *Interface) applyBitrate(s *settings, idx ParamIndex, bitrate uint32, running bool) []*SettingResult {
	if running && !i.features.Has(FeatureDynamicBitrate) {
		return fail(FailureReadOnly, idx, "value", nil)
	}
	r := rangeValues(minBitrate, maxBitrate, 1)
	if !r.Range.Contains(float64(bitrate)) {
		return fail(FailureBadValue, idx, "value", r)
	}
	s.bitrate = bitrate
	return nil
}

func (i *Interface) rateControlValues() *SupportedValues {
	var methods []RateControlMethod
	for m := RateControlCBR; m <= RateControlCQP; m++ {
		if i.features.supportsRateControl(m) {
			methods = append(methods, m)
		}
	}
	return setValues(methods...)
}

func (i *Interface) profileValues() *SupportedValues {
	var profiles []Profile
	for _, pl := range i.variant.ProfileLevels() {
		profiles = append(profiles, pl.Profile)
	}
	return setValues(profiles...)
}

// levelValues lists the levels up to max, or every level for LevelUnused.
func (i *Interface) levelValues(max Level) *SupportedValues {
	var levels []Level
	for _, l := range variantInfo[i.variant].Levels {
		if max == LevelUnused || l <= max {
			levels = append(levels, l)
		}
	}
	return setValues(levels...)
}

func (i *Interface) pictureSizeValues() *SupportedValues {
	return rangeValues(minPictureSize, float64(i.variant.maxDimension()), pictureSizeStep)
}

// DescribeSupportedParams lists the parameters this component supports.
func (i *Interface) DescribeSupportedParams() []ParamDescriptor {
	out := make([]ParamDescriptor, len(paramDescriptors))
	for n, d := range paramDescriptors {
		d.Name = d.Index.String()
		switch d.Index {
		case IndexFrameQP:
			d.Fields = []string{"qp_i", "qp_p", "qp_b"}
		case IndexPictureSize:
			d.Fields = []string{"width", "height"}
		default:
			d.Fields = []string{primaryField[d.Index]}
		}
		out[n] = d
	}
	return out
}

// FieldSupportedValues describes the domain of one parameter field.
func (i *Interface) FieldSupportedValues(idx ParamIndex, field string) (*SupportedValues, error) {
	switch {
	case idx == IndexRateControl && field == "method":
		return i.rateControlValues(), nil
	case idx == IndexFrameRate && field == "value":
		return rangeValues(minFrameRate, maxFrameRate, 0), nil
	case (idx == IndexBitrate || idx == IndexBitrateTuning) && field == "value":
		return rangeValues(minBitrate, maxBitrate, 1), nil
	case idx == IndexFrameQP && (field == "qp_i" || field == "qp_p" || field == "qp_b"):
		return rangeValues(minQP, maxQP, 1), nil
	case idx == IndexIntraRefresh && field == "force":
		return setValues[int32](0, 1), nil
	case idx == IndexProfile && field == "profile":
		return i.profileValues(), nil
	case idx == IndexLevel && field == "level":
		return i.levelValues(LevelUnused), nil
	case idx == IndexMemoryType && field == "type":
		return setValues(i.memoryTypes...), nil
	case idx == IndexPictureSize && (field == "width" || field == "height"):
		return i.pictureSizeValues(), nil
	case idx == IndexComponentDomain && field == "value":
		return setValues(DomainVideo), nil
	case idx == IndexComponentKind && field == "value":
		return setValues(KindEncoder), nil
	case idx == IndexInputBufferType && field == "value":
		return setValues(BufferTypeGraphic), nil
	case idx == IndexOutputBufferType && field == "value":
		return setValues(BufferTypeLinear), nil
	case (idx == IndexInputMediaType || idx == IndexOutputMediaType || idx == IndexProfileLevels) &&
		field == primaryField[idx]:
		return &SupportedValues{Type: ValuesEmpty}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrBadIndex, ParamField{Index: idx, Field: field})
}

func (i *Interface) setRunning(running bool) {
	i.latch <- struct{}{}
	i.running = running
	i.unlock()
}

// startSession marks the registry as running and returns the settings the
// session starts from.
func (i *Interface) startSession() settings {
	i.latch <- struct{}{}
	defer i.unlock()
	i.running = true
	return i.cur
}

// setPictureSize records the resolution of the frames being encoded.
func (i *Interface) setPictureSize(width, height uint32) {
	i.latch <- struct{}{}
	i.cur.width, i.cur.height = width, height
	i.unlock()
}

func (i *Interface) setNotify(fn func(ctx context.Context, applied []Param)) {
	i.latch <- struct{}{}
	i.notify = fn
	i.unlock()
}
