package hwenc

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// EncodeJob describes a batch encode: the component to use, the synthetic
// input to feed it, its configuration and per-frame tunings.
type EncodeJob struct {
	Component string      `yaml:"component"`
	Input     JobInput    `yaml:"input"`
	Encoder   JobEncoder  `yaml:"encoder"`
	Tunings   []JobTuning `yaml:"tunings,omitempty"`
	Output    JobOutput   `yaml:"output,omitempty"`
}

// JobInput describes the generated input frames.
type JobInput struct {
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
	Format  string `yaml:"format,omitempty"`  // NV12 or I420
	Pattern string `yaml:"pattern,omitempty"` // stripes or noise
	Frames  int    `yaml:"frames"`
	FPS     int    `yaml:"fps,omitempty"`
	Seed    uint64 `yaml:"seed,omitempty"`
}

// JobEncoder holds the parameters configured before Start. Empty fields keep
// the component defaults.
type JobEncoder struct {
	RateControl string  `yaml:"rate_control,omitempty"`
	Bitrate     uint32  `yaml:"bitrate,omitempty"`
	FrameRate   float32 `yaml:"frame_rate,omitempty"`
	QP          *JobQP  `yaml:"qp,omitempty"`
	Profile     string  `yaml:"profile,omitempty"`
	Level       string  `yaml:"level,omitempty"`
	MemoryType  string  `yaml:"memory_type,omitempty"`
	KeyInterval uint64  `yaml:"key_interval,omitempty"` // forced keyframe every N frames
}

// JobQP is the per frame type quantizer used with CQP.
type JobQP struct {
	I int32 `yaml:"i"`
	P int32 `yaml:"p"`
	B int32 `yaml:"b"`
}

// JobTuning is a parameter change attached to one frame.
type JobTuning struct {
	Frame        uint64 `yaml:"frame"`
	Bitrate      uint32 `yaml:"bitrate,omitempty"`
	IntraRefresh bool   `yaml:"intra_refresh,omitempty"`
}

// JobOutput selects where coded output goes.
type JobOutput struct {
	File string `yaml:"file,omitempty"` // Annex B elementary stream
	RTP  string `yaml:"rtp,omitempty"`  // host:port for RTP over UDP
}

// DefaultEncodeJob returns a short AVC job.
func DefaultEncodeJob() EncodeJob {
	return EncodeJob{
		Component: VariantAVC.String(),
		Input: JobInput{
			Width:   640,
			Height:  480,
			Format:  PixelFormatNV12.String(),
			Pattern: "stripes",
			Frames:  90,
			FPS:     30,
		},
	}
}

// LoadEncodeJob reads a YAML job file. Missing fields keep the defaults.
func LoadEncodeJob(path string) (EncodeJob, error) {
	job := DefaultEncodeJob()
	b, err := os.ReadFile(path)
	if err != nil {
		return job, fmt.Errorf("unable to read file '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(b, &job); err != nil {
		return job, fmt.Errorf("unable to unserialize job: %w: <%s>", err, b)
	}
	return job, nil
}

// Marshal serializes the job to YAML.
func (j EncodeJob) Marshal() ([]byte, error) {
	b, err := yaml.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("unable to serialize job %#+v: %w", j, err)
	}
	return b, nil
}

// Params returns the parameters to Config before Start.
func (j EncodeJob) Params() ([]Param, error) {
	e := j.Encoder
	var params []Param
	if e.RateControl != "" {
		m, err := ParseRateControl(e.RateControl)
		if err != nil {
			return nil, err
		}
		params = append(params, RateControlSetting{Method: m})
	}
	if e.FrameRate != 0 {
		params = append(params, FrameRateInfo{Value: e.FrameRate})
	} else if j.Input.FPS > 0 {
		params = append(params, FrameRateInfo{Value: float32(j.Input.FPS)})
	}
	if e.Bitrate != 0 {
		params = append(params, BitrateInfo{Value: e.Bitrate})
	}
	if e.QP != nil {
		params = append(params, FrameQPSetting{QPI: e.QP.I, QPP: e.QP.P, QPB: e.QP.B})
	}
	if e.Profile != "" {
		p, err := ParseProfile(e.Profile)
		if err != nil {
			return nil, err
		}
		params = append(params, ProfileSetting{Profile: p})
	}
	if e.Level != "" {
		l, err := ParseLevel(e.Level)
		if err != nil {
			return nil, err
		}
		params = append(params, LevelSetting{Level: l})
	}
	if e.MemoryType != "" {
		t, err := ParseMemoryType(e.MemoryType)
		if err != nil {
			return nil, err
		}
		params = append(params, MemoryTypeSetting{Type: t})
	}
	return params, nil
}

// TuningsFor returns the tunings to attach to the given frame.
func (j EncodeJob) TuningsFor(frame uint64) []Param {
	var params []Param
	if n := j.Encoder.KeyInterval; n > 0 && frame > 0 && frame%n == 0 {
		params = append(params, IntraRefreshTuning{Force: true})
	}
	for _, t := range j.Tunings {
		if t.Frame != frame {
			continue
		}
		if t.Bitrate != 0 {
			params = append(params, BitrateTuning{Value: t.Bitrate})
		}
		if t.IntraRefresh && !hasParam(params, IndexIntraRefresh) {
			params = append(params, IntraRefreshTuning{Force: true})
		}
	}
	return params
}

func hasParam(params []Param, idx ParamIndex) bool {
	for _, p := range params {
		if p.Index() == idx {
			return true
		}
	}
	return false
}

// PatternConfig returns the generator configuration of the job input.
func (j EncodeJob) PatternConfig() (PatternConfig, error) {
	format := PixelFormatNV12
	if j.Input.Format != "" {
		f, err := ParsePixelFormat(j.Input.Format)
		if err != nil {
			return PatternConfig{}, err
		}
		format = f
	}
	return PatternConfig{
		Width:  j.Input.Width,
		Height: j.Input.Height,
		Format: format,
		FPS:    j.Input.FPS,
	}, nil
}

// Generator returns the frame generator of the job input.
func (j EncodeJob) Generator() (FrameGenerator, error) {
	cfg, err := j.PatternConfig()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(j.Input.Pattern) {
	case "", "stripes":
		return NewStripeGenerator(cfg), nil
	case "noise":
		return NewNoiseGenerator(cfg, j.Input.Seed), nil
	default:
		return nil, fmt.Errorf("%w: unknown pattern %q", ErrBadValue, j.Input.Pattern)
	}
}

func parseNamed[T fmt.Stringer](kind, s string, candidates []T) (T, error) {
	for _, c := range candidates {
		if strings.EqualFold(c.String(), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: unknown %s %q", ErrBadValue, kind, s)
}

// ParseRateControl parses CBR, VBR or CQP.
func ParseRateControl(s string) (RateControlMethod, error) {
	return parseNamed("rate control", s, []RateControlMethod{RateControlCBR, RateControlVBR, RateControlCQP})
}

// ParseProfile parses a profile name such as "AVC High" or "HEVC Main".
func ParseProfile(s string) (Profile, error) {
	return parseNamed("profile", s, []Profile{
		ProfileAVCBaseline, ProfileAVCConstrainedBaseline, ProfileAVCMain, ProfileAVCHigh,
		ProfileHEVCMain, ProfileHEVCMainStill,
	})
}

// ParseLevel parses a level name such as "AVC 4.1" or "HEVC Main 5.1".
func ParseLevel(s string) (Level, error) {
	var levels []Level
	for l := LevelAVC1; l <= LevelAVC52; l++ {
		levels = append(levels, l)
	}
	for l := LevelHEVCMain1; l <= LevelHEVCMain62; l++ {
		levels = append(levels, l)
	}
	return parseNamed("level", s, levels)
}

// ParsePixelFormat parses NV12 or I420.
func ParsePixelFormat(s string) (PixelFormat, error) {
	return parseNamed("pixel format", s, []PixelFormat{PixelFormatNV12, PixelFormatI420})
}

// ParseMemoryType parses system or graphics.
func ParseMemoryType(s string) (MemoryType, error) {
	return parseNamed("memory type", s, []MemoryType{MemorySystem, MemoryGraphics})
}
