package sim

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"qibla-ng/internal/qibla"
)

// ScenarioScript scripts a walk together with the compass heading and
// field strength seen along it. Values between keyframes are interpolated
// linearly; headings take the shorter arc.
//
//	version: 1
//	duration: 30s          # optional, defaults to the last keyframe's t
//	keyframes:
//	  - t: 0s
//	    lat_deg: 21.0
//	    lon_deg: 39.0
//	    heading_deg: 20
//	    field_ut: 45       # optional, 0 means a clean field
type ScenarioScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

type Keyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	HeadingDeg float64       `yaml:"heading_deg"`
	FieldUT    float64       `yaml:"field_ut"`
}

func (k Keyframe) position() qibla.GeoPosition {
	return qibla.GeoPosition{Lat: k.LatDeg, Lng: k.LonDeg}
}

func (k Keyframe) field() float64 {
	if k.FieldUT == 0 {
		return DefaultFieldUT
	}
	return k.FieldUT
}

// Scenario is a validated script.
type Scenario struct {
	kfs      []Keyframe
	duration time.Duration
}

func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, fmt.Errorf("scenario: %w", err)
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML decodes a script. Unknown keys are rejected so
// typos don't silently fall back to zero values.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return ScenarioScript{}, fmt.Errorf("scenario: %w", err)
	}
	return s, nil
}

func NewScenario(script ScenarioScript) (*Scenario, error) {
	switch script.Version {
	case 0, 1:
	default:
		return nil, fmt.Errorf("scenario: unsupported version %d", script.Version)
	}
	kfs := script.Keyframes
	if len(kfs) == 0 {
		return nil, fmt.Errorf("scenario: at least one keyframe is required")
	}
	for i, k := range kfs {
		switch {
		case k.T < 0:
			return nil, fmt.Errorf("scenario: keyframes[%d].t must be >= 0", i)
		case i > 0 && k.T < kfs[i-1].T:
			return nil, fmt.Errorf("scenario: keyframes[%d].t is before keyframes[%d].t", i, i-1)
		case !k.position().Valid():
			return nil, fmt.Errorf("scenario: keyframes[%d] position %s out of range", i, k.position())
		case k.FieldUT < 0:
			return nil, fmt.Errorf("scenario: keyframes[%d].field_ut must be >= 0", i)
		}
	}

	d := script.Duration
	if d <= 0 {
		d = kfs[len(kfs)-1].T
	}
	if d <= 0 && len(kfs) > 1 {
		return nil, fmt.Errorf("scenario: duration is zero")
	}
	return &Scenario{kfs: append([]Keyframe(nil), kfs...), duration: d}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// ScenarioState is what the scenario shows at one instant.
type ScenarioState struct {
	Position   qibla.GeoPosition
	HeadingDeg float64
	FieldUT    float64
}

// StateAt returns the state elapsed into the scenario. With loop the
// scenario repeats; without it, it holds the last keyframe.
func (s *Scenario) StateAt(elapsed time.Duration, loop bool) ScenarioState {
	if s == nil {
		return ScenarioState{}
	}
	switch {
	case elapsed < 0:
		elapsed = 0
	case s.duration > 0 && loop:
		elapsed %= s.duration
	case elapsed > s.duration:
		elapsed = s.duration
	}
	a, b, f := s.segment(elapsed)
	return ScenarioState{
		Position: qibla.GeoPosition{
			Lat: lerp(a.LatDeg, b.LatDeg, f),
			Lng: lerp(a.LonDeg, b.LonDeg, f),
		},
		HeadingDeg: lerpAngleDeg(a.HeadingDeg, b.HeadingDeg, f),
		FieldUT:    lerp(a.field(), b.field(), f),
	}
}

// segment returns the keyframes around t and how far t is between them.
func (s *Scenario) segment(t time.Duration) (a, b Keyframe, f float64) {
	next := sort.Search(len(s.kfs), func(i int) bool { return s.kfs[i].T > t })
	switch next {
	case 0:
		return s.kfs[0], s.kfs[0], 0
	case len(s.kfs):
		last := s.kfs[len(s.kfs)-1]
		return last, last, 0
	}
	a, b = s.kfs[next-1], s.kfs[next]
	span := b.T - a.T
	if span <= 0 {
		return b, b, 0
	}
	f = float64(t-a.T) / float64(span)
	return a, b, min(max(f, 0), 1)
}

func lerp(a, b, f float64) float64 {
	return a + (b-a)*f
}

// lerpAngleDeg interpolates along the shorter arc.
func lerpAngleDeg(a, b, f float64) float64 {
	return qibla.Normalize(a + qibla.ShortestAngularDelta(a, b)*f)
}
