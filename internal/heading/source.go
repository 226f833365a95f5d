package heading

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"qibla-ng/internal/qibla"
)

// ErrUnavailable is returned by Start when no candidate source could be started.
var ErrUnavailable = errors.New("compass sensors unavailable on this device")

// Sample is one normalized heading reading.
type Sample struct {
	HeadingDeg float64       `json:"heading_deg"`
	Quality    qibla.Quality `json:"quality"`
	// Magnitude is the raw field strength in µT; zero for sources that don't expose it.
	Magnitude float64   `json:"magnitude_ut,omitempty"`
	Source    string    `json:"source"`
	At        time.Time `json:"at"`
}

// Reading is what a platform heading service reports.
// TrueHeading < 0 (or NaN) means the platform has no true-north reference.
type Reading struct {
	TrueHeading float64 `json:"true_heading"`
	MagHeading  float64 `json:"mag_heading"`
}

// Vector is a raw magnetic field sample in µT.
type Vector struct {
	X, Y, Z float64
}

func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// HeadingService is a platform service that computes a heading on its own.
type HeadingService interface {
	WatchHeading(cb func(Reading)) (qibla.Subscription, error)
}

// Magnetometer delivers raw field vectors at a configurable interval.
type Magnetometer interface {
	SetUpdateInterval(d time.Duration)
	AddListener(cb func(Vector)) (qibla.Subscription, error)
}

// Source is a startable heading stream. Only one is active at a time.
type Source interface {
	Name() string
	Start(onSample func(Sample)) error
	Stop()
}

const (
	NamePlatform     = "platform"
	NameMagnetometer = "magnetometer"
)

// Start tries each candidate in order and returns the first one that starts.
// Nil candidates are skipped.
func Start(candidates []Source, onSample func(Sample), log logrus.FieldLogger) (Source, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	var errs []error
	for _, src := range candidates {
		if src == nil {
			continue
		}
		if err := src.Start(onSample); err != nil {
			log.WithError(err).WithField("source", src.Name()).Warn("heading source failed to start, trying next")
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		log.WithField("source", src.Name()).Info("heading source started")
		return src, nil
	}
	if len(errs) == 0 {
		return nil, ErrUnavailable
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

// PlatformSource adapts a HeadingService.
type PlatformSource struct {
	svc HeadingService
	now func() time.Time

	mu  sync.Mutex
	sub qibla.Subscription
}

func NewPlatformSource(svc HeadingService) *PlatformSource {
	return &PlatformSource{svc: svc, now: time.Now}
}

func (p *PlatformSource) Name() string { return NamePlatform }

func (p *PlatformSource) Start(onSample func(Sample)) error {
	if p == nil || p.svc == nil {
		return fmt.Errorf("heading: platform service not available")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		p.sub.Remove()
		p.sub = nil
	}
	sub, err := p.svc.WatchHeading(func(r Reading) {
		s, ok := p.sampleFromReading(r)
		if ok && onSample != nil {
			onSample(s)
		}
	})
	if err != nil {
		return err
	}
	p.sub = sub
	return nil
}

func (p *PlatformSource) sampleFromReading(r Reading) (Sample, bool) {
	s := Sample{Source: NamePlatform, At: p.now()}
	switch {
	case r.TrueHeading >= 0 && !math.IsNaN(r.TrueHeading):
		s.HeadingDeg = qibla.Normalize(r.TrueHeading)
		s.Quality = qibla.QualityExcellent
	case r.MagHeading >= 0 && !math.IsNaN(r.MagHeading):
		s.HeadingDeg = qibla.Normalize(r.MagHeading)
		s.Quality = qibla.QualityGood
	default:
		return Sample{}, false
	}
	return s, true
}

func (p *PlatformSource) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	if sub != nil {
		sub.Remove()
	}
}

// DefaultMagnetometerInterval is the raw-vector sample cadence.
const DefaultMagnetometerInterval = 100 * time.Millisecond

// MagnetometerSource derives a heading from raw field vectors.
type MagnetometerSource struct {
	mag      Magnetometer
	interval time.Duration
	now      func() time.Time

	mu  sync.Mutex
	sub qibla.Subscription
}

func NewMagnetometerSource(mag Magnetometer, interval time.Duration) *MagnetometerSource {
	if interval <= 0 {
		interval = DefaultMagnetometerInterval
	}
	return &MagnetometerSource{mag: mag, interval: interval, now: time.Now}
}

func (m *MagnetometerSource) Name() string { return NameMagnetometer }

func (m *MagnetometerSource) Start(onSample func(Sample)) error {
	if m == nil || m.mag == nil {
		return fmt.Errorf("heading: magnetometer not available")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		m.sub.Remove()
		m.sub = nil
	}
	m.mag.SetUpdateInterval(m.interval)
	sub, err := m.mag.AddListener(func(v Vector) {
		if onSample != nil {
			onSample(SampleFromVector(v, m.now()))
		}
	})
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

func (m *MagnetometerSource) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Remove()
	}
}

// SampleFromVector computes heading and quality from a raw field vector.
//
// The device is assumed to be held flat; no tilt compensation is applied.
func SampleFromVector(v Vector, at time.Time) Sample {
	mag := v.Magnitude()
	return Sample{
		HeadingDeg: qibla.Normalize(math.Atan2(v.Y, v.X) * 180 / math.Pi),
		Quality:    qibla.AssessQuality(mag),
		Magnitude:  mag,
		Source:     NameMagnetometer,
		At:         at,
	}
}
