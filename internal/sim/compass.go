package sim

import (
	"errors"
	"math"
	"sync"
	"time"

	"qibla-ng/internal/heading"
	"qibla-ng/internal/qibla"
)

// DefaultFieldUT is a clean mid-latitude field strength.
const DefaultFieldUT = 45.0

var (
	errPlatformOff = errors.New("sim: platform heading disabled")
	errMagOff      = errors.New("sim: magnetometer disabled")
)

type CompassConfig struct {
	StartDeg      float64
	RateDegPerSec float64
	FieldUT       float64
	// NoTrueNorth makes platform readings carry only a magnetic heading.
	NoTrueNorth         bool
	PlatformUnavailable bool
	MagUnavailable      bool
	Scenario            *Scenario
	Loop                bool
}

// Compass is both a heading.HeadingService and a heading.Magnetometer. It
// sweeps the heading at a constant rate, or follows Scenario when set.
type Compass struct {
	cfg   CompassConfig
	now   func() time.Time
	start time.Time

	readings qibla.Listeners[heading.Reading]
	vectors  qibla.Listeners[heading.Vector]

	mu       sync.Mutex
	interval time.Duration
	stalled  bool
	stopCh   chan struct{}
	resetCh  chan struct{}
}

func NewCompass(cfg CompassConfig) *Compass {
	if cfg.FieldUT <= 0 {
		cfg.FieldUT = DefaultFieldUT
	}
	return &Compass{
		cfg:      cfg,
		now:      time.Now,
		start:    time.Now(),
		interval: heading.DefaultMagnetometerInterval,
		resetCh:  make(chan struct{}, 1),
	}
}

// At returns the simulated heading and field magnitude at now.
func (c *Compass) At(now time.Time) (headingDeg, fieldUT float64) {
	elapsed := now.Sub(c.start)
	if c.cfg.Scenario != nil {
		st := c.cfg.Scenario.StateAt(elapsed, c.cfg.Loop)
		return st.HeadingDeg, st.FieldUT
	}
	return qibla.Normalize(c.cfg.StartDeg + c.cfg.RateDegPerSec*elapsed.Seconds()), c.cfg.FieldUT
}

// SetStalled stops (or resumes) delivery without removing listeners.
func (c *Compass) SetStalled(stalled bool) {
	c.mu.Lock()
	c.stalled = stalled
	c.mu.Unlock()
}

func (c *Compass) SetUpdateInterval(d time.Duration) {
	if d <= 0 {
		d = heading.DefaultMagnetometerInterval
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

func (c *Compass) WatchHeading(cb func(heading.Reading)) (qibla.Subscription, error) {
	if c.cfg.PlatformUnavailable {
		return nil, errPlatformOff
	}
	sub, _ := c.readings.Add(cb, c.maybeStop)
	c.ensureRunning()
	return sub, nil
}

func (c *Compass) AddListener(cb func(heading.Vector)) (qibla.Subscription, error) {
	if c.cfg.MagUnavailable {
		return nil, errMagOff
	}
	sub, _ := c.vectors.Add(cb, c.maybeStop)
	c.ensureRunning()
	return sub, nil
}

func (c *Compass) ensureRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	go c.run(c.stopCh)
}

func (c *Compass) maybeStop() {
	if c.readings.Len() > 0 || c.vectors.Len() > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

func (c *Compass) currentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *Compass) run(stopCh chan struct{}) {
	t := time.NewTicker(c.currentInterval())
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-c.resetCh:
			t.Reset(c.currentInterval())
		case now := <-t.C:
			c.mu.Lock()
			stalled := c.stalled
			c.mu.Unlock()
			if !stalled {
				c.emit(now)
			}
		}
	}
}

func (c *Compass) emit(now time.Time) {
	h, field := c.At(now)
	r := heading.Reading{TrueHeading: h, MagHeading: h}
	if c.cfg.NoTrueNorth {
		r.TrueHeading = -1
	}
	c.readings.Emit(r)

	rad := h * math.Pi / 180
	c.vectors.Emit(heading.Vector{X: field * math.Cos(rad), Y: field * math.Sin(rad)})
}
