// Package sim provides simulated position and heading collaborators for
// running the engine without hardware.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"qibla-ng/internal/location"
	"qibla-ng/internal/qibla"
)

const metersPerDegLat = 111320.0

type WalkerConfig struct {
	Center  qibla.GeoPosition
	RadiusM float64
	Period  time.Duration
	// Denied makes the permission request come back refused.
	Denied bool
	// FailFixes fails that many CurrentPosition calls before succeeding.
	FailFixes int
	Scenario  *Scenario
	Loop      bool
}

// Walker is a location.Service that walks a deterministic figure-eight
// around Center, or follows Scenario when one is set.
type Walker struct {
	cfg   WalkerConfig
	now   func() time.Time
	start time.Time

	mu    sync.Mutex
	fails int
}

func NewWalker(cfg WalkerConfig) (*Walker, error) {
	if cfg.Scenario == nil && !cfg.Center.Valid() {
		return nil, fmt.Errorf("sim: invalid walker centre %s", cfg.Center)
	}
	if cfg.RadiusM < 0 {
		return nil, fmt.Errorf("sim: radius must be >= 0")
	}
	if cfg.Period <= 0 {
		cfg.Period = 120 * time.Second
	}
	return &Walker{cfg: cfg, now: time.Now, start: time.Now()}, nil
}

// PositionAt returns the walker's position at now.
func (w *Walker) PositionAt(now time.Time) qibla.GeoPosition {
	if w.cfg.Scenario != nil {
		return w.cfg.Scenario.StateAt(now.Sub(w.start), w.cfg.Loop).Position
	}
	if w.cfg.RadiusM == 0 {
		return w.cfg.Center
	}
	period := w.cfg.Period
	radiusDeg := w.cfg.RadiusM / metersPerDegLat
	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())

	// Figure-eight (Lissajous) path that stays within the radius:
	//	x = cos(2πt), y = 0.5*sin(4πt)
	wt := 2 * math.Pi * phase
	x := math.Cos(wt)
	y := 0.5 * math.Sin(2*wt)

	lat := w.cfg.Center.Lat + radiusDeg*y
	lng := w.cfg.Center.Lng + (radiusDeg*x)/math.Cos(w.cfg.Center.Lat*math.Pi/180.0)
	return qibla.GeoPosition{Lat: lat, Lng: lng}
}

func (w *Walker) RequestForegroundPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !w.cfg.Denied, nil
}

func (w *Walker) CurrentPosition(ctx context.Context, _ location.Accuracy) (qibla.GeoPosition, error) {
	if w.cfg.Denied {
		return qibla.GeoPosition{}, location.ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return qibla.GeoPosition{}, err
	}
	w.mu.Lock()
	fail := w.fails < w.cfg.FailFixes
	if fail {
		w.fails++
	}
	w.mu.Unlock()
	if fail {
		return qibla.GeoPosition{}, location.ErrNoFix
	}
	return w.PositionAt(w.now()), nil
}

func (w *Walker) WatchPosition(opts location.WatchOptions, cb func(qibla.GeoPosition)) (qibla.Subscription, error) {
	if w.cfg.Denied {
		return nil, location.ErrPermissionDenied
	}
	interval := opts.MinInterval
	if interval <= 0 {
		interval = time.Second
	}
	return location.Poll(interval, func() (qibla.GeoPosition, bool) {
		return w.PositionAt(w.now()), true
	}, opts, cb), nil
}
