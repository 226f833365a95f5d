// Package location provides position sources for the qibla engine: a GNSS
// receiver (serial NMEA or gpsd), a fixed position, and a polling helper that
// turns "current position" into a filtered watch stream.
package location

import (
	"context"
	"errors"
	"time"

	"qibla-ng/internal/qibla"
)

var (
	// ErrNoFix is returned when no usable fix is available yet.
	ErrNoFix = errors.New("location: no position fix")
	// ErrNotStarted is returned by a receiver that was never started.
	ErrNotStarted = errors.New("location: receiver not started")
	// ErrPermissionDenied is returned when position access is refused.
	ErrPermissionDenied = errors.New("location: permission denied")
)

type Accuracy string

const (
	AccuracyLow      Accuracy = "low"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyHigh     Accuracy = "high"
)

// maxFixAge returns how old a cached fix may be for this accuracy.
func (a Accuracy) maxFixAge() time.Duration {
	switch a {
	case AccuracyLow:
		return 60 * time.Second
	case AccuracyHigh:
		return 2 * time.Second
	default:
		return 10 * time.Second
	}
}

type WatchOptions struct {
	Accuracy     Accuracy
	MinInterval  time.Duration
	MinDistanceM float64
}

// Service is what the engine needs from a position provider.
type Service interface {
	RequestForegroundPermission(ctx context.Context) (bool, error)
	// CurrentPosition blocks until a fix is available or ctx is done.
	CurrentPosition(ctx context.Context, acc Accuracy) (qibla.GeoPosition, error)
	WatchPosition(opts WatchOptions, cb func(qibla.GeoPosition)) (qibla.Subscription, error)
}

// Filter decides which positions a watch forwards: the first one, then any
// that is both at least MinInterval after the last forwarded one and at
// least MinDistanceM away from it.
type Filter struct {
	opts WatchOptions

	have   bool
	lastAt time.Time
	last   qibla.GeoPosition
}

func NewFilter(opts WatchOptions) *Filter {
	return &Filter{opts: opts}
}

func (f *Filter) Accept(p qibla.GeoPosition, at time.Time) bool {
	if !p.Valid() {
		return false
	}
	if !f.have {
		f.have = true
		f.last = p
		f.lastAt = at
		return true
	}
	if at.Sub(f.lastAt) < f.opts.MinInterval {
		return false
	}
	if qibla.DistanceM(f.last, p) < f.opts.MinDistanceM {
		return false
	}
	f.last = p
	f.lastAt = at
	return true
}

var newTicker = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Poll samples get every interval and forwards positions that pass a Filter
// built from opts. It stops when the returned subscription is removed.
func Poll(interval time.Duration, get func() (qibla.GeoPosition, bool), opts WatchOptions, cb func(qibla.GeoPosition)) qibla.Subscription {
	if interval <= 0 {
		interval = time.Second
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	f := NewFilter(opts)

	emit := func(now time.Time) {
		if p, ok := get(); ok && f.Accept(p, now) {
			cb(p)
		}
	}

	go func() {
		defer close(done)
		// Ticks carry their scheduled time; stamp the first fix no later.
		start := time.Now()
		tick, stop := newTicker(interval)
		defer stop()

		emit(start)
		for {
			select {
			case <-stopCh:
				return
			case now := <-tick:
				select {
				case <-stopCh:
					return
				default:
				}
				emit(now)
			}
		}
	}()

	return qibla.NewSubscription(func() {
		close(stopCh)
	})
}
