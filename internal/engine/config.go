package engine

import (
	"time"

	"qibla-ng/internal/haptic"
	"qibla-ng/internal/location"
	"qibla-ng/internal/qibla"
)

// Config holds the engine's tuning knobs. Zero fields take defaults.
type Config struct {
	AlignThresholdDeg float64
	FeedbackDebounce  time.Duration
	// SensorTimeout is how long without samples before the watchdog reports
	// the sensors as not responding.
	SensorTimeout time.Duration
	// RecenterStaleAfter is how old the last sample must be for Recenter to
	// restart the heading source. Independent of SensorTimeout.
	RecenterStaleAfter time.Duration

	FixTimeout   time.Duration
	FixAccuracy  location.Accuracy
	MaxRetries   int
	RetryBackoff time.Duration

	WatchInterval  time.Duration
	WatchDistanceM float64

	MagnetometerInterval time.Duration
	HapticStyle          haptic.Style

	Destination qibla.GeoPosition
}

func DefaultConfig() Config {
	return Config{
		AlignThresholdDeg:    qibla.DefaultAlignThresholdDeg,
		FeedbackDebounce:     time.Second,
		SensorTimeout:        10 * time.Second,
		RecenterStaleAfter:   5 * time.Second,
		FixTimeout:           10 * time.Second,
		FixAccuracy:          location.AccuracyBalanced,
		MaxRetries:           3,
		RetryBackoff:         2 * time.Second,
		WatchInterval:        5 * time.Second,
		WatchDistanceM:       3,
		MagnetometerInterval: 100 * time.Millisecond,
		HapticStyle:          haptic.StyleMedium,
		Destination:          qibla.Kaaba,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AlignThresholdDeg <= 0 {
		c.AlignThresholdDeg = d.AlignThresholdDeg
	}
	if c.FeedbackDebounce <= 0 {
		c.FeedbackDebounce = d.FeedbackDebounce
	}
	if c.SensorTimeout <= 0 {
		c.SensorTimeout = d.SensorTimeout
	}
	if c.RecenterStaleAfter <= 0 {
		c.RecenterStaleAfter = d.RecenterStaleAfter
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = d.FixTimeout
	}
	if c.FixAccuracy == "" {
		c.FixAccuracy = d.FixAccuracy
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = d.WatchInterval
	}
	if c.WatchDistanceM <= 0 {
		c.WatchDistanceM = d.WatchDistanceM
	}
	if c.MagnetometerInterval <= 0 {
		c.MagnetometerInterval = d.MagnetometerInterval
	}
	if c.HapticStyle == "" {
		c.HapticStyle = d.HapticStyle
	}
	if c.Destination == (qibla.GeoPosition{}) || !c.Destination.Valid() {
		c.Destination = d.Destination
	}
	return c
}
