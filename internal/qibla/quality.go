package qibla

import "math"

// Quality classifies how trustworthy a magnetometer-derived heading is.
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityFair         Quality = "fair"
	QualityPoor         Quality = "poor"
	QualityInterference Quality = "interference"
)

// Earth's field is roughly 25-65 µT at the surface. Readings well outside
// that band mean nearby metal, magnets or an uncalibrated sensor.
var qualityBands = []struct {
	low, high float64
	q         Quality
}{
	// Checked in order; the first band that excludes the magnitude wins.
	{15, 100, QualityInterference},
	{20, 80, QualityPoor},
	{25, 65, QualityFair},
	{30, 60, QualityGood},
}

// AssessQuality maps a magnetic field magnitude (µT) to a quality tier.
func AssessQuality(magnitude float64) Quality {
	for _, b := range qualityBands {
		if magnitude < b.low || magnitude > b.high {
			return b.q
		}
	}
	if math.IsNaN(magnitude) {
		return QualityInterference
	}
	return QualityExcellent
}

// Degraded reports whether q should be surfaced to the user as a warning.
func (q Quality) Degraded() bool {
	return q == QualityPoor || q == QualityInterference
}
