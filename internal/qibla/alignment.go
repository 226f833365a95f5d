package qibla

import (
	"fmt"
	"math"
)

// DefaultAlignThresholdDeg is the largest offset still reported as facing the Qibla.
const DefaultAlignThresholdDeg = 8.0

type Direction string

const (
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

type Intensity string

const (
	IntensityGently   Intensity = "gently"
	IntensitySlightly Intensity = "slightly"
	IntensityALot     Intensity = "a lot"
)

// Guidance describes the smaller rotation that brings the device onto the bearing.
type Guidance struct {
	Direction Direction `json:"direction"`
	Degrees   int       `json:"degrees"`
	Intensity Intensity `json:"intensity"`
}

// Alignment is everything derived from one (heading, bearing) pair.
type Alignment struct {
	// Delta is the signed rotation from heading to bearing, in (-180,180].
	Delta    float64  `json:"delta_deg"`
	OffBy    float64  `json:"off_by_deg"`
	Aligned  bool     `json:"aligned"`
	Guidance Guidance `json:"guidance"`
}

// ShortestAngularDelta returns the signed rotation that takes from onto to,
// in (-180,180]. Positive is clockwise.
func ShortestAngularDelta(from, to float64) float64 {
	diff := Normalize(to) - Normalize(from)
	d := math.Mod(diff+540, 360) - 180
	if d <= -180 {
		d = 180
	}
	return d
}

// GuidanceFor builds turn guidance from a signed delta.
func GuidanceFor(delta float64) Guidance {
	abs := math.Abs(delta)
	g := Guidance{
		Direction: DirectionLeft,
		Degrees:   int(math.Round(abs)),
		Intensity: IntensityGently,
	}
	if delta > 0 {
		g.Direction = DirectionRight
	}
	switch {
	case abs > 45:
		g.Intensity = IntensityALot
	case abs > 15:
		g.Intensity = IntensitySlightly
	}
	return g
}

// Evaluate compares heading against bearing. thresholdDeg <= 0 selects the default.
func Evaluate(heading, bearing, thresholdDeg float64) Alignment {
	if thresholdDeg <= 0 {
		thresholdDeg = DefaultAlignThresholdDeg
	}
	delta := ShortestAngularDelta(heading, bearing)
	off := math.Abs(delta)
	return Alignment{
		Delta:    delta,
		OffBy:    off,
		Aligned:  off <= thresholdDeg,
		Guidance: GuidanceFor(delta),
	}
}

// Text is the human-readable instruction for a.
func (a Alignment) Text() string {
	if a.Aligned {
		return "Facing the Qibla"
	}
	return fmt.Sprintf("Turn %s %d° %s", a.Guidance.Direction, a.Guidance.Degrees, a.Guidance.Intensity)
}

// ArrowRotation is the angle the on-screen arrow must point to, relative to
// the top of the device, so that it indicates the bearing.
func ArrowRotation(heading, bearing float64) float64 {
	return Normalize(bearing - heading)
}
