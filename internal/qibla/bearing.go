package qibla

import (
	"fmt"
	"math"

	"github.com/umahmood/haversine"
)

// GeoPosition is a single position fix in decimal degrees.
type GeoPosition struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Kaaba is the fixed destination every bearing is computed against.
var Kaaba = GeoPosition{Lat: 21.4225, Lng: 39.8262}

// poleLatDeg is the latitude beyond which Bearing gives up and returns 0.
// Near the poles every direction is "south" (or "north") and atan2 is unstable.
const poleLatDeg = 89.9

func (p GeoPosition) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func (p GeoPosition) String() string {
	return fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lng)
}

// Bearing returns the initial great-circle bearing from (lat1,lon1) to
// (lat2,lon2) in degrees clockwise from true north, in [0,360).
//
// If either latitude is within 0.1° of a pole the result is 0.
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	if math.Abs(lat1) > poleLatDeg || math.Abs(lat2) > poleLatDeg {
		return 0
	}
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)
	theta := math.Atan2(y, x) * 180 / math.Pi
	return Normalize(theta)
}

// QiblaBearing is the bearing from p to the Kaaba.
func QiblaBearing(p GeoPosition) float64 {
	return Bearing(p.Lat, p.Lng, Kaaba.Lat, Kaaba.Lng)
}

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b GeoPosition) float64 {
	_, km := haversine.Distance(
		haversine.Coord{Lat: a.Lat, Lon: a.Lng},
		haversine.Coord{Lat: b.Lat, Lon: b.Lng},
	)
	return km
}

// DistanceM is DistanceKm in metres.
func DistanceM(a, b GeoPosition) float64 {
	return DistanceKm(a, b) * 1000
}

// Normalize reduces deg to [0,360).
func Normalize(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	// math.Mod(-1e-15, 360)+360 rounds to 360.
	if d >= 360 {
		d = 0
	}
	return d
}
