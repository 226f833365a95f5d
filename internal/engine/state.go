package engine

import (
	"time"

	"qibla-ng/internal/qibla"
)

// Status messages shown to the user.
const (
	StatusInitializing     = "Initializing"
	StatusRequestingPerm   = "Requesting location permission"
	StatusLocating         = "Getting your location"
	StatusStartingSensors  = "Starting compass"
	StatusActive           = "Point the top of the device toward the arrow"
	StatusPermissionDenied = "Location permission denied. Enable location access in settings and retry."
	StatusLocationFailed   = "Unable to determine your location"
	StatusSensorsStale     = "Sensors not responding. Tap re-center to restart the compass."
	StatusBackgrounded     = "Paused"
)

// State is everything the presentation layer renders. Only the engine
// writes it; readers get copies.
type State struct {
	Phase      Phase  `json:"phase"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`

	HasPosition bool              `json:"has_position"`
	Position    qibla.GeoPosition `json:"position"`
	BearingDeg  float64           `json:"bearing_deg"`
	DistanceKm  float64           `json:"distance_km"`

	HasHeading bool          `json:"has_heading"`
	HeadingDeg float64       `json:"heading_deg"`
	Quality    qibla.Quality `json:"quality,omitempty"`
	Source     string        `json:"source,omitempty"`

	Alignment    qibla.Alignment `json:"alignment"`
	GuidanceText string          `json:"guidance_text,omitempty"`
	// ArrowRotationDeg is the last commanded arrow angle relative to the
	// top of the device.
	ArrowRotationDeg float64 `json:"arrow_rotation_deg"`

	SensorsStale     bool      `json:"sensors_stale"`
	LastSensorUpdate time.Time `json:"last_sensor_update_utc,omitempty"`

	// PulseSeq increments on every alignment feedback pulse; ShakeSeq on
	// every watchdog timeout. Renderers animate on change.
	PulseSeq uint64 `json:"pulse_seq"`
	ShakeSeq uint64 `json:"shake_seq"`

	Backgrounded bool      `json:"backgrounded"`
	UpdatedAt    time.Time `json:"updated_utc"`
}
