package location

import (
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// nmeaState folds RMC and GGA sentences from a serial receiver into a
// snapshot. Nil fields have not been reported yet.
type nmeaState struct {
	device string
	baud   int

	pos  *[2]float64
	sats *int
	hdop *float64

	fixed bool
	fixAt time.Time
}

// apply reports whether sent changed the snapshot. Other sentence types are
// ignored.
func (s *nmeaState) apply(nowUTC time.Time, sent nmea.Sentence) bool {
	if rmc, ok := sent.(nmea.RMC); ok {
		if rmc.Validity == nmea.ValidRMC {
			s.fix(nowUTC, rmc.Latitude, rmc.Longitude)
			return true
		}
		return s.lose()
	}
	gga, ok := sent.(nmea.GGA)
	if !ok {
		return false
	}
	n := int(gga.NumSatellites)
	s.sats = &n
	if gga.HDOP > 0 {
		h := gga.HDOP
		s.hdop = &h
	}
	if gga.FixQuality != nmea.Invalid {
		s.fix(nowUTC, gga.Latitude, gga.Longitude)
	} else {
		s.fixed = false
	}
	return true
}

func (s *nmeaState) fix(at time.Time, lat, lon float64) {
	s.pos = &[2]float64{lat, lon}
	s.fixed = true
	s.fixAt = at
}

// lose drops the fix and reports whether that was a change.
func (s *nmeaState) lose() bool {
	was := s.fixed
	s.fixed = false
	return was
}

func (s *nmeaState) snapshot() Snapshot {
	snap := Snapshot{
		Enabled:    true,
		Valid:      s.fixed && s.pos != nil,
		Source:     "nmea",
		Device:     s.device,
		Baud:       s.baud,
		Satellites: s.sats,
		HDOP:       s.hdop,
		lastFix:    s.fixAt,
	}
	if s.pos != nil {
		snap.LatDeg, snap.LonDeg = s.pos[0], s.pos[1]
	}
	if !s.fixAt.IsZero() {
		snap.LastFixUTC = s.fixAt.UTC().Format(time.RFC3339Nano)
	}
	return snap
}
