package location

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// gpsdWatchCmd asks gpsd for JSON reports in degrees and metres.
const gpsdWatchCmd = `?WATCH={"enable":true,"json":true,"scaled":true}` + "\n"

// openGPSD connects to gpsd and starts the report stream.
func openGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if addr == "" {
		addr = gpsdDefaultAddr
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(gpsdWatchCmd)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gpsd watch: %w", err)
	}
	return conn, nil
}

// gpsdReport holds the fields we use from TPV and SKY reports. Other classes
// (VERSION, DEVICES, WATCH) decode into it and are ignored.
type gpsdReport struct {
	Class string `json:"class"`

	// TPV
	Mode *int     `json:"mode"`
	Time string   `json:"time"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
	Eph  *float64 `json:"eph"`
	Epx  *float64 `json:"epx"`
	Epy  *float64 `json:"epy"`

	// SKY
	HDOP       *float64 `json:"hdop"`
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
}

// horizontalError is eph when gpsd reports it, else the combined
// longitude/latitude error.
func (r gpsdReport) horizontalError() (float64, bool) {
	switch {
	case r.Eph != nil:
		return *r.Eph, true
	case r.Epx != nil && r.Epy != nil:
		return math.Hypot(*r.Epx, *r.Epy), true
	}
	return 0, false
}

// gpsdMode2D is the lowest TPV mode that carries a position.
const gpsdMode2D = 2

// gpsdState folds gpsd reports into a receiver snapshot.
type gpsdState struct {
	addr string

	mode     int
	pos      *[2]float64
	hErrM    *float64
	hdop     *float64
	satsUsed *int

	valid   bool
	lastFix time.Time
}

func newGPSDState(addr string) *gpsdState {
	if addr == "" {
		addr = gpsdDefaultAddr
	}
	return &gpsdState{addr: addr}
}

// applyLine decodes one report and reports whether the snapshot changed.
func (s *gpsdState) applyLine(nowUTC time.Time, line string) (bool, error) {
	var r gpsdReport
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return false, fmt.Errorf("gpsd: bad report: %w", err)
	}
	switch r.Class {
	case "TPV":
		return s.applyTPV(nowUTC, r), nil
	case "SKY":
		return s.applySKY(r), nil
	}
	return false, nil
}

func (s *gpsdState) applyTPV(nowUTC time.Time, r gpsdReport) bool {
	changed := false
	if r.Mode != nil {
		s.mode = *r.Mode
		changed = true
	}
	if e, ok := r.horizontalError(); ok {
		s.hErrM = &e
		changed = true
	}
	if r.Lat != nil && r.Lon != nil {
		s.pos = &[2]float64{*r.Lat, *r.Lon}
		changed = true
	}

	hasFix := s.mode >= gpsdMode2D && s.pos != nil
	if hasFix {
		s.lastFix = nowUTC
		if t, err := time.Parse(time.RFC3339Nano, r.Time); err == nil {
			s.lastFix = t.UTC()
		}
		changed = true
	} else if s.valid {
		changed = true
	}
	s.valid = hasFix
	return changed
}

func (s *gpsdState) applySKY(r gpsdReport) bool {
	changed := false
	if r.HDOP != nil {
		h := *r.HDOP
		s.hdop = &h
		changed = true
	}
	if len(r.Satellites) > 0 {
		n := 0
		for _, sat := range r.Satellites {
			if sat.Used {
				n++
			}
		}
		s.satsUsed = &n
		changed = true
	}
	return changed
}

func (s *gpsdState) snapshot() Snapshot {
	out := Snapshot{
		Enabled:    true,
		Valid:      s.valid,
		Source:     "gpsd",
		Device:     "gpsd",
		GPSDAddr:   s.addr,
		Satellites: s.satsUsed,
		HDOP:       s.hdop,
		HorizAccM:  s.hErrM,
		lastFix:    s.lastFix,
	}
	if s.pos != nil {
		out.LatDeg, out.LonDeg = s.pos[0], s.pos[1]
	}
	if !s.lastFix.IsZero() {
		out.LastFixUTC = s.lastFix.Format(time.RFC3339Nano)
	}
	return out
}
