package engine

import (
	"fmt"
	"time"

	"qibla-ng/internal/heading"
	"qibla-ng/internal/qibla"
)

// Machine is the synchronous core: it owns State and applies every
// transition. It does no I/O and starts no goroutines; Engine drives it from
// a single loop.
type Machine struct {
	cfg Config
	now func() time.Time

	st          State
	lastPulseAt time.Time
	errStatus   string
}

func NewMachine(cfg Config, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	m := &Machine{cfg: cfg.withDefaults(), now: now}
	m.Reset()
	return m
}

func (m *Machine) State() State { return m.st }

func (m *Machine) Config() Config { return m.cfg }

func (m *Machine) touch() {
	m.st.UpdatedAt = m.now().UTC()
}

// Reset clears everything back to initializing. Pulse and shake counters keep
// counting so renderers never see them go backwards.
func (m *Machine) Reset() {
	pulse, shake := m.st.PulseSeq, m.st.ShakeSeq
	bg := m.st.Backgrounded
	m.st = State{
		Phase:        PhaseInitializing,
		Status:       StatusInitializing,
		PulseSeq:     pulse,
		ShakeSeq:     shake,
		Backgrounded: bg,
	}
	m.lastPulseAt = time.Time{}
	m.errStatus = ""
	m.touch()
}

func (m *Machine) BeginLocation() {
	m.st.Phase = PhaseRequestingLocation
	m.st.Status = StatusRequestingPerm
	m.touch()
}

// PermissionResult applies the permission outcome and reports whether the
// engine should go on to acquire a fix.
func (m *Machine) PermissionResult(granted bool, err error) bool {
	if err != nil {
		m.fail(fmt.Sprintf("Location unavailable: %v", err))
		return false
	}
	if !granted {
		m.fail(StatusPermissionDenied)
		return false
	}
	m.st.Status = StatusLocating
	m.touch()
	return true
}

// FixFailed counts a failed fix attempt and reports whether another attempt
// should be made after the backoff.
func (m *Machine) FixFailed(err error) bool {
	m.st.RetryCount++
	if m.st.RetryCount >= m.cfg.MaxRetries {
		m.fail(StatusLocationFailed)
		return false
	}
	m.st.Status = fmt.Sprintf("Location attempt %d of %d failed, retrying", m.st.RetryCount, m.cfg.MaxRetries)
	m.touch()
	return true
}

// FixAcquired stores the first fix and moves on to sensor startup.
func (m *Machine) FixAcquired(p qibla.GeoPosition) {
	m.setPosition(p)
	m.st.Phase = PhaseStartingSensors
	m.st.Status = StatusStartingSensors
	m.touch()
}

// PositionUpdate applies a watched position. It reports whether the bearing
// change produced an alignment pulse.
func (m *Machine) PositionUpdate(p qibla.GeoPosition) bool {
	if !p.Valid() || m.st.Phase == PhaseError {
		return false
	}
	m.setPosition(p)
	pulse := m.recompute()
	m.touch()
	return pulse
}

func (m *Machine) setPosition(p qibla.GeoPosition) {
	m.st.Position = p
	m.st.HasPosition = true
	m.st.BearingDeg = qibla.Bearing(p.Lat, p.Lng, m.cfg.Destination.Lat, m.cfg.Destination.Lng)
	m.st.DistanceKm = qibla.DistanceKm(p, m.cfg.Destination)
}

func (m *Machine) SensorsStarted(source string) {
	m.st.Phase = PhaseActive
	m.st.Status = StatusActive
	m.st.Source = source
	m.st.SensorsStale = false
	m.touch()
}

func (m *Machine) SensorsFailed(err error) {
	msg := heading.ErrUnavailable.Error()
	if err != nil {
		msg = err.Error()
	}
	m.fail(msg)
}

// HeadingSample applies one heading sample and reports whether it produced
// an alignment pulse.
func (m *Machine) HeadingSample(s heading.Sample) bool {
	now := m.now()
	at := s.At
	if at.IsZero() {
		at = now
	}
	m.st.HeadingDeg = qibla.Normalize(s.HeadingDeg)
	m.st.HasHeading = true
	m.st.Quality = s.Quality
	if s.Source != "" {
		m.st.Source = s.Source
	}
	m.st.LastSensorUpdate = at.UTC()
	if m.st.SensorsStale {
		m.st.SensorsStale = false
		if m.st.Phase == PhaseActive {
			m.st.Status = StatusActive
		}
	}
	pulse := m.recompute()
	m.touch()
	return pulse
}

// recompute derives alignment from the latest heading and bearing. A pulse
// fires on the rising edge of Aligned, only while active, at most once per
// FeedbackDebounce.
func (m *Machine) recompute() bool {
	if !m.st.HasHeading || !m.st.HasPosition {
		return false
	}
	was := m.st.Alignment.Aligned
	a := qibla.Evaluate(m.st.HeadingDeg, m.st.BearingDeg, m.cfg.AlignThresholdDeg)
	m.st.Alignment = a
	m.st.GuidanceText = a.Text()
	m.st.ArrowRotationDeg = qibla.ArrowRotation(m.st.HeadingDeg, m.st.BearingDeg)

	if !a.Aligned || was || m.st.Phase != PhaseActive {
		return false
	}
	now := m.now()
	if !m.lastPulseAt.IsZero() && now.Sub(m.lastPulseAt) < m.cfg.FeedbackDebounce {
		return false
	}
	m.lastPulseAt = now
	m.st.PulseSeq++
	return true
}

// WatchdogExpired marks the sensors stale if nothing arrived for
// SensorTimeout while active. It reports whether the shake cue fired.
func (m *Machine) WatchdogExpired() bool {
	if m.st.Phase != PhaseActive || m.st.SensorsStale {
		return false
	}
	if !m.st.LastSensorUpdate.IsZero() && m.now().Sub(m.st.LastSensorUpdate) < m.cfg.SensorTimeout {
		return false
	}
	m.st.SensorsStale = true
	m.st.Status = StatusSensorsStale
	m.st.ShakeSeq++
	m.touch()
	return true
}

// Recenter re-commands the arrow and reports whether the heading source
// should be restarted because samples are older than RecenterStaleAfter.
func (m *Machine) Recenter() bool {
	if m.st.Phase != PhaseActive {
		return false
	}
	if m.st.HasHeading && m.st.HasPosition {
		m.st.ArrowRotationDeg = qibla.ArrowRotation(m.st.HeadingDeg, m.st.BearingDeg)
	}
	m.touch()
	last := m.st.LastSensorUpdate
	return last.IsZero() || m.now().Sub(last) > m.cfg.RecenterStaleAfter
}

// RestartingSensors notes that the heading source is being restarted while
// the phase stays active.
func (m *Machine) RestartingSensors() {
	m.st.Status = StatusStartingSensors
	m.touch()
}

// ClearForRetry resets for an explicit user retry. RetryCount goes back to 0
// and the position is forgotten.
func (m *Machine) ClearForRetry() {
	m.Reset()
}

func (m *Machine) SetBackgrounded(bg bool) {
	m.st.Backgrounded = bg
	if bg {
		m.st.Status = StatusBackgrounded
	} else {
		m.st.Status = m.statusForPhase()
	}
	m.touch()
}

func (m *Machine) statusForPhase() string {
	switch m.st.Phase {
	case PhaseInitializing:
		return StatusInitializing
	case PhaseRequestingLocation:
		return StatusRequestingPerm
	case PhaseStartingSensors:
		return StatusStartingSensors
	case PhaseActive:
		if m.st.SensorsStale {
			return StatusSensorsStale
		}
		return StatusActive
	default:
		return m.errStatus
	}
}

func (m *Machine) fail(msg string) {
	m.errStatus = msg
	m.st.Phase = PhaseError
	m.st.Status = msg
	m.touch()
}
