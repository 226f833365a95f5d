package engine

import "fmt"

// Phase is the lifecycle stage of the engine.
type Phase int

const (
	PhaseInitializing Phase = iota
	PhaseRequestingLocation
	PhaseStartingSensors
	PhaseActive
	PhaseError
)

var phaseNames = [...]string{
	PhaseInitializing:       "initializing",
	PhaseRequestingLocation: "requesting_location",
	PhaseStartingSensors:    "starting_sensors",
	PhaseActive:             "active",
	PhaseError:              "error",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("engine: unknown phase %q", string(b))
}
