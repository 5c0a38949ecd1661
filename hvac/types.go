// Package hvac implements the HVAC decision engine: a master state
// machine with subordinate heating and cooling strategies.
package hvac

import (
	"github.com/kradalby/hag/config"
)

// Mode is the operational mode commanded to climate entities.
type Mode string

const (
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
	ModeOff  Mode = "off"
)

// MasterState is the top-level state of the decision engine.
type MasterState int

const (
	StateIdle MasterState = iota
	StateHeating
	StateCooling
	StateDefrost
)

// String implements fmt.Stringer.
func (s MasterState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHeating:
		return "Heating"
	case StateCooling:
		return "Cooling"
	case StateDefrost:
		return "Defrost"
	default:
		return "Unknown"
	}
}

// Observation is one complete set of inputs to an evaluation.
type Observation struct {
	Indoor    float64 // indoor temperature, °C
	Outdoor   float64 // outdoor temperature, °C
	Hour      int     // local wall-clock hour, 0..23
	IsWeekday bool
}

// CommandPlan is the decision produced by one evaluation. Setpoint and
// PresetMode are meaningful only when Mode is not ModeOff.
type CommandPlan struct {
	Mode       Mode
	Setpoint   float64
	PresetMode string
}

// withinActiveHours reports whether hour falls inside the configured
// window. A nil window means always active. Bounds are inclusive and the
// window does not span midnight.
func withinActiveHours(ah *config.ActiveHours, hour int, isWeekday bool) bool {
	if ah == nil {
		return true
	}

	start := ah.StartWeekend
	if isWeekday {
		start = ah.StartWeekday
	}

	return start <= hour && hour <= ah.End
}

// withinRange reports whether v lies in [min, max], bounds inclusive.
func withinRange(v, min, max float64) bool {
	return min <= v && v <= max
}
