package hvac

import (
	"github.com/jonboulle/clockwork"
	"github.com/kradalby/hag/config"
	"go.uber.org/zap"
)

// Machine is the master HVAC state machine. It holds no hysteresis of its
// own: the heating and cooling strategies decide, the machine arbitrates
// which strategy runs and maps their results onto the top-level state.
//
// The machine is not safe for concurrent use; the controller serializes
// all evaluations.
type Machine struct {
	opts   config.HvacOptions
	logger *zap.Logger

	heating *HeatingStrategy
	cooling *CoolingStrategy

	state MasterState

	indoor    *float64
	outdoor   *float64
	hour      *int
	isWeekday bool
}

// NewMachine creates a master state machine in the Idle state.
func NewMachine(opts config.HvacOptions, clock clockwork.Clock, logger *zap.Logger) *Machine {
	m := &Machine{
		opts:    opts,
		logger:  logger,
		heating: NewHeatingStrategy(opts, clock, logger),
		cooling: NewCoolingStrategy(opts, logger),
		state:   StateIdle,
	}

	logger.Info("hvac state machine initialized",
		zap.String("system_mode", string(opts.SystemMode)),
		zap.Stringer("initial_state", m.state),
	)

	return m
}

// State returns the current master state.
func (m *Machine) State() MasterState {
	return m.state
}

// Mode returns the operational mode implied by the current state. Defrost
// is an internal lockout state and maps to off.
func (m *Machine) Mode() Mode {
	switch m.state {
	case StateHeating:
		return ModeHeat
	case StateCooling:
		return ModeCool
	default:
		return ModeOff
	}
}

// UpdateConditions records the most recent observations. Evaluation is a
// separate step so the controller can re-evaluate on a tick without new
// sensor data.
func (m *Machine) UpdateConditions(indoor, outdoor float64, hour int, isWeekday bool) {
	m.indoor = &indoor
	m.outdoor = &outdoor
	m.hour = &hour
	m.isWeekday = isWeekday

	m.logger.Debug("updated hvac conditions",
		zap.Float64("indoor", indoor),
		zap.Float64("outdoor", outdoor),
		zap.Int("hour", hour),
		zap.Bool("is_weekday", isWeekday),
	)
}

// Evaluate runs one evaluation step and returns the resulting command
// plan. The second return value is false when observations are missing;
// no transition happens in that case.
func (m *Machine) Evaluate() (CommandPlan, bool) {
	if m.indoor == nil || m.outdoor == nil || m.hour == nil {
		m.logger.Warn("cannot evaluate, missing temperature data")
		return CommandPlan{}, false
	}

	obs := Observation{
		Indoor:    *m.indoor,
		Outdoor:   *m.outdoor,
		Hour:      *m.hour,
		IsWeekday: m.isWeekday,
	}

	if !withinActiveHours(m.opts.ActiveHours, obs.Hour, obs.IsWeekday) {
		if m.state != StateIdle {
			m.logger.Info("outside active hours, stopping hvac")
			m.transitionToIdle()
		}
		return CommandPlan{Mode: ModeOff}, true
	}

	target := m.targetMode(obs)

	switch target {
	case config.SystemModeHeatOnly:
		return m.runHeating(obs), true
	case config.SystemModeCoolOnly:
		return m.runCooling(obs), true
	default:
		m.transitionToIdle()
		return CommandPlan{Mode: ModeOff}, true
	}
}

// targetMode arbitrates between heating and cooling. In manual system
// modes arbitration is the identity; in auto mode urgency wins, then
// outdoor operational ranges, then the midpoint rule.
func (m *Machine) targetMode(obs Observation) config.SystemMode {
	if m.opts.SystemMode != config.SystemModeAuto {
		return m.opts.SystemMode
	}

	ht := m.opts.Heating.Thresholds
	ct := m.opts.Cooling.Thresholds

	if obs.Indoor < ht.IndoorMin && withinRange(obs.Outdoor, ht.OutdoorMin, ht.OutdoorMax) {
		m.logger.Debug("auto mode: urgent heating needed",
			zap.Float64("indoor", obs.Indoor),
			zap.Float64("threshold", ht.IndoorMin),
		)
		return config.SystemModeHeatOnly
	}

	if obs.Indoor > ct.IndoorMax && withinRange(obs.Outdoor, ct.OutdoorMin, ct.OutdoorMax) {
		m.logger.Debug("auto mode: urgent cooling needed",
			zap.Float64("indoor", obs.Indoor),
			zap.Float64("threshold", ct.IndoorMax),
		)
		return config.SystemModeCoolOnly
	}

	heatOK := withinRange(obs.Outdoor, ht.OutdoorMin, ht.OutdoorMax)
	coolOK := withinRange(obs.Outdoor, ct.OutdoorMin, ct.OutdoorMax)

	switch {
	case heatOK && coolOK:
		mid := (ht.OutdoorMax + ct.OutdoorMin) / 2.0
		target := config.SystemModeCoolOnly
		if obs.Outdoor <= mid {
			target = config.SystemModeHeatOnly
		}
		m.logger.Debug("auto mode: both systems available",
			zap.Float64("outdoor", obs.Outdoor),
			zap.Float64("mid_temp", mid),
			zap.String("selected", string(target)),
		)
		return target
	case heatOK:
		return config.SystemModeHeatOnly
	case coolOK:
		return config.SystemModeCoolOnly
	default:
		m.logger.Debug("auto mode: no system can operate",
			zap.Float64("outdoor", obs.Outdoor),
		)
		return config.SystemModeOff
	}
}

func (m *Machine) runHeating(obs Observation) CommandPlan {
	switch m.heating.Evaluate(obs) {
	case HeatingStateHeating:
		if m.state == StateIdle || m.state == StateCooling {
			m.setState(StateHeating)
		}
		return CommandPlan{
			Mode:       ModeHeat,
			Setpoint:   m.opts.Heating.Temperature,
			PresetMode: m.opts.Heating.PresetMode,
		}

	case HeatingStateDefrost:
		if m.state != StateDefrost {
			m.setState(StateDefrost)
		}
		// Defrost is an internal lockout, not a hub-visible mode.
		return CommandPlan{Mode: ModeOff}

	default:
		m.transitionToIdle()
		return CommandPlan{Mode: ModeOff}
	}
}

func (m *Machine) runCooling(obs Observation) CommandPlan {
	switch m.cooling.Evaluate(obs) {
	case CoolingStateCooling:
		if m.state == StateIdle || m.state == StateHeating {
			m.setState(StateCooling)
		}
		return CommandPlan{
			Mode:       ModeCool,
			Setpoint:   m.opts.Cooling.Temperature,
			PresetMode: m.opts.Cooling.PresetMode,
		}

	default:
		m.transitionToIdle()
		return CommandPlan{Mode: ModeOff}
	}
}

func (m *Machine) transitionToIdle() {
	if m.state == StateIdle {
		return
	}
	m.setState(StateIdle)
}

func (m *Machine) setState(next MasterState) {
	if m.state == next {
		return
	}

	m.logger.Info("hvac state transition",
		zap.Stringer("from", m.state),
		zap.Stringer("to", next),
	)
	m.state = next
}

// ConditionsStatus is a snapshot of the last recorded observations.
type ConditionsStatus struct {
	Indoor         *float64 `json:"indoor,omitempty"`
	Outdoor        *float64 `json:"outdoor,omitempty"`
	Hour           *int     `json:"hour,omitempty"`
	IsWeekday      bool     `json:"is_weekday"`
	ShouldBeActive bool     `json:"should_be_active"`
}

// Status is a snapshot of the full decision engine.
type Status struct {
	State      string           `json:"state"`
	Mode       string           `json:"mode"`
	SystemMode string           `json:"system_mode"`
	Conditions ConditionsStatus `json:"conditions"`
	Heating    HeatingStatus    `json:"heating"`
	Cooling    CoolingStatus    `json:"cooling"`
}

// Status returns a snapshot of the machine and both strategies.
func (m *Machine) Status() Status {
	active := true
	if m.hour != nil {
		active = withinActiveHours(m.opts.ActiveHours, *m.hour, m.isWeekday)
	}

	return Status{
		State:      m.state.String(),
		Mode:       string(m.Mode()),
		SystemMode: string(m.opts.SystemMode),
		Conditions: ConditionsStatus{
			Indoor:         m.indoor,
			Outdoor:        m.outdoor,
			Hour:           m.hour,
			IsWeekday:      m.isWeekday,
			ShouldBeActive: active,
		},
		Heating: m.heating.Status(),
		Cooling: m.cooling.Status(),
	}
}
