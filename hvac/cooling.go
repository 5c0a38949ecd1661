package hvac

import (
	"github.com/kradalby/hag/config"
	"go.uber.org/zap"
)

// CoolingState is the state of the cooling strategy machine.
type CoolingState int

const (
	CoolingStateOff CoolingState = iota
	CoolingStateCooling
)

// String implements fmt.Stringer.
func (s CoolingState) String() string {
	switch s {
	case CoolingStateOff:
		return "CoolingOff"
	case CoolingStateCooling:
		return "Cooling"
	default:
		return "Unknown"
	}
}

// CoolingStrategy decides between cooling and staying off.
type CoolingStrategy struct {
	opts   config.HvacOptions
	logger *zap.Logger

	state CoolingState
}

// NewCoolingStrategy creates a cooling strategy in the CoolingOff state.
func NewCoolingStrategy(opts config.HvacOptions, logger *zap.Logger) *CoolingStrategy {
	s := &CoolingStrategy{
		opts:   opts,
		logger: logger,
		state:  CoolingStateOff,
	}

	logger.Info("cooling strategy initialized",
		zap.Float64("target_temp", opts.Cooling.Temperature),
		zap.String("preset_mode", opts.Cooling.PresetMode),
	)

	return s
}

// State returns the current strategy state.
func (s *CoolingStrategy) State() CoolingState {
	return s.state
}

// Evaluate runs one transition step.
func (s *CoolingStrategy) Evaluate(obs Observation) CoolingState {
	canOperate := s.canOperate(obs)
	tempTooLow := obs.Indoor < s.opts.Cooling.Thresholds.IndoorMin
	tempTooHigh := obs.Indoor > s.opts.Cooling.Thresholds.IndoorMax

	s.logger.Debug("cooling strategy evaluation",
		zap.Stringer("state", s.state),
		zap.Bool("can_operate", canOperate),
		zap.Bool("temp_too_low", tempTooLow),
		zap.Bool("temp_too_high", tempTooHigh),
		zap.Float64("indoor", obs.Indoor),
		zap.Float64("outdoor", obs.Outdoor),
	)

	switch s.state {
	case CoolingStateOff:
		if canOperate && tempTooHigh {
			s.state = CoolingStateCooling
			s.logger.Info("starting cooling",
				zap.Float64("indoor", obs.Indoor),
				zap.Float64("target_temp", s.opts.Cooling.Temperature),
			)
		}

	case CoolingStateCooling:
		if !canOperate || tempTooLow {
			s.state = CoolingStateOff
			s.logger.Info("stopping cooling",
				zap.Float64("indoor", obs.Indoor),
				zap.Float64("outdoor", obs.Outdoor),
			)
		}
	}

	return s.state
}

func (s *CoolingStrategy) canOperate(obs Observation) bool {
	t := s.opts.Cooling.Thresholds
	return withinRange(obs.Outdoor, t.OutdoorMin, t.OutdoorMax) &&
		withinActiveHours(s.opts.ActiveHours, obs.Hour, obs.IsWeekday)
}

// CoolingStatus is a snapshot of the cooling strategy.
type CoolingStatus struct {
	State             string                       `json:"state"`
	TargetTemperature float64                      `json:"target_temperature"`
	PresetMode        string                       `json:"preset_mode"`
	Thresholds        config.TemperatureThresholds `json:"thresholds"`
}

// Status returns a snapshot of the strategy for diagnostics.
func (s *CoolingStrategy) Status() CoolingStatus {
	return CoolingStatus{
		State:             s.state.String(),
		TargetTemperature: s.opts.Cooling.Temperature,
		PresetMode:        s.opts.Cooling.PresetMode,
		Thresholds:        s.opts.Cooling.Thresholds,
	}
}
