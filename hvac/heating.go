package hvac

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kradalby/hag/config"
	"go.uber.org/zap"
)

// HeatingState is the state of the heating strategy machine.
type HeatingState int

const (
	HeatingStateOff HeatingState = iota
	HeatingStateHeating
	HeatingStateDefrost
)

// String implements fmt.Stringer.
func (s HeatingState) String() string {
	switch s {
	case HeatingStateOff:
		return "Off"
	case HeatingStateHeating:
		return "Heating"
	case HeatingStateDefrost:
		return "Defrost"
	default:
		return "Unknown"
	}
}

// HeatingStrategy decides between heating, defrosting, and staying off.
// It owns the defrost cycle timestamps; they are process-local and reset
// on restart, so a fresh run treats the first defrost opportunity as
// eligible.
type HeatingStrategy struct {
	opts   config.HvacOptions
	clock  clockwork.Clock
	logger *zap.Logger

	state          HeatingState
	defrostLast    time.Time // set exactly when a defrost cycle ends
	defrostStarted time.Time // set while a defrost cycle is running
}

// NewHeatingStrategy creates a heating strategy in the Off state.
func NewHeatingStrategy(opts config.HvacOptions, clock clockwork.Clock, logger *zap.Logger) *HeatingStrategy {
	s := &HeatingStrategy{
		opts:   opts,
		clock:  clock,
		logger: logger,
		state:  HeatingStateOff,
	}

	logger.Info("heating strategy initialized",
		zap.Float64("target_temp", opts.Heating.Temperature),
		zap.Bool("defrost_enabled", opts.Heating.Defrost != nil),
	)

	return s
}

// State returns the current strategy state.
func (s *HeatingStrategy) State() HeatingState {
	return s.state
}

// Evaluate runs one transition step. The first matching rule fires.
func (s *HeatingStrategy) Evaluate(obs Observation) HeatingState {
	canOperate := s.canOperate(obs)
	tempTooLow := obs.Indoor < s.opts.Heating.Thresholds.IndoorMin
	tempTooHigh := obs.Indoor > s.opts.Heating.Thresholds.IndoorMax
	needDefrost := s.needDefrost(obs)

	s.logger.Debug("heating strategy evaluation",
		zap.Stringer("state", s.state),
		zap.Bool("can_operate", canOperate),
		zap.Bool("temp_too_low", tempTooLow),
		zap.Bool("temp_too_high", tempTooHigh),
		zap.Bool("need_defrost", needDefrost),
		zap.Float64("indoor", obs.Indoor),
		zap.Float64("outdoor", obs.Outdoor),
	)

	switch s.state {
	case HeatingStateOff:
		switch {
		case canOperate && tempTooLow && needDefrost:
			s.startDefrost(obs)
		case canOperate && tempTooLow:
			s.state = HeatingStateHeating
			s.logger.Info("starting heating",
				zap.Float64("indoor", obs.Indoor),
				zap.Float64("target_temp", s.opts.Heating.Temperature),
			)
		}

	case HeatingStateHeating:
		switch {
		case canOperate && needDefrost:
			s.startDefrost(obs)
		case !canOperate || tempTooHigh:
			s.state = HeatingStateOff
			s.logger.Info("stopping heating",
				zap.Float64("indoor", obs.Indoor),
				zap.Float64("outdoor", obs.Outdoor),
			)
		}

	case HeatingStateDefrost:
		if s.defrostComplete() || !canOperate {
			s.stopDefrost()
		}
	}

	return s.state
}

func (s *HeatingStrategy) canOperate(obs Observation) bool {
	t := s.opts.Heating.Thresholds
	return withinRange(obs.Outdoor, t.OutdoorMin, t.OutdoorMax) &&
		withinActiveHours(s.opts.ActiveHours, obs.Hour, obs.IsWeekday)
}

// needDefrost reports whether a defrost cycle should begin: defrost is
// configured, the outdoor temperature is at or below the threshold, and
// at least one period has elapsed since the last cycle ended.
func (s *HeatingStrategy) needDefrost(obs Observation) bool {
	d := s.opts.Heating.Defrost
	if d == nil {
		return false
	}

	if obs.Outdoor > d.TemperatureThreshold {
		return false
	}

	if !s.defrostLast.IsZero() && s.clock.Since(s.defrostLast) < d.Period.Std() {
		return false
	}

	return true
}

func (s *HeatingStrategy) defrostComplete() bool {
	if s.defrostStarted.IsZero() {
		return false
	}

	d := s.opts.Heating.Defrost
	if d == nil {
		return true
	}

	return s.clock.Since(s.defrostStarted) >= d.Duration.Std()
}

func (s *HeatingStrategy) startDefrost(obs Observation) {
	s.state = HeatingStateDefrost
	s.defrostStarted = s.clock.Now()

	s.logger.Info("starting defrost cycle",
		zap.Float64("outdoor", obs.Outdoor),
		zap.Duration("duration", s.opts.Heating.Defrost.Duration.Std()),
	)
}

func (s *HeatingStrategy) stopDefrost() {
	s.state = HeatingStateOff
	s.defrostLast = s.clock.Now()
	s.defrostStarted = time.Time{}

	s.logger.Info("defrost cycle ended")
}

// DefrostStatus is a snapshot of the defrost cycle bookkeeping.
type DefrostStatus struct {
	Enabled              bool       `json:"enabled"`
	TemperatureThreshold float64    `json:"temperature_threshold"`
	Period               string     `json:"period"`
	Duration             string     `json:"duration"`
	LastDefrost          *time.Time `json:"last_defrost,omitempty"`
	CurrentDefrost       *time.Time `json:"current_defrost,omitempty"`
	NextDefrostAllowed   *time.Time `json:"next_defrost_allowed,omitempty"`
}

// HeatingStatus is a snapshot of the heating strategy.
type HeatingStatus struct {
	State             string                       `json:"state"`
	TargetTemperature float64                      `json:"target_temperature"`
	PresetMode        string                       `json:"preset_mode"`
	Thresholds        config.TemperatureThresholds `json:"thresholds"`
	Defrost           *DefrostStatus               `json:"defrost,omitempty"`
}

// Status returns a snapshot of the strategy for diagnostics.
func (s *HeatingStrategy) Status() HeatingStatus {
	status := HeatingStatus{
		State:             s.state.String(),
		TargetTemperature: s.opts.Heating.Temperature,
		PresetMode:        s.opts.Heating.PresetMode,
		Thresholds:        s.opts.Heating.Thresholds,
	}

	if d := s.opts.Heating.Defrost; d != nil {
		defrost := &DefrostStatus{
			Enabled:              true,
			TemperatureThreshold: d.TemperatureThreshold,
			Period:               d.Period.Std().String(),
			Duration:             d.Duration.Std().String(),
		}
		if !s.defrostLast.IsZero() {
			last := s.defrostLast
			next := s.defrostLast.Add(d.Period.Std())
			defrost.LastDefrost = &last
			defrost.NextDefrostAllowed = &next
		}
		if !s.defrostStarted.IsZero() {
			current := s.defrostStarted
			defrost.CurrentDefrost = &current
		}
		status.Defrost = defrost
	}

	return status
}
