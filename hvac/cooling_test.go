package hvac

import (
	"testing"

	"go.uber.org/zap"
)

func TestCoolingStrategyTransitions(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
		want CoolingState
	}{
		{"stays off inside band", obs(24.0, 30.0), CoolingStateOff},
		{"stays off at indoor_max boundary", obs(25.0, 30.0), CoolingStateOff},
		{"starts above indoor_max", obs(25.1, 30.0), CoolingStateCooling},
		{"stays off when outdoor too cold", obs(26.0, 9.9), CoolingStateOff},
		{"starts at outdoor_min boundary", obs(26.0, 10.0), CoolingStateCooling},
		{"starts at outdoor_max boundary", obs(26.0, 45.0), CoolingStateCooling},
		{"stays off when outdoor too hot", obs(26.0, 45.1), CoolingStateOff},
		{"stays off outside active hours", Observation{Indoor: 26.0, Outdoor: 30.0, Hour: 22, IsWeekday: true}, CoolingStateOff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewCoolingStrategy(testOptions(), zap.NewNop())

			if got := s.Evaluate(tt.obs); got != tt.want {
				t.Errorf("Evaluate(%+v) = %v, want %v", tt.obs, got, tt.want)
			}
		})
	}
}

func TestCoolingStrategyHysteresis(t *testing.T) {
	s := NewCoolingStrategy(testOptions(), zap.NewNop())

	if got := s.Evaluate(obs(26.0, 30.0)); got != CoolingStateCooling {
		t.Fatalf("Evaluate() = %v, want Cooling", got)
	}

	// Inside the band the strategy keeps cooling.
	if got := s.Evaluate(obs(24.0, 30.0)); got != CoolingStateCooling {
		t.Errorf("Evaluate() inside band = %v, want Cooling", got)
	}

	// At the lower boundary cooling continues, only strictly below stops.
	if got := s.Evaluate(obs(23.5, 30.0)); got != CoolingStateCooling {
		t.Errorf("Evaluate() at indoor_min = %v, want Cooling", got)
	}
	if got := s.Evaluate(obs(23.4, 30.0)); got != CoolingStateOff {
		t.Errorf("Evaluate() below indoor_min = %v, want CoolingOff", got)
	}
}

func TestCoolingStrategyStopsWhenOutdoorLeavesRange(t *testing.T) {
	s := NewCoolingStrategy(testOptions(), zap.NewNop())

	if got := s.Evaluate(obs(26.0, 30.0)); got != CoolingStateCooling {
		t.Fatalf("Evaluate() = %v, want Cooling", got)
	}
	if got := s.Evaluate(obs(26.0, 9.0)); got != CoolingStateOff {
		t.Errorf("Evaluate() with cold outdoor = %v, want CoolingOff", got)
	}
}
