// Package events provides event definitions and eventbus management.
package events

import (
	"time"
)

// TemperatureEvent is published after every observation the controller
// feeds into the decision engine.
type TemperatureEvent struct {
	Timestamp time.Time
	Source    string // "event" or "tick"
	Indoor    float64
	Outdoor   float64
	Hour      int
	IsWeekday bool
}

// Equals compares two TemperatureEvent for equality, ignoring Timestamp
// and Source. Used for event deduplication.
func (e TemperatureEvent) Equals(other TemperatureEvent) bool {
	const epsilon = 0.01

	return abs(e.Indoor-other.Indoor) < epsilon &&
		abs(e.Outdoor-other.Outdoor) < epsilon &&
		e.Hour == other.Hour &&
		e.IsWeekday == other.IsWeekday
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// ModeChangeEvent is published after every evaluation that produced a
// command plan.
type ModeChangeEvent struct {
	Timestamp     time.Time
	PreviousState string // master state before the evaluation
	State         string // master state after the evaluation
	Mode          string // "heat", "cool" or "off"
	Setpoint      float64
	PresetMode    string
	Indoor        float64
	Outdoor       float64
}

// ConnectionStatusEvent is published when a component's connection status
// changes.
type ConnectionStatusEvent struct {
	Timestamp  time.Time
	Component  string // "hub", "controller", "web", "homekit"
	Status     ConnectionStatus
	Error      string // empty if no error
	Reconnects int
}

// ConnectionStatus represents the connection status.
type ConnectionStatus string

const (
	// ConnectionStatusDisconnected means not connected.
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"

	// ConnectionStatusConnecting means attempting to connect.
	ConnectionStatusConnecting ConnectionStatus = "connecting"

	// ConnectionStatusConnected means successfully connected.
	ConnectionStatusConnected ConnectionStatus = "connected"

	// ConnectionStatusReconnecting means attempting to reconnect.
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"

	// ConnectionStatusFailed means connection failed.
	ConnectionStatusFailed ConnectionStatus = "failed"
)
