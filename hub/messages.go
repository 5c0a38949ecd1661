package hub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is a Home Assistant entity state as returned by the REST API and
// embedded in state_changed events.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     map[string]any `json:"context,omitempty"`
}

// NumericState parses the state as a float. Sensor states like
// "unavailable" or "unknown" are not numeric.
func (s *State) NumericState() (float64, error) {
	v, err := strconv.ParseFloat(s.State, 64)
	if err != nil {
		return 0, fmt.Errorf("entity %s has non-numeric state %q", s.EntityID, s.State)
	}
	return v, nil
}

// StateChange is the payload of a state_changed event.
type StateChange struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// Event is a Home Assistant event received over the WebSocket.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   map[string]any  `json:"context,omitempty"`
}

// StateChange decodes the event payload for state_changed events.
func (e *Event) StateChange() (*StateChange, error) {
	if e.EventType != "state_changed" {
		return nil, fmt.Errorf("event is %q, not state_changed", e.EventType)
	}

	var change StateChange
	if err := json.Unmarshal(e.Data, &change); err != nil {
		return nil, fmt.Errorf("failed to parse state change data: %w", err)
	}

	return &change, nil
}

// serverMessage is the envelope of every frame the hub sends.
type serverMessage struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Message string          `json:"message,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// authMessage is the client half of the auth handshake.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// subscribeMessage requests event delivery for one event type, or all
// when EventType is empty.
type subscribeMessage struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// serviceCallMessage invokes a hub service.
type serviceCallMessage struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data,omitempty"`
}
