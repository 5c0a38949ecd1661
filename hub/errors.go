package hub

import (
	"fmt"
)

// AuthError means the hub rejected our credentials. Fatal on the initial
// connect; logged and retried with backoff on reconnect.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("hub: authentication failed: %s", e.Message)
}

// ConnectError means the initial connection attempts were exhausted.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("hub: failed to connect after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("hub: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NotFoundError means the hub has no entity with the given id.
type NotFoundError struct {
	EntityID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("hub: entity not found: %s", e.EntityID)
}

// HubError is a non-404 REST failure. It is never retried inside the
// client; the caller decides.
type HubError struct {
	StatusCode int
	Body       string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("hub: unexpected status %d: %s", e.StatusCode, e.Body)
}

// StateError means a public API was called while the client is not in a
// state that allows it.
type StateError struct {
	Op string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("hub: %s called while not connected", e.Op)
}
