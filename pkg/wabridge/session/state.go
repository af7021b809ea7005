package session

import "time"

// State is the lifecycle state of the chat session.
type State string

const (
	StateUninitialized  State = "uninitialized"
	StateInitializing   State = "initializing"
	StateAwaitingScan   State = "awaiting_scan"
	StateAuthenticated  State = "authenticated"
	StateReady          State = "ready"
	StateDisconnected   State = "disconnected"
	StateBrowserCrashed State = "browser_crashed"
)

// External status values reported to callers.
const (
	StatusInitializing   = "initializing"
	StatusWaitingForScan = "waiting_for_scan"
	StatusConnected      = "connected"
	StatusDisconnected   = "disconnected"
	StatusBrowserCrashed = "browser_crashed"
)

// StatusOf maps a state to its external status. A ready or authenticated
// session whose driver is unreachable reports browser_crashed.
func StatusOf(state State, driverAlive bool) string {
	switch state {
	case StateReady, StateAuthenticated:
		if !driverAlive {
			return StatusBrowserCrashed
		}
		if state == StateReady {
			return StatusConnected
		}
		return StatusInitializing
	case StateAwaitingScan:
		return StatusWaitingForScan
	case StateDisconnected:
		return StatusDisconnected
	case StateBrowserCrashed:
		return StatusBrowserCrashed
	default:
		return StatusInitializing
	}
}

// Status is a point-in-time view of the session.
type Status struct {
	State            State  `json:"state"`
	Status           string `json:"status"`
	Ready            bool   `json:"ready"`
	HasChallenge     bool   `json:"has_qr"`
	ContactCount     int    `json:"contact_count"`
	DriverAlive      bool   `json:"driver_alive"`
	ReadyObserved    bool   `json:"ready_observed"`
	AuthFailure      string `json:"auth_failure,omitempty"`
	DisconnectReason string `json:"disconnect_reason,omitempty"`
}

// StateChange describes a state transition.
type StateChange struct {
	State     State     `json:"state"`
	Previous  State     `json:"previous,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives state transitions.
type Observer interface {
	OnStateChange(evt StateChange)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(evt StateChange)

func (f ObserverFunc) OnStateChange(evt StateChange) { f(evt) }
