package connstate

import (
	"errors"
	"fmt"
	"time"
)

// State is the connection state of a single site.
type State string

const (
	Disconnected     State = "disconnected"
	Connecting       State = "connecting"
	ConnectedSummary State = "connected_summary"
	ConnectedFull    State = "connected_full"
	Paused           State = "paused"
	Reconnecting     State = "reconnecting"
	Error            State = "error"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	Disconnected,
	Connecting,
	ConnectedSummary,
	ConnectedFull,
	Paused,
	Reconnecting,
	Error,
}

// transitions is the allowed-transition table. Same-state transitions are
// handled separately and are always allowed.
var transitions = map[State]map[State]struct{}{
	Disconnected: set(Connecting, Error),
	Connecting:   set(ConnectedSummary, ConnectedFull, Reconnecting, Error, Disconnected),
	ConnectedSummary: set(
		ConnectedFull, Paused, Connecting, Reconnecting, Error, Disconnected,
	),
	ConnectedFull: set(
		ConnectedSummary, Paused, Connecting, Reconnecting, Error, Disconnected,
	),
	Paused: set(
		ConnectedSummary, ConnectedFull, Connecting, Reconnecting, Error, Disconnected,
	),
	Reconnecting: set(Connecting, Error, Disconnected),
	Error:        set(Connecting, Reconnecting, Disconnected),
}

func set(states ...State) map[State]struct{} {
	m := make(map[State]struct{}, len(states))
	for _, s := range states {
		m[s] = struct{}{}
	}
	return m
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsConnected reports whether s belongs to the connected family
// (a session is held, even if paused).
func (s State) IsConnected() bool {
	return s == ConnectedSummary || s == ConnectedFull || s == Paused
}

// CanReceiveData reports whether data frames are processed in s.
func (s State) CanReceiveData() bool {
	return s == ConnectedSummary || s == ConnectedFull
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to State) bool {
	if from == to {
		return from.Valid()
	}
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Metadata is optional context attached to a transition (reason, latency,
// close code...).
type Metadata map[string]any

// Common metadata keys.
const (
	MetaReason    = "reason"
	MetaLatency   = "latency"
	MetaCloseCode = "close_code"
	MetaError     = "error"
	MetaURL       = "url"
	MetaInterval  = "interval"
)

// Transition is one entry of a state machine's history.
type Transition struct {
	From     State
	To       State
	Metadata Metadata
	At       time.Time
}

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a disallowed (from, to) pair.
type TransitionError struct {
	SiteID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("site %s: invalid state transition %s -> %s", e.SiteID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) succeed.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
