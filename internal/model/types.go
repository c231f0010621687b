package model

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Application Mode
// -----------------------------------------------------------------------------

// AppMode is the active application mode. It drives the subscription cadence
// of every site at once.
type AppMode string

const (
	ModeDashboard  AppMode = "dashboard"
	ModeMonitoring AppMode = "monitoring"
	ModeAnalysis   AppMode = "analysis"
)

// Modes lists every application mode.
var Modes = []AppMode{ModeDashboard, ModeMonitoring, ModeAnalysis}

// Valid reports whether m is a known mode.
func (m AppMode) Valid() bool {
	switch m {
	case ModeDashboard, ModeMonitoring, ModeAnalysis:
		return true
	}
	return false
}

// ParseAppMode parses a mode name.
func ParseAppMode(s string) (AppMode, error) {
	m := AppMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown app mode %q", s)
	}
	return m, nil
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

// SubscriptionType selects the payload detail of a site socket.
type SubscriptionType string

const (
	SubscriptionSummary SubscriptionType = "summary"
	SubscriptionFull    SubscriptionType = "full"
)

// SocketState is the socket posture requested by the subscription policy.
type SocketState string

const (
	SocketSummary SocketState = "summary"
	SocketFull    SocketState = "full"
	SocketPaused  SocketState = "paused"
)

// Valid reports whether s is a known socket state.
func (s SocketState) Valid() bool {
	switch s {
	case SocketSummary, SocketFull, SocketPaused:
		return true
	}
	return false
}

// Cadence is the subscription a site socket is dialled with.
type Cadence struct {
	Type     SubscriptionType
	Interval time.Duration
}

func (c Cadence) String() string {
	return fmt.Sprintf("%s@%dms", c.Type, c.Interval.Milliseconds())
}
