package eventbus

import (
	"encoding/json"
	"time"

	"github.com/rickgao/site-monitor/internal/connstate"
	"github.com/rickgao/site-monitor/internal/model"
)

// Global topics.
var (
	StateChanged         = NewTopic[StateChange]("connection:state")
	MessageReceived      = NewTopic[Message]("connection:message")
	ConnectionRecovered  = NewTopic[Recovered]("connection:recovered")
	ModeChanged          = NewTopic[ModeChange]("pool:mode_changed")
	ReconnectFailed      = NewTopic[ReconnectFailure]("reconnect:failed")
	SubscriptionChanged  = NewTopic[SubscriptionChange]("subscription:changed")
	SocketStateRequested = NewTopic[SocketStateRequest]("subscription:websocket_state")
	RecoveryCompleted    = NewTopic[RecoveryComplete]("recovery:complete")
	RecoveryFailed       = NewTopic[RecoveryFailure]("recovery:failed")
	NoticeRequested      = NewTopic[Notice]("ui:notice")
)

// SiteStateChanged is the per-site state topic ("site:<id>:state").
func SiteStateChanged(siteID string) Topic[StateChange] {
	return NewTopic[StateChange]("site:" + siteID + ":state")
}

// SiteMessageReceived is the per-site message topic ("site:<id>:message").
func SiteMessageReceived(siteID string) Topic[Message] {
	return NewTopic[Message]("site:" + siteID + ":message")
}

// StateChange is published for every state machine transition.
type StateChange struct {
	SiteID   string
	From     connstate.State
	To       connstate.State
	Metadata connstate.Metadata
	At       time.Time
}

// Message is one decoded inbound frame.
type Message struct {
	SiteID       string
	ConnectionID string
	Type         string
	Data         json.RawMessage
	ReceivedAt   time.Time
}

// ModeChange is published when the pool switches application mode.
type ModeChange struct {
	Mode           model.AppMode
	Previous       model.AppMode
	SelectedSiteID string
}

// Recovered is published when a site reconnects after failed attempts.
type Recovered struct {
	SiteID         string
	RecoveredAfter int
}

// ReconnectFailure is the terminal event after reconnect attempts run out.
type ReconnectFailure struct {
	SiteID   string
	Attempts int
	Err      error
}

// SubscriptionChange describes a new data-verbosity policy.
type SubscriptionChange struct {
	Mode            model.AppMode
	Context         string
	PreviousContext string
	AllLevel        string
	SelectedLevel   string // empty when no selection level applies
	SelectedIDs     []string
	SocketState     model.SocketState
	BytesPerItem    int // approximate bytes per unselected equipment update
}

// SocketStateRequest asks the transport layer for a socket posture. It is a
// request; the transport may ignore it.
type SocketStateRequest struct {
	Context string
	State   model.SocketState
}

// RecoveryComplete reports a successful recovery playbook.
type RecoveryComplete struct {
	RunID    string
	SiteID   string
	Mode     model.AppMode
	Actions  []string
	Duration time.Duration
}

// RecoveryFailure reports a failed recovery playbook.
type RecoveryFailure struct {
	RunID  string
	SiteID string
	Mode   model.AppMode
	Action string // empty when the failure happened before any action
	Err    error
}

// Notice levels.
const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeError   = "error"
)

// Notice is a user-visible message request for the UI layer.
type Notice struct {
	Level   string
	Message string
	SiteID  string
}
