package recovery

import (
	"time"

	"github.com/rickgao/site-monitor/internal/model"
)

// Action names wired by the composition root.
const (
	ActionRefreshBackendStatus  = "refresh_backend_status"
	ActionReconnectSelectedSite = "reconnect_selected_site"
	ActionResyncSubscription    = "resync_subscription"
)

// Strategy is the playbook of one mode.
type Strategy struct {
	RestartDelay   time.Duration
	ConnectionMode string   // passed to the status transport; empty skips the switch
	Actions        []string // run in order
	Notice         string   // shown on success when set
}

// DefaultStrategies returns the built-in playbooks.
func DefaultStrategies() map[model.AppMode]Strategy {
	return map[model.AppMode]Strategy{
		model.ModeDashboard: {
			RestartDelay:   1 * time.Second,
			ConnectionMode: string(model.SocketSummary),
			Actions:        []string{ActionRefreshBackendStatus, ActionResyncSubscription},
		},
		model.ModeMonitoring: {
			RestartDelay:   2 * time.Second,
			ConnectionMode: string(model.SocketFull),
			Actions:        []string{ActionRefreshBackendStatus, ActionReconnectSelectedSite, ActionResyncSubscription},
			Notice:         "Live monitoring restored",
		},
		model.ModeAnalysis: {
			RestartDelay:   500 * time.Millisecond,
			ConnectionMode: string(model.SocketPaused),
			Actions:        []string{ActionRefreshBackendStatus},
		},
	}
}
