package subscription

import (
	"encoding/json"
	"sort"

	"github.com/rickgao/site-monitor/internal/model"
)

// Context names a UI situation.
type Context string

const (
	DashboardOverview         Context = "dashboard_overview"
	DashboardWithPanel        Context = "dashboard_with_panel"
	Monitoring3DView          Context = "monitoring_3d_view"
	MonitoringSingleSelection Context = "monitoring_single_selection"
	Monitoring3DViewWithPanel Context = "monitoring_3d_view_with_panel"
	MonitoringMultiSelection  Context = "monitoring_multi_selection"
	AnalysisOverview          Context = "analysis_overview"
	AnalysisWithPanel         Context = "analysis_with_panel"
)

func (c Context) MarshalJSON() ([]byte, error) {
	if c == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(c))
}

// Policy is what a context asks for.
type Policy struct {
	Mode     model.AppMode
	All      Level
	Selected Level // empty when the context has no selection
	Socket   model.SocketState
}

var policies = map[Context]Policy{
	DashboardOverview:         {model.ModeDashboard, LevelStandard, "", model.SocketSummary},
	DashboardWithPanel:        {model.ModeDashboard, LevelStandard, LevelDetailed, model.SocketSummary},
	Monitoring3DView:          {model.ModeMonitoring, LevelMinimal, "", model.SocketFull},
	MonitoringSingleSelection: {model.ModeMonitoring, LevelMinimal, LevelStandard, model.SocketFull},
	Monitoring3DViewWithPanel: {model.ModeMonitoring, LevelMinimal, LevelDetailed, model.SocketFull},
	MonitoringMultiSelection:  {model.ModeMonitoring, LevelMinimal, LevelStandard, model.SocketFull},
	AnalysisOverview:          {model.ModeAnalysis, LevelMinimal, "", model.SocketPaused},
	AnalysisWithPanel:         {model.ModeAnalysis, LevelMinimal, LevelDetailed, model.SocketPaused},
}

// Lookup returns the policy of ctx.
func Lookup(ctx Context) (Policy, bool) {
	p, ok := policies[ctx]
	return p, ok
}

// Contexts lists every known context in name order.
func Contexts() []Context {
	out := make([]Context, 0, len(policies))
	for c := range policies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultContext is the context a mode starts in.
func DefaultContext(mode model.AppMode) Context {
	switch mode {
	case model.ModeDashboard:
		return DashboardOverview
	case model.ModeMonitoring:
		return Monitoring3DView
	case model.ModeAnalysis:
		return AnalysisOverview
	}
	return ""
}

// DeriveContext picks the context for a mode given how many items are
// selected and whether the detail panel is open.
func DeriveContext(mode model.AppMode, selected int, panelOpen bool) Context {
	switch mode {
	case model.ModeMonitoring:
		switch {
		case selected == 0:
			return Monitoring3DView
		case selected == 1 && panelOpen:
			return Monitoring3DViewWithPanel
		case selected == 1:
			return MonitoringSingleSelection
		default:
			return MonitoringMultiSelection
		}
	case model.ModeDashboard:
		if panelOpen && selected > 0 {
			return DashboardWithPanel
		}
		return DashboardOverview
	case model.ModeAnalysis:
		if panelOpen && selected > 0 {
			return AnalysisWithPanel
		}
		return AnalysisOverview
	}
	return ""
}
