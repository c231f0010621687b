package tracker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/site-monitor/internal/connstate"
)

// Tracker is the registry of all sites. It is the sole owner of every
// SiteInfo and, through it, of every state machine.
type Tracker struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sites map[string]*SiteInfo
}

// New creates an empty tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		logger: logger.With("component", "tracker"),
		sites:  make(map[string]*SiteInfo),
	}
}

// Register adds a site. Registering an existing site logs a warning and
// returns the existing instance.
func (t *Tracker) Register(siteID string) *SiteInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sites[siteID]; ok {
		t.logger.Warn("site already registered", "site", siteID)
		return existing
	}

	info := newSiteInfo(siteID, t.logger)
	t.sites[siteID] = info

	t.logger.Debug("site registered", "site", siteID)
	return info
}

// Unregister removes a site. Returns false if it was not registered.
func (t *Tracker) Unregister(siteID string) bool {
	t.mu.Lock()
	info, ok := t.sites[siteID]
	if ok {
		delete(t.sites, siteID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	info.detach()
	t.logger.Debug("site unregistered", "site", siteID)
	return true
}

// Get returns the info for a site.
func (t *Tracker) Get(siteID string) (*SiteInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.sites[siteID]
	return info, ok
}

// SiteIDs returns all registered site ids, sorted.
func (t *Tracker) SiteIDs() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.sites))
	for id := range t.sites {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sites.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sites)
}

// All returns stats for every site, sorted by id.
func (t *Tracker) All() []SiteStats {
	infos := t.snapshot()
	out := make([]SiteStats, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Stats())
	}
	return out
}

// ResetStats clears statistics of every site but keeps them registered.
func (t *Tracker) ResetStats() {
	for _, info := range t.snapshot() {
		info.reset()
	}
}

// Reset clears statistics and unregisters every site.
func (t *Tracker) Reset() {
	t.mu.Lock()
	sites := t.sites
	t.sites = make(map[string]*SiteInfo)
	t.mu.Unlock()

	for _, info := range sites {
		info.reset()
		info.detach()
	}
}

// Summary aggregates per-state counts and overall quality.
func (t *Tracker) Summary() Summary {
	infos := t.snapshot()

	summary := Summary{
		Total:   len(infos),
		ByState: make(map[connstate.State]int, len(connstate.AllStates)),
		Quality: QualityDisconnected,
	}
	for _, s := range connstate.AllStates {
		summary.ByState[s] = 0
	}

	var scoreSum float64
	for _, info := range infos {
		state := info.State()
		summary.ByState[state]++
		if state.IsConnected() {
			summary.Connected++
			scoreSum += info.QualityScore()
		}
	}

	if summary.Connected > 0 {
		summary.AverageScore = scoreSum / float64(summary.Connected)
		summary.Quality = scoreQuality(summary.AverageScore)
	}

	return summary
}

// snapshot returns site infos sorted by id.
func (t *Tracker) snapshot() []*SiteInfo {
	t.mu.RLock()
	infos := make([]*SiteInfo, 0, len(t.sites))
	for _, info := range t.sites {
		infos = append(infos, info)
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].siteID < infos[j].siteID })
	return infos
}

// Summary is the aggregate view over all sites.
type Summary struct {
	Total        int                     `json:"total"`
	Connected    int                     `json:"connected"`
	ByState      map[connstate.State]int `json:"by_state"`
	AverageScore float64                 `json:"average_score"`
	Quality      string                  `json:"quality"`
}

// scoreQuality buckets a mean quality score.
func scoreQuality(score float64) string {
	switch {
	case score >= 85:
		return QualityExcellent
	case score >= 70:
		return QualityGood
	case score >= 50:
		return QualityFair
	default:
		return QualityPoor
	}
}
