package tracker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/site-monitor/internal/connstate"
	"github.com/rickgao/site-monitor/internal/ring"
)

// Bounded history sizes.
const (
	ReconnectHistorySize = 100
	LatencySampleSize    = 50
)

// Quality labels.
const (
	QualityExcellent    = "excellent"
	QualityGood         = "good"
	QualityFair         = "fair"
	QualityPoor         = "poor"
	QualityDisconnected = "disconnected"
)

// qualityThreshold is one (latency, uptime) bucket.
type qualityThreshold struct {
	label      string
	maxLatency time.Duration
	minUptime  float64
}

var qualityThresholds = []qualityThreshold{
	{QualityExcellent, 100 * time.Millisecond, 99},
	{QualityGood, 300 * time.Millisecond, 95},
	{QualityFair, 500 * time.Millisecond, 90},
}

// DisconnectRecord is one entry of the reconnect history.
type DisconnectRecord struct {
	Reason string    `json:"reason"`
	State  string    `json:"state"`
	At     time.Time `json:"at"`
}

// SiteInfo holds statistics for one site and owns its state machine.
type SiteInfo struct {
	siteID  string
	machine *connstate.Machine
	logger  *slog.Logger
	now     func() time.Time

	mu                 sync.Mutex
	createdAt          time.Time
	attempts           int64
	successes          int64
	failures           int64
	disconnects        int64
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	sessionStart       time.Time
	reconnects         *ring.Buffer[DisconnectRecord]
	latencies          *ring.Buffer[time.Duration]

	unsubscribe func()
}

// newSiteInfo creates site statistics and attaches the recording listener.
func newSiteInfo(siteID string, logger *slog.Logger) *SiteInfo {
	s := &SiteInfo{
		siteID:     siteID,
		machine:    connstate.NewMachine(siteID, logger),
		logger:     logger.With("site", siteID),
		now:        time.Now,
		createdAt:  time.Now(),
		reconnects: ring.New[DisconnectRecord](ReconnectHistorySize),
		latencies:  ring.New[time.Duration](LatencySampleSize),
	}
	s.unsubscribe = s.machine.OnTransition(s.onTransition)
	return s
}

// SiteID returns the site identifier.
func (s *SiteInfo) SiteID() string {
	return s.siteID
}

// Machine returns the site's state machine.
func (s *SiteInfo) Machine() *connstate.Machine {
	return s.machine
}

// State is shorthand for Machine().State().
func (s *SiteInfo) State() connstate.State {
	return s.machine.State()
}

// RecordConnectionAttempt counts one attempt. A latency <= 0 is not sampled.
func (s *SiteInfo) RecordConnectionAttempt(success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if !success {
		s.failures++
		return
	}

	now := s.now()
	s.successes++
	s.lastConnectedAt = now
	s.sessionStart = now
	if latency > 0 {
		s.latencies.Push(latency)
	}
}

// RecordDisconnect counts a disconnect and appends it to the reconnect history.
func (s *SiteInfo) RecordDisconnect(reason string) {
	state := s.machine.State()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.disconnects++
	s.lastDisconnectedAt = now
	s.sessionStart = time.Time{}
	s.reconnects.Push(DisconnectRecord{
		Reason: reason,
		State:  string(state),
		At:     now,
	})
}

// onTransition keeps the counters consistent with the state machine even
// when callers never record anything explicitly.
func (s *SiteInfo) onTransition(from, to connstate.State, meta connstate.Metadata) {
	switch {
	case from.IsConnected() && (to == connstate.Disconnected || to == connstate.Error):
		reason := "state:" + string(to)
		if r, ok := meta[connstate.MetaReason].(string); ok && r != "" {
			reason = r
		}
		s.RecordDisconnect(reason)

	case !from.IsConnected() && to.IsConnected():
		latency, _ := meta[connstate.MetaLatency].(time.Duration)
		s.RecordConnectionAttempt(true, latency)
	}
}

// SuccessRate returns successes/attempts as a percentage in [0, 100].
func (s *SiteInfo) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successRateLocked()
}

func (s *SiteInfo) successRateLocked() float64 {
	if s.attempts == 0 {
		return 0
	}
	rate := float64(s.successes) / float64(s.attempts) * 100
	if rate > 100 {
		rate = 100
	}
	return rate
}

// AverageLatency returns the mean of the latency samples, 0 if none.
func (s *SiteInfo) AverageLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.averageLatencyLocked()
}

func (s *SiteInfo) averageLatencyLocked() time.Duration {
	samples := s.latencies.Items()
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

// Quality buckets latency and uptime into a label. Uptime is the success
// rate. Sites outside the connected family are "disconnected".
func (s *SiteInfo) Quality() string {
	if !s.machine.State().IsConnected() {
		return QualityDisconnected
	}

	s.mu.Lock()
	latency := s.averageLatencyLocked()
	uptime := s.successRateLocked()
	s.mu.Unlock()

	for _, th := range qualityThresholds {
		if latency <= th.maxLatency && uptime >= th.minUptime {
			return th.label
		}
	}
	return QualityPoor
}

// QualityScore returns max(50 - latencyMs/20, 0) + successRate/2.
func (s *SiteInfo) QualityScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qualityScoreLocked()
}

func (s *SiteInfo) qualityScoreLocked() float64 {
	latencyMs := float64(s.averageLatencyLocked()) / float64(time.Millisecond)
	latencyScore := 50 - latencyMs/20
	if latencyScore < 0 {
		latencyScore = 0
	}
	return latencyScore + s.successRateLocked()/2
}

// SessionDuration returns the age of the current session, 0 if none.
func (s *SiteInfo) SessionDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionStart.IsZero() {
		return 0
	}
	return s.now().Sub(s.sessionStart)
}

// ReconnectHistory returns disconnect records, oldest first.
func (s *SiteInfo) ReconnectHistory() []DisconnectRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects.Items()
}

// LatencySamples returns the latency ring, oldest first.
func (s *SiteInfo) LatencySamples() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencies.Items()
}

// Stats returns a point-in-time copy of the site statistics.
func (s *SiteInfo) Stats() SiteStats {
	state := s.machine.State()
	quality := s.Quality()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SiteStats{
		SiteID:             s.siteID,
		State:              string(state),
		Quality:            quality,
		QualityScore:       s.qualityScoreLocked(),
		Attempts:           s.attempts,
		Successes:          s.successes,
		Failures:           s.failures,
		Disconnects:        s.disconnects,
		SuccessRate:        s.successRateLocked(),
		AverageLatencyMs:   float64(s.averageLatencyLocked()) / float64(time.Millisecond),
		LatencySamples:     s.latencies.Len(),
		LastConnectedAt:    s.lastConnectedAt,
		LastDisconnectedAt: s.lastDisconnectedAt,
		TrackedFor:         s.now().Sub(s.createdAt).String(),
	}
	if !s.sessionStart.IsZero() {
		stats.SessionSeconds = s.now().Sub(s.sessionStart).Seconds()
	}
	return stats
}

// reset clears all counters and histories and forces Disconnected.
func (s *SiteInfo) reset() {
	s.machine.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.successes = 0
	s.failures = 0
	s.disconnects = 0
	s.lastConnectedAt = time.Time{}
	s.lastDisconnectedAt = time.Time{}
	s.sessionStart = time.Time{}
	s.reconnects.Clear()
	s.latencies.Clear()
}

// detach removes the recording listener.
func (s *SiteInfo) detach() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// SiteStats is a serializable snapshot of SiteInfo.
type SiteStats struct {
	SiteID             string    `json:"site_id"`
	State              string    `json:"state"`
	Quality            string    `json:"quality"`
	QualityScore       float64   `json:"quality_score"`
	Attempts           int64     `json:"attempts"`
	Successes          int64     `json:"successes"`
	Failures           int64     `json:"failures"`
	Disconnects        int64     `json:"disconnects"`
	SuccessRate        float64   `json:"success_rate"`
	AverageLatencyMs   float64   `json:"average_latency_ms"`
	LatencySamples     int       `json:"latency_samples"`
	LastConnectedAt    time.Time `json:"last_connected_at,omitempty"`
	LastDisconnectedAt time.Time `json:"last_disconnected_at,omitempty"`
	SessionSeconds     float64   `json:"session_seconds"`
	TrackedFor         string    `json:"tracked_for"`
}

func (s SiteStats) String() string {
	return fmt.Sprintf("%s[%s %s %.1f]", s.SiteID, s.State, s.Quality, s.QualityScore)
}
