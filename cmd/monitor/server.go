package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/site-monitor/internal/connection"
	"github.com/rickgao/site-monitor/internal/connstate"
	"github.com/rickgao/site-monitor/internal/database"
	"github.com/rickgao/site-monitor/internal/model"
	"github.com/rickgao/site-monitor/internal/subscription"
	"github.com/rickgao/site-monitor/internal/tracker"
	"github.com/rickgao/site-monitor/internal/version"
)

const defaultEstimateItems = 100

// server exposes health, debug and control endpoints.
type server struct {
	pool    *connection.Pool
	tracker *tracker.Tracker
	subs    *subscription.Manager
	pools   *database.Pools // nil when history is disabled
	logger  *slog.Logger
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /debug/sites", s.debugSites)
	mux.HandleFunc("GET /debug/sites/{id}", s.debugSite)
	mux.HandleFunc("GET /debug/subscription", s.debugSubscription)
	mux.HandleFunc("GET /debug/connections", s.debugConnections)
	mux.HandleFunc("POST /mode", s.switchMode)
	mux.HandleFunc("POST /subscription/context", s.updateContext)
	return mux
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	summary := s.tracker.Summary()
	health := struct {
		Status     string         `json:"status"`
		Mode       model.AppMode  `json:"mode"`
		Version    version.Info   `json:"version"`
		Components map[string]any `json:"components"`
	}{
		Status:     "healthy",
		Mode:       s.pool.Mode(),
		Version:    version.Current(),
		Components: make(map[string]any),
	}

	health.Components["sites"] = summary
	switch {
	case summary.Total > 0 && summary.ByState[connstate.Error] == summary.Total:
		health.Status = "unhealthy"
	case summary.Connected == 0:
		health.Status = "degraded"
	}

	// Check database
	if s.pools != nil {
		if err := s.pools.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["history_db"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["history_db"] = "connected"
		}
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *server) debugSites(w http.ResponseWriter, r *http.Request) {
	sites := s.tracker.All()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(sites),
		"sites": sites,
	})
}

// debugSite reports one site's statistics with its reconnect history.
func (s *server) debugSite(w http.ResponseWriter, r *http.Request) {
	info, ok := s.tracker.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", connection.ErrUnknownSite, r.PathValue("id")))
		return
	}

	latencies := info.LatencySamples()
	samples := make([]float64, len(latencies))
	for i, d := range latencies {
		samples[i] = float64(d) / float64(time.Millisecond)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":             info.Stats(),
		"session_seconds":   info.SessionDuration().Seconds(),
		"reconnect_history": info.ReconnectHistory(),
		"latency_ms":        samples,
	})
}

// debugSubscription reports the current policy and the estimated size of one
// update for ?items=N equipment items.
func (s *server) debugSubscription(w http.ResponseWriter, r *http.Request) {
	items := defaultEstimateItems
	if raw := r.URL.Query().Get("items"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid items %q", raw))
			return
		}
		items = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subscription":    s.subs.Current(),
		"items":           items,
		"estimated_bytes": s.subs.EstimateBytes(items),
	})
}

func (s *server) debugConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.pool.Connections()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

// switchMode handles POST /mode?mode=monitoring&site=S1.
func (s *server) switchMode(w http.ResponseWriter, r *http.Request) {
	mode, err := model.ParseAppMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err = s.pool.SwitchMode(r.Context(), mode, r.URL.Query().Get("site"))
	switch {
	case err == nil:
	case errors.Is(err, connection.ErrSelectionRequired), errors.Is(err, connection.ErrUnknownSite):
		writeError(w, http.StatusBadRequest, err)
		return
	default:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":     s.pool.Mode(),
		"selected": s.pool.SelectedSite(),
	})
}

// updateContext handles POST /subscription/context?context=...&ids=a,b.
func (s *server) updateContext(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}

	err := s.subs.UpdateContext(subscription.Context(r.URL.Query().Get("context")), ids)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.subs.Current())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
