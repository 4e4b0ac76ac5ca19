package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/taskforge/dispatch"
	"github.com/GoCodeAlone/taskforge/internal/version"
	"github.com/GoCodeAlone/taskforge/monitor"
	"github.com/GoCodeAlone/taskforge/scheduler"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  monitor.Health `json:"status"`
	Version version.Info   `json:"version"`
	Uptime  string         `json:"uptime"`
	Agents  int            `json:"live_agents"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Scheduler   scheduler.Stats            `json:"scheduler"`
	Queue       dispatch.QueueStatus       `json:"queue"`
	Agents      dispatch.AgentLoad         `json:"agents"`
	Performance monitor.PerformanceSummary `json:"performance"`
}

func (s *Server) registerRoutes() {
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	s.mux.Handle("GET /events", s.hub)
}

// handleHealth answers 503 while the monitor reports error or critical.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Monitor.HealthStatus()
	resp := HealthResponse{
		Status:  h,
		Version: version.Get(),
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Agents:  len(s.Registry.List(r.Context())),
	}
	code := http.StatusOK
	if h == monitor.HealthError || h == monitor.HealthCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.Scheduler.Stats(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	qs, err := s.Dispatcher.QueueStatus(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Scheduler:   st,
		Queue:       qs,
		Agents:      s.Dispatcher.AgentLoad(ctx),
		Performance: s.Monitor.PerformanceSummary(),
	})
}

// handleEvents returns the newest events; ?limit=N, default 100.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events := s.Monitor.RecentEvents(limit)
	if events == nil {
		events = []monitor.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAlerts returns alerts from the last ?since= duration (default 24h),
// optionally filtered by ?level=.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSONError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		window = d
	}
	level := monitor.Level(r.URL.Query().Get("level"))
	switch level {
	case "", monitor.LevelWarning, monitor.LevelError, monitor.LevelCritical:
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown level "+strconv.Quote(string(level)))
		return
	}
	alerts := s.Monitor.Alerts(level, time.Now().Add(-window))
	if alerts == nil {
		alerts = []monitor.Event{}
	}
	writeJSON(w, http.StatusOK, alerts)
}
