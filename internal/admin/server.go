// Package admin serves a read-only management API on its own listener. It
// reports the registry state as last recorded by the health monitor and the
// stats aggregator, without probing any target.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"rrlb/internal/registry"
)

// RotationCounter exposes how far the dispatcher's cursor has moved.
type RotationCounter interface {
	Examined() uint64
}

// Server is the admin HTTP server.
type Server struct {
	reg       *registry.Registry
	rot       RotationCounter
	startTime time.Time
	version   string
	srv       *http.Server
}

// New creates an admin Server. wrap, if non-nil, is applied around the API
// routes (e.g. JWT auth). Call Start to begin listening.
func New(reg *registry.Registry, rot RotationCounter, listenAddr string, startTime time.Time, version string, wrap func(http.Handler) http.Handler) *Server {
	s := &Server{
		reg:       reg,
		rot:       rot,
		startTime: startTime,
		version:   version,
	}

	var h http.Handler = s.Handler()
	if wrap != nil {
		h = wrap(h)
	}
	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API routes without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	mux.HandleFunc("GET /api/targets", s.handleTargets)
	mux.HandleFunc("GET /api/targets/{index}", s.handleTarget)
	return mux
}

// Served returns the handler the listener serves, including wrap.
func (s *Server) Served() http.Handler { return s.srv.Handler }

// Start begins listening in a background goroutine. It returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("admin api listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the admin server within the given context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ── Handlers ────────────────────────────────────────────────────────────────

type summaryResponse struct {
	Uptime            string `json:"uptime"`
	Version           string `json:"version"`
	TotalRequests     int64  `json:"total_requests"`
	TargetsTotal      int    `json:"targets_total"`
	TargetsHealthy    int    `json:"targets_healthy"`
	CandidatesVisited uint64 `json:"candidates_visited"`
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	views := s.reg.Views()

	var total int64
	healthy := 0
	for _, v := range views {
		total += v.Requests
		if v.Healthy {
			healthy++
		}
	}

	jsonOK(w, summaryResponse{
		Uptime:            time.Since(s.startTime).Round(time.Second).String(),
		Version:           s.version,
		TotalRequests:     total,
		TargetsTotal:      len(views),
		TargetsHealthy:    healthy,
		CandidatesVisited: s.rot.Examined(),
	})
}

// targetInfo is the cached view of one target. Latency is reported in
// milliseconds to match GET /stats.
type targetInfo struct {
	Index       int               `json:"index"`
	URL         string            `json:"url"`
	Healthy     bool              `json:"healthy"`
	Requests    int64             `json:"requests"`
	LastLatency *float64          `json:"last_latency_ms"`
	LastMetrics *registry.Metrics `json:"last_metrics"`
}

func toInfo(i int, v registry.View) targetInfo {
	info := targetInfo{
		Index:       i,
		URL:         v.URL,
		Healthy:     v.Healthy,
		Requests:    v.Requests,
		LastMetrics: v.LastMetrics,
	}
	if v.LastLatency != nil {
		ms := float64(v.LastLatency.Microseconds()) / 1000
		info.LastLatency = &ms
	}
	return info
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	views := s.reg.Views()
	out := make([]targetInfo, len(views))
	for i, v := range views {
		out[i] = toInfo(i, v)
	}
	jsonOK(w, out)
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		jsonErr(w, "index must be an integer", http.StatusBadRequest)
		return
	}
	if idx < 0 || idx >= s.reg.Len() {
		jsonErr(w, "target not found", http.StatusNotFound)
		return
	}
	jsonOK(w, toInfo(idx, s.reg.At(idx).View()))
}

// ── helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
