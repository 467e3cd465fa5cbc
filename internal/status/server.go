// Package status serves the latest frame statistics and the runtime controls over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/andresmejia3/moodmeter/internal/config"
	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/types"
)

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Frame       uint64           `json:"frame"`
	Updated     time.Time        `json:"updated"`
	TotalPolicy string           `json:"total_policy"`
	Stats       types.FrameStats `json:"stats"`
	Expressions map[string]int   `json:"expressions"`
	Chart       types.ChartView  `json:"chart"`
}

// ConfigRequest is the body of PUT /api/config. Absent fields are left unchanged.
type ConfigRequest struct {
	Threshold   *float64 `json:"threshold,omitempty"`
	ShowOverlay *bool    `json:"show_overlay,omitempty"`
}

// ConfigResponse mirrors config.Snapshot.
type ConfigResponse struct {
	Threshold   float64 `json:"threshold"`
	ShowOverlay bool    `json:"show_overlay"`
}

// ErrorResponse is written for every rejected request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server keeps the latest FrameStats it was handed and exposes them.
type Server struct {
	live    *config.Live
	metrics http.Handler
	health  func() string
	policy  emotion.TotalPolicy
	log     *zap.SugaredLogger

	mu      sync.RWMutex
	latest  types.FrameStats
	frame   uint64
	updated time.Time
}

// New returns a Server. metrics and health may be nil.
func New(live *config.Live, policy emotion.TotalPolicy, metrics http.Handler, health func() string, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{live: live, policy: policy, metrics: metrics, health: health, log: log}
}

// Record implements loop.Sink.
func (s *Server) Record(stats types.FrameStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = stats
	s.frame++
	s.updated = time.Now()
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/config", s.handleGetConfig).Methods("GET")
	r.HandleFunc("/api/config", s.handlePutConfig).Methods("PUT", "POST")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         addr,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	stats, frame, updated := s.latest, s.frame, s.updated
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, StatsResponse{
		Frame:       frame,
		Updated:     updated,
		TotalPolicy: s.policy.String(),
		Stats:       stats,
		Expressions: stats.CountsByName(),
		Chart:       emotion.Chart(stats),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	snap := s.live.Snapshot()
	writeJSON(w, http.StatusOK, ConfigResponse{Threshold: snap.Threshold, ShowOverlay: snap.ShowOverlay})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req ConfigRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			sendErrorResponse(w, "invalid_threshold", "threshold must be within [0, 1]", http.StatusBadRequest)
			return
		}
		s.live.SetThreshold(*req.Threshold)
	}
	if req.ShowOverlay != nil {
		s.live.SetShowOverlay(*req.ShowOverlay)
	}

	snap := s.live.Snapshot()
	s.log.Infow("config updated over http", "threshold", snap.Threshold, "overlay", snap.ShowOverlay)
	writeJSON(w, http.StatusOK, ConfigResponse{Threshold: snap.Threshold, ShowOverlay: snap.ShowOverlay})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := "unknown"
	if s.health != nil {
		state = s.health()
	}
	code := http.StatusOK
	if state == "stopped" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": state})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
