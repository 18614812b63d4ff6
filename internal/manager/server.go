package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatwarden/chatwarden/internal/logging"
	"github.com/chatwarden/chatwarden/internal/metrics"
)

// Server is the manager's HTTP surface.
type Server struct {
	sup  *Supervisor
	http *http.Server
}

// NewServer wires the manager API on the given port.
func NewServer(sup *Supervisor, port int) *Server {
	s := &Server{sup: sup}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return logging.HTTPMiddleware("manager", next)
	})
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/restart-bot", s.handleRestartBot)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe binds the port and serves. A bind failure is fatal.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("manager: bind %s: %w", s.http.Addr, err)
	}
	err = s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func memoryInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Snapshot(memoryInUse()).Health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Snapshot(memoryInUse()))
}

func (s *Server) handleRestartBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID int64 `json:"botId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BotID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "error": "botId required",
		})
		return
	}

	if err := s.sup.RestartBot(r.Context(), req.BotID); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "message": fmt.Sprintf("bot %d restarted", req.BotID),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
