// Package control is the worker's loopback HTTP surface: entity
// assignment notifications from the data-plane, preset refresh fan-out,
// diagnostics and the exit hook.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatwarden/chatwarden/internal/logging"
	"github.com/chatwarden/chatwarden/internal/metrics"
	"github.com/chatwarden/chatwarden/internal/wire"
	"github.com/chatwarden/chatwarden/internal/worker"
)

// API is the worker surface the control endpoints drive.
type API interface {
	Assign(ctx context.Context, entityGUID string, data *wire.EntityConfig) error
	Unassign(ctx context.Context, entityGUID string) error
	Update(ctx context.Context, entityGUID string) error
	RefreshPreset(ctx context.Context, presetID int64) error
	State() worker.ReconnectionState
	RequestExit()
}

// Server serves the control surface on 127.0.0.1:(base + bot id).
type Server struct {
	api  API
	http *http.Server
}

// New builds the control server for one worker.
func New(api API, port int) *Server {
	s := &Server{api: api}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return logging.HTTPMiddleware("control", next)
	})
	r.Use(metrics.HTTPMiddleware)

	r.Post("/assign/{entityID}", s.handleAssign)
	r.Post("/unassign/{entityID}", s.handleUnassign)
	r.Post("/update/{entityID}", s.handleUpdate)
	r.Post("/refresh-preset/{presetID}", s.handleRefreshPreset)
	r.Get("/reconnection-state", s.handleState)
	r.Post("/exit-process", s.handleExit)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe binds the control port and serves until Shutdown. A
// bind failure is fatal at worker startup: it means the derived port is
// taken.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("control surface bind %s: %w", s.http.Addr, err)
	}
	slog.Info("control surface listening", "addr", s.http.Addr)
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the control server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	var data *wire.EntityConfig
	if r.ContentLength > 0 {
		var body struct {
			EntityData *wire.EntityConfig `json:"entityData"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
		data = body.EntityData
	}

	if err := s.api.Assign(r.Context(), entityID, data); err != nil {
		slog.Error("assign failed", "entity", entityID, "error", err)
		writeError(w, http.StatusInternalServerError, "assign failed")
		return
	}
	writeOK(w)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	if err := s.api.Unassign(r.Context(), entityID); err != nil {
		slog.Error("unassign failed", "entity", entityID, "error", err)
		writeError(w, http.StatusInternalServerError, "unassign failed")
		return
	}
	writeOK(w)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	if err := s.api.Update(r.Context(), entityID); err != nil {
		slog.Error("update failed", "entity", entityID, "error", err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeOK(w)
}

func (s *Server) handleRefreshPreset(w http.ResponseWriter, r *http.Request) {
	presetID, err := strconv.ParseInt(chi.URLParam(r, "presetID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "preset id must be an integer")
		return
	}
	if err := s.api.RefreshPreset(r.Context(), presetID); err != nil {
		slog.Error("preset refresh failed", "preset", presetID, "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeOK(w)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.api.State())
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	slog.Info("exit requested via control surface")
	writeOK(w)
	s.api.RequestExit()
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
