// Package httpapi is the data-plane's HTTP surface: bot rosters and
// credentials, entity configuration, profanity presets and the fan-out
// endpoints the dashboard drives.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatwarden/chatwarden/internal/dataplane/store"
	"github.com/chatwarden/chatwarden/internal/logging"
	"github.com/chatwarden/chatwarden/internal/metrics"
	"github.com/chatwarden/chatwarden/internal/wire"
)

// TokenProvider yields an access token for a bot, honoring the refresh
// throttle.
type TokenProvider interface {
	AccessToken(ctx context.Context, bot store.Bot, force bool) (string, error)
}

// Notifier delivers fan-out notifications to workers.
type Notifier interface {
	Notify(ctx context.Context, botID int64, path string, body interface{}) error
	Broadcast(ctx context.Context, botIDs []int64, path string) int
}

// Server is the data-plane HTTP API.
type Server struct {
	store  store.Store
	tokens TokenProvider
	fanout Notifier
	// authToken enables shared bearer auth when non-empty.
	authToken string
}

// New wires the API.
func New(st store.Store, tokens TokenProvider, fanout Notifier, authToken string) *Server {
	return &Server{store: st, tokens: tokens, fanout: fanout, authToken: authToken}
}

// Router builds the chi router with logging, metrics, panic recovery
// and optional bearer auth.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return logging.HTTPMiddleware("dataplane", next)
	})
	r.Use(metrics.HTTPMiddleware)
	r.Use(recoverMiddleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(s.authMiddleware)
		}

		r.Get("/bots/active", s.handleActiveBots)
		r.Get("/bots/{botID}/config", s.handleBotConfig)
		r.Get("/bots/{botID}/entities", s.handleBotEntities)

		r.Get("/entities/{entityID}/data", s.handleEntityData)
		r.Post("/entities/{entityID}/update", s.handleEntityUpdate)
		r.Post("/entities/{entityID}/assign", s.handleEntityAssign)
		r.Post("/entities/{entityID}/unassign", s.handleEntityUnassign)
		r.Post("/entities/{entityID}/status", s.handleEntityStatus)

		r.Get("/profanity-filter-presets/{presetID}", s.handlePreset)
		r.Post("/profanity-filter-presets/{presetID}/refresh", s.handlePresetRefresh)
		r.Get("/profanity-filter-config/{entityID}", s.handleProfanityConfig)
	})

	return r
}

// recoverMiddleware turns handler panics into generic 500s without
// leaking internals.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.authToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleActiveBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ActiveBots(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	if bots == nil {
		bots = []wire.ActiveBot{}
	}
	writeJSON(w, http.StatusOK, bots)
}

func (s *Server) handleBotConfig(w http.ResponseWriter, r *http.Request) {
	botID, ok := pathInt64(w, r, "botID")
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "1"

	bot, err := s.store.Bot(r.Context(), botID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	token, err := s.tokens.AccessToken(r.Context(), bot, force)
	if err != nil {
		slog.Error("access token unavailable", "bot", botID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "token refresh failed"})
		return
	}

	writeJSON(w, http.StatusOK, wire.BotConfig{
		BotGUID:  bot.AccountGUID,
		BotToken: token,
		Nickname: bot.Nickname,
	})
}

func (s *Server) handleBotEntities(w http.ResponseWriter, r *http.Request) {
	botID, ok := pathInt64(w, r, "botID")
	if !ok {
		return
	}
	entities, err := s.store.BotEntities(r.Context(), botID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if entities == nil {
		entities = map[string]wire.EntityConfig{}
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleEntityData(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Entity(r.Context(), entityID(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleEntityUpdate notifies the owning worker that the entity's
// configuration changed. 202 means the worker was unreachable and will
// catch up on its next reconcile.
func (s *Server) handleEntityUpdate(w http.ResponseWriter, r *http.Request) {
	guid := entityID(r)
	owner, err := s.store.EntityOwner(r.Context(), guid)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respondFanout(w, r, owner, "/update/"+url.PathEscape(guid), nil)
}

func (s *Server) handleEntityAssign(w http.ResponseWriter, r *http.Request) {
	guid := entityID(r)

	var req wire.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BotID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bot_id required"})
		return
	}

	e, err := s.store.Entity(r.Context(), guid)
	if err != nil {
		s.storeError(w, err)
		return
	}
	// Channel entities need a parent; reject bad writes at the boundary.
	if (e.Type == wire.EntityChat || e.Type == wire.EntityIHL) && e.ParentGUID == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "channel entity has no parent"})
		return
	}

	if err := s.store.AssignEntity(r.Context(), guid, req.BotID); err != nil {
		s.storeError(w, err)
		return
	}

	s.respondFanout(w, r, req.BotID, "/assign/"+url.PathEscape(guid),
		map[string]interface{}{"entityData": e})
}

func (s *Server) handleEntityUnassign(w http.ResponseWriter, r *http.Request) {
	guid := entityID(r)
	owner, err := s.store.EntityOwner(r.Context(), guid)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.store.UnassignEntity(r.Context(), guid); err != nil {
		s.storeError(w, err)
		return
	}
	s.respondFanout(w, r, owner, "/unassign/"+url.PathEscape(guid), nil)
}

// handleEntityStatus flips an entity's status. Workers post inactive
// here when the upstream reports a room gone; the dashboard can flip
// either way. The owning worker is told to join or leave accordingly.
func (s *Server) handleEntityStatus(w http.ResponseWriter, r *http.Request) {
	guid := entityID(r)

	var req wire.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	status := strings.ToLower(req.Status)
	if status != wire.StatusActive && status != wire.StatusInactive {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be active or inactive"})
		return
	}

	if err := s.store.SetEntityStatus(r.Context(), guid, status); err != nil {
		s.storeError(w, err)
		return
	}

	owner, err := s.store.EntityOwner(r.Context(), guid)
	if err != nil {
		// Unowned entities have nobody to notify.
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	path := "/unassign/" + url.PathEscape(guid)
	if status == wire.StatusActive {
		path = "/assign/" + url.PathEscape(guid)
	}
	s.respondFanout(w, r, owner, path, nil)
}

func (s *Server) handlePreset(w http.ResponseWriter, r *http.Request) {
	presetID, ok := pathInt64(w, r, "presetID")
	if !ok {
		return
	}
	p, err := s.store.Preset(r.Context(), presetID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePresetRefresh broadcasts a preset reload to every active
// worker. Delivery is best-effort.
func (s *Server) handlePresetRefresh(w http.ResponseWriter, r *http.Request) {
	presetID, ok := pathInt64(w, r, "presetID")
	if !ok {
		return
	}
	bots, err := s.store.ActiveBots(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	ids := make([]int64, len(bots))
	for i, b := range bots {
		ids[i] = b.BotID
	}
	acked := s.fanout.Broadcast(r.Context(), ids, "/refresh-preset/"+strconv.FormatInt(presetID, 10))
	writeJSON(w, http.StatusOK, map[string]int{"notified": acked, "total": len(ids)})
}

func (s *Server) handleProfanityConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.ProfanityConfig(r.Context(), entityID(r))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// respondFanout answers 200 when the worker acknowledged the
// notification and 202 when it could not be reached.
func (s *Server) respondFanout(w http.ResponseWriter, r *http.Request, botID int64, path string, body interface{}) {
	if err := s.fanout.Notify(r.Context(), botID, path, body); err != nil {
		slog.Warn("worker notification failed, deferring to reconcile", "bot", botID, "path", path, "error", err)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	slog.Error("store error", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func entityID(r *http.Request) string {
	return chi.URLParam(r, "entityID")
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " must be an integer"})
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
