// Package dataplane assembles the data-plane service: Postgres store,
// upstream OAuth, worker fan-out and the HTTP API.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatwarden/chatwarden/internal/config"
	"github.com/chatwarden/chatwarden/internal/dataplane/db"
	"github.com/chatwarden/chatwarden/internal/dataplane/fanout"
	"github.com/chatwarden/chatwarden/internal/dataplane/httpapi"
	"github.com/chatwarden/chatwarden/internal/dataplane/store"
	"github.com/chatwarden/chatwarden/internal/dataplane/upstream"
)

// Service is one running data-plane instance.
type Service struct {
	cfg  *config.Config
	http *http.Server
}

// New connects to the database, applies migrations and wires the HTTP
// surface.
func New(cfg *config.Config) (*Service, error) {
	conn, err := db.Open(cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	st := store.NewPostgres(conn)
	oauth := upstream.NewOAuthClient(cfg.ChatAuthURL+"/token", cfg.OAuthClientID, cfg.OAuthClientSecret)
	tokens := upstream.NewTokenService(oauth, st,
		time.Duration(cfg.AccessTokenTTLMin)*time.Minute,
		time.Duration(cfg.ForcedRefreshMinSeconds)*time.Second)
	notifier := fanout.New(cfg.WorkerPortBase)
	api := httpapi.New(st, tokens, notifier, cfg.DataplaneAuthToken)

	return &Service{
		cfg: cfg,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.DataplanePort),
			Handler:           api.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run serves until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		slog.Info("data-plane listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shctx)
	}
}
