package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwarden/chatwarden/internal/dataplane/store"
	"github.com/chatwarden/chatwarden/internal/metrics"
)

// Refresher is the OAuth exchange the token service depends on.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// TokenStore is the persistence slice the token service needs.
type TokenStore interface {
	UpdateBotTokens(ctx context.Context, botID int64, accessToken, refreshToken string, refreshedAt time.Time) error
}

// ShouldRefresh is the throttle rule for /bots/:id/config: a non-forced
// call refreshes after the unforced interval, a forced call (set after
// not-authorized) after the much shorter forced interval.
func ShouldRefresh(lastRefresh time.Time, force bool, unforcedMin, forcedMin time.Duration) bool {
	if lastRefresh.IsZero() {
		return true
	}
	since := time.Since(lastRefresh)
	if force {
		return since >= forcedMin
	}
	return since >= unforcedMin
}

// TokenService serves access tokens for bots, refreshing them under
// the throttle and persisting rotated credentials.
type TokenService struct {
	oauth       Refresher
	store       TokenStore
	unforcedMin time.Duration
	forcedMin   time.Duration

	mu sync.Mutex // serializes refreshes; the fleet is small
}

// NewTokenService wires the throttle intervals.
func NewTokenService(oauth Refresher, st TokenStore, unforcedMin, forcedMin time.Duration) *TokenService {
	return &TokenService{
		oauth:       oauth,
		store:       st,
		unforcedMin: unforcedMin,
		forcedMin:   forcedMin,
	}
}

// AccessToken returns a usable access token for the bot, refreshing
// upstream when the throttle allows it. When the throttle blocks or the
// refresh fails with a stored token available, the stored token is
// returned.
func (s *TokenService) AccessToken(ctx context.Context, bot store.Bot, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ShouldRefresh(bot.LastRefresh, force, s.unforcedMin, s.forcedMin) {
		metrics.TokenRefreshTotal.WithLabelValues("throttled").Inc()
		return bot.AccessToken, nil
	}

	t, err := s.oauth.Refresh(ctx, bot.RefreshToken)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("error").Inc()
		if bot.AccessToken != "" {
			slog.Warn("token refresh failed, serving stored token", "bot", bot.ID, "error", err)
			return bot.AccessToken, nil
		}
		return "", fmt.Errorf("refresh bot %d token: %w", bot.ID, err)
	}

	refresh := t.RefreshToken
	if refresh == "" {
		refresh = bot.RefreshToken
	}
	if err := s.store.UpdateBotTokens(ctx, bot.ID, t.AccessToken, refresh, time.Now()); err != nil {
		slog.Error("failed to persist refreshed tokens", "bot", bot.ID, "error", err)
	}
	metrics.TokenRefreshTotal.WithLabelValues("ok").Inc()
	slog.Info("refreshed upstream tokens", "bot", bot.ID, "forced", force)
	return t.AccessToken, nil
}
