// Package store is the data-plane's persistence layer over Postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chatwarden/chatwarden/internal/wire"
)

// ErrNotFound is returned for absent rows. Handlers map it to 404.
var ErrNotFound = errors.New("store: not found")

// Bot is the full bot row, including the credentials the config
// endpoint needs.
type Bot struct {
	ID           int64
	Status       string
	AccountGUID  string
	Nickname     string
	RefreshToken string
	AccessToken  string
	LastRefresh  time.Time // zero when never refreshed
}

// Store is the persistence surface the HTTP handlers use.
type Store interface {
	ActiveBots(ctx context.Context) ([]wire.ActiveBot, error)
	Bot(ctx context.Context, botID int64) (Bot, error)
	UpdateBotTokens(ctx context.Context, botID int64, accessToken, refreshToken string, refreshedAt time.Time) error

	BotEntities(ctx context.Context, botID int64) (map[string]wire.EntityConfig, error)
	Entity(ctx context.Context, entityGUID string) (wire.EntityConfig, error)
	EntityOwner(ctx context.Context, entityGUID string) (int64, error)
	SetEntityStatus(ctx context.Context, entityGUID, status string) error
	AssignEntity(ctx context.Context, entityGUID string, botID int64) error
	UnassignEntity(ctx context.Context, entityGUID string) error

	Preset(ctx context.Context, presetID int64) (wire.Preset, error)
	ProfanityConfig(ctx context.Context, entityGUID string) (wire.ProfanityConfig, error)
}
