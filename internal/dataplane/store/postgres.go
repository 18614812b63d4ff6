package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwarden/chatwarden/internal/wire"
)

// Postgres implements Store over database/sql with lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) ActiveBots(ctx context.Context) ([]wire.ActiveBot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id FROM bots WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active bots: %w", err)
	}
	defer rows.Close()

	var bots []wire.ActiveBot
	for rows.Next() {
		var b wire.ActiveBot
		if err := rows.Scan(&b.BotID); err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (p *Postgres) Bot(ctx context.Context, botID int64) (Bot, error) {
	var b Bot
	var lastRefresh sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT id, status, account_guid, nickname, refresh_token, access_token, last_token_refresh
		 FROM bots WHERE id = $1`, botID,
	).Scan(&b.ID, &b.Status, &b.AccountGUID, &b.Nickname, &b.RefreshToken, &b.AccessToken, &lastRefresh)
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, fmt.Errorf("bot %d: %w", botID, ErrNotFound)
	}
	if err != nil {
		return Bot{}, fmt.Errorf("query bot %d: %w", botID, err)
	}
	if lastRefresh.Valid {
		b.LastRefresh = lastRefresh.Time
	}
	return b, nil
}

func (p *Postgres) UpdateBotTokens(ctx context.Context, botID int64, accessToken, refreshToken string, refreshedAt time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bots SET access_token = $2, refresh_token = $3, last_token_refresh = $4 WHERE id = $1`,
		botID, accessToken, refreshToken, refreshedAt)
	if err != nil {
		return fmt.Errorf("update bot %d tokens: %w", botID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bot %d: %w", botID, ErrNotFound)
	}
	return nil
}

const entityColumns = `e.guid, e.name, e.type, e.parent_guid, e.commands, e.timers,
	e.timer_counter_max, e.read_only, e.welcome_message`

func (p *Postgres) BotEntities(ctx context.Context, botID int64) (map[string]wire.EntityConfig, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+entityColumns+`
		 FROM entities e
		 JOIN bot_entity_relations r ON r.entity_guid = e.guid
		 WHERE r.bot_id = $1 AND e.status = 'active'`, botID)
	if err != nil {
		return nil, fmt.Errorf("query bot %d entities: %w", botID, err)
	}
	defer rows.Close()

	out := make(map[string]wire.EntityConfig)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out[e.GUID] = e
	}
	return out, rows.Err()
}

func (p *Postgres) Entity(ctx context.Context, entityGUID string) (wire.EntityConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities e WHERE e.guid = $1`, entityGUID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.EntityConfig{}, fmt.Errorf("entity %s: %w", entityGUID, ErrNotFound)
	}
	if err != nil {
		return wire.EntityConfig{}, fmt.Errorf("query entity %s: %w", entityGUID, err)
	}
	return e, nil
}

func (p *Postgres) EntityOwner(ctx context.Context, entityGUID string) (int64, error) {
	var botID int64
	err := p.db.QueryRowContext(ctx,
		`SELECT bot_id FROM bot_entity_relations WHERE entity_guid = $1`, entityGUID,
	).Scan(&botID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("entity %s owner: %w", entityGUID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query entity %s owner: %w", entityGUID, err)
	}
	return botID, nil
}

func (p *Postgres) SetEntityStatus(ctx context.Context, entityGUID, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE entities SET status = $2 WHERE guid = $1`, entityGUID, status)
	if err != nil {
		return fmt.Errorf("set entity %s status: %w", entityGUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", entityGUID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) AssignEntity(ctx context.Context, entityGUID string, botID int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO bot_entity_relations (entity_guid, bot_id) VALUES ($1, $2)
		 ON CONFLICT (entity_guid) DO UPDATE SET bot_id = EXCLUDED.bot_id`,
		entityGUID, botID)
	if err != nil {
		return fmt.Errorf("assign entity %s to bot %d: %w", entityGUID, botID, err)
	}
	return nil
}

func (p *Postgres) UnassignEntity(ctx context.Context, entityGUID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM bot_entity_relations WHERE entity_guid = $1`, entityGUID)
	if err != nil {
		return fmt.Errorf("unassign entity %s: %w", entityGUID, err)
	}
	return nil
}

func (p *Postgres) Preset(ctx context.Context, presetID int64) (wire.Preset, error) {
	var pr wire.Preset
	var words []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, language, words FROM presets WHERE id = $1 AND active`, presetID,
	).Scan(&pr.ID, &pr.Name, &pr.Language, &words)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Preset{}, fmt.Errorf("preset %d: %w", presetID, ErrNotFound)
	}
	if err != nil {
		return wire.Preset{}, fmt.Errorf("query preset %d: %w", presetID, err)
	}
	pr.Words = wire.FilterWords(decodeWords(words, fmt.Sprintf("preset %d", presetID)))
	return pr, nil
}

func (p *Postgres) ProfanityConfig(ctx context.Context, entityGUID string) (wire.ProfanityConfig, error) {
	var cfg wire.ProfanityConfig
	var presetID sql.NullInt64
	var customWords []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT preset_id, custom_words, webhook_url, webhook_message, reply,
		        mute_duration_seconds, active
		 FROM profanity_configs WHERE entity_guid = $1`, entityGUID,
	).Scan(&presetID, &customWords, &cfg.WebhookURL, &cfg.WebhookMessage,
		&cfg.Reply, &cfg.MuteSeconds, &cfg.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.ProfanityConfig{}, fmt.Errorf("profanity config %s: %w", entityGUID, ErrNotFound)
	}
	if err != nil {
		return wire.ProfanityConfig{}, fmt.Errorf("query profanity config %s: %w", entityGUID, err)
	}
	if presetID.Valid {
		cfg.PresetID = presetID.Int64
	}
	cfg.CustomWords = wire.FilterWords(decodeWords(customWords, "custom words "+entityGUID))

	rows, err := p.db.QueryContext(ctx,
		`SELECT user_guid FROM manager_relations WHERE entity_guid = $1`, entityGUID)
	if err != nil {
		return wire.ProfanityConfig{}, fmt.Errorf("query managers %s: %w", entityGUID, err)
	}
	defer rows.Close()
	cfg.ManagerGUIDs = []string{}
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return wire.ProfanityConfig{}, err
		}
		cfg.ManagerGUIDs = append(cfg.ManagerGUIDs, g)
	}
	return cfg, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEntity reads one entity row. Malformed JSON blobs degrade to safe
// defaults instead of failing the request.
func scanEntity(row rowScanner) (wire.EntityConfig, error) {
	var e wire.EntityConfig
	var parent sql.NullString
	var commands, timers []byte
	if err := row.Scan(&e.GUID, &e.Name, &e.Type, &parent, &commands, &timers,
		&e.TimerCounterMax, &e.ReadOnly, &e.WelcomeMessage); err != nil {
		return wire.EntityConfig{}, err
	}
	if parent.Valid {
		e.ParentGUID = parent.String
	}

	e.Commands = map[string]wire.Command{}
	if len(commands) > 0 {
		if err := json.Unmarshal(commands, &e.Commands); err != nil {
			slog.Warn("malformed commands blob, using empty map", "entity", e.GUID, "error", err)
			e.Commands = map[string]wire.Command{}
		}
	}
	e.Timers = []wire.Timer{}
	if len(timers) > 0 {
		if err := json.Unmarshal(timers, &e.Timers); err != nil {
			slog.Warn("malformed timers blob, using empty list", "entity", e.GUID, "error", err)
			e.Timers = []wire.Timer{}
		}
	}
	return e, nil
}

func decodeWords(raw []byte, what string) []string {
	if len(raw) == 0 {
		return nil
	}
	var words []string
	if err := json.Unmarshal(raw, &words); err != nil {
		slog.Warn("malformed word list, using empty list", "source", what, "error", err)
		return nil
	}
	return words
}
