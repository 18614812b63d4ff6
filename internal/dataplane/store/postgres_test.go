package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwarden/chatwarden/internal/dataplane/db"
	"github.com/chatwarden/chatwarden/internal/wire"
)

// openTestDB connects to the database named by TEST_DATABASE_URL and
// resets the tables. Tests are skipped when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	conn, err := db.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn))

	_, err = conn.Exec(`TRUNCATE manager_relations, profanity_configs, presets,
		bot_entity_relations, entities, bots RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return conn
}

func seedBot(t *testing.T, conn *sql.DB, id int64, status string) {
	t.Helper()
	_, err := conn.Exec(
		`INSERT INTO bots (id, status, account_guid, nickname, refresh_token, access_token)
		 VALUES ($1, $2, $3, $4, 'rt', 'at')`,
		id, status, "acct-guid", "modbot")
	require.NoError(t, err)
}

func seedEntity(t *testing.T, conn *sql.DB, guid, typ, parent string) {
	t.Helper()
	var p interface{}
	if parent != "" {
		p = parent
	}
	_, err := conn.Exec(
		`INSERT INTO entities (guid, type, parent_guid, name, commands, timers, timer_counter_max, welcome_message)
		 VALUES ($1, $2, $3, 'Room', '{"rules":{"response":"be nice"}}', '[{"message":"hi"}]', 25, 'welcome!')`,
		guid, typ, p)
	require.NoError(t, err)
}

func TestBotRoundTrip(t *testing.T) {
	conn := openTestDB(t)
	st := NewPostgres(conn)
	ctx := context.Background()

	seedBot(t, conn, 1, "active")
	seedBot(t, conn, 2, "inactive")

	bots, err := st.ActiveBots(ctx)
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, int64(1), bots[0].BotID)

	b, err := st.Bot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "acct-guid", b.AccountGUID)
	assert.Equal(t, "modbot", b.Nickname)
	assert.True(t, b.LastRefresh.IsZero())

	_, err = st.Bot(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.UpdateBotTokens(ctx, 1, "at2", "rt2", now))
	b, err = st.Bot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "at2", b.AccessToken)
	assert.Equal(t, "rt2", b.RefreshToken)
	assert.WithinDuration(t, now, b.LastRefresh, time.Second)

	assert.ErrorIs(t, st.UpdateBotTokens(ctx, 99, "a", "r", now), ErrNotFound)
}

func TestEntityAssignment(t *testing.T) {
	conn := openTestDB(t)
	st := NewPostgres(conn)
	ctx := context.Background()

	seedBot(t, conn, 1, "active")
	seedEntity(t, conn, "comm-1", "community", "")
	seedEntity(t, conn, "chan-1", "chat", "comm-1")

	require.NoError(t, st.AssignEntity(ctx, "comm-1", 1))
	require.NoError(t, st.AssignEntity(ctx, "chan-1", 1))

	owner, err := st.EntityOwner(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), owner)

	entities, err := st.BotEntities(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	e := entities["chan-1"]
	assert.Equal(t, wire.EntityChat, e.Type)
	assert.Equal(t, "comm-1", e.ParentGUID)
	assert.Equal(t, 25, e.TimerCounterMax)
	assert.Equal(t, "be nice", e.Commands["rules"].Response)
	require.Len(t, e.Timers, 1)
	assert.Equal(t, "hi", e.Timers[0].Message)

	// Inactive entities disappear from the roster but stay fetchable.
	require.NoError(t, st.SetEntityStatus(ctx, "chan-1", "inactive"))
	entities, err = st.BotEntities(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
	_, err = st.Entity(ctx, "chan-1")
	require.NoError(t, err)

	require.NoError(t, st.UnassignEntity(ctx, "comm-1"))
	_, err = st.EntityOwner(ctx, "comm-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Reassignment upserts.
	seedBot(t, conn, 2, "active")
	require.NoError(t, st.AssignEntity(ctx, "chan-1", 1))
	require.NoError(t, st.AssignEntity(ctx, "chan-1", 2))
	owner, err = st.EntityOwner(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), owner)
}

func TestPresetAndProfanityConfig(t *testing.T) {
	conn := openTestDB(t)
	st := NewPostgres(conn)
	ctx := context.Background()

	seedEntity(t, conn, "comm-1", "community", "")

	var presetID int64
	require.NoError(t, conn.QueryRow(
		`INSERT INTO presets (name, language, words) VALUES ('en-default', 'en', '["badword", "", "worse"]')
		 RETURNING id`).Scan(&presetID))

	p, err := st.Preset(ctx, presetID)
	require.NoError(t, err)
	assert.Equal(t, "en-default", p.Name)
	// Empty strings are filtered out of word lists.
	assert.Equal(t, []string{"badword", "worse"}, p.Words)

	_, err = st.Preset(ctx, presetID+100)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = conn.Exec(
		`INSERT INTO profanity_configs (entity_guid, preset_id, custom_words, webhook_url, reply, mute_duration_seconds, active)
		 VALUES ('comm-1', $1, '["local"]', 'https://hooks.example/x', 'watch it', 600, TRUE)`, presetID)
	require.NoError(t, err)
	_, err = conn.Exec(
		`INSERT INTO manager_relations (entity_guid, user_guid) VALUES ('comm-1', 'mgr-1'), ('comm-1', 'mgr-2')`)
	require.NoError(t, err)

	cfg, err := st.ProfanityConfig(ctx, "comm-1")
	require.NoError(t, err)
	assert.Equal(t, presetID, cfg.PresetID)
	assert.Equal(t, []string{"local"}, cfg.CustomWords)
	assert.Equal(t, "watch it", cfg.Reply)
	assert.Equal(t, 600, cfg.MuteSeconds)
	assert.True(t, cfg.Active)
	assert.ElementsMatch(t, []string{"mgr-1", "mgr-2"}, cfg.ManagerGUIDs)

	_, err = st.ProfanityConfig(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
