// Package moderation implements the per-room moderation pipeline: the
// preset cache, evasion-tolerant banned-word matching, read-only mode,
// and dispatch of delete/mute/webhook/reply actions.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwarden/chatwarden/internal/metrics"
	"github.com/chatwarden/chatwarden/internal/wire"
)

// DataPlane is the subset of the data-plane client the engine needs.
type DataPlane interface {
	ModerationConfig(ctx context.Context, entityGUID string) (wire.ProfanityConfig, error)
	Preset(ctx context.Context, presetID int64) (wire.Preset, error)
}

// ActionClient performs delete and mute against the upstream admin API.
type ActionClient interface {
	Delete(ctx context.Context, messageID, authorJID, roomJID string) error
	Mute(ctx context.Context, entity wire.EntityConfig, userGUID string, d time.Duration) error
}

// Notifier posts external notifications. Implementations must not block.
type Notifier interface {
	Notify(webhookURL, content string)
}

// Replier queues an in-room reply. Implemented by the worker, which
// owns the outgoing stanza queue.
type Replier interface {
	EnqueueRoomMessage(entityGUID, body, attachmentID string)
}

type presetEntry struct {
	preset wire.Preset
	refs   int
}

type entityState struct {
	cfg      wire.ProfanityConfig
	managers map[string]bool
	match    *matcher
}

// Engine holds the moderation state for one worker. All exported
// methods are safe for concurrent use.
type Engine struct {
	dp           DataPlane
	admin        ActionClient
	webhook      Notifier
	replier      Replier
	readOnlyMute time.Duration

	mu       sync.Mutex
	presets  map[int64]*presetEntry
	entities map[string]*entityState
}

// NewEngine creates an empty moderation engine.
func NewEngine(dp DataPlane, admin ActionClient, webhook Notifier, readOnlyMute time.Duration) *Engine {
	return &Engine{
		dp:           dp,
		admin:        admin,
		webhook:      webhook,
		readOnlyMute: readOnlyMute,
		presets:      make(map[int64]*presetEntry),
		entities:     make(map[string]*entityState),
	}
}

// SetReplier wires the outgoing-queue owner. Must be called before the
// first message is processed.
func (e *Engine) SetReplier(r Replier) {
	e.replier = r
}

// Configure loads (or reloads) the moderation configuration for an
// entity: profanity config, manager exemptions, preset reference and
// compiled patterns.
func (e *Engine) Configure(ctx context.Context, entityGUID string) error {
	cfg, err := e.dp.ModerationConfig(ctx, entityGUID)
	if err != nil {
		return fmt.Errorf("fetch moderation config for %s: %w", entityGUID, err)
	}

	var presetWords []string
	if cfg.PresetID != 0 {
		p, err := e.acquirePreset(ctx, cfg.PresetID)
		if err != nil {
			// A broken preset must not take custom words down with it.
			slog.Warn("preset unavailable, moderating with custom words only",
				"entity", entityGUID, "preset", cfg.PresetID, "error", err)
			cfg.PresetID = 0
		} else {
			presetWords = p.Words
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.entities[entityGUID]; ok && old.cfg.PresetID != 0 && old.cfg.PresetID != cfg.PresetID {
		e.releasePresetLocked(old.cfg.PresetID)
	} else if ok && old.cfg.PresetID != 0 && old.cfg.PresetID == cfg.PresetID {
		// Reconfigure with the same preset: acquirePreset already took a
		// second reference, drop the old one.
		e.releasePresetLocked(old.cfg.PresetID)
	}

	managers := make(map[string]bool, len(cfg.ManagerGUIDs))
	for _, g := range cfg.ManagerGUIDs {
		managers[g] = true
	}

	e.entities[entityGUID] = &entityState{
		cfg:      cfg,
		managers: managers,
		match:    newMatcher(presetWords, cfg.CustomWords),
	}
	return nil
}

// Release drops all moderation state for an entity, dereferencing its
// preset. Called on unassign.
func (e *Engine) Release(entityGUID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.entities[entityGUID]
	if !ok {
		return
	}
	delete(e.entities, entityGUID)
	if st.cfg.PresetID != 0 {
		e.releasePresetLocked(st.cfg.PresetID)
	}
}

// RefreshPreset refetches a preset and rebuilds the compiled patterns
// of every entity that references it. A preset nothing references is
// not fetched.
func (e *Engine) RefreshPreset(ctx context.Context, presetID int64) error {
	e.mu.Lock()
	entry, cached := e.presets[presetID]
	e.mu.Unlock()
	if !cached {
		return nil
	}

	p, err := e.dp.Preset(ctx, presetID)
	if err != nil {
		return fmt.Errorf("refresh preset %d: %w", presetID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	entry.preset = p
	for guid, st := range e.entities {
		if st.cfg.PresetID != presetID {
			continue
		}
		st.match = newMatcher(p.Words, st.cfg.CustomWords)
		slog.Debug("rebuilt banned-word patterns", "entity", guid, "preset", presetID)
	}
	return nil
}

// PresetCached reports whether a preset is currently held in the cache.
func (e *Engine) PresetCached(presetID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.presets[presetID]
	return ok
}

func (e *Engine) acquirePreset(ctx context.Context, presetID int64) (wire.Preset, error) {
	e.mu.Lock()
	if entry, ok := e.presets[presetID]; ok {
		entry.refs++
		p := entry.preset
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	p, err := e.dp.Preset(ctx, presetID)
	if err != nil {
		return wire.Preset{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.presets[presetID]; ok {
		// Raced with another configure; keep the cached copy.
		entry.refs++
		return entry.preset, nil
	}
	e.presets[presetID] = &presetEntry{preset: p, refs: 1}
	metrics.CachedPresets.Set(float64(len(e.presets)))
	return p, nil
}

func (e *Engine) releasePresetLocked(presetID int64) {
	entry, ok := e.presets[presetID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(e.presets, presetID)
	}
	metrics.CachedPresets.Set(float64(len(e.presets)))
}

// Process runs moderation stages A (banned words) and B (read-only) for
// one inbound groupchat message and reports whether the message was
// handled. Timer and command stages belong to the worker, which owns
// the counters and the queue.
func (e *Engine) Process(ctx context.Context, entity wire.EntityConfig, authorGUID, authorJID, messageID, body string) bool {
	e.mu.Lock()
	st := e.entities[entity.GUID]
	var cfg wire.ProfanityConfig
	var match *matcher
	exempt := false
	if st != nil {
		cfg = st.cfg
		match = st.match
		exempt = st.managers[authorGUID]
	}
	e.mu.Unlock()

	// Stage A: banned words.
	if st != nil && cfg.Active && !exempt {
		if word, hit := match.Match(body); hit {
			e.handleViolation(ctx, entity, cfg, word, authorGUID, authorJID, messageID, body)
			return true
		}
	}

	// Stage B: read-only mode.
	if entity.ReadOnly && !exempt {
		metrics.ModerationActionsTotal.WithLabelValues("readonly").Inc()
		e.deleteMessage(ctx, entity, messageID, authorJID)
		e.mute(ctx, entity, authorGUID, e.readOnlyMute)
		return true
	}

	return false
}

func (e *Engine) handleViolation(ctx context.Context, entity wire.EntityConfig, cfg wire.ProfanityConfig, word, authorGUID, authorJID, messageID, body string) {
	slog.Info("banned word detected",
		"entity", entity.GUID, "word", word, "author", authorGUID, "message_id", messageID)
	metrics.ModerationActionsTotal.WithLabelValues("banned_word").Inc()

	if cfg.WebhookURL != "" && e.webhook != nil {
		content := cfg.WebhookMessage
		if content == "" {
			content = fmt.Sprintf("Banned word %q used by %s in %s: %s", word, authorGUID, entity.Name, body)
		}
		e.webhook.Notify(cfg.WebhookURL, content)
	}

	if cfg.Reply != "" && e.replier != nil {
		e.replier.EnqueueRoomMessage(entity.GUID, cfg.Reply, "")
	}

	e.deleteMessage(ctx, entity, messageID, authorJID)

	if cfg.MuteSeconds > 0 {
		e.mute(ctx, entity, authorGUID, time.Duration(cfg.MuteSeconds)*time.Second)
	}
}

func (e *Engine) deleteMessage(ctx context.Context, entity wire.EntityConfig, messageID, authorJID string) {
	if e.admin == nil {
		return
	}
	err := e.admin.Delete(ctx, messageID, authorJID, roomJIDFromAuthor(authorJID))
	switch {
	case err == nil:
		metrics.ModerationActionsTotal.WithLabelValues("delete").Inc()
	case errors.Is(err, ErrPermissionDenied):
		slog.Warn("no permission to delete message", "entity", entity.GUID, "message_id", messageID)
	default:
		slog.Error("delete message failed", "entity", entity.GUID, "message_id", messageID, "error", err)
	}
}

func (e *Engine) mute(ctx context.Context, entity wire.EntityConfig, userGUID string, d time.Duration) {
	if e.admin == nil || d <= 0 {
		return
	}
	err := e.admin.Mute(ctx, entity, userGUID, d)
	switch {
	case err == nil:
		metrics.ModerationActionsTotal.WithLabelValues("mute").Inc()
	case errors.Is(err, ErrPermissionDenied):
		slog.Warn("no permission to mute", "entity", entity.GUID, "user", userGUID)
	default:
		slog.Error("mute failed", "entity", entity.GUID, "user", userGUID, "error", err)
	}
}

// roomJIDFromAuthor strips the occupant resource off a room-scoped JID.
func roomJIDFromAuthor(authorJID string) string {
	for i := 0; i < len(authorJID); i++ {
		if authorJID[i] == '/' {
			return authorJID[:i]
		}
	}
	return authorJID
}
