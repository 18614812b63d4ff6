// Package worker implements one bot's session state machine: the
// authenticated chat session, the outgoing stanza queue, room-set
// reconciliation, health watchdogs and the moderation entry points.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chatwarden/chatwarden/internal/config"
	"github.com/chatwarden/chatwarden/internal/id"
	"github.com/chatwarden/chatwarden/internal/metrics"
	"github.com/chatwarden/chatwarden/internal/wire"
	"github.com/chatwarden/chatwarden/internal/worker/jid"
	"github.com/chatwarden/chatwarden/internal/worker/moderation"
	"github.com/chatwarden/chatwarden/internal/worker/xmpp"
)

// ErrTooManyReconnects is returned by Run when the reconnect circuit
// opens. The process exits non-zero and the manager restarts it from a
// clean state.
var ErrTooManyReconnects = errors.New("worker: reconnect circuit open")

// ErrWatchdogExpired is returned by Run when the process watchdog finds
// the session dead beyond recovery.
var ErrWatchdogExpired = errors.New("worker: process watchdog expired")

// ErrStartupFetchBudget is returned by Run when credentials could not
// be obtained within the startup retry budget. The process exits
// non-zero; restart timing is the manager's call.
var ErrStartupFetchBudget = errors.New("worker: credential fetch budget exhausted")

// errSessionEnded marks an orderly teardown of one connection attempt.
var errSessionEnded = errors.New("worker: session ended")

const (
	maxReconnectAttempts = 10
	initialReconnectWait = 5 * time.Second
	maxReconnectWait     = 5 * time.Minute
	startupFetchTries    = 5

	receptionCheckEvery = 30 * time.Second
	receptionStaleAfter = 5 * time.Minute
	processCheckEvery   = 60 * time.Second
	processStaleAfter   = 10 * time.Minute
	cleanupEvery        = time.Hour

	unassignDebounce = 5 * time.Minute
)

// Session is the subset of the XMPP session the worker drives. Tests
// substitute a scripted implementation.
type Session interface {
	Send(ctx context.Context, v interface{}) error
	Receive(ctx context.Context) (interface{}, error)
	Close()
	BoundJID() string
}

// DialFunc opens a chat session.
type DialFunc func(ctx context.Context, cfg xmpp.Config) (Session, error)

// DataPlaneClient is the subset of the data-plane client the worker
// uses directly.
type DataPlaneClient interface {
	BotConfig(ctx context.Context, botID int64, force bool) (wire.BotConfig, error)
	BotEntities(ctx context.Context, botID int64) (map[string]wire.EntityConfig, error)
	EntityData(ctx context.Context, entityGUID string) (wire.EntityConfig, error)
	MarkEntityInactive(ctx context.Context, entityGUID string) error
}

// TokenExchanger swaps an access credential for a chat-session token.
type TokenExchanger interface {
	ChatToken(ctx context.Context, accessToken string) (string, error)
}

// Moderator is the moderation engine surface the worker drives.
type Moderator interface {
	Configure(ctx context.Context, entityGUID string) error
	Release(entityGUID string)
	RefreshPreset(ctx context.Context, presetID int64) error
	Process(ctx context.Context, entity wire.EntityConfig, authorGUID, authorJID, messageID, body string) bool
	SetReplier(moderation.Replier)
}

// Options wires a Worker.
type Options struct {
	BotID      int64
	Cfg        *config.Config
	DataPlane  DataPlaneClient
	Auth       TokenExchanger
	Moderation Moderator
	// Dial defaults to the real WebSocket dialer.
	Dial DialFunc
}

// ReconnectionState is the /reconnection-state diagnostic snapshot.
type ReconnectionState struct {
	Connected   bool      `json:"connected"`
	Attempts    int       `json:"attempts"`
	NextDelay   string    `json:"next_delay"`
	LastAttempt time.Time `json:"last_attempt"`
	Entities    int       `json:"entities"`
	QueueLength int       `json:"queue_length"`
	BoundJID    string    `json:"bound_jid,omitempty"`
}

type queued struct {
	entityGUID string
	stanza     interface{}
}

type timerState struct {
	count  int
	cursor int
}

// Worker owns all per-bot state. Every field below mu is guarded by it;
// the tickers and the receive loop funnel through it.
type Worker struct {
	botID int64
	cfg   *config.Config
	dp    DataPlaneClient
	auth  TokenExchanger
	mod   Moderator
	dial  DialFunc

	shutdown   chan struct{}
	shutdownMu sync.Once

	mu                 sync.Mutex
	entities           map[string]wire.EntityConfig
	roomIndex          map[string]string // bare room JID -> entity guid
	groupIndex         map[string]string // presence-group JID -> entity guid
	presenceGroups     map[string]string // entity guid -> presence-group
	queue              []queued
	nonExistent        map[string]bool
	recentlyUnassigned map[string]time.Time
	counters           map[string]*timerState

	sess           Session
	connected      bool
	accountGUID    string
	lastServerPing time.Time

	attempts    int
	nextDelay   time.Duration
	lastAttempt time.Time
	forceFetch  bool

	// Reconnect and fetch timing, overridable in tests.
	initialWait      time.Duration
	maxWait          time.Duration
	fetchInitialWait time.Duration

	warnLimiter *rate.Limiter
}

// New creates a worker for one bot.
func New(opts Options) *Worker {
	dial := opts.Dial
	if dial == nil {
		dial = func(ctx context.Context, cfg xmpp.Config) (Session, error) {
			return xmpp.Dial(ctx, cfg)
		}
	}
	w := &Worker{
		botID:              opts.BotID,
		cfg:                opts.Cfg,
		dp:                 opts.DataPlane,
		auth:               opts.Auth,
		mod:                opts.Moderation,
		dial:               dial,
		shutdown:           make(chan struct{}),
		entities:           make(map[string]wire.EntityConfig),
		roomIndex:          make(map[string]string),
		groupIndex:         make(map[string]string),
		presenceGroups:     make(map[string]string),
		nonExistent:        make(map[string]bool),
		recentlyUnassigned: make(map[string]time.Time),
		counters:           make(map[string]*timerState),
		nextDelay:          initialReconnectWait,
		initialWait:        initialReconnectWait,
		maxWait:            maxReconnectWait,
		fetchInitialWait:   2 * time.Second,
		warnLimiter:        rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	w.mod.SetReplier(w)
	return w
}

// RequestExit sets the shutdown flag. Run returns within one ticker
// period.
func (w *Worker) RequestExit() {
	w.shutdownMu.Do(func() { close(w.shutdown) })
}

// Run drives the connect loop and the background tickers until
// shutdown, the circuit breaker or the process watchdog ends it.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.connectLoop(gctx) })
	g.Go(func() error { return w.pacerLoop(gctx) })
	g.Go(func() error { return w.reconcileLoop(gctx) })
	g.Go(func() error { return w.receptionWatchdog(gctx) })
	g.Go(func() error { return w.processWatchdog(gctx) })
	g.Go(func() error { return w.cleanupLoop(gctx) })

	err := g.Wait()
	w.teardownSession()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// connectLoop runs connection attempts under the reconnect policy:
// delay doubles from 5s to a 5min cap, ten consecutive failures open
// the circuit.
func (w *Worker) connectLoop(ctx context.Context) error {
	for {
		w.mu.Lock()
		w.attempts++
		w.lastAttempt = time.Now()
		w.mu.Unlock()
		metrics.ReconnectAttempts.Inc()

		err := w.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A dead data-plane has its own bounded budget; it does not feed
		// the reconnect counter.
		if errors.Is(err, ErrStartupFetchBudget) {
			slog.Error("credential fetch budget exhausted, exiting for a clean restart", "error", err)
			return err
		}

		switch {
		case errors.Is(err, xmpp.ErrNotAuthorized):
			slog.Warn("chat session not authorized, forcing a token refresh")
			w.mu.Lock()
			w.forceFetch = true
			w.mu.Unlock()
		case errors.Is(err, errSessionEnded):
			slog.Info("chat session ended")
		case err != nil:
			slog.Warn("chat session failed", "error", err)
		}

		w.mu.Lock()
		attempts := w.attempts
		delay := w.nextDelay
		w.nextDelay = minDuration(w.nextDelay*2, w.maxWait)
		w.mu.Unlock()

		if attempts >= maxReconnectAttempts {
			slog.Error("reconnect circuit open, exiting for a clean restart", "attempts", attempts)
			return ErrTooManyReconnects
		}

		slog.Info("scheduling reconnect", "delay", delay, "attempt", attempts)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) connectAndServe(ctx context.Context) error {
	w.teardownSession()

	botCfg, chatToken, err := w.fetchCredentials(ctx)
	if err != nil {
		return err
	}

	sess, err := w.dial(ctx, xmpp.Config{
		WSURL:       w.cfg.ChatWSURL,
		Domain:      w.cfg.ChatDomain,
		AccountGUID: botCfg.BotGUID,
		ChatToken:   chatToken,
		Resource:    fmt.Sprintf("bot-%d", w.botID),
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.sess = sess
	w.connected = true
	w.accountGUID = botCfg.BotGUID
	w.lastServerPing = time.Now()
	w.attempts = 0
	w.nextDelay = w.initialWait
	w.forceFetch = false
	w.mu.Unlock()
	metrics.SessionConnected.Set(1)
	slog.Info("chat session online", "jid", sess.BoundJID())

	if err := sess.Send(ctx, xmpp.NewInitialPresence(id.Generate())); err != nil {
		slog.Warn("initial presence failed", "error", err)
	}

	// Presence groups belong to the previous session; the fresh joins
	// below re-learn them.
	w.mu.Lock()
	w.presenceGroups = make(map[string]string)
	w.groupIndex = make(map[string]string)
	retained := make([]string, 0, len(w.entities))
	for guid := range w.entities {
		retained = append(retained, guid)
	}
	w.mu.Unlock()

	// Synchronous reconcile so the room set is current, then join every
	// room we own on the new session. Reconcile only queries newly
	// assigned rooms, so retained rooms are rejoined explicitly.
	if err := w.Reconcile(ctx); err != nil {
		slog.Warn("initial reconcile failed, continuing with cached entities", "error", err)
		w.joinAllRooms()
	} else {
		w.joinRooms(retained)
	}

	err = w.receiveLoop(ctx, sess)
	w.teardownSession()
	return err
}

// fetchCredentials runs the two startup fetches (bot config, chat
// token) under the startup budget: five attempts, exponential up to
// five minutes, then the worker exits.
func (w *Worker) fetchCredentials(ctx context.Context) (wire.BotConfig, string, error) {
	w.mu.Lock()
	force := w.forceFetch
	w.mu.Unlock()

	type creds struct {
		cfg   wire.BotConfig
		token string
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.fetchInitialWait
	bo.MaxInterval = maxReconnectWait

	got, err := backoff.Retry(ctx, func() (creds, error) {
		botCfg, err := w.dp.BotConfig(ctx, w.botID, force)
		if err != nil {
			return creds{}, fmt.Errorf("bot config: %w", err)
		}
		token, err := w.auth.ChatToken(ctx, botCfg.BotToken)
		if err != nil {
			return creds{}, fmt.Errorf("chat token: %w", err)
		}
		return creds{cfg: botCfg, token: token}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(startupFetchTries), backoff.WithNotify(func(err error, wait time.Duration) {
		slog.Warn("credential fetch failed, retrying", "error", err, "wait", wait)
	}))
	if err != nil {
		if ctx.Err() != nil {
			return wire.BotConfig{}, "", ctx.Err()
		}
		return wire.BotConfig{}, "", fmt.Errorf("%w: %v", ErrStartupFetchBudget, err)
	}
	return got.cfg, got.token, nil
}

func (w *Worker) teardownSession() {
	w.mu.Lock()
	sess := w.sess
	w.sess = nil
	w.connected = false
	w.mu.Unlock()
	if sess != nil {
		sess.Close()
		metrics.SessionConnected.Set(0)
	}
}

// joinAllRooms queues a MUC-Light configuration query for every entity.
func (w *Worker) joinAllRooms() {
	w.mu.Lock()
	guids := make([]string, 0, len(w.entities))
	for guid := range w.entities {
		guids = append(guids, guid)
	}
	w.mu.Unlock()
	w.joinRooms(guids)
}

// joinRooms queues a MUC-Light configuration query for each listed
// entity still in the map.
func (w *Worker) joinRooms(guids []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, guid := range guids {
		e, ok := w.entities[guid]
		if !ok {
			continue
		}
		w.enqueueLocked(guid, xmpp.NewMUCLightConfigRequest(id.Generate(), jid.Room(e, w.cfg.MUCDomain)))
	}
}

// receiveLoop classifies inbound stanzas until the session dies.
func (w *Worker) receiveLoop(ctx context.Context, sess Session) error {
	for {
		v, err := sess.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", errSessionEnded, err)
		}
		w.handleStanza(ctx, sess, v)
	}
}

func (w *Worker) handleStanza(ctx context.Context, sess Session, v interface{}) {
	switch st := v.(type) {
	case *xmpp.IQ:
		w.handleIQ(ctx, sess, st)
	case *xmpp.Message:
		w.handleMessage(ctx, st)
	case *xmpp.Presence:
		w.handlePresence(st)
	case *xmpp.StreamError:
		slog.Warn("stream error from upstream", "error", st.Inner)
		sess.Close()
	case *xmpp.Close:
		sess.Close()
	case *xmpp.Unknown:
		slog.Debug("ignoring unknown frame", "element", st.Name.Local)
	}
}

func (w *Worker) handleIQ(ctx context.Context, sess Session, iq *xmpp.IQ) {
	switch {
	case iq.Type == "get" && iq.Ping != nil:
		w.mu.Lock()
		w.lastServerPing = time.Now()
		w.mu.Unlock()
		if err := sess.Send(ctx, xmpp.NewPingResult(iq)); err != nil {
			slog.Warn("ping result failed", "error", err)
		}

	case iq.Type == "result" && iq.MUCLight != nil && iq.MUCLight.PresenceGroup != "":
		w.handlePresenceGroup(jid.Bare(iq.From), iq.MUCLight.PresenceGroup)

	case iq.Type == "error" && iq.Error != nil && iq.Error.NotFound():
		w.handleEntityGone(ctx, jid.Bare(iq.From))

	case iq.Type == "error" && iq.Error != nil:
		slog.Debug("iq error", "from", iq.From, "code", iq.Error.Code)

	case iq.Type == "get":
		if err := sess.Send(ctx, xmpp.NewFeatureNotImplemented(iq)); err != nil {
			slog.Warn("feature-not-implemented reply failed", "error", err)
		}
	}
}

// handlePresenceGroup records the presence-group returned by a
// MUC-Light configuration reply and subscribes to it.
func (w *Worker) handlePresenceGroup(roomJID, group string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	guid, ok := w.roomIndex[roomJID]
	if !ok {
		return
	}
	w.presenceGroups[guid] = group
	w.groupIndex[jid.Bare(group)] = guid
	w.enqueueLocked(guid, xmpp.NewSupergroupSubscribe(id.Generate(), group, true))
}

// handleEntityGone reacts to an upstream 404 against a room we own:
// drop the entity, silence its queue and flip it inactive upstream.
func (w *Worker) handleEntityGone(ctx context.Context, fromJID string) {
	w.mu.Lock()
	guid, ok := w.roomIndex[fromJID]
	if !ok {
		guid, ok = w.groupIndex[fromJID]
	}
	if !ok {
		w.mu.Unlock()
		return
	}
	w.removeEntityLocked(guid)
	w.nonExistent[guid] = true
	w.mu.Unlock()

	w.mod.Release(guid)
	slog.Warn("room gone upstream, marking entity inactive", "entity", guid, "from", fromJID)

	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.dp.MarkEntityInactive(nctx, guid); err != nil {
			slog.Error("failed to mark entity inactive", "entity", guid, "error", err)
		}
	}()
}

func (w *Worker) handleMessage(ctx context.Context, msg *xmpp.Message) {
	if msg.Type != "groupchat" {
		return
	}
	// History replays are never moderated.
	if msg.IsHistory() {
		return
	}

	from := msg.From
	authorGUID := jid.Resource(from)
	roomJID := jid.Bare(from)

	w.mu.Lock()
	guid, ok := w.roomIndex[roomJID]
	if !ok {
		guid, ok = w.groupIndex[roomJID]
	}
	var entity wire.EntityConfig
	var own string
	if ok {
		entity = w.entities[guid]
		own = w.accountGUID
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	// The bot never moderates itself.
	if authorGUID == "" || authorGUID == own {
		return
	}

	if w.mod.Process(ctx, entity, authorGUID, from, msg.ID, msg.Body) {
		return
	}

	if w.timerTick(entity) {
		return
	}
	w.command(entity, msg.Body)
}

// timerTick advances the per-entity message counter and emits the next
// timed message when the threshold is crossed. The rotation cursor
// advances before emission, so the first trigger emits the second
// timer.
func (w *Worker) timerTick(entity wire.EntityConfig) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.counters[entity.GUID]
	if ts == nil {
		ts = &timerState{}
		w.counters[entity.GUID] = ts
	}
	ts.count++
	if ts.count <= entity.TimerCounterMax || len(entity.Timers) == 0 {
		return false
	}

	ts.cursor = (ts.cursor + 1) % len(entity.Timers)
	t := entity.Timers[ts.cursor]
	ts.count = 0
	w.enqueueLocked(entity.GUID, xmpp.NewGroupchatMessage(
		id.Generate(), jid.Room(entity, w.cfg.MUCDomain), t.Message, t.AttachmentID))
	return true
}

// command answers !trigger messages from the entity's commands map.
func (w *Worker) command(entity wire.EntityConfig, body string) {
	if !strings.HasPrefix(body, "!") {
		return
	}
	trigger := strings.ToLower(strings.TrimSpace(body[1:]))
	cmd, ok := entity.Commands[trigger]
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enqueueLocked(entity.GUID, xmpp.NewGroupchatMessage(
		id.Generate(), jid.Room(entity, w.cfg.MUCDomain), cmd.Response, cmd.AttachmentID))
}

func (w *Worker) handlePresence(p *xmpp.Presence) {
	member := p.AddedMember()
	if member == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	guid, ok := w.roomIndex[jid.Bare(p.From)]
	if !ok {
		return
	}
	entity := w.entities[guid]
	if entity.WelcomeMessage == "" {
		return
	}
	w.enqueueLocked(guid, xmpp.NewChatMessage(id.Generate(), member, entity.WelcomeMessage))
}

// EnqueueRoomMessage implements moderation.Replier.
func (w *Worker) EnqueueRoomMessage(entityGUID, body, attachmentID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[entityGUID]
	if !ok {
		return
	}
	w.enqueueLocked(entityGUID, xmpp.NewGroupchatMessage(
		id.Generate(), jid.Room(e, w.cfg.MUCDomain), body, attachmentID))
}

// enqueueLocked appends to the FIFO queue. Callers hold w.mu.
func (w *Worker) enqueueLocked(entityGUID string, stanza interface{}) {
	w.queue = append(w.queue, queued{entityGUID: entityGUID, stanza: stanza})
}

// pacerLoop pops at most one stanza per tick while online. Stanzas to
// non-existent entities are dropped; send failures are logged and the
// stanza is not retried.
func (w *Worker) pacerLoop(ctx context.Context) error {
	interval := time.Duration(w.cfg.OutgoingIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sendNext(ctx)
		}
	}
}

func (w *Worker) sendNext(ctx context.Context) {
	w.mu.Lock()
	if !w.connected || len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	item := w.queue[0]
	w.queue = w.queue[1:]
	if item.entityGUID != "" && w.nonExistent[item.entityGUID] {
		w.mu.Unlock()
		metrics.StanzasDropped.WithLabelValues("non_existent").Inc()
		slog.Debug("dropping stanza to non-existent entity", "entity", item.entityGUID)
		return
	}
	sess := w.sess
	w.mu.Unlock()
	if sess == nil {
		metrics.StanzasDropped.WithLabelValues("offline").Inc()
		return
	}

	if err := sess.Send(ctx, item.stanza); err != nil {
		metrics.StanzasDropped.WithLabelValues("send_failed").Inc()
		slog.Warn("outgoing stanza failed", "entity", item.entityGUID, "error", err)
		return
	}
	metrics.StanzasSent.Inc()
}

// reconcileLoop refreshes the room set on a fixed cadence.
func (w *Worker) reconcileLoop(ctx context.Context) error {
	interval := time.Duration(w.cfg.ReconcileIntervalMin) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Reconcile(ctx); err != nil {
				slog.Warn("periodic reconcile failed", "error", err)
			}
		}
	}
}

// Reconcile fetches the authoritative entity set and applies the diff:
// new entities join, departed entities leave with a debounce window,
// surviving entities get their configuration overwritten in place.
func (w *Worker) Reconcile(ctx context.Context) error {
	fresh, err := w.dp.BotEntities(ctx, w.botID)
	if err != nil {
		return fmt.Errorf("fetch entity set: %w", err)
	}

	w.mu.Lock()
	var added, removed []string
	for guid := range fresh {
		if _, ok := w.entities[guid]; !ok {
			added = append(added, guid)
		}
	}
	for guid := range w.entities {
		if _, ok := fresh[guid]; !ok {
			removed = append(removed, guid)
		}
	}
	for guid, e := range fresh {
		if _, ok := w.entities[guid]; ok {
			w.setEntityLocked(e)
		}
	}
	w.mu.Unlock()

	for _, guid := range added {
		w.addEntity(ctx, fresh[guid])
	}
	for _, guid := range removed {
		w.dropEntity(guid)
	}

	w.mu.Lock()
	metrics.ActiveEntities.Set(float64(len(w.entities)))
	w.mu.Unlock()
	return nil
}

// addEntity installs an entity, configures moderation and queues the
// room join. Writes to the entity map happen before any stanza is
// enqueued.
func (w *Worker) addEntity(ctx context.Context, e wire.EntityConfig) {
	w.mu.Lock()
	delete(w.recentlyUnassigned, e.GUID)
	delete(w.nonExistent, e.GUID)
	w.setEntityLocked(e)
	w.mu.Unlock()

	if err := w.mod.Configure(ctx, e.GUID); err != nil {
		slog.Warn("moderation configure failed", "entity", e.GUID, "error", err)
	}

	w.mu.Lock()
	w.enqueueLocked(e.GUID, xmpp.NewMUCLightConfigRequest(id.Generate(), jid.Room(e, w.cfg.MUCDomain)))
	w.mu.Unlock()
	slog.Info("entity assigned", "entity", e.GUID, "type", e.Type)
}

// dropEntity releases an entity and leaves its presence group. The
// debounce window suppresses race messages arriving after the leave.
func (w *Worker) dropEntity(guid string) {
	w.mu.Lock()
	e, ok := w.entities[guid]
	if !ok {
		w.mu.Unlock()
		return
	}
	group := w.presenceGroups[guid]
	if group == "" {
		group = jid.PresenceGroup(e, w.cfg.SupergroupDomain)
	}
	w.removeEntityLocked(guid)
	w.recentlyUnassigned[guid] = time.Now()
	w.enqueueLocked("", xmpp.NewSupergroupSubscribe(id.Generate(), group, false))
	w.mu.Unlock()

	w.mod.Release(guid)
	slog.Info("entity unassigned", "entity", guid)
}

func (w *Worker) setEntityLocked(e wire.EntityConfig) {
	w.entities[e.GUID] = e
	w.roomIndex[jid.Room(e, w.cfg.MUCDomain)] = e.GUID
}

func (w *Worker) removeEntityLocked(guid string) {
	e, ok := w.entities[guid]
	if !ok {
		return
	}
	delete(w.entities, guid)
	delete(w.counters, guid)
	delete(w.roomIndex, jid.Room(e, w.cfg.MUCDomain))
	if g, ok := w.presenceGroups[guid]; ok {
		delete(w.groupIndex, jid.Bare(g))
		delete(w.presenceGroups, guid)
	}
}

// Assign handles POST /assign/:entityId: install the entity (with the
// pushed data, or fetched when absent) and join its room.
func (w *Worker) Assign(ctx context.Context, entityGUID string, data *wire.EntityConfig) error {
	var e wire.EntityConfig
	if data != nil {
		e = *data
		e.GUID = entityGUID
	} else {
		var err error
		e, err = w.dp.EntityData(ctx, entityGUID)
		if err != nil {
			return fmt.Errorf("assign %s: %w", entityGUID, err)
		}
	}
	w.addEntity(ctx, e)

	w.mu.Lock()
	metrics.ActiveEntities.Set(float64(len(w.entities)))
	w.mu.Unlock()
	return nil
}

// Unassign handles POST /unassign/:entityId.
func (w *Worker) Unassign(_ context.Context, entityGUID string) error {
	w.dropEntity(entityGUID)
	w.mu.Lock()
	metrics.ActiveEntities.Set(float64(len(w.entities)))
	w.mu.Unlock()
	return nil
}

// Update handles POST /update/:entityId: refetch the entity data and
// reconfigure moderation in place. No join stanza is issued.
func (w *Worker) Update(ctx context.Context, entityGUID string) error {
	e, err := w.dp.EntityData(ctx, entityGUID)
	if err != nil {
		return fmt.Errorf("update %s: %w", entityGUID, err)
	}
	w.mu.Lock()
	if _, ok := w.entities[entityGUID]; !ok {
		w.mu.Unlock()
		return w.Assign(ctx, entityGUID, &e)
	}
	w.setEntityLocked(e)
	w.mu.Unlock()

	if err := w.mod.Configure(ctx, entityGUID); err != nil {
		return fmt.Errorf("update %s: %w", entityGUID, err)
	}
	return nil
}

// RefreshPreset handles POST /refresh-preset/:presetId.
func (w *Worker) RefreshPreset(ctx context.Context, presetID int64) error {
	return w.mod.RefreshPreset(ctx, presetID)
}

// State returns the diagnostics snapshot for /reconnection-state.
func (w *Worker) State() ReconnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := ReconnectionState{
		Connected:   w.connected,
		Attempts:    w.attempts,
		NextDelay:   w.nextDelay.String(),
		LastAttempt: w.lastAttempt,
		Entities:    len(w.entities),
		QueueLength: len(w.queue),
	}
	if w.sess != nil {
		st.BoundJID = w.sess.BoundJID()
	}
	return st
}

// receptionWatchdog reconnects a session that stopped receiving server
// pings. Warnings are rate-limited to once per minute.
func (w *Worker) receptionWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(receptionCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.mu.Lock()
			connected := w.connected
			stale := time.Since(w.lastServerPing)
			sess := w.sess
			w.mu.Unlock()
			if !connected || stale <= receptionStaleAfter {
				continue
			}
			if w.warnLimiter.Allow() {
				slog.Warn("no server ping received, recycling session", "stale", stale)
			}
			if sess != nil {
				sess.Close()
			}
		}
	}
}

// processWatchdog is the last line of defense: a session dead for over
// ten minutes ends the process so the manager restarts it.
func (w *Worker) processWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(processCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.mu.Lock()
			connected := w.connected
			stale := time.Since(w.lastServerPing)
			w.mu.Unlock()
			if connected && stale > processStaleAfter {
				slog.Error("process watchdog expired", "stale", stale)
				return ErrWatchdogExpired
			}
		}
	}
}

// cleanupLoop drops counters for rooms no longer owned and expires the
// unassign debounce entries.
func (w *Worker) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.cleanup()
		}
	}
}

func (w *Worker) cleanup() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for guid := range w.counters {
		if _, ok := w.entities[guid]; !ok {
			delete(w.counters, guid)
		}
	}
	for guid, at := range w.recentlyUnassigned {
		if time.Since(at) > unassignDebounce {
			delete(w.recentlyUnassigned, guid)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
