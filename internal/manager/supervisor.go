// Package manager supervises the worker fleet: one child process per
// active bot, restarted with exponential backoff, with a small HTTP
// surface for health and explicit restarts.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/chatwarden/chatwarden/internal/config"
	"github.com/chatwarden/chatwarden/internal/metrics"
	"github.com/chatwarden/chatwarden/internal/wire"
)

// ErrDataPlaneUnreachable is returned when the startup poll budget is
// exhausted. The manager exits and its own supervisor restarts it.
var ErrDataPlaneUnreachable = errors.New("manager: data-plane unreachable")

// DataPlane is the client slice the manager needs.
type DataPlane interface {
	Health(ctx context.Context) error
	ActiveBots(ctx context.Context) ([]wire.ActiveBot, error)
}

// Process is one spawned worker, abstracted for tests.
type Process interface {
	PID() int
	Signal(sig syscall.Signal) error
	Kill() error
	// Wait blocks until the process exits.
	Wait() error
}

// SpawnFunc starts a worker process for a bot.
type SpawnFunc func(botID int64) (Process, error)

// ProbeFunc confirms a freshly spawned worker came up (bound its
// control port). A nil probe skips the check.
type ProbeFunc func(ctx context.Context, botID int64) error

type childState struct {
	proc    Process
	started time.Time
	done    chan struct{}
	// expected marks a stop the supervisor asked for, so the exit is
	// not counted as a failure.
	expected bool
}

type failureState struct {
	count int
	last  time.Time
}

// Supervisor owns the child-process table.
type Supervisor struct {
	cfg   *config.Config
	dp    DataPlane
	spawn SpawnFunc
	probe ProbeFunc

	// Timing knobs, shortened in tests.
	warmup         time.Duration
	pollEvery      time.Duration
	pollBudget     time.Duration
	spawnStagger   time.Duration
	startupTimeout time.Duration
	termGrace      time.Duration
	sweepEvery     time.Duration
	restartInitial time.Duration
	restartCap     time.Duration
	recoveryAfter  time.Duration

	mu        sync.Mutex
	children  map[int64]*childState
	failures  map[int64]*failureState
	startedAt time.Time
	stopping  bool
}

// New creates a supervisor. spawn must not be nil; probe may be.
func New(cfg *config.Config, dp DataPlane, spawn SpawnFunc, probe ProbeFunc) *Supervisor {
	return &Supervisor{
		cfg:            cfg,
		dp:             dp,
		spawn:          spawn,
		probe:          probe,
		warmup:         5 * time.Second,
		pollEvery:      30 * time.Second,
		pollBudget:     30 * time.Minute,
		spawnStagger:   3 * time.Second,
		startupTimeout: 60 * time.Second,
		termGrace:      8 * time.Second,
		sweepEvery:     30 * time.Minute,
		restartInitial: 5 * time.Minute,
		restartCap:     time.Hour,
		recoveryAfter:  time.Hour,
		children:       make(map[int64]*childState),
		failures:       make(map[int64]*failureState),
		startedAt:      time.Now(),
	}
}

// restartDelay is the backoff before respawning a bot that has failed
// f times: min(initial * 2^(f-1), ceiling).
func restartDelay(f int, initial, ceiling time.Duration) time.Duration {
	if f < 1 {
		f = 1
	}
	d := initial
	for i := 1; i < f; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Run polls the data-plane, spawns the fleet and supervises it until
// the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	select {
	case <-time.After(s.warmup):
	case <-ctx.Done():
		return ctx.Err()
	}

	bots, err := s.awaitDataPlane(ctx)
	if err != nil {
		return err
	}
	slog.Info("data-plane reachable, spawning fleet", "bots", len(bots))

	for i, b := range bots {
		if ctx.Err() != nil {
			break
		}
		s.startChild(ctx, b.BotID)
		if i < len(bots)-1 {
			select {
			case <-time.After(s.spawnStagger):
			case <-ctx.Done():
			}
		}
	}

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdownChildren()
			return nil
		case <-ticker.C:
			s.recoverySweep(ctx)
		}
	}
}

// awaitDataPlane polls /health and /bots/active until both answer or
// the budget runs out.
func (s *Supervisor) awaitDataPlane(ctx context.Context) ([]wire.ActiveBot, error) {
	deadline := time.Now().Add(s.pollBudget)
	for {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.dp.Health(pctx)
		var bots []wire.ActiveBot
		if err == nil {
			bots, err = s.dp.ActiveBots(pctx)
		}
		cancel()
		if err == nil {
			return bots, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrDataPlaneUnreachable, err)
		}
		slog.Warn("data-plane not ready, retrying", "error", err)
		select {
		case <-time.After(s.pollEvery):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// startChild spawns one worker and begins monitoring it.
func (s *Supervisor) startChild(ctx context.Context, botID int64) {
	s.mu.Lock()
	if s.stopping || s.children[botID] != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	proc, err := s.spawn(botID)
	if err != nil {
		slog.Error("failed to spawn worker", "bot", botID, "error", err)
		s.recordExit(ctx, botID)
		return
	}

	cs := &childState{proc: proc, started: time.Now(), done: make(chan struct{})}
	s.mu.Lock()
	s.children[botID] = cs
	metrics.RunningChildren.Set(float64(len(s.children)))
	s.mu.Unlock()
	slog.Info("worker spawned", "bot", botID, "pid", proc.PID())

	if s.probe != nil {
		go s.watchStartup(botID, cs)
	}

	go func() {
		err := proc.Wait()
		s.mu.Lock()
		delete(s.children, botID)
		metrics.RunningChildren.Set(float64(len(s.children)))
		expected := cs.expected
		s.mu.Unlock()
		close(cs.done)
		if expected {
			slog.Info("worker stopped", "bot", botID)
			return
		}
		slog.Warn("worker exited", "bot", botID, "error", err)
		s.recordExit(ctx, botID)
	}()
}

// watchStartup SIGKILLs a child that never comes up within the startup
// timeout.
func (s *Supervisor) watchStartup(botID int64, cs *childState) {
	ctx, cancel := context.WithTimeout(context.Background(), s.startupTimeout)
	defer cancel()
	for {
		if err := s.probe(ctx, botID); err == nil {
			return
		}
		select {
		case <-cs.done:
			return
		case <-ctx.Done():
			slog.Error("worker never came up, killing it", "bot", botID)
			_ = cs.proc.Kill()
			return
		case <-time.After(time.Second):
		}
	}
}

// recordExit bumps the failure counter and schedules the restart.
func (s *Supervisor) recordExit(ctx context.Context, botID int64) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	fs := s.failures[botID]
	if fs == nil {
		fs = &failureState{}
		s.failures[botID] = fs
	}
	fs.count++
	fs.last = time.Now()
	count := fs.count
	delay := restartDelay(count, s.restartInitial, s.restartCap)
	s.mu.Unlock()

	slog.Info("scheduling worker restart", "bot", botID, "failures", count, "delay", delay)
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		metrics.ChildRestartsTotal.Inc()
		s.startChild(ctx, botID)
	})
}

// recoverySweep resets bots that failed hard but have been quiet for a
// while, and brings them back.
func (s *Supervisor) recoverySweep(ctx context.Context) {
	s.mu.Lock()
	var revive []int64
	for botID, fs := range s.failures {
		if fs.count >= 5 && time.Since(fs.last) >= s.recoveryAfter {
			fs.count = 0
			fs.last = time.Time{}
			if s.children[botID] == nil {
				revive = append(revive, botID)
			}
		}
	}
	s.mu.Unlock()

	for _, botID := range revive {
		slog.Info("recovery sweep reviving bot", "bot", botID)
		metrics.ChildRestartsTotal.Inc()
		s.startChild(ctx, botID)
	}
}

// RestartBot SIGTERMs the bot's child (if any), resets its failure
// counter and respawns it immediately. The data-plane is re-checked
// first so a restart into a dead backend fails fast.
func (s *Supervisor) RestartBot(ctx context.Context, botID int64) error {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.dp.Health(hctx); err != nil {
		return fmt.Errorf("data-plane not reachable: %w", err)
	}

	s.mu.Lock()
	cs := s.children[botID]
	if cs != nil {
		cs.expected = true
	}
	delete(s.failures, botID)
	s.mu.Unlock()

	if cs != nil {
		_ = cs.proc.Signal(syscall.SIGTERM)
		select {
		case <-cs.done:
		case <-time.After(s.termGrace):
			_ = cs.proc.Kill()
			<-cs.done
		}
	}

	metrics.ChildRestartsTotal.Inc()
	s.startChild(ctx, botID)
	return nil
}

// shutdownChildren SIGTERMs every child, waits the grace period and
// SIGKILLs stragglers.
func (s *Supervisor) shutdownChildren() {
	s.mu.Lock()
	s.stopping = true
	children := make(map[int64]*childState, len(s.children))
	for id, cs := range s.children {
		children[id] = cs
	}
	s.mu.Unlock()

	for botID, cs := range children {
		slog.Info("stopping worker", "bot", botID)
		_ = cs.proc.Signal(syscall.SIGTERM)
	}

	deadline := time.After(s.termGrace)
	for botID, cs := range children {
		select {
		case <-cs.done:
		case <-deadline:
			slog.Warn("worker ignored SIGTERM, killing it", "bot", botID)
			_ = cs.proc.Kill()
		}
	}
}

// ChildInfo is one entry of the /status response.
type ChildInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Health is the /health response.
type Health struct {
	Status      string `json:"status"`
	ActiveBots  int    `json:"activeBots"`
	FailedBots  int    `json:"failedBots"`
	TotalBots   int    `json:"totalBots"`
	Uptime      string `json:"uptime"`
	MemoryUsage uint64 `json:"memoryUsage"`
}

// Status is the /status response.
type Status struct {
	ChildProcesses map[int64]ChildInfo `json:"childProcesses"`
	BotFailures    map[int64]int       `json:"botFailures"`
	Health         Health              `json:"health"`
}

// Snapshot builds the health and status views.
func (s *Supervisor) Snapshot(memory uint64) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	children := make(map[int64]ChildInfo, len(s.children))
	for id, cs := range s.children {
		children[id] = ChildInfo{PID: cs.proc.PID(), StartedAt: cs.started}
	}
	failures := make(map[int64]int, len(s.failures))
	failed := 0
	for id, fs := range s.failures {
		failures[id] = fs.count
		if fs.count > 0 {
			failed++
		}
	}

	return Status{
		ChildProcesses: children,
		BotFailures:    failures,
		Health: Health{
			Status:      "ok",
			ActiveBots:  len(children),
			FailedBots:  failed,
			TotalBots:   len(children) + failed,
			Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
			MemoryUsage: memory,
		},
	}
}
