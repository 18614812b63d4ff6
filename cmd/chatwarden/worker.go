package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatwarden/chatwarden/internal/config"
	"github.com/chatwarden/chatwarden/internal/worker"
	"github.com/chatwarden/chatwarden/internal/worker/control"
	"github.com/chatwarden/chatwarden/internal/worker/dataplane"
	"github.com/chatwarden/chatwarden/internal/worker/moderation"
)

func runWorker(args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	botFlag := fs.Int64("bot-id", 0, "bot id (overrides BOT_ID)")
	_ = fs.Parse(args)

	botID := *botFlag
	if botID == 0 {
		if env := os.Getenv("BOT_ID"); env != "" {
			id, err := strconv.ParseInt(env, 10, 64)
			if err != nil {
				return fmt.Errorf("BOT_ID %q is not an integer", env)
			}
			botID = id
		}
	}
	if botID <= 0 {
		return errors.New("worker: bot id required (BOT_ID env or -bot-id)")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	port, err := cfg.WorkerPort(botID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dp := dataplane.NewClient(cfg.DataplaneURL, cfg.DataplaneAuthToken)
	auth := dataplane.NewAuthClient(cfg.ChatAuthURL)

	// Admin actions authenticate with the bot's own chat token.
	admin := moderation.NewAdminClient(cfg.ChatAdminURL, func(ctx context.Context) (string, error) {
		bc, err := dp.BotConfig(ctx, botID, false)
		if err != nil {
			return "", err
		}
		return bc.BotToken, nil
	})
	engine := moderation.NewEngine(dp, admin, moderation.NewWebhookNotifier(),
		time.Duration(cfg.ReadonlyMuteSeconds)*time.Second)

	w := worker.New(worker.Options{
		BotID:      botID,
		Cfg:        cfg,
		DataPlane:  dp,
		Auth:       auth,
		Moderation: engine,
	})
	srv := control.New(w, port)

	g, ctx := errgroup.WithContext(ctx)
	slog.Info("starting worker", "bot", botID, "port", port)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		defer func() {
			shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shctx)
		}()
		return w.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
