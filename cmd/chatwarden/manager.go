package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatwarden/chatwarden/internal/config"
	"github.com/chatwarden/chatwarden/internal/manager"
	"github.com/chatwarden/chatwarden/internal/worker/dataplane"
)

func runManager(args []string) error {
	fs := flag.NewFlagSet("manager", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer stop()

	dp := dataplane.NewClient(cfg.DataplaneURL, cfg.DataplaneAuthToken)
	sup := manager.New(cfg, dp, manager.ExecSpawn, manager.ControlPortProbe(cfg))
	srv := manager.NewServer(sup, cfg.ManagerPort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("manager listening", "port", cfg.ManagerPort)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		defer func() {
			shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shctx)
		}()
		return sup.Run(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
