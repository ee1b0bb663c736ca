// Command realtime fans pub/sub events out to connected clients. Every
// replica subscribes to the same channels so a client may connect to any of
// them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/realtime"
	"github.com/leakhawk/leakhawk-stack/common/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", logging.Error(err))
		os.Exit(1)
	}
	logging.SetDefault(logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("realtime")))

	if err := run(cfg); err != nil {
		slog.Error("realtime service stopped", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("realtime service stopped gracefully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients, err := realtime.NewClients(cfg.Redis)
	if err != nil {
		return err
	}
	defer clients.Close()

	hub := realtime.NewHub(cfg.Realtime.ClientBuffer)
	listener := realtime.NewListener(clients.Sub, hub, cfg.Realtime.Channels)

	router := server.NewRouter("realtime", map[string]server.Check{
		"redis": func(ctx context.Context) error { return clients.Sub.Ping(ctx).Err() },
	}, map[string]http.Handler{
		"/events": realtime.SSEHandler(hub, cfg.Realtime.SSEKeepalive),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, cfg.Server, router, 10*time.Second) })
	return g.Wait()
}
