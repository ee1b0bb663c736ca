// Command webhook delivers alert notifications to subscriber endpoints. It
// consumes webhook.deliveries for first attempts and webhook.retries for
// scheduled retries.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leakhawk/leakhawk-stack/common/config"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	natsmgr "github.com/leakhawk/leakhawk-stack/common/messaging/nats"
	"github.com/leakhawk/leakhawk-stack/common/server"
	"github.com/leakhawk/leakhawk-stack/webhook/internal/delivery"
	"github.com/leakhawk/leakhawk-stack/webhook/internal/repository"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", logging.Error(err))
		os.Exit(1)
	}
	logging.SetDefault(logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("webhook")))

	if err := run(cfg); err != nil {
		slog.Error("webhook service stopped", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("webhook service stopped gracefully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.DSN(), cfg.Database.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer repo.Close()

	mgr := natsmgr.NewManager(natsmgr.FromConfig(cfg.NATS))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.NATS.DrainTimeout+5*time.Second)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			slog.Error("nats shutdown", logging.Error(err))
		}
	}()
	if err := mgr.EnsureStreams(ctx, natsmgr.WebhooksStream, natsmgr.WebhookDLQStream); err != nil {
		return err
	}

	svc := delivery.NewService(repo, delivery.NewSender(cfg.Webhook.Timeout, cfg.Webhook.UserAgent), mgr, delivery.OptionsFrom(cfg.Webhook))

	if err := mgr.Consume(ctx, messaging.StreamWebhooks, natsmgr.WebhookDeliveryConsumer(cfg.Webhook.Prefetch), svc.HandleDelivery); err != nil {
		return err
	}
	if err := mgr.Consume(ctx, messaging.StreamWebhooks, natsmgr.WebhookRetryConsumer(cfg.Webhook.Prefetch), svc.HandleRetry); err != nil {
		return err
	}
	slog.Info("webhook consumers started", "stream", messaging.StreamWebhooks)

	router := server.NewRouter("webhook", map[string]server.Check{
		"postgres": repo.Ping,
		"nats":     mgr.CheckHealth,
	}, nil)

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-mgr.Failed():
			logging.Critical(ctx, slog.Default(), "nats reconnection exhausted; exiting")
			cancel()
		case <-srvCtx.Done():
		}
	}()

	if err := server.Run(srvCtx, cfg.Server, router, 10*time.Second); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return natsmgr.ErrGaveUp
	}
	return nil
}
