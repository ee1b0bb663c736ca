// Command detection runs the embedding worker: it consumes upload jobs from
// NATS, embeds the records, runs leak detection and publishes progress.
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
	"github.com/leakhawk/leakhawk-stack/common/database"
	"github.com/leakhawk/leakhawk-stack/common/lock"
	"github.com/leakhawk/leakhawk-stack/common/logging"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	natsmgr "github.com/leakhawk/leakhawk-stack/common/messaging/nats"
	"github.com/leakhawk/leakhawk-stack/common/realtime"
	"github.com/leakhawk/leakhawk-stack/common/server"
	"github.com/leakhawk/leakhawk-stack/detection/internal/detector"
	"github.com/leakhawk/leakhawk-stack/detection/internal/embedding"
	"github.com/leakhawk/leakhawk-stack/detection/internal/emitter"
	"github.com/leakhawk/leakhawk-stack/detection/internal/repository"
	"github.com/leakhawk/leakhawk-stack/detection/internal/similarity"
	"github.com/leakhawk/leakhawk-stack/detection/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", logging.Error(err))
		os.Exit(1)
	}
	logging.SetDefault(logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("detection")))

	if err := run(cfg); err != nil {
		slog.Error("detection service stopped", logging.Error(err))
		os.Exit(1)
	}
	slog.Info("detection service stopped gracefully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Database.Postgres.DSN()
	if cfg.Database.AutoMigrate {
		version, dirty, err := database.RunMigrations(cfg.Database.MigrationsDir, dsn)
		if err != nil {
			return err
		}
		slog.Info("database migrations completed", "version", version, "dirty", dirty)
	}

	repo, err := repository.NewPostgresRepository(ctx, dsn, cfg.Database.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer repo.Close()
	if !repo.HasVectorIndex() {
		slog.Warn("pgvector column missing; similarity will use the in-process fallback")
	}

	redisClients, err := realtime.NewClients(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClients.Close()

	rt := realtime.NewPublisher(redisClients.Pub, cfg.Realtime)

	mgr := natsmgr.NewManager(natsmgr.FromConfig(cfg.NATS))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.NATS.DrainTimeout+5*time.Second)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			slog.Error("nats shutdown", logging.Error(err))
		}
	}()
	if err := mgr.EnsureStreams(ctx, natsmgr.EmbeddingsStream, natsmgr.WebhooksStream, natsmgr.WebhookDLQStream); err != nil {
		return err
	}

	emit := emitter.New(repo, emitter.Options{
		Realtime:    rt,
		Queue:       mgr,
		Environment: cfg.Webhook.Environment,
	})
	sim := similarity.NewEngine(repo, similarity.ConfigFrom(cfg.Similarity))
	det := detector.New(detector.ConfigFrom(cfg.Detection), repo, emit, sim)

	batcher := embedding.NewBatcher(embedding.NewOpenAIClient(cfg.Embedding), embedding.BatchOptions{
		BatchSize:   cfg.Embedding.BatchSize,
		MaxAttempts: cfg.Embedding.MaxRetries,
		RetryDelay:  cfg.Embedding.RetryDelay,
	})

	w := worker.New(worker.Options{
		Store:    repo,
		Locker:   lock.NewRedisLocker(redisClients.Pub),
		Batcher:  batcher,
		Detector: det,
		Realtime: rt,
		LockTTL:  cfg.Worker.LockTTL,
	})

	consumer := natsmgr.EmbeddingConsumer(cfg.Worker.Prefetch, cfg.Worker.AckWait)
	if cfg.Worker.ConsumerName != "" {
		consumer.Name = cfg.Worker.ConsumerName
	}
	if err := mgr.Consume(ctx, messaging.StreamEmbeddings, consumer, w.Handle); err != nil {
		return err
	}
	slog.Info("embedding worker consuming", "stream", messaging.StreamEmbeddings, "consumer", consumer.Name)

	router := server.NewRouter("detection", map[string]server.Check{
		"postgres": repo.Ping,
		"nats":     mgr.CheckHealth,
		"redis":    func(ctx context.Context) error { return redisClients.Pub.Ping(ctx).Err() },
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
