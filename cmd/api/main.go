package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"candle/api/internal/app"
	"candle/api/internal/broker"
	"candle/api/internal/config"
	"candle/api/internal/logging"
	"candle/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (app.DataStore, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	default:
		db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := store.ApplyMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	}
}

func openTransport(cfg config.Config, logger *zap.Logger) (broker.Transport, error) {
	switch cfg.BroadcastDriver {
	case "local":
		return broker.NewLocalTransport(), nil
	case "nats":
		return broker.NewNATSTransport(cfg.NATSURL, "candle-api", logger)
	default:
		return broker.NewRedisTransport(cfg.RedisURL)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	dataStore, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	transport, err := openTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("broadcast transport: %w", err)
	}
	defer transport.Close()

	events := broker.New(transport, logger, broker.Options{
		QueueSize:         cfg.PublishQueue,
		PublishTimeout:    cfg.PublishTimeout,
		HeartbeatInterval: cfg.Heartbeat,
	})
	service := app.New(cfg, dataStore, events, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return events.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("candle api listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("broadcast", cfg.BroadcastDriver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		stats := events.Stats()
		logger.Info("broker stopped",
			zap.Int64("published", stats.Published),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("expired", stats.Expired),
		)
		return nil
	})
	return g.Wait()
}
