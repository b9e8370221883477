package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duel-arena/internal/archive"
	"github.com/duel-arena/internal/config"
	"github.com/duel-arena/internal/engine"
	"github.com/duel-arena/internal/handler"
	"github.com/duel-arena/internal/kafka"
	"github.com/duel-arena/internal/notify"
	"github.com/duel-arena/internal/postgres"
	"github.com/duel-arena/internal/redis"
	"github.com/duel-arena/internal/service"
	"github.com/duel-arena/internal/sqlite"
	"github.com/duel-arena/internal/websocket"
	"github.com/duel-arena/internal/worker"
)

// durableStore is what either storage driver provides
type durableStore interface {
	service.Store
	handler.AccountStore
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		cfg = config.DefaultConfig()
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", cfgErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open durable store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	cache, err := redis.NewSessionCache(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	duels := service.NewDuelService(store, cache, engine.NewDrawEngine(), &cfg.Duel, logger)

	wsHub := websocket.NewHub(logger)
	go wsHub.Run()

	notifiers := []notify.Notifier{wsHub}

	var publisher *kafka.EventPublisher
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka",
			"brokers", cfg.Kafka.Brokers,
			"action_topic", cfg.Kafka.ActionTopic,
			"event_topic", cfg.Kafka.EventTopic,
		)
		publisher, err = kafka.NewEventPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without event stream", "error", err)
		} else {
			notifiers = append(notifiers, publisher)
		}

		consumer, err = kafka.NewConsumer(&cfg.Kafka, duels, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without action ingestion", "error", err)
			consumer = nil
		}
	}
	fanout := notify.NewFanout(notifiers...)
	duels.SetNotifier(fanout)
	logger.Info("notifiers configured", "count", fanout.Len())

	if cfg.Archive.Enabled {
		reconciler, err := archive.NewS3Reconciler(ctx, &cfg.Archive, logger)
		if err != nil {
			logger.Warn("failed to create reconciliation archive, failures will only be logged", "error", err)
		} else {
			duels.SetReconciler(reconciler)
		}
	}

	// Sessions are rebuilt before anything can submit actions
	logger.Info("restoring active sessions")
	restored, err := duels.RestoreActiveSessions(ctx)
	if err != nil {
		logger.Warn("failed to restore active sessions", "error", err)
	} else {
		logger.Info("active sessions restored", "count", restored)
	}

	maintenance := worker.NewMaintenanceWorker(duels, &cfg.Maintenance, logger)
	if cfg.Maintenance.Enabled {
		if err := maintenance.Start(ctx); err != nil {
			logger.Error("failed to start maintenance worker", "error", err)
			os.Exit(1)
		}
	}

	if consumer != nil {
		if err := consumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without action ingestion", "error", err)
			consumer = nil
		}
	}

	httpHandler := handler.NewHandler(duels, store, wsHub, logger)
	httpHandler.AddReadinessCheck("store", store)
	httpHandler.AddReadinessCheck("cache", cache)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := maintenance.Stop(); err != nil {
		logger.Error("failed to stop maintenance worker", "error", err)
	}

	wsHub.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close Kafka publisher", "error", err)
		}
	}

	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (durableStore, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		logger.Info("opening SQLite store", "path", cfg.Storage.SQLitePath)
		return sqlite.Open(cfg.Storage.SQLitePath, logger)

	case config.DriverPostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
