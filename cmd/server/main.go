package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatify/internal/cache"
	"chatify/internal/config"
	"chatify/internal/domain"
	"chatify/internal/eventlog"
	"chatify/internal/httpserver"
	"chatify/internal/presence"
	"chatify/internal/security"
	"chatify/internal/service"
	"chatify/internal/store/postgres"
	"chatify/internal/store/sqlite"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	// Durable store.
	var (
		db       *sql.DB
		convRepo domain.ConversationRepository
		msgRepo  domain.MessageRepository
	)
	switch cfg.StoreDriver {
	case "postgres":
		db, err = postgres.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open database")
		}
		if err := postgres.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		convRepo = postgres.NewConversationRepo(db)
		msgRepo = postgres.NewMessageRepo(db)
	default:
		db, err = sqlite.Open(cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open database")
		}
		if err := sqlite.Migrate(db); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		convRepo = sqlite.NewConversationRepo(db)
		msgRepo = sqlite.NewMessageRepo(db)
	}
	defer db.Close()

	// Read cache.
	var readCache cache.Cache
	if cfg.CacheDriver == "redis" {
		rc, err := cache.NewRedis(context.Background(), cfg.RedisAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		readCache = rc
	} else {
		readCache = cache.NewMemory()
	}

	// Event log and its consumer group.
	elog, err := eventlog.Open(cfg.EventLogDir, cfg.EventLogParts)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open event log")
	}
	defer elog.Close()

	notifier := service.NewNotifier(logger)
	consumer := eventlog.NewConsumer(elog, cfg.ConsumerGroup, notifier.Handle, cfg.ConsumerCooldown, cfg.ConsumerPollEvery, logger)
	consumer.Start()
	defer consumer.Stop()

	// Presence and delivery.
	registry := presence.NewRegistry()
	tokenSvc := security.NewTokenService(cfg.JWTSecret, time.Duration(cfg.AccessTokenMinutes)*time.Minute)

	delivery := service.NewDeliveryService(convRepo, msgRepo, readCache, registry, elog, service.DeliveryOptions{
		RelayDelay:        cfg.RelayDelay,
		CommitTimeout:     cfg.CommitTimeout,
		CommitterCapacity: cfg.CommitterCapacity,
		CacheTTL:          cfg.CacheTTL,
	}, logger)
	defer delivery.Close()

	router := httpserver.NewRouter(cfg, delivery, registry, tokenSvc, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr()).Str("store", cfg.StoreDriver).Str("cache", cfg.CacheDriver).Msg("starting chatify server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
