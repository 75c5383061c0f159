package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlehq/draftroom/internal/auth"
	"github.com/huddlehq/draftroom/internal/config"
	"github.com/huddlehq/draftroom/internal/draft/broker"
	"github.com/huddlehq/draftroom/internal/draft/gateway"
	"github.com/huddlehq/draftroom/internal/draft/repository"
	"github.com/huddlehq/draftroom/internal/draft/room"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	cfg, err := config.Load(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.LogLevel)

	if cfg.Auth.JWTSecret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := setupDatabase(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	store := repository.NewRepository(pool)
	hub := gateway.NewHub(gateway.DefaultConnConfig())

	// With a broker, rooms broadcast via NATS and sockets receive via
	// the relay subscription, so every instance sees every event.
	var broadcaster room.Broadcaster = hub
	var relay *broker.Relay
	if cfg.NATS.URL != "" {
		relay, err = broker.NewRelay(broker.DefaultConfig(cfg.NATS.URL), hub)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect event relay")
		}
		broadcaster = relay
	}

	registry := room.NewRegistry(
		store,
		broadcaster,
		room.NewRandomStrategy(store),
		clockwork.NewRealClock(),
		room.Config{
			GracePeriod:    cfg.Room.GracePeriod(),
			StorageTimeout: cfg.Room.StorageTimeout(),
		},
	)

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	handler := gateway.NewHandler(hub, registry, verifier)
	handler.SetBaseContext(ctx)

	go hub.Run(ctx)
	go registry.Run(ctx)
	if relay != nil {
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("event relay failed")
			}
		}()
	}

	server := setupServer(cfg.Server, handler)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("draft room server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if os.Getenv("LOG_PRETTY") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func setupDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
