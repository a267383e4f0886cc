package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"copytrade-broker/config"
	"copytrade-broker/internal/engine"
	"copytrade-broker/internal/events"
	"copytrade-broker/internal/httpapi"
	"copytrade-broker/internal/identity"
	"copytrade-broker/internal/maintenance"
	"copytrade-broker/internal/notify"
	"copytrade-broker/internal/reconciler"
	"copytrade-broker/internal/session"
	"copytrade-broker/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on process environment")
	}

	cfg := config.Load()
	setupLogging(cfg)
	log.Info().Str("environment", cfg.Environment).Msg("starting copy-trading broker")

	ctx := context.Background()

	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run schema migration")
	}

	hasher := identity.NewHasher(identity.Params{
		Time: cfg.Argon2Time, MemoryKB: cfg.Argon2MemoryKB, Parallelism: cfg.Argon2Parallelism,
		KeyLen: cfg.Argon2KeyLen, SaltLen: cfg.Argon2SaltLen,
	})
	apiKeyCache := identity.NewAPIKeyCache()
	verifier := identity.NewVerifier(pg, apiKeyCache)
	sessions := identity.NewSessionManager(cfg.SessionTokenPrefix, identity.NewSessionCache())
	keyFormat := identity.KeyFormat{Prefix: cfg.APIKeyPrefix, MaxRetries: cfg.APIKeyGenMaxRetries}

	// The event bus, session hub, replication engine, and notification
	// bus form a cycle (hub needs the bus to publish master connect/
	// disconnect; the engine needs the hub to dispatch commands and the
	// bus to receive events). Build the bus without a handler, wire
	// everything else against it, then attach the engine last.
	eventBus := events.NewBus(cfg.IngestionQueueSize, cfg.IngestionWorkers, nil)
	hub := session.NewHub(cfg.CommandQueueSize, cfg.HeartbeatInterval, eventBus)
	notifyBus := notify.NewBus(hub)
	repl := engine.NewEngine(pg, pg, pg, pg, pg, hub, notifyBus, cfg.BackfillDebounce)
	eventBus.SetHandler(repl)
	hub.OnConfirmation(repl.OnClientConfirmation)
	eventBus.Start()
	defer eventBus.Stop()

	rec := reconciler.New(pg, pg, pg, pg, hub, eventBus, notifyBus)

	handler := httpapi.NewHandler(pg, pg, pg, pg, hasher, verifier, sessions, keyFormat, rec, hub)

	sched := maintenance.New(cfg, pg, rec)
	sched.Start()
	defer sched.Stop()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	log.Info().Msg("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Environment == "production" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
