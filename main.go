package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/transport"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Str("path", cfg.DBPath).Msg("failed to open database")
	}
	defer store.Close()

	credentials := auth.NewCredentialManager(store, auth.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
	})

	mailboxes := gmail.NewFactory(gmail.Config{
		BaseURL: cfg.GmailAPIURL,
		Throttle: transport.Options{
			MaxAttempts: cfg.RateLimitMaxAttempts,
			BaseDelay:   cfg.RateLimitBaseDelay,
			MaxDelay:    cfg.RateLimitMaxDelay,
		},
	})

	pipeline := sync.NewPipeline(store, sync.PipelineOptions{
		ChunkSize:  cfg.IngestChunkSize,
		Workers:    cfg.IngestWorkers,
		ChunkDelay: cfg.IngestChunkDelay,
	})
	coordinator := sync.NewCoordinator(store, credentials, mailboxes, pipeline, cfg.SyncLockTTL)
	manager := sync.NewManager(coordinator)

	verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
	if err != nil {
		log.Fatal().Err(err).Str("jwks_url", cfg.JWKSURL).Msg("failed to initialise JWT verifier")
	}

	runner := &sync.Runner{
		Coordinator: coordinator,
		Outbox:      store,
		Interval:    cfg.SyncInterval,
	}
	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATSURL).Msg("NATS unavailable, events stay in the outbox")
	} else {
		defer publisher.Close()
		runner.Publisher = publisher
	}

	go func() {
		if err := runner.Run(ctx); err != nil {
			log.Error().Err(err).Msg("runner stopped")
		}
	}()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Syncs:       coordinator,
		Background:  manager,
		Tokens:      auth.NewBetterAuthClient(cfg.BetterAuthURL),
		Credentials: credentials,
		Auth:        verifier.Middleware(),
		Stats:       verifier.GetCacheStats,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	manager.StopAll()
}
