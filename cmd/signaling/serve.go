package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mossy-p/meeting-signaling/config"
	"github.com/mossy-p/meeting-signaling/internal/auth"
	"github.com/mossy-p/meeting-signaling/internal/handlers"
	"github.com/mossy-p/meeting-signaling/internal/ice"
	"github.com/mossy-p/meeting-signaling/internal/postgres"
	"github.com/mossy-p/meeting-signaling/internal/redis"
	"github.com/mossy-p/meeting-signaling/internal/signaling"
	"github.com/mossy-p/meeting-signaling/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	issuer := auth.NewJWTAuthorizer(cfg.JWTSecret)
	var authz auth.Authorizer = issuer
	if cfg.Auth.Mode == "remote" {
		authz = auth.NewRemoteAuthorizer(cfg.Auth.ServiceURL, cfg.Auth.Timeout)
	}

	iceProvider, err := ice.New(cfg.ICE)
	if err != nil {
		return fmt.Errorf("invalid ICE configuration: %w", err)
	}

	hub := signaling.NewHub(signaling.Options{
		Store:       st,
		ICE:         iceProvider,
		Recorder:    signaling.LogRecorder{},
		Session:     signaling.SessionConfigFrom(cfg.Signaling),
		Sync:        signaling.SyncConfigFrom(cfg.Durability),
		GracePeriod: cfg.Signaling.GracePeriod,
	})

	router := handlers.SetupRouter(handlers.Deps{
		Config:     cfg,
		Store:      st,
		Hub:        hub,
		Authorizer: authz,
		Issuer:     issuer,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("environment", cfg.Environment).
			Str("store", cfg.Store.Driver).
			Str("auth", cfg.Auth.Mode).
			Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// websocket connections are hijacked, so the hub closes them itself
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pending durable writes were dropped")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.Info().Str("host", cfg.Redis.Host).Msg("Redis connection established")
		return redis.NewStore(client, cfg.Redis.TTL), nil
	case "postgres":
		st, err := postgres.Open(cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Postgres connection established")
		return st, nil
	default:
		log.Warn().Msg("using in-memory store, meetings are lost on restart")
		return store.NewMemory(), nil
	}
}
