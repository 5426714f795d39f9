package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"duel/internal/api"
	"duel/internal/config"
	"duel/internal/logging"
	"duel/internal/match"
	"duel/internal/oracle"
	"duel/internal/realtime"
	"duel/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the match API, price oracle client and janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log := logging.Component("main")

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("database close")
		}
		log.Info().Msg("database closed")
	}()

	ctx, stop := signalContext()
	defer stop()

	prices, err := oracle.NewClient(cfg.OracleConfig())
	if err != nil {
		return err
	}
	prices.Start(ctx)
	defer prices.Stop()

	hub := realtime.NewHub(cfg.Realtime.Buffer)
	var broker match.Broker = hub
	var checks []api.HealthCheck

	if cfg.Realtime.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Realtime.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		rb := realtime.NewRedisBroker(client, hub, cfg.Realtime.ChannelPrefix)
		if err := rb.Start(ctx); err != nil {
			return fmt.Errorf("start redis fan-out: %w", err)
		}
		defer rb.Stop()

		broker = rb
		checks = append(checks, api.HealthCheck{Name: "redis", Check: rb.Ping})
		log.Info().Str("prefix", cfg.Realtime.ChannelPrefix).Msg("realtime fan-out via redis")
	} else {
		log.Info().Msg("realtime fan-out in process only")
	}

	engine := match.NewEngine(st, broker, match.Config{
		MinDurationSeconds:    cfg.Match.MinDurationSeconds,
		MaxDurationSeconds:    cfg.Match.MaxDurationSeconds,
		FinishGrace:           cfg.Match.FinishGrace,
		Assets:                prices.Symbols(),
		RequireDistinctAssets: cfg.Match.RequireDistinctAssets,
	})
	engine.SetQuoter(prices)

	janitor := match.NewJanitor(engine, match.JanitorConfig{
		Interval: cfg.Match.JanitorInterval,
		IdleTTL:  cfg.Match.IdleTTL,
	})
	janitor.Start()
	defer janitor.Stop()

	opts := api.Options{
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		AuthCacheTTL:       cfg.Auth.CacheTTL,
		Checks:             checks,
	}
	if cfg.Auth.Enabled {
		opts.Keys = st
	}
	server := api.NewServer(engine, st, prices, opts)
	defer server.Shutdown()

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("database", cfg.Database.Path).
			Str("oracle", cfg.Oracle.URL).
			Strs("assets", prices.Symbols()).
			Bool("auth", cfg.Auth.Enabled).
			Msg("starting duel server")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	log.Info().Msg("http server stopped")
	return nil
}

// signalContext is used by commands that run until interrupted
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
