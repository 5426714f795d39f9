package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"duel/internal/feedsim"
	"duel/internal/logging"
)

func feedsimCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "feedsim",
		Short: "Serve simulated prices over the streaming price protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Feedsim.Addr = addr
			}
			log := logging.Component("feedsim")

			assets, err := cfg.SimAssets()
			if err != nil {
				return err
			}
			gen, err := feedsim.NewGenerator(assets, cfg.Feedsim.Expo)
			if err != nil {
				return err
			}
			gen.Start(cfg.Feedsim.Interval)
			defer gen.Stop()

			r := chi.NewRouter()
			r.Handle("/ws", feedsim.NewServer(gen))
			r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("ok"))
			})
			httpServer := &http.Server{Addr: cfg.Feedsim.Addr, Handler: r}

			ctx, stop := signalContext()
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Feedsim.Addr).Int("assets", len(assets)).Dur("interval", cfg.Feedsim.Interval).Msg("starting feed simulator")
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("feed simulator: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides feedsim.addr)")
	return cmd
}
