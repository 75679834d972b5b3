package commands

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/leaderboard/internal/bootstrap"
	"github.com/whisper/leaderboard/internal/httpapi"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the leaderboard HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := bootstrap.Initialize(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			var scores httpapi.ScoreStore
			if b != nil && b.Scores != nil {
				scores = b.Scores
			}

			log.Printf("Leaderboard service starting")
			log.Printf("  listen_addr:    %s", cfg.ListenAddr)
			log.Printf("  backend:        %v", b.Enabled())
			log.Printf("  scores:         %v", scores != nil)
			log.Printf("  redis_addr:     %s", cfg.RedisAddr)
			log.Printf("  nats_url:       %s", cfg.NATSURL)
			log.Printf("  ensure_timeout: %s", cfg.EnsureTimeout)

			// Sign in up front so the first request doesn't pay for it.
			if user, err := b.EnsureAnonUser(ctx); err != nil {
				log.Printf("initial anonymous sign-in failed: %v", err)
			} else if user != nil {
				log.Printf("signed in as uid=%s", user.UID)
			}

			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           httpapi.NewHandler(b, scores),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Printf("shutdown signal received, draining...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
