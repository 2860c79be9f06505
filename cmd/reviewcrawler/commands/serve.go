package commands

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/maltedev/review-crawler/internal/api"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the crawl API: a Steam progress stream and Play store crawl jobs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		deps, log, err := setup(ctx)
		if err != nil {
			return err
		}
		defer deps.Close()

		startRelay(ctx, deps, log)

		var outbox api.OutboxStats
		if deps.Relay != nil {
			outbox = deps.Relay
		}
		var reviews api.ReviewCounter
		if deps.Reviews != nil {
			reviews = deps.Reviews
		}
		handlers := api.NewHandlers(ctx, deps.Runner, deps.Jobs, deps, deps.IDs, outbox, deps.State, reviews, log)

		cfg := deps.Config.Server
		server := &http.Server{
			Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
			Handler:      api.NewRouter(handlers, deps.Metrics, cfg.CORSOrigins),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("server starting", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", "error", err)
		}

		// jobs run under ctx, which is already cancelled here
		deps.Jobs.Wait()
		log.Info("server stopped")
		return nil
	},
}
