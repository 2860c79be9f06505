package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maltedev/review-crawler/internal/config"
	"github.com/maltedev/review-crawler/internal/crawl"
	"github.com/maltedev/review-crawler/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:          "reviewcrawler",
	Short:        "reviewcrawler collects user reviews from Steam and the Google Play store.",
	SilenceUsage: true,
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration from the environment and builds the shared
// dependencies. The caller owns deps.Close.
func setup(ctx context.Context) (*crawl.Deps, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	deps, err := crawl.NewDeps(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return deps, log, nil
}

// startRelay publishes outbox events until ctx is done. It is a no-op
// without Redis.
func startRelay(ctx context.Context, deps *crawl.Deps, log *slog.Logger) {
	if deps.Relay == nil {
		return
	}
	go func() {
		if err := deps.Relay.Start(ctx); err != nil && err != context.Canceled {
			log.Error("relay stopped with error", "error", err)
		}
	}()
}
