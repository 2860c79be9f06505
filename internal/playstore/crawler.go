package playstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/review-crawler/internal/browser"
	"github.com/maltedev/review-crawler/internal/humanoid"
	"github.com/maltedev/review-crawler/internal/metrics"
	"github.com/maltedev/review-crawler/internal/random"
	"github.com/maltedev/review-crawler/internal/ratelimit"
	"github.com/maltedev/review-crawler/internal/strategy"
)

// PageOpener hands out fresh stealth pages.
type PageOpener interface {
	NewPage(ctx context.Context) (*browser.Page, error)
}

type Crawler struct {
	pages   PageOpener
	rnd     *random.Source
	machine MachineConfig
	driver  DriverConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewCrawler(pages PageOpener, rnd *random.Source, machine MachineConfig, driver DriverConfig, m *metrics.Metrics, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		pages:   pages,
		rnd:     rnd,
		machine: machine,
		driver:  driver,
		metrics: m,
		logger:  logger,
	}
}

// CrawlApp runs one full review pass over appID on its own page and writes
// the aggregate to sink.
func (c *Crawler) CrawlApp(ctx context.Context, appID string, sink Sink) (Result, error) {
	start := time.Now()
	logger := c.logger.With("component", "playstore", "app_id", appID)

	page, err := c.pages.NewPage(ctx)
	if err != nil {
		return Result{AppID: appID}, fmt.Errorf("failed to open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			logger.Warn("failed to close page", "error", err)
		}
	}()

	exec := strategy.NewExecutor(c.rnd, c.metrics, c.logger)
	human := humanoid.New(c.rnd, ratelimit.Sleep)
	driver := NewPageDriver(page, appID, exec, human, c.rnd, c.driver, c.logger)

	if err := driver.Open(ctx); err != nil {
		return Result{AppID: appID}, fmt.Errorf("failed to open app page: %w", err)
	}

	result, err := NewMachine(driver, sink, c.machine, c.metrics, c.logger).Run(ctx, appID)
	if err != nil {
		return result, err
	}

	logger.Info("app crawl finished",
		"records", len(result.Records),
		"ratings_completed", len(result.Completed),
		"ratings_failed", len(result.Failed),
		"challenges", result.Challenges,
		"duration", time.Since(start),
	)
	return result, nil
}
