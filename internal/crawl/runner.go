package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/review-crawler/internal/fetch"
	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/output"
	"github.com/maltedev/review-crawler/internal/playstore"
	"github.com/maltedev/review-crawler/internal/progress"
	"github.com/maltedev/review-crawler/internal/storage"
)

var ErrSourceDisabled = errors.New("source not configured")

// AppCrawler runs the review pass for one Play store app.
type AppCrawler interface {
	CrawlApp(ctx context.Context, appID string, sink playstore.Sink) (playstore.Result, error)
}

// PlaySession starts a browser-backed AppCrawler for one run. The returned
// function ends the session.
type PlaySession func(ctx context.Context) (AppCrawler, func() error, error)

type RunnerConfig struct {
	Concurrency  int
	PerAppCSVDir string
}

type Runner struct {
	steam  *fetch.Engine
	play   PlaySession
	state  *storage.TargetStore
	cfg    RunnerConfig
	logger *slog.Logger
}

func NewRunner(steam *fetch.Engine, play PlaySession, state *storage.TargetStore, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if state == nil {
		state, _ = storage.NewTargetStore("")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Runner{
		steam:  steam,
		play:   play,
		state:  state,
		cfg:    cfg,
		logger: logger.With("component", "runner"),
	}
}

// RunSteam crawls every app id and writes each id's records to sink once its
// partitions are exhausted. Failures stay with their id; only cancellation
// ends the run early.
func (r *Runner) RunSteam(ctx context.Context, ids []string, sink output.Sink, reporter progress.Reporter) ([]models.CrawlSummary, error) {
	if r.steam == nil {
		return nil, ErrSourceDisabled
	}
	if reporter == nil {
		reporter = progress.Discard
	}

	r.report(reporter, progress.Beginning())

	summaries := make([]models.CrawlSummary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for i, id := range ids {
		g.Go(func() error {
			summary, err := r.crawlSteamID(gctx, id, sink, reporter)
			summaries[i] = summary
			return err
		})
	}

	if err := g.Wait(); err != nil {
		r.report(reporter, progress.Failed("", err))
		return compact(summaries), err
	}

	r.report(reporter, progress.Finish())
	return compact(summaries), nil
}

func (r *Runner) crawlSteamID(ctx context.Context, id string, sink output.Sink, reporter progress.Reporter) (models.CrawlSummary, error) {
	if r.state.Completed(models.SourceSteam, id) {
		r.logger.Info("skipping completed target", "source", models.SourceSteam, "id", id)
		return models.CrawlSummary{}, nil
	}

	r.track(models.SourceSteam, id, storage.StatusProcessing, 0, "")
	r.report(reporter, progress.Crawling(id))

	start := time.Now()
	pager := r.steam.Pages(id)

	var records []models.ReviewRecord
	for {
		batch, err := pager.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return models.CrawlSummary{}, err
		}
		records = append(records, batch.Records...)
	}
	records = r.keepValid(models.SourceSteam, id, records)

	summary := models.CrawlSummary{
		SourceID:   id,
		Source:     models.SourceSteam,
		Records:    len(records),
		Partitions: pager.Partitions(),
		Failed:     pager.Failed,
		Duration:   time.Since(start),
	}

	r.report(reporter, progress.Uploading(id))
	if err := sink.Write(ctx, id, records); err != nil {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		r.logger.Error("failed to write reviews", "source", models.SourceSteam, "id", id, "error", err)
		r.track(models.SourceSteam, id, storage.StatusFailed, len(records), err.Error())
		r.report(reporter, progress.Failed(id, err))
		return summary, nil
	}

	r.track(models.SourceSteam, id, storage.StatusCompleted, len(records), "")
	r.logger.Info("target finished",
		"source", models.SourceSteam,
		"id", id,
		"records", summary.Records,
		"failed_partitions", summary.Failed,
		"duration", summary.Duration,
	)
	return summary, nil
}

// RunPlayStore crawls app ids one after another on a single browser session.
// Failing to start the session aborts the run; a failing app does not.
func (r *Runner) RunPlayStore(ctx context.Context, ids []string, sink output.Sink, reporter progress.Reporter) ([]models.CrawlSummary, error) {
	if r.play == nil {
		return nil, ErrSourceDisabled
	}
	if reporter == nil {
		reporter = progress.Discard
	}

	r.report(reporter, progress.Beginning())

	crawler, closeSession, err := r.play(ctx)
	if err != nil {
		r.report(reporter, progress.Failed("", err))
		return nil, fmt.Errorf("failed to start browser session: %w", err)
	}
	defer func() {
		if err := closeSession(); err != nil {
			r.logger.Warn("failed to close browser session", "error", err)
		}
	}()

	var summaries []models.CrawlSummary
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			r.report(reporter, progress.Failed("", err))
			return summaries, err
		}

		if r.state.Completed(models.SourcePlayStore, id) {
			r.logger.Info("skipping completed target", "source", models.SourcePlayStore, "id", id)
			continue
		}

		r.track(models.SourcePlayStore, id, storage.StatusProcessing, 0, "")
		r.report(reporter, progress.Crawling(id))

		start := time.Now()
		appSink, closeApp := r.appSink(id, sink)
		result, err := crawler.CrawlApp(ctx, id, &uploadReporter{sink: appSink, reporter: reporter, runner: r})
		if cerr := closeApp(); cerr != nil {
			r.logger.Warn("failed to close per-app output", "id", id, "error", cerr)
		}

		if err != nil {
			if ctx.Err() != nil {
				r.report(reporter, progress.Failed("", ctx.Err()))
				return summaries, ctx.Err()
			}
			r.logger.Error("app crawl failed", "id", id, "error", err)
			r.track(models.SourcePlayStore, id, storage.StatusFailed, len(result.Records), err.Error())
			r.report(reporter, progress.Failed(id, err))
			continue
		}

		summaries = append(summaries, models.CrawlSummary{
			SourceID:   id,
			Source:     models.SourcePlayStore,
			Records:    len(result.Records),
			Partitions: len(result.Completed) + len(result.Failed),
			Failed:     len(result.Failed),
			Duration:   time.Since(start),
		})
		r.track(models.SourcePlayStore, id, storage.StatusCompleted, len(result.Records), "")
	}

	r.report(reporter, progress.Finish())
	return summaries, nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// appSink adds a per-app CSV file next to sink when a directory is
// configured. The returned function closes only the per-app file.
func (r *Runner) appSink(appID string, sink output.Sink) (playstore.Sink, func() error) {
	noop := func() error { return nil }
	if r.cfg.PerAppCSVDir == "" {
		return sink, noop
	}

	name := "play_store_reviews_" + unsafeFileChars.ReplaceAllString(appID, "_") + ".csv"
	w, err := output.NewCSVWriter(filepath.Join(r.cfg.PerAppCSVDir, name))
	if err != nil {
		r.logger.Warn("per-app csv unavailable", "id", appID, "error", err)
		return sink, noop
	}
	return output.NewMultiSink(keepOpen{sink}, w), w.Close
}

func (r *Runner) track(source models.Source, id, status string, records int, errMsg string) {
	if err := r.state.Add(source, id); err != nil {
		r.logger.Warn("failed to record target", "id", id, "error", err)
		return
	}
	if err := r.state.UpdateStatus(source, id, status, records, errMsg); err != nil {
		r.logger.Warn("failed to update target state", "id", id, "status", status, "error", err)
	}
}

func (r *Runner) report(reporter progress.Reporter, e progress.Event) {
	if err := reporter.Report(e); err != nil {
		r.logger.Debug("progress event not delivered", "status", e.Status, "id", e.ID, "error", err)
	}
}

// uploadReporter announces the upload before handing records to the sink.
type uploadReporter struct {
	sink     playstore.Sink
	reporter progress.Reporter
	runner   *Runner
}

func (u *uploadReporter) Write(ctx context.Context, sourceID string, records []models.ReviewRecord) error {
	u.runner.report(u.reporter, progress.Uploading(sourceID))
	return u.sink.Write(ctx, sourceID, u.runner.keepValid(models.SourcePlayStore, sourceID, records))
}

// keepValid drops records that lack a field every sink stores.
func (r *Runner) keepValid(source models.Source, id string, records []models.ReviewRecord) []models.ReviewRecord {
	valid := validOnly(records)
	if dropped := len(records) - len(valid); dropped > 0 {
		r.logger.Warn("dropping incomplete reviews", "source", source, "id", id, "dropped", dropped)
	}
	return valid
}

func validOnly(records []models.ReviewRecord) []models.ReviewRecord {
	valid := make([]models.ReviewRecord, 0, len(records))
	for _, rec := range records {
		if rec.Valid() {
			valid = append(valid, rec)
		}
	}
	return valid
}

// keepOpen shields a shared sink from MultiSink.Close.
type keepOpen struct {
	output.Sink
}

func (keepOpen) Close() error { return nil }

func compact(summaries []models.CrawlSummary) []models.CrawlSummary {
	out := make([]models.CrawlSummary, 0, len(summaries))
	for _, s := range summaries {
		if s.SourceID != "" {
			out = append(out, s)
		}
	}
	return out
}
