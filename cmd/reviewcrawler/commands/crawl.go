package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/maltedev/review-crawler/internal/crawl"
	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/progress"
)

type crawlFlags struct {
	ids  []string
	file string
}

func init() {
	rootCmd.AddCommand(newCrawlCmd("steam", models.SourceSteam, "Crawls Steam reviews over the appreviews API."))
	rootCmd.AddCommand(newCrawlCmd("playstore", models.SourcePlayStore, "Crawls Google Play reviews with a stealth browser."))
}

func newCrawlCmd(use string, source models.Source, short string) *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   use + " [--ids a,b] [--file <path>]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), source, flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.ids, "ids", nil, "Ids to crawl instead of the configured id file.")
	cmd.Flags().StringVar(&flags.file, "file", "", "Id file to read instead of the configured one.")
	return cmd
}

func runCrawl(ctx context.Context, source models.Source, flags crawlFlags) error {
	deps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	startRelay(relayCtx, deps, log)

	ids := flags.ids
	if len(ids) == 0 {
		if flags.file != "" {
			ids, err = crawl.ReadIDFile(flags.file)
		} else {
			ids, err = deps.IDs(source)
		}
		if err != nil {
			return err
		}
	}

	sink, err := deps.OpenSink(ctx, source)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Error("failed to close output", "error", err)
		}
	}()

	run := deps.Runner.RunSteam
	if source == models.SourcePlayStore {
		run = deps.Runner.RunPlayStore
	}

	start := time.Now()
	summaries, err := run(ctx, ids, sink, progress.NewLog(log))
	for _, s := range summaries {
		log.Info("target finished",
			"source", s.Source,
			"source_id", s.SourceID,
			"records", s.Records,
			"partitions", s.Partitions,
			"failed_partitions", s.Failed,
			"duration", s.Duration)
	}
	log.Info("crawl finished", "source", source, "targets", len(summaries), "elapsed", time.Since(start))

	flushOutbox(deps, log)
	return err
}

// flushOutbox publishes whatever the run left in the outbox before the
// process exits. It runs on a fresh context so an interrupted crawl still
// announces the batches it stored.
func flushOutbox(deps *crawl.Deps, log *slog.Logger) {
	if deps.Relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := deps.Relay.Drain(ctx)
	if err != nil {
		log.Error("failed to flush outbox", "error", err)
		return
	}
	log.Info("outbox flushed",
		"published", stats.Published,
		"failed", stats.Failed,
		"dead_lettered", stats.DeadLettered)
}
