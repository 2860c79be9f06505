package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maltedev/review-crawler/internal/crawl"
	"github.com/maltedev/review-crawler/internal/models"
)

type importFlags struct {
	source string
	id     string
}

func init() {
	rootCmd.AddCommand(newImportCmd())
}

func newImportCmd() *cobra.Command {
	var flags importFlags
	cmd := &cobra.Command{
		Use:   "import --source steam|playstore --id <id> <file.csv>",
		Short: "Loads a review CSV from an earlier run into Postgres and Elasticsearch.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.source, "source", string(models.SourceSteam), "Platform the reviews came from.")
	cmd.Flags().StringVar(&flags.id, "id", "", "Steam app id or Play package the reviews belong to.")
	cmd.MarkFlagRequired("id")
	return cmd
}

func runImport(ctx context.Context, path string, flags importFlags) error {
	source, err := models.ParseSource(flags.source)
	if err != nil {
		return err
	}

	deps, log, err := setup(ctx)
	if err != nil {
		return err
	}
	defer deps.Close()

	stores, err := deps.OpenStores(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("failed to close stores", "error", err)
		}
	}()
	if stores.Len() == 0 {
		return fmt.Errorf("%w: set DB_ENABLED or ES_ENABLED", crawl.ErrNoStores)
	}

	result, err := crawl.ImportCSV(ctx, path, source, flags.id, stores)
	log.Info("import finished",
		"source", source,
		"source_id", flags.id,
		"read", result.Read,
		"stored", result.Stored,
		"skipped", result.Skipped)

	flushOutbox(deps, log)
	return err
}
