package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/review-crawler/internal/models"
	"github.com/maltedev/review-crawler/internal/output"
)

// ErrNoStores is returned when an import has nowhere durable to go.
var ErrNoStores = errors.New("no review store enabled")

// ImportResult counts what ImportCSV read and stored.
type ImportResult struct {
	Read    int
	Stored  int
	Skipped int
}

// ImportCSV loads a CSV written by an earlier run and stores its rows under
// source and sourceID. Rows missing an id, text or author are skipped.
func ImportCSV(ctx context.Context, path string, source models.Source, sourceID string, sink output.Sink) (ImportResult, error) {
	var result ImportResult
	if sourceID == "" {
		return result, errors.New("import needs a source id")
	}

	records, err := output.ReadCSVFile(path)
	if err != nil {
		return result, fmt.Errorf("failed to read %s: %w", path, err)
	}
	result.Read = len(records)

	now := time.Now().UTC()
	for i := range records {
		records[i].Source = source
		records[i].SourceID = sourceID
		records[i].CollectedAt = now
	}
	records = validOnly(records)
	result.Skipped = result.Read - len(records)

	if len(records) == 0 {
		return result, nil
	}
	if err := sink.Write(ctx, sourceID, records); err != nil {
		return result, fmt.Errorf("failed to store imported reviews: %w", err)
	}
	result.Stored = len(records)
	return result, nil
}
