package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/review-crawler/internal/models"
)

const (
	AggregateReviewBatch = "review_batch"
	EventReviewsStored   = "REVIEWS_STORED"
)

const insertReviewSQL = `
	INSERT INTO review (
		id, batch_id, source, source_id, item_id,
		positive, rating, author, text, language, collected_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
	)`

// ReviewsStoredPayload is the outbox payload announcing a stored batch.
type ReviewsStoredPayload struct {
	BatchID  uuid.UUID     `json:"batch_id"`
	Source   models.Source `json:"source"`
	SourceID string        `json:"source_id"`
	Count    int           `json:"count"`
	Positive int           `json:"positive"`
	StoredAt time.Time     `json:"stored_at"`
}

// ReviewRepository stores review batches together with an outbox event in a
// single transaction.
type ReviewRepository struct {
	db     *DB
	outbox *OutboxRepository
	stream string
	logger *slog.Logger
}

func NewReviewRepository(db *DB, stream string, logger *slog.Logger) *ReviewRepository {
	if stream == "" {
		stream = DefaultTargetStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewRepository{
		db:     db,
		outbox: NewOutboxRepository(db, RetryPolicy{}),
		stream: stream,
		logger: logger.With("component", "reviews"),
	}
}

func (r *ReviewRepository) Write(ctx context.Context, sourceID string, records []models.ReviewRecord) error {
	if len(records) == 0 {
		return nil
	}

	batchID := uuid.New()
	batch := buildReviewBatch(batchID, sourceID, records)
	event, err := reviewsStoredEvent(batchID, sourceID, records, r.stream, time.Now())
	if err != nil {
		return err
	}

	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("failed to insert review %d: %w", i, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("failed to close review batch: %w", err)
		}
		return r.outbox.Enqueue(ctx, tx, event)
	})
	if err != nil {
		return err
	}

	r.logger.Info("stored reviews",
		"source_id", sourceID,
		"batch_id", batchID,
		"count", len(records),
	)
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *ReviewRepository) Close() error {
	return nil
}

// CountBySource returns how many reviews are stored for sourceID.
func (r *ReviewRepository) CountBySource(ctx context.Context, source models.Source, sourceID string) (int64, error) {
	var count int64
	err := r.db.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM review WHERE source = $1 AND source_id = $2",
		string(source), sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count reviews: %w", err)
	}
	return count, nil
}

func buildReviewBatch(batchID uuid.UUID, sourceID string, records []models.ReviewRecord) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, rec := range records {
		var language *string
		if rec.Language != "" {
			language = &rec.Language
		}
		collectedAt := rec.CollectedAt
		if collectedAt.IsZero() {
			collectedAt = time.Now()
		}
		batch.Queue(insertReviewSQL,
			uuid.New(), batchID, string(rec.Source), sourceID, rec.ItemID,
			rec.Positive, rec.Rating, rec.Author, rec.Text, language, collectedAt,
		)
	}
	return batch
}

func reviewsStoredEvent(batchID uuid.UUID, sourceID string, records []models.ReviewRecord, stream string, now time.Time) (*OutboxEvent, error) {
	payload := ReviewsStoredPayload{
		BatchID:  batchID,
		SourceID: sourceID,
		Count:    len(records),
		StoredAt: now,
	}
	if len(records) > 0 {
		payload.Source = records[0].Source
	}
	for _, rec := range records {
		if rec.Positive {
			payload.Positive++
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &OutboxEvent{
		AggregateType: AggregateReviewBatch,
		AggregateID:   sourceID,
		EventType:     EventReviewsStored,
		Payload:       data,
		TargetStream:  stream,
	}, nil
}
