package database

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/review-crawler/internal/models"
)

func sampleReviews() []models.ReviewRecord {
	now := time.Now()
	return []models.ReviewRecord{
		{Source: models.SourceSteam, SourceID: "730", ItemID: "https://store.steampowered.com/appreviews/730", Positive: true, Author: "a", Text: "great", Language: "english", CollectedAt: now},
		{Source: models.SourceSteam, SourceID: "730", ItemID: "https://store.steampowered.com/appreviews/730", Positive: false, Author: "b", Text: "meh", CollectedAt: now},
		{Source: models.SourceSteam, SourceID: "730", ItemID: "https://store.steampowered.com/appreviews/730", Positive: true, Author: "c", Text: "fine", CollectedAt: now},
	}
}

func TestBuildReviewBatch(t *testing.T) {
	batch := buildReviewBatch(uuid.New(), "730", sampleReviews())
	assert.Equal(t, 3, batch.Len())
}

func TestReviewsStoredEvent(t *testing.T) {
	batchID := uuid.New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	event, err := reviewsStoredEvent(batchID, "730", sampleReviews(), "stream:test", now)
	require.NoError(t, err)
	require.NoError(t, event.validate())

	assert.Equal(t, AggregateReviewBatch, event.AggregateType)
	assert.Equal(t, EventReviewsStored, event.EventType)
	assert.Equal(t, "730", event.AggregateID)
	assert.Equal(t, "stream:test", event.TargetStream)

	var payload ReviewsStoredPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, batchID, payload.BatchID)
	assert.Equal(t, models.SourceSteam, payload.Source)
	assert.Equal(t, 3, payload.Count)
	assert.Equal(t, 2, payload.Positive)
	assert.True(t, now.Equal(payload.StoredAt))
}

func TestReviewRepository_Write(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewReviewRepository(db, "", slog.Default())

	t.Run("stores reviews and outbox event together", func(t *testing.T) {
		require.NoError(t, repo.Write(ctx, "730", sampleReviews()))

		count, err := repo.CountBySource(ctx, models.SourceSteam, "730")
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		pending, err := NewOutboxRepository(db, RetryPolicy{}).Claim(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, EventReviewsStored, pending[0].EventType)
		assert.Equal(t, DefaultTargetStream, pending[0].TargetStream)
	})

	t.Run("empty batch writes nothing", func(t *testing.T) {
		require.NoError(t, repo.Write(ctx, "570", nil))

		count, err := repo.CountBySource(ctx, models.SourceSteam, "570")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
