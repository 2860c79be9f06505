package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/review-crawler/internal/metrics"
)

// RedisClient is the subset of *redis.Client the relay publishes with.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// Outbox is the relay's view of OutboxRepository.
type Outbox interface {
	Claim(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) (string, error)
	Backlog(ctx context.Context) (Backlog, error)
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Lease hides claimed events from other relays while they are published.
	Lease time.Duration
	// MaxLen trims each stream to about this many entries; 0 keeps all.
	MaxLen int64
	Retry  RetryPolicy
}

// RelayStats counts the outcomes of one or more relay rounds.
type RelayStats struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

func (s *RelayStats) add(o RelayStats) {
	s.Claimed += o.Claimed
	s.Published += o.Published
	s.Failed += o.Failed
	s.DeadLettered += o.DeadLettered
}

// Relay copies stored-review announcements from the outbox onto Redis
// streams.
type Relay struct {
	redis   RedisClient
	outbox  Outbox
	cfg     RelayConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRelay(db *DB, redisClient RedisClient, m *metrics.Metrics, logger *slog.Logger, cfg RelayConfig) *Relay {
	cfg.Retry = cfg.Retry.withDefaults()
	return newRelay(NewOutboxRepository(db, cfg.Retry), redisClient, m, logger, cfg)
}

func newRelay(outbox Outbox, redisClient RedisClient, m *metrics.Metrics, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		redis:   redisClient,
		outbox:  outbox,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "relay"),
	}
}

// Start drains the outbox every PollInterval until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize,
		"max_len", r.cfg.MaxLen)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("relay round failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain runs rounds until a round claims less than a full batch.
func (r *Relay) Drain(ctx context.Context) (RelayStats, error) {
	var total RelayStats
	for {
		stats, err := r.RunOnce(ctx)
		total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Claimed < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// RunOnce claims one batch of due events and publishes each. A failed
// publish is recorded on the event and does not stop the batch.
func (r *Relay) RunOnce(ctx context.Context) (RelayStats, error) {
	events, err := r.outbox.Claim(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return RelayStats{}, err
	}

	stats := RelayStats{Claimed: len(events)}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		logger := r.logger.With("event_id", event.ID, "aggregate_id", event.AggregateID)

		if err := r.publish(ctx, event); err != nil {
			status, markErr := r.outbox.MarkFailed(ctx, event.ID, err)
			if markErr != nil {
				logger.Error("failed to record publish failure", "error", markErr)
			}
			if status == OutboxStatusDeadLetter {
				stats.DeadLettered++
				r.metrics.IncOutbox("dead_letter")
				logger.Error("event moved to dead letter", "attempts", event.RetryCount+1, "error", err)
				continue
			}
			stats.Failed++
			r.metrics.IncOutbox("failed")
			logger.Warn("publish failed, will retry", "attempts", event.RetryCount+1, "error", err)
			continue
		}

		if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
			// published but still pending: consumers may see it twice
			logger.Error("failed to mark event processed", "error", err)
		}
		stats.Published++
		r.metrics.IncOutbox("published")
		logger.Debug("event published", "event_type", event.EventType, "stream", event.TargetStream)
	}

	if stats.Claimed > 0 {
		r.logger.Info("relay round finished",
			"claimed", stats.Claimed,
			"published", stats.Published,
			"failed", stats.Failed,
			"dead_lettered", stats.DeadLettered)
	}
	return stats, nil
}

// Backlog reports how many events wait for delivery.
func (r *Relay) Backlog(ctx context.Context) (Backlog, error) {
	return r.outbox.Backlog(ctx)
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	values, err := streamValues(event)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: event.TargetStream,
		Values: values,
	}
	if r.cfg.MaxLen > 0 {
		args.MaxLen = r.cfg.MaxLen
		args.Approx = true
	}

	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", event.TargetStream, err)
	}
	return nil
}

// streamValues flattens event into stream entry fields. Stored-review events
// also carry their batch summary as top-level fields so consumers can filter
// without decoding the payload.
func streamValues(event *OutboxEvent) (map[string]interface{}, error) {
	values := map[string]interface{}{
		"event_id":       event.ID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"created_at":     event.CreatedAt.UTC().Format(time.RFC3339Nano),
		"attempt":        event.RetryCount + 1,
		"payload":        string(event.Payload),
	}

	if event.EventType != EventReviewsStored {
		return values, nil
	}

	var p ReviewsStoredPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	values["batch_id"] = p.BatchID.String()
	values["source"] = string(p.Source)
	values["source_id"] = p.SourceID
	values["count"] = p.Count
	values["positive"] = p.Positive
	return values, nil
}
