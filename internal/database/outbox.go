package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	DefaultTargetStream = "stream:review_ingest"
)

var (
	ErrInvalidEvent  = errors.New("invalid outbox event")
	ErrEventNotFound = errors.New("outbox event not found")
)

// OutboxEvent is a row of the transactional outbox.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

func (e *OutboxEvent) validate() error {
	switch {
	case e.AggregateType == "":
		return fmt.Errorf("%w: missing aggregate type", ErrInvalidEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: missing payload", ErrInvalidEvent)
	case !json.Valid(e.Payload):
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidEvent)
	}
	return nil
}

// RetryPolicy decides the fate of an event after a failed publish.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Next returns the status and retry time after the attempts-th failure.
// Delays double from BaseDelay up to MaxDelay; at MaxAttempts the event is
// dead-lettered.
func (p RetryPolicy) Next(attempts int, now time.Time) (string, time.Time) {
	if attempts >= p.MaxAttempts {
		return OutboxStatusDeadLetter, now
	}
	delay := p.BaseDelay
	for i := 1; i < attempts && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	return OutboxStatusFailed, now.Add(min(delay, p.MaxDelay))
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Backlog counts outbox events not yet delivered.
type Backlog struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

type OutboxRepository struct {
	db     *DB
	policy RetryPolicy
}

func NewOutboxRepository(db *DB, policy RetryPolicy) *OutboxRepository {
	return &OutboxRepository{db: db, policy: policy.withDefaults()}
}

// Enqueue adds event to the outbox inside tx so it commits or rolls back with
// the rows it describes.
func (r *OutboxRepository) Enqueue(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.TargetStream == "" {
		event.TargetStream = DefaultTargetStream
	}
	event.Status = OutboxStatusPending
	event.CreatedAt = time.Now()
	event.NextRetryAt = &event.CreatedAt

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type, payload,
			target_stream, status, created_at, next_retry_at
		) VALUES (
			@id, @aggregate_type, @aggregate_id, @event_type, @payload,
			@target_stream, @status, @created_at, @created_at
		)`,
		pgx.NamedArgs{
			"id":             event.ID,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
			"event_type":     event.EventType,
			"payload":        event.Payload,
			"target_stream":  event.TargetStream,
			"status":         event.Status,
			"created_at":     event.CreatedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// Claim leases up to limit due events, oldest first. A leased event is
// invisible to other claimers until lease passes, so several relays can
// share one outbox.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error) {
	now := time.Now()
	rows, err := r.db.pool.Query(ctx, `
		UPDATE outbox_event
		SET next_retry_at = @lease_until
		WHERE id IN (
			SELECT id FROM outbox_event
			WHERE status IN (@pending, @failed) AND next_retry_at <= @now
			ORDER BY created_at
			LIMIT @limit
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload,
			target_stream, status, retry_count, error_message,
			created_at, processed_at, next_retry_at`,
		pgx.NamedArgs{
			"lease_until": now.Add(lease),
			"pending":     OutboxStatusPending,
			"failed":      OutboxStatusFailed,
			"now":         now,
			"limit":       limit,
		})
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed events: %w", err)
	}

	slices.SortFunc(events, func(a, b *OutboxEvent) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx,
		"UPDATE outbox_event SET status = $2, processed_at = now(), error_message = NULL WHERE id = $1",
		id, OutboxStatusProcessed)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

// MarkFailed records cause and reschedules the event according to the retry
// policy. It returns the event's new status.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (string, error) {
	var status string
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx,
			"UPDATE outbox_event SET retry_count = retry_count + 1, error_message = $2 WHERE id = $1 RETURNING retry_count",
			id, cause.Error()).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to record publish failure: %w", err)
		}

		var retryAt time.Time
		status, retryAt = r.policy.Next(attempts, time.Now())
		if _, err := tx.Exec(ctx,
			"UPDATE outbox_event SET status = $2, next_retry_at = $3 WHERE id = $1",
			id, status, retryAt); err != nil {
			return fmt.Errorf("failed to reschedule event: %w", err)
		}
		return nil
	})
	return status, err
}

// Backlog counts events still to be published and events given up on.
func (r *OutboxRepository) Backlog(ctx context.Context) (Backlog, error) {
	var b Backlog
	err := r.db.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM outbox_event`,
		OutboxStatusPending, OutboxStatusFailed, OutboxStatusDeadLetter,
	).Scan(&b.Pending, &b.DeadLetter)
	if err != nil {
		return Backlog{}, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return b, nil
}
