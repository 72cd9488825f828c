package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nova-core/novacore/internal/models"
)

// Publisher polls outbox_events and drains them to a broker. One Publisher
// should run per service process; multiple processes may run Publishers
// against the same table safely — FOR UPDATE SKIP LOCKED partitions the
// fetch across them.
type Publisher struct {
	pool   *pgxpool.Pool
	sender Sender
	logger *slog.Logger

	pollInterval   time.Duration
	batchSize      int
	maxRetries     int32
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	publishTimeout time.Duration
	subjectPrefix  string
	fallbackTopic  string

	published atomic.Int64
}

// Sender is the broker dependency the publisher drains events to. package
// broker's *Broker satisfies it.
type Sender interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// Config holds the publisher loop's tunables, sourced from
// internal/config's OutboxConfig.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int32
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	SubjectPrefix  string
	FallbackTopic  string
}

// NewPublisher constructs a Publisher. It does not start polling until Run is called.
func NewPublisher(pool *pgxpool.Pool, sender Sender, cfg Config, logger *slog.Logger) *Publisher {
	return &Publisher{
		pool:           pool,
		sender:         sender,
		logger:         logger,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		maxRetries:     cfg.MaxRetries,
		baseBackoff:    cfg.BaseBackoff,
		maxBackoff:     cfg.MaxBackoff,
		publishTimeout: cfg.PublishTimeout,
		subjectPrefix:  cfg.SubjectPrefix,
		fallbackTopic:  cfg.FallbackTopic,
	}
}

// Run ticks every poll interval until ctx is canceled, draining one batch
// of pending and one batch of retry-eligible events per tick.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				p.logger.Error("outbox tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one poll cycle: fetch pending events, fetch retry-eligible
// failed events, attempt delivery of both, and log the observability
// snapshot. It is exported so callers (and tests) can drive single cycles
// deterministically instead of waiting on the ticker.
func (p *Publisher) Tick(ctx context.Context) error {
	if err := p.drainBatch(ctx, false); err != nil {
		return fmt.Errorf("draining pending batch: %w", err)
	}
	if err := p.drainBatch(ctx, true); err != nil {
		return fmt.Errorf("draining retry batch: %w", err)
	}

	p.logObservability(ctx)
	return nil
}

// drainBatch fetches and delivers one batch inside a single transaction:
// the row locks acquired by FOR UPDATE SKIP LOCKED are held for the
// lifetime of the batch (through the broker round-trip and the
// mark-published/mark-failed write), so a second publisher's concurrent
// fetch can never claim a row this one is still delivering.
func (p *Publisher) drainBatch(ctx context.Context, retryOnly bool) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	events, err := p.fetchBatch(ctx, tx, retryOnly)
	if err != nil {
		return err
	}

	for _, ev := range events {
		p.deliver(ctx, tx, ev)
	}

	return tx.Commit(ctx)
}

// fetchBatch acquires up to batchSize row locks (skipping already-locked
// rows) for either the primary pending stream or the secondary
// retry-eligible stream, per 4.1.2 of the publisher loop contract.
func (p *Publisher) fetchBatch(ctx context.Context, tx pgx.Tx, retryOnly bool) ([]models.OutboxEvent, error) {
	var query string
	if !retryOnly {
		query = `
SELECT id, aggregate_type, aggregate_id, event_type, payload, metadata,
       COALESCE(topic, ''), partition, COALESCE(key, ''), priority,
       created_at, published_at, retry_count, last_error, next_retry_at
FROM outbox_events
WHERE published_at IS NULL AND retry_count = 0
ORDER BY priority ASC, created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	} else {
		query = `
SELECT id, aggregate_type, aggregate_id, event_type, payload, metadata,
       COALESCE(topic, ''), partition, COALESCE(key, ''), priority,
       created_at, published_at, retry_count, last_error, next_retry_at
FROM outbox_events
WHERE published_at IS NULL AND retry_count > 0 AND retry_count < $2
  AND (next_retry_at IS NULL OR next_retry_at <= now())
ORDER BY priority ASC, created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	}

	args := []any{p.batchSize}
	if retryOnly {
		args = append(args, p.maxRetries)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(
			&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &ev.Payload, &ev.Metadata,
			&ev.Topic, &ev.Partition, &ev.Key, &ev.Priority,
			&ev.CreatedAt, &ev.PublishedAt, &ev.RetryCount, &ev.LastError, &ev.NextRetryAt,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// deliver attempts to publish a single event and records the outcome.
// Per-event failures never abort the batch.
func (p *Publisher) deliver(ctx context.Context, tx pgx.Tx, ev models.OutboxEvent) {
	sendCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	subject := p.deriveTopic(ev)
	data, err := p.envelope(ev)
	if err != nil {
		p.logger.Error("encoding outbox event failed",
			slog.String("event_id", ev.ID.String()), slog.String("error", err.Error()))
		p.markFailed(ctx, tx, ev, err)
		return
	}

	key := ev.Key
	if key == "" {
		key = ev.AggregateID.String()
	}

	if err := p.sender.Publish(sendCtx, subject, data, key+":"+ev.ID.String()); err != nil {
		p.markFailed(ctx, tx, ev, err)
		return
	}

	p.markPublished(ctx, tx, ev)
}

// deriveTopic resolves the delivery subject: an explicit per-event
// override if present, otherwise the mapping
// first_segment(event_type) → "<prefix>.<first_segment>.events", falling
// back to the configured catch-all when event_type has no segment.
func (p *Publisher) deriveTopic(ev models.OutboxEvent) string {
	if ev.Topic != "" {
		return ev.Topic
	}
	segment, _, _ := strings.Cut(ev.EventType, ".")
	if segment == "" {
		return p.fallbackTopic
	}
	return p.subjectPrefix + "." + segment + ".events"
}

// envelope is the wire format handed to the broker: the raw payload plus
// the headers the publisher loop contract requires.
type envelope struct {
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

func (p *Publisher) envelope(ev models.OutboxEvent) ([]byte, error) {
	return json.Marshal(envelope{
		EventType:     ev.EventType,
		EventID:       ev.ID.String(),
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID.String(),
		CreatedAt:     ev.CreatedAt,
		Payload:       ev.Payload,
	})
}

func (p *Publisher) markPublished(ctx context.Context, tx pgx.Tx, ev models.OutboxEvent) {
	_, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = $1`, ev.ID)
	if err != nil {
		p.logger.Error("marking outbox event published failed",
			slog.String("event_id", ev.ID.String()), slog.String("error", err.Error()))
		return
	}
	p.published.Add(1)
}

func (p *Publisher) markFailed(ctx context.Context, tx pgx.Tx, ev models.OutboxEvent, sendErr error) {
	retryCount := ev.RetryCount + 1
	backoff := p.backoffFor(retryCount)
	nextRetry := time.Now().Add(backoff)
	errMsg := sendErr.Error()

	_, err := tx.Exec(ctx, `
UPDATE outbox_events
SET retry_count = $2, last_error = $3, next_retry_at = $4
WHERE id = $1
`, ev.ID, retryCount, errMsg, nextRetry)
	if err != nil {
		p.logger.Error("marking outbox event failed (db write) failed",
			slog.String("event_id", ev.ID.String()), slog.String("error", err.Error()))
		return
	}

	if retryCount >= p.maxRetries {
		p.logger.Error("outbox event exhausted retries, awaiting operator replay",
			slog.String("event_id", ev.ID.String()),
			slog.Int64("retry_count", int64(retryCount)),
			slog.String("last_error", errMsg),
		)
		return
	}

	p.logger.Warn("outbox event publish failed, will retry",
		slog.String("event_id", ev.ID.String()),
		slog.Int64("retry_count", int64(retryCount)),
		slog.Duration("next_retry_in", backoff),
		slog.String("error", errMsg),
	)
}

// backoffFor computes base_backoff * 2^retry_count, capped at max_backoff.
func (p *Publisher) backoffFor(retryCount int32) time.Duration {
	factor := math.Pow(2, float64(retryCount))
	d := time.Duration(float64(p.baseBackoff) * factor)
	if d > p.maxBackoff || d <= 0 {
		return p.maxBackoff
	}
	return d
}

// Published returns the count of events this publisher has successfully
// delivered since process start, for tests and the periodic log snapshot.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

func (p *Publisher) logObservability(ctx context.Context) {
	var pending int64
	var oldestAgeSeconds *float64

	err := p.pool.QueryRow(ctx, `
SELECT count(*), extract(epoch from (now() - min(created_at)))
FROM outbox_events
WHERE published_at IS NULL
`).Scan(&pending, &oldestAgeSeconds)
	if err != nil && err != pgx.ErrNoRows {
		p.logger.Error("computing outbox observability snapshot failed", slog.String("error", err.Error()))
		return
	}

	age := 0.0
	if oldestAgeSeconds != nil {
		age = *oldestAgeSeconds
	}

	p.logger.Info("outbox snapshot",
		slog.Int64("pending", pending),
		slog.Float64("oldest_pending_age_seconds", age),
		slog.Int64("published_total", p.published.Load()),
	)
}
