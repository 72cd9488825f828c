// Package outbox implements the transactional outbox engine: a producer
// primitive that inserts events inside a caller-owned transaction, and a
// publisher loop that drains them to the broker with ordered, retried,
// replayable delivery.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nova-core/novacore/internal/models"
)

// Insert writes event as part of tx. The caller commits tx together with
// whatever business rows it wrote in the same transaction; on commit the
// event becomes visible to the publisher, on rollback it vanishes. This is
// the engine's only producer-facing primitive — no separate ordering or
// ack contract is offered to callers.
func Insert(ctx context.Context, tx pgx.Tx, event models.OutboxEvent) error {
	_, err := tx.Exec(ctx, `
INSERT INTO outbox_events (
	id, aggregate_type, aggregate_id, event_type, payload, metadata,
	topic, partition, key, priority, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()))
`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.Metadata, nullString(event.Topic), event.Partition,
		nullString(event.Key), event.Priority, nilIfZeroTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting outbox event %s: %w", event.ID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
