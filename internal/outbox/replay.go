package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nova-core/novacore/internal/models"
)

// ReplaySince resets every event with created_at >= since to pending,
// clearing its retry state, so the publisher redelivers it on the next
// tick. Replay is idempotent on the publisher side; downstream consumers
// are responsible for their own idempotency.
func ReplaySince(ctx context.Context, pool *pgxpool.Pool, since time.Time) (int64, error) {
	tag, err := pool.Exec(ctx, `
UPDATE outbox_events
SET published_at = NULL, retry_count = 0, last_error = NULL, next_retry_at = NULL
WHERE created_at >= $1
`, since)
	if err != nil {
		return 0, fmt.Errorf("replaying events since %s: %w", since, err)
	}
	return tag.RowsAffected(), nil
}

// ReplayRange resets every event with an id in [from, to] to pending, for
// backfilling a specific aggregate-contiguous range of ULIDs.
func ReplayRange(ctx context.Context, pool *pgxpool.Pool, from, to models.ULID) (int64, error) {
	tag, err := pool.Exec(ctx, `
UPDATE outbox_events
SET published_at = NULL, retry_count = 0, last_error = NULL, next_retry_at = NULL
WHERE id BETWEEN $1 AND $2
`, from, to)
	if err != nil {
		return 0, fmt.Errorf("replaying events in range [%s, %s]: %w", from, to, err)
	}
	return tag.RowsAffected(), nil
}
