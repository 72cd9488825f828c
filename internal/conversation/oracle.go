package conversation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nova-core/novacore/internal/models"
)

// RelationshipDecision is the relationship oracle's verdict on whether
// sender may open a direct conversation with recipient (spec.md §4.2.1,
// §6.1). Only Allowed proceeds; every other value maps to ErrForbidden
// without distinguishing which one, since blocked must be indistinguishable
// from merely-not-allowed (spec.md §7).
type RelationshipDecision string

const (
	RelationshipAllowed             RelationshipDecision = "allowed"
	RelationshipBlocked             RelationshipDecision = "blocked"
	RelationshipNeedMutualFollow    RelationshipDecision = "need_mutual_follow"
	RelationshipNeedToFollow        RelationshipDecision = "need_to_follow"
	RelationshipNotAllowed          RelationshipDecision = "not_allowed"
	RelationshipNeedMessageRequest  RelationshipDecision = "need_message_request"
)

// RelationshipOracle is the external collaborator consulted before a direct
// conversation is created. novacore does not own the social graph; it only
// calls out to whatever service does.
type RelationshipOracle interface {
	CanMessage(ctx context.Context, sender, recipient string) (RelationshipDecision, error)
}

// PostgresOracle is the default RelationshipOracle, backed by the
// user_relationships table. Deployments with a dedicated social-graph
// service can swap in their own RelationshipOracle implementation at
// wiring time; this one exists so novacore runs standalone.
type PostgresOracle struct {
	pool *pgxpool.Pool
}

// NewPostgresOracle wraps pool for relationship lookups.
func NewPostgresOracle(pool *pgxpool.Pool) *PostgresOracle {
	return &PostgresOracle{pool: pool}
}

// CanMessage looks up both directional edges between sender and recipient
// and derives a decision:
//   - either direction blocked -> blocked
//   - both follow each other -> allowed
//   - sender follows recipient, recipient does not follow back -> need_mutual_follow
//   - recipient follows sender, sender does not follow back -> need_to_follow
//   - neither follows the other -> need_message_request
func (o *PostgresOracle) CanMessage(ctx context.Context, sender, recipient string) (RelationshipDecision, error) {
	var senderStatus, recipientStatus string

	err := o.pool.QueryRow(ctx,
		`SELECT status FROM user_relationships WHERE user_id = $1 AND target_id = $2`,
		sender, recipient,
	).Scan(&senderStatus)
	if err != nil && err != pgx.ErrNoRows {
		return "", fmt.Errorf("looking up sender relationship: %w", err)
	}

	err = o.pool.QueryRow(ctx,
		`SELECT status FROM user_relationships WHERE user_id = $1 AND target_id = $2`,
		recipient, sender,
	).Scan(&recipientStatus)
	if err != nil && err != pgx.ErrNoRows {
		return "", fmt.Errorf("looking up recipient relationship: %w", err)
	}

	if senderStatus == string(models.RelationshipBlocked) || recipientStatus == string(models.RelationshipBlocked) {
		return RelationshipBlocked, nil
	}

	senderFollows := senderStatus == string(models.RelationshipFollowing)
	recipientFollows := recipientStatus == string(models.RelationshipFollowing)

	switch {
	case senderFollows && recipientFollows:
		return RelationshipAllowed, nil
	case senderFollows && !recipientFollows:
		return RelationshipNeedMutualFollow, nil
	case !senderFollows && recipientFollows:
		return RelationshipNeedToFollow, nil
	default:
		return RelationshipNeedMessageRequest, nil
	}
}
