package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nova-core/novacore/internal/cache"
	"github.com/nova-core/novacore/internal/encryption"
	"github.com/nova-core/novacore/internal/federation"
	"github.com/nova-core/novacore/internal/models"
)

// membershipCacheTTL is the duration a positive or negative membership
// lookup is cached for, per (conversation, user) pair (spec.md §4.2.1).
const membershipCacheTTL = 60 * time.Second

// Service implements the conversation core's authorization gate,
// conversation CRUD, and membership-scoped reads. Message send/edit/search
// and the call state machine live in message.go and call.go but share this
// Service's dependencies.
type Service struct {
	pool   *pgxpool.Pool
	cache  *cache.Cache
	crypto *encryption.Service
	fed    *federation.Client
	oracle RelationshipOracle
	logger *slog.Logger
}

// New builds a conversation core Service.
func New(pool *pgxpool.Pool, c *cache.Cache, crypto *encryption.Service, fed *federation.Client, oracle RelationshipOracle, logger *slog.Logger) *Service {
	return &Service{pool: pool, cache: c, crypto: crypto, fed: fed, oracle: oracle, logger: logger}
}

func membershipCacheKey(conversationID, userID string) string {
	return fmt.Sprintf("cc:member:%s:%s", conversationID, userID)
}

// IsMember reports whether userID is an active member of conversationID,
// consulting the 60s membership cache before falling back to the DB.
func (s *Service) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	key := membershipCacheKey(conversationID, userID)

	var cached bool
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("membership cache read failed", slog.String("error", err.Error()))
	}

	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT true FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists = false
		} else {
			return false, fmt.Errorf("conversation: checking membership: %w", err)
		}
	}

	if err := s.cache.Set(ctx, key, exists, membershipCacheTTL); err != nil {
		s.logger.Warn("membership cache write failed", slog.String("error", err.Error()))
	}
	return exists, nil
}

// invalidateMembership drops the cached membership entry for (conversationID,
// userID). Called on any membership change.
func (s *Service) invalidateMembership(ctx context.Context, conversationID, userID string) {
	if err := s.cache.Delete(ctx, membershipCacheKey(conversationID, userID)); err != nil {
		s.logger.Warn("membership cache invalidation failed", slog.String("error", err.Error()))
	}
}

func (s *Service) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := s.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// CreateDirect creates (or returns, if one already exists) a direct
// conversation between initiator and recipient, after consulting the
// relationship oracle. Per spec.md §7 every non-allowed decision collapses
// to ErrForbidden so blocked state is never distinguishable to the caller.
func (s *Service) CreateDirect(ctx context.Context, initiator, recipient string, privacy models.PrivacyMode) (models.Conversation, error) {
	if initiator == recipient {
		return models.Conversation{}, fmt.Errorf("%w: cannot open a direct conversation with yourself", ErrInvalidArgument)
	}

	decision, err := s.oracle.CanMessage(ctx, initiator, recipient)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("%w: relationship oracle: %v", ErrDependencyDown, err)
	}
	if decision != RelationshipAllowed {
		return models.Conversation{}, ErrForbidden
	}

	if existing, ok, err := s.findExistingDirect(ctx, initiator, recipient); err != nil {
		return models.Conversation{}, err
	} else if ok {
		return existing, nil
	}

	var conv models.Conversation
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	defer tx.Rollback(ctx)

	convID := models.NewULID()
	now := timeNow()
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, kind, member_count, privacy_mode, admin_key_version, created_at, updated_at)
		VALUES ($1, $2, 2, $3, 0, $4, $4)
		RETURNING id, kind, member_count, privacy_mode, admin_key_version, created_at, updated_at
	`, convID, models.ConversationKindDirect, privacy, now).Scan(
		&conv.ID, &conv.Kind, &conv.MemberCount, &conv.PrivacyMode, &conv.AdminKeyVersion, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation: creating direct conversation: %w", err)
	}

	for _, member := range []string{initiator, recipient} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role, joined_at)
			VALUES ($1, $2, $3, $4)
		`, convID, member, models.MemberRoleMember, now); err != nil {
			return models.Conversation{}, fmt.Errorf("conversation: adding member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}

	s.invalidateMembership(ctx, convID.String(), initiator)
	s.invalidateMembership(ctx, convID.String(), recipient)
	return conv, nil
}

func (s *Service) findExistingDirect(ctx context.Context, userA, userB string) (models.Conversation, bool, error) {
	var conv models.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.kind, c.member_count, c.privacy_mode, c.admin_key_version, c.created_at, c.updated_at
		FROM conversations c
		WHERE c.kind = 'direct' AND c.deleted_at IS NULL
		  AND EXISTS (SELECT 1 FROM conversation_members m WHERE m.conversation_id = c.id AND m.user_id = $1)
		  AND EXISTS (SELECT 1 FROM conversation_members m WHERE m.conversation_id = c.id AND m.user_id = $2)
		LIMIT 1
	`, userA, userB).Scan(
		&conv.ID, &conv.Kind, &conv.MemberCount, &conv.PrivacyMode, &conv.AdminKeyVersion, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("conversation: looking up existing direct conversation: %w", err)
	}
	return conv, true, nil
}

// CreateGroupOptions configures a new group conversation.
type CreateGroupOptions struct {
	Name        string
	Description *string
	Privacy     models.PrivacyMode
}

// CreateGroup creates a group conversation with creator as its sole owner
// and members as regular members.
func (s *Service) CreateGroup(ctx context.Context, creator string, members []string, opts CreateGroupOptions) (models.Conversation, error) {
	if opts.Name == "" {
		return models.Conversation{}, fmt.Errorf("%w: group name is required", ErrInvalidArgument)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	defer tx.Rollback(ctx)

	convID := models.NewULID()
	now := timeNow()
	memberCount := int32(1 + len(members))

	var conv models.Conversation
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, kind, name, description, member_count, privacy_mode, admin_key_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		RETURNING id, kind, name, description, member_count, privacy_mode, admin_key_version, created_at, updated_at
	`, convID, models.ConversationKindGroup, opts.Name, opts.Description, memberCount, opts.Privacy, now).Scan(
		&conv.ID, &conv.Kind, &conv.Name, &conv.Description, &conv.MemberCount, &conv.PrivacyMode, &conv.AdminKeyVersion, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation: creating group: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)
	`, convID, creator, models.MemberRoleOwner, now); err != nil {
		return models.Conversation{}, fmt.Errorf("conversation: adding owner: %w", err)
	}
	for _, member := range members {
		if member == creator {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4)
		`, convID, member, models.MemberRoleMember, now); err != nil {
			return models.Conversation{}, fmt.Errorf("conversation: adding member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Conversation{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}

	s.invalidateMembership(ctx, convID.String(), creator)
	for _, member := range members {
		s.invalidateMembership(ctx, convID.String(), member)
	}
	return conv, nil
}

// Get returns a conversation by id, gated on requester membership.
func (s *Service) Get(ctx context.Context, conversationID, requester string) (models.Conversation, error) {
	if err := s.requireMember(ctx, conversationID, requester); err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, name, description, avatar_url, member_count, privacy_mode, admin_key_version, last_message_id, created_at, updated_at, deleted_at
		FROM conversations WHERE id = $1
	`, conversationID).Scan(
		&conv.ID, &conv.Kind, &conv.Name, &conv.Description, &conv.AvatarURL, &conv.MemberCount,
		&conv.PrivacyMode, &conv.AdminKeyVersion, &conv.LastMessageID, &conv.CreatedAt, &conv.UpdatedAt, &conv.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("conversation: fetching conversation: %w", err)
	}
	return conv, nil
}

// MarkRead updates the caller's last_read_at for conversationID to now.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) error {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE conversation_members SET last_read_at = $3 WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, timeNow())
	if err != nil {
		return fmt.Errorf("conversation: marking read: %w", err)
	}
	return nil
}

// checkGroupAdmin enforces spec.md §4.2.1's group admin action gate:
// deletion requires owner, and member removal requires owner or admin. The
// rule that the owner can never be removed is enforced in RemoveMember.
func (s *Service) checkGroupAdmin(ctx context.Context, conversationID, actor string, requireOwnerOnly bool) error {
	var role models.MemberRole
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, actor,
	).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("conversation: checking admin role: %w", err)
	}

	if requireOwnerOnly && role != models.MemberRoleOwner {
		return ErrForbidden
	}
	if !requireOwnerOnly && role != models.MemberRoleOwner && role != models.MemberRoleAdmin {
		return ErrForbidden
	}
	return nil
}

// DeleteGroup soft-deletes a group conversation. Only the owner may do this.
func (s *Service) DeleteGroup(ctx context.Context, conversationID, actor string) error {
	if err := s.checkGroupAdmin(ctx, conversationID, actor, true); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND kind = 'group' AND deleted_at IS NULL
	`, conversationID, timeNow())
	if err != nil {
		return fmt.Errorf("conversation: deleting group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.fed.InvalidateRoom(conversationID)
	return nil
}

// RemoveMember removes target from a group conversation. A member may
// always remove themselves (leave), bypassing the role gate; removing
// someone else requires actor to be owner or admin. The owner can never
// be removed, including by themselves.
func (s *Service) RemoveMember(ctx context.Context, conversationID, actor, target string) error {
	if actor != target {
		if err := s.checkGroupAdmin(ctx, conversationID, actor, false); err != nil {
			return err
		}
	}

	var targetRole models.MemberRole
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, target,
	).Scan(&targetRole)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("conversation: checking target role: %w", err)
	}
	if targetRole == models.MemberRoleOwner {
		return fmt.Errorf("%w: the owner cannot be removed", ErrConflict)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, target,
	); err != nil {
		return fmt.Errorf("conversation: removing member: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET member_count = member_count - 1, updated_at = $2 WHERE id = $1`,
		conversationID, timeNow(),
	); err != nil {
		return fmt.Errorf("conversation: updating member count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}

	s.invalidateMembership(ctx, conversationID, target)
	return nil
}

func timeNow() time.Time { return time.Now().UTC() }
