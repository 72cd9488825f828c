package conversation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/nova-core/novacore/internal/federation"
	"github.com/nova-core/novacore/internal/models"
)

// SendRequest is the input to Send (spec.md §4.2.2, §6.2 send_message).
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	MessageType    models.MessageType
	DurationMS     *int32
	AudioCodec     *string
	IdempotencyKey *string
}

// Send persists a message, allocating its sequence number atomically
// against the conversation's counter, choosing the plaintext or encrypted
// content form per the conversation's privacy mode, and then best-effort
// dual-writing to the federated protocol (spec.md §4.2.2-4.2.3).
func (s *Service) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	if err := s.requireMember(ctx, req.ConversationID, req.SenderID); err != nil {
		return models.Message{}, err
	}
	if req.Content == "" {
		return models.Message{}, fmt.Errorf("%w: content is required", ErrInvalidArgument)
	}

	if req.IdempotencyKey != nil {
		if existing, ok, err := s.findByIdempotencyKey(ctx, req.ConversationID, req.SenderID, *req.IdempotencyKey); err != nil {
			return models.Message{}, err
		} else if ok {
			return existing, nil
		}
	}

	privacy, err := s.conversationPrivacy(ctx, req.ConversationID)
	if err != nil {
		return models.Message{}, err
	}

	var plaintext string
	var ciphertext, nonce []byte
	var encVersion int32
	if privacy == models.PrivacyModeStrictE2E {
		sealed, version, err := s.crypto.Seal(ctx, models.MustParseULID(req.ConversationID), []byte(req.Content))
		if err != nil {
			return models.Message{}, fmt.Errorf("conversation: encrypting message: %w", err)
		}
		ciphertext, nonce, encVersion = sealed.Ciphertext, sealed.Nonce, version
	} else {
		plaintext = req.Content
	}

	if req.MessageType == "" {
		req.MessageType = models.MessageTypeText
	}

	msg := models.Message{
		ID:                models.NewULID(),
		ConversationID:    models.MustParseULID(req.ConversationID),
		SenderID:          models.MustParseULID(req.SenderID),
		Content:           plaintext,
		ContentEncrypted:  ciphertext,
		ContentNonce:      nonce,
		EncryptionVersion: encVersion,
		MessageType:       req.MessageType,
		DurationMS:        req.DurationMS,
		AudioCodec:        req.AudioCodec,
		IdempotencyKey:    req.IdempotencyKey,
		VersionNumber:     1,
		CreatedAt:         timeNow(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		WITH next AS (
			INSERT INTO conversation_counters (conversation_id, last_seq)
			VALUES ($1, 1)
			ON CONFLICT (conversation_id) DO UPDATE SET last_seq = conversation_counters.last_seq + 1
			RETURNING last_seq
		)
		INSERT INTO messages (
			id, conversation_id, sender_id, sequence_number, content, content_encrypted, content_nonce,
			encryption_version, message_type, duration_ms, audio_codec, idempotency_key, version_number, created_at
		)
		SELECT $2, $1, $3, next.last_seq, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12 FROM next
		RETURNING sequence_number
	`, req.ConversationID, msg.ID, req.SenderID, msg.Content, nullBytes(ciphertext), nullBytes(nonce),
		encVersion, msg.MessageType, msg.DurationMS, msg.AudioCodec, msg.IdempotencyKey, msg.CreatedAt,
	).Scan(&msg.SequenceNumber)
	if err != nil {
		return models.Message{}, fmt.Errorf("conversation: inserting message: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
		req.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		return models.Message{}, fmt.Errorf("conversation: updating conversation head: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}

	s.dualWriteSend(ctx, req.ConversationID, &msg)
	return msg, nil
}

// dualWriteSend forwards a persisted message to the federated protocol and
// records the returned external event id. Failure is logged only; the DB
// row remains authoritative (spec.md §4.2.3, §7).
func (s *Service) dualWriteSend(ctx context.Context, conversationID string, msg *models.Message) {
	members, err := s.memberIDs(ctx, conversationID)
	if err != nil {
		s.logger.Warn("federation dual-write: resolving members failed", slog.String("error", err.Error()))
		return
	}

	roomID, err := s.fed.ResolveRoom(ctx, conversationID, members)
	if err != nil {
		if !errors.Is(err, federation.ErrDisabled) {
			s.logger.Warn("federation dual-write: resolving room failed", slog.String("error", err.Error()))
		}
		return
	}

	body := msg.Content
	if body == "" {
		body = "[encrypted message]"
	}
	sent, err := s.fed.SendText(ctx, roomID, msg.ID.String(), body)
	if err != nil {
		s.logger.Warn("federation dual-write: send failed", slog.String("error", err.Error()))
		return
	}

	if _, err := s.pool.Exec(ctx, `UPDATE messages SET matrix_event_id = $2 WHERE id = $1`, msg.ID, sent.EventID); err != nil {
		s.logger.Warn("federation dual-write: recording external event id failed", slog.String("error", err.Error()))
		return
	}
	msg.MatrixEventID = &sent.EventID
}

func (s *Service) memberIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: listing members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("conversation: scanning member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Service) conversationPrivacy(ctx context.Context, conversationID string) (models.PrivacyMode, error) {
	var mode models.PrivacyMode
	err := s.pool.QueryRow(ctx, `SELECT privacy_mode FROM conversations WHERE id = $1 AND deleted_at IS NULL`, conversationID).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("conversation: fetching privacy mode: %w", err)
	}
	return mode, nil
}

// findByIdempotencyKey scopes the key to (conversation_id, sender_id,
// idempotency_key), matching message_service.rs's per-sender scoping
// rather than a bare (conversation_id, idempotency_key) pair: two
// different senders may reuse the same client-generated key without
// colliding.
func (s *Service) findByIdempotencyKey(ctx context.Context, conversationID, senderID, key string) (models.Message, bool, error) {
	msg, err := s.scanMessageRow(s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, sender_id, sequence_number, content, content_encrypted, content_nonce,
		       encryption_version, message_type, duration_ms, audio_codec, idempotency_key, version_number,
		       matrix_event_id, created_at, updated_at, edited_at, recalled_at, deleted_at
		FROM messages WHERE conversation_id = $1 AND sender_id = $2 AND idempotency_key = $3
	`, conversationID, senderID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, fmt.Errorf("conversation: checking idempotency key: %w", err)
	}
	return msg, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Service) scanMessageRow(row rowScanner) (models.Message, error) {
	var m models.Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.SequenceNumber, &m.Content, &m.ContentEncrypted, &m.ContentNonce,
		&m.EncryptionVersion, &m.MessageType, &m.DurationMS, &m.AudioCodec, &m.IdempotencyKey, &m.VersionNumber,
		&m.MatrixEventID, &m.CreatedAt, &m.UpdatedAt, &m.EditedAt, &m.RecalledAt, &m.DeletedAt,
	)
	return m, err
}

// EditMessage updates a message's content in place, incrementing
// version_number, and best-effort dual-writes the edit to the federated
// protocol if the original message had an external event id.
func (s *Service) EditMessage(ctx context.Context, messageID, editorID, newContent string) error {
	var conversationID, senderID string
	var privacy models.PrivacyMode
	var matrixEventID *string
	err := s.pool.QueryRow(ctx, `
		SELECT m.conversation_id, m.sender_id, c.privacy_mode, m.matrix_event_id
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $1 AND m.deleted_at IS NULL
	`, messageID).Scan(&conversationID, &senderID, &privacy, &matrixEventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("conversation: fetching message for edit: %w", err)
	}
	if senderID != editorID {
		return ErrForbidden
	}

	var content string
	var ciphertext, nonce []byte
	var encVersion int32
	if privacy == models.PrivacyModeStrictE2E {
		sealed, version, err := s.crypto.Seal(ctx, models.MustParseULID(conversationID), []byte(newContent))
		if err != nil {
			return fmt.Errorf("conversation: encrypting edit: %w", err)
		}
		ciphertext, nonce, encVersion = sealed.Ciphertext, sealed.Nonce, version
	} else {
		content = newContent
	}

	now := timeNow()
	_, err = s.pool.Exec(ctx, `
		UPDATE messages
		SET content = $2, content_encrypted = $3, content_nonce = $4, encryption_version = $5,
		    version_number = version_number + 1, edited_at = $6, updated_at = $6
		WHERE id = $1
	`, messageID, content, nullBytes(ciphertext), nullBytes(nonce), encVersion, now)
	if err != nil {
		return fmt.Errorf("conversation: applying edit: %w", err)
	}

	if matrixEventID != nil {
		roomID, rerr := s.fed.ResolveRoom(ctx, conversationID, nil)
		if rerr == nil {
			body := content
			if body == "" {
				body = "[encrypted message]"
			}
			if _, serr := s.fed.EditMessage(ctx, roomID, *matrixEventID, body); serr != nil {
				s.logger.Warn("federation dual-write: edit failed", slog.String("error", serr.Error()))
			}
		}
	}
	return nil
}

// DeleteMessage soft-deletes a message (sets deleted_at) and, if it was
// previously delivered externally, best-effort redacts it.
func (s *Service) DeleteMessage(ctx context.Context, messageID, actorID, reason string) error {
	var conversationID, senderID string
	var matrixEventID *string
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, sender_id, matrix_event_id FROM messages WHERE id = $1 AND deleted_at IS NULL
	`, messageID).Scan(&conversationID, &senderID, &matrixEventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("conversation: fetching message for delete: %w", err)
	}

	if senderID != actorID {
		if err := s.checkGroupAdmin(ctx, conversationID, actorID, false); err != nil {
			return err
		}
	}

	now := timeNow()
	if _, err := s.pool.Exec(ctx, `UPDATE messages SET deleted_at = $2, recalled_at = $2, updated_at = $2 WHERE id = $1`, messageID, now); err != nil {
		return fmt.Errorf("conversation: deleting message: %w", err)
	}

	if matrixEventID != nil {
		roomID, rerr := s.fed.ResolveRoom(ctx, conversationID, nil)
		if rerr == nil {
			if _, serr := s.fed.Redact(ctx, roomID, *matrixEventID, reason); serr != nil {
				s.logger.Warn("federation dual-write: redact failed", slog.String("error", serr.Error()))
			}
		}
	}
	return nil
}

// Page is a bounded list of hydrated messages.
type Page struct {
	Messages []models.MessageView
	HasMore  bool
}

// ListMessages returns a page of conversation history, ordered by
// created_at ascending, hydrated with reactions and attachments
// (spec.md §4.2.4).
func (s *Service) ListMessages(ctx context.Context, conversationID, requester string, limit, offset int, includeRecalled bool) (Page, error) {
	if err := s.requireMember(ctx, conversationID, requester); err != nil {
		return Page{}, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT id, conversation_id, sender_id, sequence_number, content, content_encrypted, content_nonce,
		       encryption_version, message_type, duration_ms, audio_codec, idempotency_key, version_number,
		       matrix_event_id, created_at, updated_at, edited_at, recalled_at, deleted_at
		FROM messages
		WHERE conversation_id = $1 AND deleted_at IS NULL`
	if !includeRecalled {
		query += ` AND recalled_at IS NULL`
	}
	query += ` ORDER BY created_at ASC LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, conversationID, limit+1, offset)
	if err != nil {
		return Page{}, fmt.Errorf("conversation: listing messages: %w", err)
	}
	defer rows.Close()

	var views []models.MessageView
	for rows.Next() {
		m, err := s.scanMessageRow(rows)
		if err != nil {
			return Page{}, fmt.Errorf("conversation: scanning message: %w", err)
		}
		views = append(views, s.hydrate(ctx, m, requester))
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("conversation: reading message rows: %w", err)
	}

	hasMore := len(views) > limit
	if hasMore {
		views = views[:limit]
	}
	return Page{Messages: views, HasMore: hasMore}, nil
}

// hydrate renders a message according to its conversation's privacy mode
// and attaches its reactions and attachments.
func (s *Service) hydrate(ctx context.Context, m models.Message, requester string) models.MessageView {
	view := models.MessageView{Message: m}
	if m.EncryptionVersion > 0 {
		view.EncryptedPayloadB64 = base64.StdEncoding.EncodeToString(m.ContentEncrypted)
		view.NonceB64 = base64.StdEncoding.EncodeToString(m.ContentNonce)
		view.Content = ""
	}

	reactions, err := s.reactionsFor(ctx, m.ID.String(), requester)
	if err != nil {
		s.logger.Warn("hydrating reactions failed", slog.String("error", err.Error()))
	}
	view.Reactions = reactions

	attachments, err := s.attachmentsFor(ctx, m.ID.String())
	if err != nil {
		s.logger.Warn("hydrating attachments failed", slog.String("error", err.Error()))
	}
	view.Attachments = attachments
	return view
}

func (s *Service) reactionsFor(ctx context.Context, messageID, requester string) ([]models.MessageReaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT emoji, count(*) AS cnt, bool_or(user_id = $2) AS reacted
		FROM message_reactions WHERE message_id = $1
		GROUP BY emoji
	`, messageID, requester)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	var out []models.MessageReaction
	for rows.Next() {
		var r models.MessageReaction
		if err := rows.Scan(&r.Emoji, &r.Count, &r.UserReacted); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) attachmentsFor(ctx context.Context, messageID string) ([]models.MessageAttachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, file_name, file_type, file_size, s3_key FROM message_attachments WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var out []models.MessageAttachment
	for rows.Next() {
		var a models.MessageAttachment
		if err := rows.Scan(&a.ID, &a.FileName, &a.FileType, &a.FileSize, &a.S3Key); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SortOrder selects the ordering for Search results.
type SortOrder string

const (
	SortRecent    SortOrder = "recent"
	SortOldest    SortOrder = "oldest"
	SortRelevance SortOrder = "relevance"
)

// Search performs full-text search over a search_enabled conversation's
// messages. strict_e2e conversations always return an empty page by
// contract (spec.md §4.2.5).
func (s *Service) Search(ctx context.Context, conversationID, requester, query string, sort SortOrder, limit, offset int) (Page, error) {
	if err := s.requireMember(ctx, conversationID, requester); err != nil {
		return Page{}, err
	}
	privacy, err := s.conversationPrivacy(ctx, conversationID)
	if err != nil {
		return Page{}, err
	}
	if privacy == models.PrivacyModeStrictE2E {
		return Page{}, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	orderBy := "created_at DESC"
	switch sort {
	case SortOldest:
		orderBy = "created_at ASC"
	case SortRelevance:
		orderBy = "ts_rank(search_vector, websearch_to_tsquery('english', $2)) DESC"
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, conversation_id, sender_id, sequence_number, content, content_encrypted, content_nonce,
		       encryption_version, message_type, duration_ms, audio_codec, idempotency_key, version_number,
		       matrix_event_id, created_at, updated_at, edited_at, recalled_at, deleted_at
		FROM messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
		  AND search_vector @@ websearch_to_tsquery('english', $2)
		ORDER BY %s
		LIMIT $3 OFFSET $4
	`, orderBy), conversationID, query, limit+1, offset)
	if err != nil {
		return Page{}, fmt.Errorf("conversation: searching messages: %w", err)
	}
	defer rows.Close()

	var views []models.MessageView
	for rows.Next() {
		m, err := s.scanMessageRow(rows)
		if err != nil {
			return Page{}, fmt.Errorf("conversation: scanning search result: %w", err)
		}
		views = append(views, s.hydrate(ctx, m, requester))
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("conversation: reading search rows: %w", err)
	}

	hasMore := len(views) > limit
	if hasMore {
		views = views[:limit]
	}
	return Page{Messages: views, HasMore: hasMore}, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
