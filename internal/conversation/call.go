package conversation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/nova-core/novacore/internal/models"
)

// InitiateCall creates a call session in the ringing state with the
// initiator as its first participant (spec.md §4.2.6). If federation is
// configured, a call invite signaling event is also emitted
// (spec.md §4.2.7); failures there are logged only.
func (s *Service) InitiateCall(ctx context.Context, conversationID, initiatorID, initiatorSDP string, callType models.CallType, maxParticipants int32) (models.CallSession, error) {
	if err := s.requireMember(ctx, conversationID, initiatorID); err != nil {
		return models.CallSession{}, err
	}
	if maxParticipants < 2 {
		maxParticipants = 2
	}

	partyID := newPartyID()
	call := models.CallSession{
		ID:              models.NewULID(),
		ConversationID:  models.MustParseULID(conversationID),
		InitiatorID:     models.MustParseULID(initiatorID),
		Status:          models.CallStatusRinging,
		InitiatorSDP:    initiatorSDP,
		CallType:        callType,
		MaxParticipants: maxParticipants,
		CreatedAt:       timeNow(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.CallSession{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO call_sessions (id, conversation_id, initiator_id, status, initiator_sdp, call_type, max_participants, matrix_party_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, call.ID, conversationID, initiatorID, call.Status, call.InitiatorSDP, call.CallType, call.MaxParticipants, partyID, call.CreatedAt); err != nil {
		return models.CallSession{}, fmt.Errorf("conversation: creating call session: %w", err)
	}

	participantID := models.NewULID()
	hasVideo := callType == models.CallTypeVideo
	if _, err := tx.Exec(ctx, `
		INSERT INTO call_participants (id, call_id, user_id, connection_state, has_audio, has_video, matrix_party_id, joined_at)
		VALUES ($1, $2, $3, $4, true, $5, $6, $7)
	`, participantID, call.ID, initiatorID, models.ConnectionStateNew, hasVideo, partyID, call.CreatedAt); err != nil {
		return models.CallSession{}, fmt.Errorf("conversation: adding initiator participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.CallSession{}, fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}

	s.signalCallInvite(ctx, conversationID, &call, partyID)
	return call, nil
}

func (s *Service) signalCallInvite(ctx context.Context, conversationID string, call *models.CallSession, partyID string) {
	members, err := s.memberIDs(ctx, conversationID)
	if err != nil {
		s.logger.Warn("call signaling: resolving members failed", slog.String("error", err.Error()))
		return
	}
	roomID, err := s.fed.ResolveRoom(ctx, conversationID, members)
	if err != nil {
		return
	}
	sent, err := s.fed.CallInvite(ctx, roomID, call.ID.String(), partyID, call.InitiatorSDP)
	if err != nil {
		s.logger.Warn("call signaling: invite failed", slog.String("error", err.Error()))
		return
	}
	if _, err := s.pool.Exec(ctx, `UPDATE call_sessions SET matrix_invite_event_id = $2 WHERE id = $1`, call.ID, sent.EventID); err != nil {
		s.logger.Warn("call signaling: recording invite event id failed", slog.String("error", err.Error()))
		return
	}
	call.MatrixInviteEventID = &sent.EventID
}

// AnswerCall transitions a ringing call to connected, recording the
// answerer's SDP. Concurrent answers are serialized by the UPDATE ...
// WHERE status = 'ringing': only the first commits the transition, and the
// rest degrade to an ordinary JoinCall (spec.md §4.2.6).
func (s *Service) AnswerCall(ctx context.Context, callID, answererID, answerSDP string) (models.CallSession, error) {
	call, err := s.getCall(ctx, callID)
	if err != nil {
		return models.CallSession{}, err
	}
	if err := s.requireMember(ctx, call.ConversationID.String(), answererID); err != nil {
		return models.CallSession{}, err
	}

	now := timeNow()
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions SET status = 'connected', started_at = $2 WHERE id = $1 AND status = 'ringing'
	`, callID, now)
	if err != nil {
		return models.CallSession{}, fmt.Errorf("conversation: transitioning call to connected: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Already connected (or ended/failed): this caller joins instead.
		current, err := s.getCall(ctx, callID)
		if err != nil {
			return models.CallSession{}, err
		}
		if current.Status != models.CallStatusConnected {
			return models.CallSession{}, fmt.Errorf("%w: call is %s, not ringing", ErrConflict, current.Status)
		}
		return s.JoinCall(ctx, callID, answererID, answerSDP)
	}

	partyID := newPartyID()
	participantID := models.NewULID()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO call_participants (id, call_id, user_id, answer_sdp, connection_state, has_audio, has_video, matrix_party_id, joined_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7, $8)
	`, participantID, callID, answererID, answerSDP, models.ConnectionStateNew, call.CallType == models.CallTypeVideo, partyID, now); err != nil {
		return models.CallSession{}, fmt.Errorf("conversation: adding answerer participant: %w", err)
	}

	call.Status = models.CallStatusConnected
	call.StartedAt = &now
	s.signalCallAnswer(ctx, call, participantID.String(), partyID, answerSDP)
	return call, nil
}

func (s *Service) signalCallAnswer(ctx context.Context, call models.CallSession, participantID, partyID, answerSDP string) {
	roomID, err := s.fed.ResolveRoom(ctx, call.ConversationID.String(), nil)
	if err != nil {
		return
	}
	sent, err := s.fed.CallAnswer(ctx, roomID, call.ID.String(), partyID, answerSDP)
	if err != nil {
		s.logger.Warn("call signaling: answer failed", slog.String("error", err.Error()))
		return
	}
	if _, err := s.pool.Exec(ctx, `UPDATE call_participants SET matrix_answer_event_id = $2 WHERE id = $1`, participantID, sent.EventID); err != nil {
		s.logger.Warn("call signaling: recording answer event id failed", slog.String("error", err.Error()))
	}
}

// JoinCall adds a new participant to an already-connected group call,
// enforcing max_participants, and returns the call session. It does not
// return the other participants' SDPs; PriorParticipantSDPs lists those.
func (s *Service) JoinCall(ctx context.Context, callID, userID, answerSDP string) (models.CallSession, error) {
	call, err := s.getCall(ctx, callID)
	if err != nil {
		return models.CallSession{}, err
	}
	if call.Status != models.CallStatusConnected {
		return models.CallSession{}, fmt.Errorf("%w: call is %s, not connected", ErrConflict, call.Status)
	}
	if err := s.requireMember(ctx, call.ConversationID.String(), userID); err != nil {
		return models.CallSession{}, err
	}

	var active int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM call_participants WHERE call_id = $1 AND left_at IS NULL`, callID).Scan(&active); err != nil {
		return models.CallSession{}, fmt.Errorf("conversation: counting active participants: %w", err)
	}
	if int32(active) >= call.MaxParticipants {
		return models.CallSession{}, fmt.Errorf("%w: call has reached max_participants", ErrConflict)
	}

	partyID := newPartyID()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO call_participants (id, call_id, user_id, answer_sdp, connection_state, has_audio, has_video, matrix_party_id, joined_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7, $8)
		ON CONFLICT (call_id, user_id) DO UPDATE SET answer_sdp = EXCLUDED.answer_sdp, left_at = NULL
	`, models.NewULID(), callID, userID, answerSDP, models.ConnectionStateNew, call.CallType == models.CallTypeVideo, partyID, timeNow()); err != nil {
		return models.CallSession{}, fmt.Errorf("conversation: joining call: %w", err)
	}
	return call, nil
}

// PriorParticipantSDPs returns the answer/initiator SDPs of all currently
// active participants other than excludeUserID, for mesh setup on join.
func (s *Service) PriorParticipantSDPs(ctx context.Context, callID, excludeUserID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.user_id, COALESCE(p.answer_sdp, CASE WHEN p.user_id = s.initiator_id THEN s.initiator_sdp END, '')
		FROM call_participants p JOIN call_sessions s ON s.id = p.call_id
		WHERE p.call_id = $1 AND p.user_id != $2 AND p.left_at IS NULL
	`, callID, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("conversation: listing prior participants: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var user, sdp string
		if err := rows.Scan(&user, &sdp); err != nil {
			return nil, fmt.Errorf("conversation: scanning participant: %w", err)
		}
		out[user] = sdp
	}
	return out, rows.Err()
}

// LeaveCall marks a participant's left_at. The caller decides separately
// whether to terminate the session once the active count reaches zero.
func (s *Service) LeaveCall(ctx context.Context, callID, userID string) (activeRemaining int, err error) {
	now := timeNow()
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_participants SET left_at = $3, connection_state = 'closed'
		WHERE call_id = $1 AND user_id = $2 AND left_at IS NULL
	`, callID, userID, now)
	if err != nil {
		return 0, fmt.Errorf("conversation: leaving call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM call_participants WHERE call_id = $1 AND left_at IS NULL`, callID).Scan(&activeRemaining); err != nil {
		return 0, fmt.Errorf("conversation: counting remaining participants: %w", err)
	}
	return activeRemaining, nil
}

// EndCall marks every active participant as left and closes the session,
// computing duration_ms when started_at was set (spec.md §4.2.6), and
// best-effort emits a hangup signal (spec.md §4.2.7).
func (s *Service) EndCall(ctx context.Context, callID, actorID string) error {
	call, err := s.getCall(ctx, callID)
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, call.ConversationID.String(), actorID); err != nil {
		return err
	}

	now := timeNow()
	var durationMS *int32
	if call.StartedAt != nil {
		d := int32(now.Sub(*call.StartedAt).Milliseconds())
		durationMS = &d
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE call_participants SET left_at = $2, connection_state = 'closed' WHERE call_id = $1 AND left_at IS NULL
	`, callID, now); err != nil {
		return fmt.Errorf("conversation: closing participants: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE call_sessions SET status = 'ended', ended_at = $2, duration_ms = $3 WHERE id = $1
	`, callID, now, durationMS); err != nil {
		return fmt.Errorf("conversation: ending call: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyDown, err)
	}

	s.signalCallHangup(ctx, call, actorID, "ended")
	return nil
}

// RejectCall transitions a ringing call directly to failed (spec.md
// §4.2.6) and best-effort emits a hangup signal.
func (s *Service) RejectCall(ctx context.Context, callID, actorID string) error {
	call, err := s.getCall(ctx, callID)
	if err != nil {
		return err
	}
	if err := s.requireMember(ctx, call.ConversationID.String(), actorID); err != nil {
		return err
	}

	now := timeNow()
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions SET status = 'failed', ended_at = $2 WHERE id = $1 AND status = 'ringing'
	`, callID, now)
	if err != nil {
		return fmt.Errorf("conversation: rejecting call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: call is %s, not ringing", ErrConflict, call.Status)
	}

	s.signalCallHangup(ctx, call, actorID, "reject")
	return nil
}

func (s *Service) signalCallHangup(ctx context.Context, call models.CallSession, actorID, reason string) {
	roomID, err := s.fed.ResolveRoom(ctx, call.ConversationID.String(), nil)
	if err != nil {
		return
	}
	var partyID string
	if err := s.pool.QueryRow(ctx, `SELECT matrix_party_id FROM call_participants WHERE call_id = $1 AND user_id = $2`, call.ID, actorID).Scan(&partyID); err != nil {
		return
	}
	if _, err := s.fed.CallHangup(ctx, roomID, call.ID.String(), partyID, reason); err != nil {
		s.logger.Warn("call signaling: hangup failed", slog.String("error", err.Error()))
	}
}

func (s *Service) getCall(ctx context.Context, callID string) (models.CallSession, error) {
	var call models.CallSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, initiator_id, status, initiator_sdp, call_type, max_participants,
		       matrix_invite_event_id, matrix_party_id, created_at, started_at, ended_at, duration_ms, deleted_at
		FROM call_sessions WHERE id = $1
	`, callID).Scan(
		&call.ID, &call.ConversationID, &call.InitiatorID, &call.Status, &call.InitiatorSDP, &call.CallType,
		&call.MaxParticipants, &call.MatrixInviteEventID, &call.MatrixPartyID, &call.CreatedAt, &call.StartedAt,
		&call.EndedAt, &call.DurationMS, &call.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CallSession{}, ErrNotFound
	}
	if err != nil {
		return models.CallSession{}, fmt.Errorf("conversation: fetching call session: %w", err)
	}
	return call, nil
}

func newPartyID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
