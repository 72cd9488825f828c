// Package models defines the shared data types for novacore's three core
// subsystems: the outbox engine, the conversation core, and the feed
// ranking engine. Types carry JSON tags for transport encoding and match
// the PostgreSQL schema in internal/database/migrations exactly.
package models

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the derived lifecycle state of an OutboxEvent.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxEvent is the unit of transmission for the outbox engine. It is
// inserted in the same transaction as the business write it mirrors and
// is otherwise immutable except for its lifecycle fields.
type OutboxEvent struct {
	ID            ULID            `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   ULID            `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Partition     *int32          `json:"partition,omitempty"`
	Key           string          `json:"key,omitempty"`
	Priority      int32           `json:"priority"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	RetryCount    int32           `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
}

// Status derives the event's lifecycle state from its timestamps and
// retry counter; status is never stored as its own column.
func (e OutboxEvent) Status(maxRetries int32) OutboxStatus {
	switch {
	case e.PublishedAt != nil:
		return OutboxStatusPublished
	case e.LastError != nil || e.RetryCount > 0:
		return OutboxStatusFailed
	default:
		return OutboxStatusPending
	}
}

// ConversationKind distinguishes 1:1 from multi-party conversations.
type ConversationKind string

const (
	ConversationKindDirect ConversationKind = "direct"
	ConversationKindGroup  ConversationKind = "group"
)

// PrivacyMode governs whether message content is stored encrypted or
// plaintext-searchable.
type PrivacyMode string

const (
	PrivacyModeStrictE2E     PrivacyMode = "strict_e2e"
	PrivacyModeSearchEnabled PrivacyMode = "search_enabled"
)

// ParsePrivacyMode maps an arbitrary string to a PrivacyMode, defaulting
// to the safer strict_e2e when unrecognized.
func ParsePrivacyMode(s string) PrivacyMode {
	if PrivacyMode(s) == PrivacyModeSearchEnabled {
		return PrivacyModeSearchEnabled
	}
	return PrivacyModeStrictE2E
}

// MemberRole is a ConversationMember's permission level.
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

// Conversation is a direct or group chat. For kind=direct it has exactly
// two members for its lifetime; for kind=group exactly one member holds
// MemberRoleOwner.
type Conversation struct {
	ID              ULID             `json:"id"`
	Kind            ConversationKind `json:"kind"`
	Name            *string          `json:"name,omitempty"`
	Description     *string          `json:"description,omitempty"`
	AvatarURL       *string          `json:"avatar_url,omitempty"`
	MemberCount     int32            `json:"member_count"`
	PrivacyMode     PrivacyMode      `json:"privacy_mode"`
	AdminKeyVersion int32            `json:"admin_key_version"`
	LastMessageID   *ULID            `json:"last_message_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	DeletedAt       *time.Time       `json:"deleted_at,omitempty"`
}

// ConversationMember is a (conversation_id, user_id) membership row.
type ConversationMember struct {
	ConversationID ULID       `json:"conversation_id"`
	UserID         ULID       `json:"user_id"`
	Role           MemberRole `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	IsMuted        bool       `json:"is_muted"`
}

// MessageType distinguishes the payload kind a Message carries.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeAudio MessageType = "audio"
)

// Message is a single chat message, either plaintext (search_enabled
// conversations) or AEAD-encrypted (strict_e2e conversations). Exactly
// one content form is populated.
type Message struct {
	ID                ULID        `json:"id"`
	ConversationID    ULID        `json:"conversation_id"`
	SenderID          ULID        `json:"sender_id"`
	SequenceNumber    int64       `json:"sequence_number"`
	Content           string      `json:"content"`
	ContentEncrypted  []byte      `json:"content_encrypted,omitempty"`
	ContentNonce      []byte      `json:"content_nonce,omitempty"`
	EncryptionVersion int32       `json:"encryption_version"`
	MessageType       MessageType `json:"message_type"`
	DurationMS        *int32      `json:"duration_ms,omitempty"`
	AudioCodec        *string     `json:"audio_codec,omitempty"`
	IdempotencyKey    *string     `json:"idempotency_key,omitempty"`
	VersionNumber     int32       `json:"version_number"`
	MatrixEventID     *string     `json:"matrix_event_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         *time.Time  `json:"updated_at,omitempty"`
	EditedAt          *time.Time  `json:"edited_at,omitempty"`
	RecalledAt        *time.Time  `json:"recalled_at,omitempty"`
	DeletedAt         *time.Time  `json:"deleted_at,omitempty"`
}

// MessageReaction is an emoji reaction aggregated across all users who
// reacted, with a requester-scoped flag for whether they reacted too.
type MessageReaction struct {
	Emoji       string `json:"emoji"`
	Count       int64  `json:"count"`
	UserReacted bool   `json:"user_reacted"`
}

// MessageAttachment references an object stored out-of-band (S3-style);
// novacore never fetches the object itself, only its metadata.
type MessageAttachment struct {
	ID       ULID    `json:"id"`
	FileName string  `json:"file_name"`
	FileType *string `json:"file_type,omitempty"`
	FileSize int32   `json:"file_size"`
	S3Key    string  `json:"s3_key"`
}

// MessageView is the read-side projection returned by list_messages and
// search: a Message hydrated with its reactions and attachments, with
// content rendered according to the conversation's privacy mode.
type MessageView struct {
	Message
	EncryptedPayloadB64 string              `json:"encrypted_payload,omitempty"`
	NonceB64            string              `json:"nonce,omitempty"`
	Reactions           []MessageReaction   `json:"reactions"`
	Attachments         []MessageAttachment `json:"attachments"`
}

// CallStatus is the lifecycle state of a CallSession.
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusFailed    CallStatus = "failed"
)

// CallType distinguishes audio-only from audio+video calls.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// ConnectionState tracks a participant's WebRTC peer-connection state, as
// reported by the client for observability; novacore does not terminate
// media itself.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// CallSession is one audio/video call scoped to a conversation.
type CallSession struct {
	ID                  ULID       `json:"id"`
	ConversationID      ULID       `json:"conversation_id"`
	InitiatorID         ULID       `json:"initiator_id"`
	Status              CallStatus `json:"status"`
	InitiatorSDP        string     `json:"initiator_sdp"`
	CallType            CallType   `json:"call_type"`
	MaxParticipants     int32      `json:"max_participants"`
	MatrixInviteEventID *string    `json:"matrix_invite_event_id,omitempty"`
	MatrixPartyID       *string    `json:"matrix_party_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	EndedAt             *time.Time `json:"ended_at,omitempty"`
	DurationMS          *int32     `json:"duration_ms,omitempty"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

// CallParticipant is one user's membership in a CallSession.
type CallParticipant struct {
	ID                  ULID            `json:"id"`
	CallID              ULID            `json:"call_id"`
	UserID              ULID            `json:"user_id"`
	AnswerSDP           *string         `json:"answer_sdp,omitempty"`
	ConnectionState     ConnectionState `json:"connection_state"`
	HasAudio            bool            `json:"has_audio"`
	HasVideo            bool            `json:"has_video"`
	MatrixAnswerEventID *string         `json:"matrix_answer_event_id,omitempty"`
	MatrixPartyID       *string         `json:"matrix_party_id,omitempty"`
	JoinedAt            time.Time       `json:"joined_at"`
	LeftAt              *time.Time      `json:"left_at,omitempty"`
	LastICECandidateAt  *time.Time      `json:"last_ice_candidate_at,omitempty"`
}

// FeedOrigin tags which candidate stream a FeedCandidate was sourced from.
type FeedOrigin string

const (
	FeedOriginFollow   FeedOrigin = "follow"
	FeedOriginTrending FeedOrigin = "trending"
	FeedOriginAffinity FeedOrigin = "affinity"
)

// FeedCandidate is one scored post pulled from the columnar analytics
// store, before dedup and saturation control are applied.
type FeedCandidate struct {
	PostID           ULID       `json:"post_id"`
	AuthorID         ULID       `json:"author_id"`
	Likes            int64      `json:"likes"`
	Comments         int64      `json:"comments"`
	Shares           int64      `json:"shares"`
	Impressions      int64      `json:"impressions"`
	AffinityLikes    int64      `json:"affinity_likes"`
	AffinityComments int64      `json:"affinity_comments"`
	AffinityViews    int64      `json:"affinity_views"`
	FreshnessScore   float64    `json:"freshness_score"`
	EngagementScore  float64    `json:"engagement_score"`
	AffinityScore    float64    `json:"affinity_score"`
	CombinedScore    float64    `json:"combined_score"`
	CreatedAt        time.Time  `json:"created_at"`
	Origin           FeedOrigin `json:"origin"`
}

// FeedCacheEntry is the per-user cached ranked feed.
type FeedCacheEntry struct {
	UserID      ULID      `json:"user_id"`
	PostIDs     []ULID    `json:"post_ids"`
	GeneratedAt time.Time `json:"generated_at"`
}

// RelationshipStatus is one row's state in user_relationships: one
// directional edge per ordered (user_id, target_id) pair.
type RelationshipStatus string

const (
	RelationshipFollowing RelationshipStatus = "following"
	RelationshipBlocked   RelationshipStatus = "blocked"
)

// UserRelationship represents a follow or block edge from UserID to
// TargetID. Corresponds to the user_relationships table, the social graph
// the conversation core's relationship oracle consults before allowing a
// direct-conversation create (spec.md §4.1.2 step 2, §6.1).
type UserRelationship struct {
	UserID    ULID               `json:"user_id"`
	TargetID  ULID               `json:"target_id"`
	Status    RelationshipStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}
