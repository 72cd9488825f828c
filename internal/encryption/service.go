package encryption

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nova-core/novacore/internal/models"
)

// Service resolves and persists conversation-scoped AEAD keys and wraps
// Encrypt/Decrypt with that key resolution, so callers in package
// conversation never handle raw key material directly.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a key-resolving encryption service.
func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{pool: pool, logger: logger}
}

// EnsureKey returns the active key for conversationID, generating and
// persisting a fresh one on first use. The returned version is the
// conversation_keys.key_version of the stored key (1 for a new key).
func (s *Service) EnsureKey(ctx context.Context, conversationID models.ULID) ([]byte, int32, error) {
	var key []byte
	var version int32
	err := s.pool.QueryRow(ctx, `
SELECT key_material, key_version FROM conversation_keys WHERE conversation_id = $1
`, conversationID).Scan(&key, &version)
	if err == nil {
		return key, version, nil
	}
	if err != pgx.ErrNoRows {
		return nil, 0, fmt.Errorf("loading conversation key: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, 0, fmt.Errorf("generating conversation key: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO conversation_keys (conversation_id, key_version, key_material, created_at)
VALUES ($1, 1, $2, now())
ON CONFLICT (conversation_id) DO NOTHING
`, conversationID, key)
	if err != nil {
		return nil, 0, fmt.Errorf("persisting conversation key: %w", err)
	}

	// Another request may have raced us and inserted first; re-read to
	// converge on whichever key actually landed.
	if err := s.pool.QueryRow(ctx, `
SELECT key_material, key_version FROM conversation_keys WHERE conversation_id = $1
`, conversationID).Scan(&key, &version); err != nil {
		return nil, 0, fmt.Errorf("reloading conversation key: %w", err)
	}

	return key, version, nil
}

// Seal encrypts plaintext for conversationID under its current key,
// creating the key on first use.
func (s *Service) Seal(ctx context.Context, conversationID models.ULID, plaintext []byte) (Sealed, int32, error) {
	key, version, err := s.EnsureKey(ctx, conversationID)
	if err != nil {
		return Sealed{}, 0, err
	}
	sealed, err := Encrypt(key, plaintext)
	if err != nil {
		return Sealed{}, 0, err
	}
	return sealed, version, nil
}

// Open decrypts ciphertext for conversationID using its current key. It
// does not support historical key versions: rotation is not implemented,
// so version is accepted for forward compatibility and validated against
// the stored version.
func (s *Service) Open(ctx context.Context, conversationID models.ULID, ciphertext, nonce []byte, version int32) ([]byte, error) {
	key, storedVersion, err := s.EnsureKey(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if version != storedVersion {
		return nil, fmt.Errorf("message encrypted with key version %d, conversation now on %d", version, storedVersion)
	}
	return Decrypt(key, ciphertext, nonce)
}
