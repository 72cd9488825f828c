package encryption

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	return key
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("hello from a strict_e2e conversation")

	sealed, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(sealed.Ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	got, err := Decrypt(key, sealed.Ciphertext, sealed.Nonce)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}
}

func TestEncrypt_NoncesAreUnique(t *testing.T) {
	key := testKey(t)
	a, err := Encrypt(key, []byte("message one"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt(key, []byte("message one"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("two encryptions of the same plaintext produced the same nonce")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("two encryptions with distinct nonces produced identical ciphertext")
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	key := testKey(t)
	wrongKey := testKey(t)

	sealed, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(wrongKey, sealed.Ciphertext, sealed.Nonce); err == nil {
		t.Error("Decrypt with wrong key should fail")
	}
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	key := testKey(t)
	sealed, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := append([]byte{}, sealed.Ciphertext...)
	tampered[0] ^= 0xFF

	if _, err := Decrypt(key, tampered, sealed.Nonce); err == nil {
		t.Error("Decrypt of tampered ciphertext should fail")
	}
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	key := testKey(t)
	sealed, err := Encrypt(key, []byte(""))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(key, sealed.Ciphertext, sealed.Nonce)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty plaintext, got %q", got)
	}
}
