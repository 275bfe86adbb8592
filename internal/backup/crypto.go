package backup

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Encrypted layout: magic(8) | salt(16) | nonce(12) | ciphertext+tag.
// The legacy layout is magic(8) | salt(16) | plaintext XOR key, decrypt only.
const (
	magicLen         = 8
	saltLen          = 16
	nonceLen         = 12
	keyLen           = 32
	pbkdf2Iterations = 100_000
)

var (
	magicGCM    = []byte("CVBAK002")
	magicLegacy = []byte("CVBAK001")
)

// IsEncrypted reports whether data starts with a known encryption magic.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, magicGCM) || bytes.HasPrefix(data, magicLegacy)
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from password.
func Encrypt(ctx context.Context, plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	key, err := deriveKey(ctx, password, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, magicLen+saltLen+nonceLen+len(plaintext)+gcm.Overhead())
	out = append(out, magicGCM...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt, or by the legacy XOR format.
// A wrong password and a modified ciphertext both yield ErrDecryptionFailed.
func Decrypt(ctx context.Context, data []byte, password string) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, magicGCM):
		return decryptGCM(ctx, data[magicLen:], password)
	case bytes.HasPrefix(data, magicLegacy):
		return decryptLegacy(ctx, data[magicLen:], password)
	default:
		return nil, fmt.Errorf("%w: unknown encryption header", ErrInvalidBackup)
	}
}

func decryptGCM(ctx context.Context, body []byte, password string) ([]byte, error) {
	if len(body) < saltLen+nonceLen {
		return nil, ErrDecryptionFailed
	}
	salt, nonce, ct := body[:saltLen], body[saltLen:saltLen+nonceLen], body[saltLen+nonceLen:]
	key, err := deriveKey(ctx, password, salt)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// decryptLegacy has no authentication tag, so a wrong password is detected by
// the result not being JSON.
func decryptLegacy(ctx context.Context, body []byte, password string) ([]byte, error) {
	if len(body) < saltLen {
		return nil, ErrDecryptionFailed
	}
	salt, ct := body[:saltLen], body[saltLen:]
	key, err := deriveKey(ctx, password, salt)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ct))
	for i, b := range ct {
		plain[i] = b ^ key[i%keyLen]
	}
	if !json.Valid(plain) {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}

// deriveKey runs PBKDF2 off the calling goroutine so a cancelled ctx returns
// immediately. The derivation itself runs to completion in the background.
func deriveKey(ctx context.Context, password string, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan []byte, 1)
	go func() {
		done <- pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLen, sha256.New)
	}()
	select {
	case key := <-done:
		return key, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}
