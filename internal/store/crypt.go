package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. Changing any of these invalidates every stored
// secret, so they are fixed for the v1 format.
const (
	kdfSalt       = "unifi-log-insight-v1"
	kdfIterations = 100_000
	kdfKeyLen     = 32
)

func deriveKey(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, kdfKeyLen, sha256.New)
}

// EncryptSecret encrypts plaintext with a key derived from passphrase
// (PBKDF2-HMAC-SHA256, then AES-256-GCM). The result is URL-safe base64 of
// nonce || ciphertext.
func EncryptSecret(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("database password required for encryption")
	}
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret. Any failure (wrong passphrase,
// corrupt input) returns an error; callers generally degrade to "".
func DecryptSecret(encrypted, passphrase string) (string, error) {
	if passphrase == "" || encrypted == "" {
		return "", errors.New("nothing to decrypt")
	}
	raw, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}
	block, err := aes.NewCipher(deriveKey(passphrase))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("secret too short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting secret: %w", err)
	}
	return string(plain), nil
}

// EncryptAPIKey encrypts a controller or threat-feed API key for storage in
// system_config, keyed on the database password.
func (s *Store) EncryptAPIKey(apiKey string) (string, error) {
	return EncryptSecret(apiKey, s.db.Password)
}

// DecryptAPIKey decrypts a stored API key. Returns "" when decryption fails,
// which happens when the database password has changed since encryption.
func (s *Store) DecryptAPIKey(encrypted string) string {
	plain, err := DecryptSecret(encrypted, s.db.Password)
	if err != nil {
		s.log.Warn("failed to decrypt stored API key (database password may have changed)", "error", err)
		return ""
	}
	return plain
}
