// Package keystore encrypts platform-held signing secrets at rest under a
// 256-bit operator key. With no operator key configured the store runs in an
// explicit degraded plaintext mode and says so once, loudly.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrMissing           = errors.New("keystore: no secret material present")
	ErrRejectedPlaintext = errors.New("keystore: refusing bare plaintext secret while encryption is active")
	ErrInvalidPayload    = errors.New("keystore: ciphertext payload is invalid")
	ErrAuthFailed        = errors.New("keystore: ciphertext authentication failed")
)

// Store seals and opens signing secrets. The zero value is not usable; build
// one with New.
type Store struct {
	aead     cipher.AEAD
	logger   *slog.Logger
	warnOnce sync.Once
}

// New builds a Store. operatorKey must be exactly 32 raw bytes, or nil/empty
// to run without encryption.
func New(operatorKey []byte, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	if len(operatorKey) == 0 {
		return s, nil
	}
	if len(operatorKey) != chacha20poly1305.KeySize {
		return nil, ErrInvalidPayload
	}
	aead, err := chacha20poly1305.New(operatorKey)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

// Active reports whether encryption is configured.
func (s *Store) Active() bool {
	return s.aead != nil
}

// Seal encrypts a secret for storage. A fresh 96-bit nonce is drawn per call
// and prepended to the ciphertext; the result is base64. In degraded mode the
// input is returned unchanged after a one-time warning.
func (s *Store) Seal(secret string) (string, error) {
	if secret == "" {
		return "", ErrMissing
	}
	if s.aead == nil {
		s.warnDegraded()
		return secret, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(secret), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a previously sealed secret. While encryption is active a bare
// hex secret is rejected rather than silently accepted, so unencrypted legacy
// rows surface as an operator problem instead of a secret leak.
func (s *Store) Open(payload string) (string, error) {
	if payload == "" {
		return "", ErrMissing
	}
	if s.aead == nil {
		s.warnDegraded()
		return payload, nil
	}
	if looksLikeBareSecret(payload) {
		return "", ErrRejectedPlaintext
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidPayload
	}
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", ErrInvalidPayload
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrAuthFailed
	}
	secret := string(plaintext)
	zeroBytes(plaintext)
	return secret, nil
}

func (s *Store) warnDegraded() {
	s.warnOnce.Do(func() {
		s.logger.Warn("keystore operator key is not configured; secrets are stored in plaintext")
	})
}

func looksLikeBareSecret(payload string) bool {
	if len(payload) != 64 {
		return false
	}
	raw, err := hex.DecodeString(payload)
	return err == nil && len(raw) == 32
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
