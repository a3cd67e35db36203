// Package session issues and resumes opaque reconnect tokens. Only a one-way
// hash is ever persisted; the plaintext exists once, on the wire back to the
// client, and every successful resume rotates it.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"devstr/go-backend/internal/storage"
)

var ErrInvalidToken = errors.New("session: reconnect token is invalid")

// 256 bits of entropy per token.
const tokenSize = 32

// Repository is the slice of persistence the token store needs.
type Repository interface {
	InsertReconnectToken(ctx context.Context, rec *storage.ReconnectTokenRecord) error
	FindReconnectToken(ctx context.Context, tokenHash string) (*storage.ReconnectTokenRecord, error)
	RotateReconnectToken(ctx context.Context, oldHash string, next *storage.ReconnectTokenRecord) error
	FindIdentityByID(ctx context.Context, id uuid.UUID) (*storage.IdentityRecord, error)
}

type Store struct {
	repo Repository
	now  func() time.Time
}

func NewStore(repo Repository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// Issue mints a fresh token for an identity and returns the plaintext. The
// caller must hand it to the client immediately; it is not recoverable.
func (s *Store) Issue(ctx context.Context, identityID uuid.UUID) (string, error) {
	plaintext, tokenHash, err := newToken()
	if err != nil {
		return "", err
	}
	rec := &storage.ReconnectTokenRecord{
		TokenHash:  tokenHash,
		IdentityID: identityID,
		IssuedAt:   s.now(),
	}
	if err := s.repo.InsertReconnectToken(ctx, rec); err != nil {
		return "", fmt.Errorf("session: persisting token hash: %w", err)
	}
	return plaintext, nil
}

// Resume exchanges a presented token for its identity plus a freshly rotated
// token. The rotation is persisted before success is returned; a crash in
// between leaves the old token dead and the client re-authenticating, which
// is the accepted failure mode.
func (s *Store) Resume(ctx context.Context, token string) (*storage.IdentityRecord, string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, "", ErrInvalidToken
	}
	presented := hashToken(token)
	rec, err := s.repo.FindReconnectToken(ctx, presented)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", ErrInvalidToken
		}
		return nil, "", err
	}
	// Lookup is by indexed hash; this comparison is belt-and-braces and must
	// stay constant-time since it touches attacker-supplied material.
	if subtle.ConstantTimeCompare([]byte(rec.TokenHash), []byte(presented)) != 1 {
		return nil, "", ErrInvalidToken
	}

	nextPlain, nextHash, err := newToken()
	if err != nil {
		return nil, "", err
	}
	next := &storage.ReconnectTokenRecord{
		TokenHash:  nextHash,
		IdentityID: rec.IdentityID,
		IssuedAt:   s.now(),
	}
	if err := s.repo.RotateReconnectToken(ctx, presented, next); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost the race against a concurrent resume of the same token.
			return nil, "", ErrInvalidToken
		}
		return nil, "", fmt.Errorf("session: rotating token: %w", err)
	}

	ident, err := s.repo.FindIdentityByID(ctx, rec.IdentityID)
	if err != nil {
		return nil, "", err
	}
	return ident, nextPlain, nil
}

func newToken() (plaintext, tokenHash string, err error) {
	raw := make([]byte, tokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = base58.Encode(raw)
	return plaintext, hashToken(plaintext), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
