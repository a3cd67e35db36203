package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := New(testKey(t), nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	secret := strings.Repeat("5f", 32)
	sealed, err := s.Seal(secret)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if sealed == secret {
		t.Fatal("sealed payload should not equal the secret")
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got != secret {
		t.Fatal("round trip mismatch")
	}
}

func TestSealUsesFreshNonces(t *testing.T) {
	s, err := New(testKey(t), nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	secret := strings.Repeat("ab", 32)
	a, err := s.Seal(secret)
	if err != nil {
		t.Fatalf("seal 1 failed: %v", err)
	}
	b, err := s.Seal(secret)
	if err != nil {
		t.Fatalf("seal 2 failed: %v", err)
	}
	if a == b {
		t.Fatal("two seals of the same secret must differ")
	}
}

func TestOpenRejectsBarePlaintextWhileActive(t *testing.T) {
	s, err := New(testKey(t), nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	_, err = s.Open(strings.Repeat("ab", 32))
	if !errors.Is(err, ErrRejectedPlaintext) {
		t.Fatalf("expected ErrRejectedPlaintext, got %v", err)
	}
}

func TestOpenRejectsInvalidPayloads(t *testing.T) {
	s, err := New(testKey(t), nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	cases := []string{
		"not base64!!",
		base64.StdEncoding.EncodeToString([]byte("short")),
	}
	for _, in := range cases {
		if _, err := s.Open(in); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %q, got %v", in, err)
		}
	}
}

func TestOpenFailsClosedOnTamper(t *testing.T) {
	s, err := New(testKey(t), nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	sealed, err := s.Seal(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	if _, err := s.Open(base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDegradedModeIsIdentity(t *testing.T) {
	s, err := New(nil, nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if s.Active() {
		t.Fatal("store without operator key should not be active")
	}
	secret := strings.Repeat("12", 32)
	sealed, err := s.Seal(secret)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if sealed != secret {
		t.Fatal("degraded seal should be identity")
	}
	got, err := s.Open(sealed)
	if err != nil || got != secret {
		t.Fatalf("degraded open mismatch: %v", err)
	}
}

func TestMissingMaterial(t *testing.T) {
	s, err := New(testKey(t), nil)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	if _, err := s.Seal(""); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing from seal, got %v", err)
	}
	if _, err := s.Open(""); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing from open, got %v", err)
	}
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16), nil); err == nil {
		t.Fatal("16-byte operator key must be rejected")
	}
}
