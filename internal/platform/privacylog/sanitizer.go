// Package privacylog wraps a slog handler so signing secrets can never reach
// a log sink and long-lived identifiers (pubkeys, event ids) appear only as
// per-boot fingerprints. Detailed auth-failure reasons are logged through
// this handler; the values that would make them an oracle are not.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Identifier keys that must never appear verbatim.
	fingerprintedKeys = map[string]struct{}{
		"pubkey":      {},
		"author":      {},
		"event_id":    {},
		"identity_id": {},
		"token_hash":  {},
		"remote_key":  {},
	}

	// Any key containing one of these fragments is redacted outright.
	sensitiveKeyParts = []string{
		"token", "secret", "nsec", "password", "passphrase",
		"mnemonic", "phrase", "authorization", "auth_header", "ciphertext",
	}
)

// Handler is a sanitizing slog.Handler wrapper.
type Handler struct {
	next slog.Handler
}

func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(Sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, Sanitize(attr))
	}
	return &Handler{next: h.next.WithAttrs(sanitized)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// Sanitize rewrites a single attribute according to the policy above.
func Sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	if isSensitiveKey(lower) {
		return slog.String(key, redactedValue)
	}
	if _, ok := fingerprintedKeys[lower]; ok {
		return slog.String(key+"_fp", Fingerprint(valueString(attr.Value)))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		sanitized := make([]any, 0, len(group))
		for _, g := range group {
			sanitized = append(sanitized, Sanitize(g))
		}
		return slog.Group(key, sanitized...)
	}
	return attr
}

// Fingerprint maps an identifier to a short stable-per-boot handle. The boot
// nonce keeps fingerprints uncorrelatable across restarts.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
