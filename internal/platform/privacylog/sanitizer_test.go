package privacylog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func capture(t *testing.T, log func(l *slog.Logger)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(Wrap(slog.NewJSONHandler(&buf, nil)))
	log(logger)
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("log line is not json: %v (%s)", err, buf.String())
	}
	return out
}

func TestSecretsAreRedacted(t *testing.T) {
	out := capture(t, func(l *slog.Logger) {
		l.Info("issuing", "reconnect_token", "plaintext-token", "nsec_input", "nsec1abc")
	})
	if out["reconnect_token"] != redactedValue {
		t.Fatalf("token not redacted: %v", out["reconnect_token"])
	}
	if out["nsec_input"] != redactedValue {
		t.Fatalf("nsec not redacted: %v", out["nsec_input"])
	}
}

func TestIdentifiersAreFingerprinted(t *testing.T) {
	const pubkey = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"
	out := capture(t, func(l *slog.Logger) {
		l.Warn("auth failed", "pubkey", pubkey, "reason", "stale timestamp")
	})
	if _, plain := out["pubkey"]; plain {
		t.Fatal("pubkey must not appear under its own key")
	}
	fp, ok := out["pubkey_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") || strings.Contains(fp, pubkey[:16]) {
		t.Fatalf("unexpected fingerprint: %v", out["pubkey_fp"])
	}
	if out["reason"] != "stale timestamp" {
		t.Fatalf("non-sensitive attrs must pass through: %v", out["reason"])
	}
}

func TestFingerprintStableWithinBoot(t *testing.T) {
	if Fingerprint("abc") != Fingerprint("abc") {
		t.Fatal("fingerprints should be stable within one process")
	}
	if Fingerprint("abc") == Fingerprint("abd") {
		t.Fatal("different values should not collide")
	}
	if Fingerprint("  ") != "" {
		t.Fatal("blank values should fingerprint to empty")
	}
}
