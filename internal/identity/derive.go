package identity

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	ErrInvalidEncoding  = errors.New("secret key encoding is invalid")
	ErrInvalidPublicKey = errors.New("public key is invalid")
)

const (
	secretKeyHRP = "nsec"
	publicKeyHRP = "npub"
	rawKeySize   = 32
)

// NormalizeSecret accepts a raw 64-hex-digit secret key or its bech32 "nsec"
// encoding and returns the lowercase hex form.
func NormalizeSecret(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", ErrInvalidEncoding
	}
	if strings.HasPrefix(strings.ToLower(input), secretKeyHRP+"1") {
		raw, err := decodeBech32Key(input, secretKeyHRP)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(raw), nil
	}
	lowered := strings.ToLower(input)
	raw, err := hex.DecodeString(lowered)
	if err != nil || len(raw) != rawKeySize {
		return "", ErrInvalidEncoding
	}
	return lowered, nil
}

// DerivePublic derives the x-only public key for a secret key given as hex
// or bech32. Output is always 64 lowercase hex digits and passes
// ValidatePublicKey.
func DerivePublic(secret string) (string, error) {
	normalized, err := NormalizeSecret(secret)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return "", ErrInvalidEncoding
	}
	return hex.EncodeToString(schnorr.SerializePubKey(pub)), nil
}

// ValidatePublicKey requires exactly 64 lowercase hex characters.
func ValidatePublicKey(pub string) error {
	if len(pub) != 2*rawKeySize {
		return ErrInvalidPublicKey
	}
	for i := 0; i < len(pub); i++ {
		c := pub[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ErrInvalidPublicKey
		}
	}
	return nil
}

// EncodePublic renders a hex public key in its bech32 "npub" form.
func EncodePublic(pubHex string) (string, error) {
	if err := ValidatePublicKey(pubHex); err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", ErrInvalidPublicKey
	}
	return encodeBech32Key(publicKeyHRP, raw)
}

// EncodeSecret renders a hex secret key in its bech32 "nsec" form.
func EncodeSecret(secretHex string) (string, error) {
	normalized, err := NormalizeSecret(secretHex)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	return encodeBech32Key(secretKeyHRP, raw)
}

func decodeBech32Key(encoded, wantHRP string) ([]byte, error) {
	hrp, grouped, err := bech32.Decode(strings.ToLower(encoded))
	if err != nil || hrp != wantHRP {
		return nil, ErrInvalidEncoding
	}
	raw, err := bech32.ConvertBits(grouped, 5, 8, false)
	if err != nil || len(raw) != rawKeySize {
		return nil, ErrInvalidEncoding
	}
	return raw, nil
}

func encodeBech32Key(hrp string, raw []byte) (string, error) {
	grouped, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	encoded, err := bech32.Encode(hrp, grouped)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	return encoded, nil
}
