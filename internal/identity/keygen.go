package identity

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"
)

// GenerateSecret produces a fresh secp256k1 secret key as lowercase hex.
// Used when the platform creates a key on a user's behalf.
func GenerateSecret() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Serialize()), nil
}

// RecoveryPhrase encodes a secret key as a 24-word BIP-39 mnemonic so a user
// can take a platform-held key into their own custody.
func RecoveryPhrase(secret string) (string, error) {
	normalized, err := NormalizeSecret(secret)
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	mnemonic, err := bip39.NewMnemonic(raw)
	if err != nil {
		return "", ErrInvalidEncoding
	}
	return mnemonic, nil
}

// SecretFromRecoveryPhrase reverses RecoveryPhrase. The mnemonic entropy is
// the key itself, so the round trip is exact.
func SecretFromRecoveryPhrase(mnemonic string) (string, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", ErrInvalidEncoding
	}
	raw, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil || len(raw) != rawKeySize {
		return "", ErrInvalidEncoding
	}
	secret := hex.EncodeToString(raw)
	if _, err := DerivePublic(secret); err != nil {
		return "", err
	}
	return secret, nil
}
