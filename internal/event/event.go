// Package event implements the signed message model: canonical
// content-addressed identifiers, BIP-340 signatures, draft construction and
// the HTTP auth verifier built on top of them.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"devstr/go-backend/internal/identity"
)

var (
	ErrDigestMismatch    = errors.New("event: id does not match canonical digest")
	ErrSignatureInvalid  = errors.New("event: signature does not verify")
	ErrMalformed         = errors.New("event: malformed event")
	ErrSecretKeyMismatch = errors.New("event: secret key does not match event author")
)

// Tag is one ordered tag entry on the wire, e.g. ["d", "abc"].
type Tag []string

// Event is the canonical wire shape. All fields are required; Tags is always
// present, possibly empty.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// MarshalJSON keeps the tags field non-null even for a nil slice.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire Event
	w := wire(e)
	if w.Tags == nil {
		w.Tags = []Tag{}
	}
	return json.Marshal(w)
}

// TagValue returns the first value of the first tag with the given name.
func (e *Event) TagValue(name string) (string, bool) {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// TagValues returns the first value of every tag with the given name, in tag
// order.
func (e *Event) TagValues(name string) []string {
	var out []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}

// Serialize produces the canonical byte encoding the id is computed over:
// a JSON array [0, pubkey, created_at, kind, tags, content] with HTML
// escaping disabled. Tag order is significant; changing any field changes
// the digest.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	arr := []any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the content-addressed identifier: lowercase hex SHA-256
// of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	raw, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in pubkey (if empty), id and sig from the given secret key.
// A pre-set author that does not belong to the secret key is rejected rather
// than overwritten.
func (e *Event) Sign(secret string) error {
	normalized, err := identity.NormalizeSecret(secret)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return identity.ErrInvalidEncoding
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	defer priv.Zero()
	pubHex := hex.EncodeToString(schnorr.SerializePubKey(pub))
	if e.PubKey == "" {
		e.PubKey = pubHex
	} else if e.PubKey != pubHex {
		return ErrSecretKeyMismatch
	}

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return err
	}
	e.ID = id
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the id is the canonical digest of the event fields and
// that the signature verifies over the id against the claimed author.
func (e *Event) Verify() error {
	if err := identity.ValidatePublicKey(e.PubKey); err != nil {
		return ErrMalformed
	}
	id, err := e.ComputeID()
	if err != nil {
		return ErrMalformed
	}
	if id != e.ID {
		return ErrDigestMismatch
	}
	return e.CheckSignature()
}

// CheckSignature verifies only the signature over the claimed id.
func (e *Event) CheckSignature() error {
	digest, err := hex.DecodeString(e.ID)
	if err != nil || len(digest) != sha256.Size {
		return ErrMalformed
	}
	pubRaw, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return ErrMalformed
	}
	pub, err := schnorr.ParsePubKey(pubRaw)
	if err != nil {
		return ErrMalformed
	}
	sigRaw, err := hex.DecodeString(e.Sig)
	if err != nil {
		return ErrMalformed
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return ErrMalformed
	}
	if !sig.Verify(digest, pub) {
		return ErrSignatureInvalid
	}
	return nil
}
