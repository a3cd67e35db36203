package event

import (
	"errors"
	"time"
)

// Detailed verification failures. These are for internal logging only; the
// caller-facing result of a failed proof is always the generic
// authentication error of the service layer.
var (
	ErrWrongKind       = errors.New("httpauth: event kind is not the auth kind")
	ErrAuthorMismatch  = errors.New("httpauth: author does not match asserted identity")
	ErrTimestampFuture = errors.New("httpauth: timestamp too far in the future")
	ErrTimestampStale  = errors.New("httpauth: timestamp too old")
	ErrURLMismatch     = errors.New("httpauth: url tag does not match expected callback")
	ErrMethodMismatch  = errors.New("httpauth: method tag does not match expected verb")
)

// Freshness window around the verifier clock. The asymmetry tolerates client
// clock skew into the past without widening the replay window forward.
const (
	maxFutureSkew = 30 * time.Second
	maxAge        = 60 * time.Second
)

// AuthExpectation is what the server independently asserts about an inbound
// HTTP auth proof.
type AuthExpectation struct {
	PubKey string // externally-asserted identity
	URL    string // exact callback URL the request hit
	Method string // exact HTTP verb
	Now    time.Time
}

// VerifyAuthProof hard-gates an HTTP auth event in order, stopping at the
// first failure:
//
//	kind, digest, signature, author binding, freshness, url tag, method tag.
//
// The digest gate runs before the signature gate so a valid signature can
// never be reused over substituted tags.
func VerifyAuthProof(ev *Event, expect AuthExpectation) error {
	if ev == nil {
		return ErrMalformed
	}
	if ev.Kind != KindHTTPAuth {
		return ErrWrongKind
	}
	id, err := ev.ComputeID()
	if err != nil {
		return ErrMalformed
	}
	if id != ev.ID {
		return ErrDigestMismatch
	}
	if err := ev.CheckSignature(); err != nil {
		return err
	}
	if ev.PubKey != expect.PubKey {
		return ErrAuthorMismatch
	}

	now := expect.Now
	if now.IsZero() {
		now = time.Now()
	}
	created := time.Unix(ev.CreatedAt, 0)
	if created.After(now.Add(maxFutureSkew)) {
		return ErrTimestampFuture
	}
	if created.Before(now.Add(-maxAge)) {
		return ErrTimestampStale
	}

	u, ok := ev.TagValue("u")
	if !ok || u != expect.URL {
		return ErrURLMismatch
	}
	method, ok := ev.TagValue("method")
	if !ok || method != expect.Method {
		return ErrMethodMismatch
	}
	return nil
}
