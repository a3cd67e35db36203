package identity

import "time"

// Custody says who controls the signing secret for an identity.
type Custody string

const (
	// CustodySelfHeld means the secret never leaves the user's device; the
	// platform only ever sees the public key and signed events.
	CustodySelfHeld Custody = "self-held"
	// CustodyPlatformHeld means the platform generated the secret and holds
	// it encrypted at rest for background signing.
	CustodyPlatformHeld Custody = "platform-held"
)

// Identity is the public view of an account's signing identity. The secret
// key (when platform-held) is never part of this value; it is reachable only
// through the key custody store on the signing path.
type Identity struct {
	PublicKey string    `json:"public_key"`
	Custody   Custody   `json:"custody"`
	CreatedAt time.Time `json:"created_at"`
}
