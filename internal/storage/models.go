package storage

import (
	"time"

	"github.com/google/uuid"
)

// IdentityRecord is a signing identity known to the platform. For
// platform-held custody SecretCiphertext carries the sealed secret; it is
// read only by the signing path and cleared on revocation.
type IdentityRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	PubKey           string    `gorm:"size:64;uniqueIndex;not null"`
	Custody          string    `gorm:"size:16;not null"`
	SecretCiphertext string    `gorm:"column:secret_ciphertext"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
	RevokedAt        *time.Time
}

// ReconnectTokenRecord holds only the one-way hash of an issued token.
// TokenHash is unique-indexed so resume lookups are O(1).
type ReconnectTokenRecord struct {
	TokenHash  string    `gorm:"size:64;primaryKey"`
	IdentityID uuid.UUID `gorm:"type:uuid;index;not null"`
	IssuedAt   time.Time `gorm:"autoCreateTime"`
}

// ResourceRecord is the database side of a published replaceable record.
// Identifier is the stable "d" tag; NoteID tracks the latest signed message.
type ResourceRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Identifier  string    `gorm:"size:128;uniqueIndex;not null"`
	OwnerPubKey string    `gorm:"size:64;index;not null"`
	Kind        int       `gorm:"not null"`
	Type        string    `gorm:"size:32"`
	Price       int64
	Currency    string `gorm:"size:16"`
	VideoURL    string
	NoteID      string    `gorm:"size:64"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// LessonRecord is one ordered lesson inside a course resource.
type LessonRecord struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	CourseID         uuid.UUID `gorm:"type:uuid;index;not null"`
	Position         int       `gorm:"not null"`
	LessonKind       int       `gorm:"not null"`
	AuthorPubKey     string    `gorm:"size:64;not null"`
	LessonIdentifier string    `gorm:"size:128;not null"`
}
