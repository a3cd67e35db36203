// Package storage is the transactional persistence layer for identities,
// reconnect tokens and published resources, backed by postgres through gorm.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound      = errors.New("storage: record not found")
	ErrAlreadyExists = errors.New("storage: record already exists")
)

type Store struct {
	db *gorm.DB
}

// Open connects to postgres and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&IdentityRecord{},
		&ReconnectTokenRecord{},
		&ResourceRecord{},
		&LessonRecord{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle (used by tests and transactions).
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn against a store bound to one database transaction.
// fn returning an error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewWithDB(tx))
	})
}

func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// --- identities ---

func (s *Store) CreateIdentity(ctx context.Context, rec *IdentityRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyExists
	}
	return err
}

func (s *Store) FindIdentityByPubKey(ctx context.Context, pubkey string) (*IdentityRecord, error) {
	var rec IdentityRecord
	err := s.db.WithContext(ctx).Where("pub_key = ?", pubkey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) FindIdentityByID(ctx context.Context, id uuid.UUID) (*IdentityRecord, error) {
	var rec IdentityRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ReplaceIdentityKey links a self-held key over a platform-held identity:
// the sealed secret is dropped, custody flips, and the public key changes.
// This is the only operation that may change a stored public key.
func (s *Store) ReplaceIdentityKey(ctx context.Context, id uuid.UUID, newPubKey, custody string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&IdentityRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"pub_key":           newPubKey,
			"custody":           custody,
			"secret_ciphertext": "",
			"revoked_at":        &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- reconnect tokens ---

func (s *Store) InsertReconnectToken(ctx context.Context, rec *ReconnectTokenRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *Store) FindReconnectToken(ctx context.Context, tokenHash string) (*ReconnectTokenRecord, error) {
	var rec ReconnectTokenRecord
	err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteReconnectToken(ctx context.Context, tokenHash string) error {
	res := s.db.WithContext(ctx).Delete(&ReconnectTokenRecord{}, "token_hash = ?", tokenHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateReconnectToken replaces oldHash with next in one transaction, so a
// presented token can never resume twice and a half-rotated pair can never
// be observed.
func (s *Store) RotateReconnectToken(ctx context.Context, oldHash string, next *ReconnectTokenRecord) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.DeleteReconnectToken(ctx, oldHash); err != nil {
			return err
		}
		return tx.InsertReconnectToken(ctx, next)
	})
}

// --- resources ---

func (s *Store) CreateResource(ctx context.Context, rec *ResourceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *Store) FindResourceByIdentifier(ctx context.Context, identifier string) (*ResourceRecord, error) {
	var rec ResourceRecord
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) UpdateResource(ctx context.Context, rec *ResourceRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// UpdateResourceTx saves rec and runs fn inside the same transaction. If fn
// fails, the record update rolls back with it.
func (s *Store) UpdateResourceTx(ctx context.Context, rec *ResourceRecord, fn func() error) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.UpdateResource(ctx, rec); err != nil {
			return err
		}
		return fn()
	})
}

// ReplaceCourseLessons swaps a course's lesson list in one transaction.
func (s *Store) ReplaceCourseLessons(ctx context.Context, courseID uuid.UUID, lessons []LessonRecord) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.WithContext(ctx).Delete(&LessonRecord{}, "course_id = ?", courseID).Error; err != nil {
			return err
		}
		for i := range lessons {
			lessons[i].CourseID = courseID
			lessons[i].Position = i
			if lessons[i].ID == uuid.Nil {
				lessons[i].ID = uuid.New()
			}
		}
		if len(lessons) == 0 {
			return nil
		}
		return tx.db.WithContext(ctx).Create(&lessons).Error
	})
}

// CourseLessons returns a course's lessons ordered by position.
func (s *Store) CourseLessons(ctx context.Context, courseID uuid.UUID) ([]LessonRecord, error) {
	var lessons []LessonRecord
	err := s.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("position asc").
		Find(&lessons).Error
	return lessons, err
}
