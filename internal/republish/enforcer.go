// Package republish validates a re-signed update to a previously published
// record before it is accepted: same stable identifier, same owner, declared
// fields matching the signed fields, and (for courses) an unchanged lesson
// set. The validated publish and the record update commit or fail together.
package republish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"devstr/go-backend/internal/event"
	"devstr/go-backend/internal/keystore"
	"devstr/go-backend/internal/relay"
	"devstr/go-backend/internal/storage"
)

var (
	ErrIdentifierMismatch = errors.New("republish: identifier does not match existing record")
	ErrAuthorMismatch     = errors.New("republish: author does not match record owner")
	ErrFieldMismatch      = errors.New("republish: signed fields diverge from declared fields")
	ErrPrivateKeyRequired = errors.New("republish: platform signing requires a held private key")
	ErrInvalidProof       = errors.New("republish: signed message does not verify")
)

// DeclaredFields are the structured fields the request asserts
// independently of the signed message. Divergence between the two is always
// a rejection, never auto-corrected.
type DeclaredFields struct {
	Price    int64
	Currency string
	Type     string
	VideoURL string
}

// Request asks to supersede the record with the given identifier. With a
// SignedEvent the user proves the update themselves; without one the
// platform signs on their behalf.
type Request struct {
	Identifier    string
	ClaimedAuthor string
	Fields        DeclaredFields
	Draft         *event.Draft // platform-signed path only
	SignedEvent   *event.Event
}

// Repository is the slice of persistence the enforcer needs.
type Repository interface {
	FindResourceByIdentifier(ctx context.Context, identifier string) (*storage.ResourceRecord, error)
	FindIdentityByPubKey(ctx context.Context, pubkey string) (*storage.IdentityRecord, error)
	CourseLessons(ctx context.Context, courseID uuid.UUID) ([]storage.LessonRecord, error)
	UpdateResourceTx(ctx context.Context, rec *storage.ResourceRecord, fn func() error) error
}

// Publisher is the fan-out the enforcer publishes through.
type Publisher interface {
	Publish(ctx context.Context, endpoints []string, ev *event.Event) (relay.Receipt, error)
}

type Enforcer struct {
	repo      Repository
	keys      *keystore.Store
	publisher Publisher
	endpoints []string
	logger    *slog.Logger
	now       func() time.Time
}

func NewEnforcer(repo Repository, keys *keystore.Store, publisher Publisher, endpoints []string, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		repo:      repo,
		keys:      keys,
		publisher: publisher,
		endpoints: endpoints,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute validates the request against the existing record, then publishes
// the superseding event and updates the record inside one transaction.
// A publish acknowledged by relays but not committed to the database is
// reported as a failure, never as success.
func (e *Enforcer) Execute(ctx context.Context, identifier string, req Request) (*event.Event, relay.Receipt, error) {
	existing, err := e.repo.FindResourceByIdentifier(ctx, identifier)
	if err != nil {
		return nil, relay.Receipt{}, err
	}

	var ev *event.Event
	if req.SignedEvent != nil {
		ev = req.SignedEvent
		if err := e.acceptUserSigned(ctx, existing, req); err != nil {
			return nil, relay.Receipt{}, err
		}
	} else {
		ev, err = e.platformSign(ctx, existing, req)
		if err != nil {
			return nil, relay.Receipt{}, err
		}
	}

	updated := *existing
	updated.Price = req.Fields.Price
	updated.Currency = req.Fields.Currency
	updated.Type = req.Fields.Type
	updated.VideoURL = req.Fields.VideoURL
	updated.NoteID = ev.ID

	var receipt relay.Receipt
	err = e.repo.UpdateResourceTx(ctx, &updated, func() error {
		var pubErr error
		receipt, pubErr = e.publisher.Publish(ctx, e.endpoints, ev)
		return pubErr
	})
	if err != nil {
		return nil, receipt, err
	}
	return ev, receipt, nil
}

// acceptUserSigned runs the republish gates over a user-signed message.
// All gates are required; the first failure wins.
func (e *Enforcer) acceptUserSigned(ctx context.Context, existing *storage.ResourceRecord, req Request) error {
	ev := req.SignedEvent
	if err := ev.Verify(); err != nil {
		e.logger.Warn("republish proof rejected", "event_id", ev.ID, "reason", err.Error())
		return ErrInvalidProof
	}

	identifier, ok := ev.TagValue("d")
	if !ok || identifier != existing.Identifier {
		return ErrIdentifierMismatch
	}
	if ev.PubKey != existing.OwnerPubKey {
		return ErrAuthorMismatch
	}

	signed := fieldsFromEvent(ev)
	if signed.Price != req.Fields.Price {
		return fmt.Errorf("%w: price %d vs declared %d", ErrFieldMismatch, signed.Price, req.Fields.Price)
	}
	if signed.Type != req.Fields.Type {
		return fmt.Errorf("%w: type %q vs declared %q", ErrFieldMismatch, signed.Type, req.Fields.Type)
	}
	if (signed.VideoURL != "") != (req.Fields.VideoURL != "") {
		return fmt.Errorf("%w: video presence differs", ErrFieldMismatch)
	}

	if existing.Kind == event.KindCourse {
		if err := e.checkLessonSet(ctx, existing, ev); err != nil {
			return err
		}
	}
	return nil
}

// checkLessonSet requires the lesson references inside the signed message to
// be set-equal to the lessons currently held for the course.
func (e *Enforcer) checkLessonSet(ctx context.Context, existing *storage.ResourceRecord, ev *event.Event) error {
	lessons, err := e.repo.CourseLessons(ctx, existing.ID)
	if err != nil {
		return err
	}
	want := make(map[string]int, len(lessons))
	for _, l := range lessons {
		addr := fmt.Sprintf("%d:%s:%s", l.LessonKind, l.AuthorPubKey, l.LessonIdentifier)
		want[addr]++
	}
	got := ev.TagValues("a")
	if len(got) != len(lessons) {
		return fmt.Errorf("%w: lesson count %d vs %d", ErrFieldMismatch, len(got), len(lessons))
	}
	for _, addr := range got {
		if want[addr] == 0 {
			return fmt.Errorf("%w: unexpected lesson reference", ErrFieldMismatch)
		}
		want[addr]--
	}
	return nil
}

// platformSign builds and signs the superseding event with the record
// owner's platform-held secret.
func (e *Enforcer) platformSign(ctx context.Context, existing *storage.ResourceRecord, req Request) (*event.Event, error) {
	ident, err := e.repo.FindIdentityByPubKey(ctx, existing.OwnerPubKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrPrivateKeyRequired
		}
		return nil, err
	}
	if ident.SecretCiphertext == "" {
		return nil, ErrPrivateKeyRequired
	}
	secret, err := e.keys.Open(ident.SecretCiphertext)
	if err != nil {
		if errors.Is(err, keystore.ErrMissing) {
			return nil, ErrPrivateKeyRequired
		}
		return nil, err
	}

	draft := req.Draft
	if draft == nil {
		draft = &event.Draft{
			Identifier: existing.Identifier,
			Price:      req.Fields.Price,
			Currency:   req.Fields.Currency,
			Type:       req.Fields.Type,
			VideoURL:   req.Fields.VideoURL,
		}
	}
	if draft.Identifier != existing.Identifier {
		return nil, ErrIdentifierMismatch
	}
	ev, err := event.Build(existing.Kind, *draft, e.now())
	if err != nil {
		return nil, err
	}
	if err := ev.Sign(secret); err != nil {
		return nil, err
	}
	if ev.PubKey != existing.OwnerPubKey {
		return nil, ErrAuthorMismatch
	}
	return ev, nil
}

// fieldsFromEvent extracts the structured fields embedded in a signed
// message for comparison with the declared request fields.
func fieldsFromEvent(ev *event.Event) DeclaredFields {
	var out DeclaredFields
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "price":
			if v, err := strconv.ParseInt(tag[1], 10, 64); err == nil {
				out.Price = v
			}
			if len(tag) > 2 {
				out.Currency = tag[2]
			}
		case "type":
			out.Type = tag[1]
		case "video":
			out.VideoURL = tag[1]
		}
	}
	return out
}
