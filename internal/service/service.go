// Package service composes the identity, custody, event, session, limiting
// and relay components into the operations the platform exposes.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"devstr/go-backend/internal/event"
	"devstr/go-backend/internal/identity"
	"devstr/go-backend/internal/keystore"
	"devstr/go-backend/internal/platform/metrics"
	"devstr/go-backend/internal/platform/ratelimiter"
	"devstr/go-backend/internal/relay"
	"devstr/go-backend/internal/republish"
	"devstr/go-backend/internal/session"
	"devstr/go-backend/internal/storage"
)

var (
	// ErrAuthenticationFailed is the only authentication error callers ever
	// see. The specific gate that failed is logged internally.
	ErrAuthenticationFailed = errors.New("service: authentication failed")
	ErrRateLimited          = errors.New("service: rate limited")
	ErrInvalidToken         = session.ErrInvalidToken
	ErrPrivateKeyRequired   = republish.ErrPrivateKeyRequired
)

// RateLimitedError carries the retry-after hint alongside ErrRateLimited.
type RateLimitedError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("service: %s rate limited, retry after %s", e.Operation, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Repository is the persistence surface the service needs beyond what the
// session store and republish enforcer own themselves.
type Repository interface {
	CreateIdentity(ctx context.Context, rec *storage.IdentityRecord) error
	FindIdentityByPubKey(ctx context.Context, pubkey string) (*storage.IdentityRecord, error)
	FindIdentityByID(ctx context.Context, id uuid.UUID) (*storage.IdentityRecord, error)
	ReplaceIdentityKey(ctx context.Context, id uuid.UUID, newPubKey, custody string) error
	CreateResource(ctx context.Context, rec *storage.ResourceRecord) error
	ReplaceCourseLessons(ctx context.Context, courseID uuid.UUID, lessons []storage.LessonRecord) error
}

// Sessions issues and resumes reconnect tokens.
type Sessions interface {
	Issue(ctx context.Context, identityID uuid.UUID) (string, error)
	Resume(ctx context.Context, token string) (*storage.IdentityRecord, string, error)
}

// Publisher is the relay fan-out.
type Publisher interface {
	Publish(ctx context.Context, endpoints []string, ev *event.Event) (relay.Receipt, error)
}

// Republisher validates and applies a republish request.
type Republisher interface {
	Execute(ctx context.Context, identifier string, req republish.Request) (*event.Event, relay.Receipt, error)
}

// OperationLimit is a per-operation rate limit.
type OperationLimit struct {
	Limit  int
	Window time.Duration
}

type Limits struct {
	ProveIdentity OperationLimit
	ResumeSession OperationLimit
}

type Service struct {
	repo        Repository
	keys        *keystore.Store
	sessions    Sessions
	limiter     ratelimiter.Limiter
	publisher   Publisher
	republisher Republisher
	endpoints   []string
	limits      Limits
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// Deps are the collaborators a Service is built from. Logger and Metrics may
// be nil.
type Deps struct {
	Repo        Repository
	Keys        *keystore.Store
	Sessions    Sessions
	Limiter     ratelimiter.Limiter
	Publisher   Publisher
	Republisher Republisher
	Endpoints   []string
	Limits      Limits
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := deps.Limits
	if limits.ProveIdentity.Limit == 0 {
		limits.ProveIdentity = OperationLimit{Limit: 10, Window: time.Minute}
	}
	if limits.ResumeSession.Limit == 0 {
		limits.ResumeSession = OperationLimit{Limit: 30, Window: time.Minute}
	}
	return &Service{
		repo:        deps.Repo,
		keys:        deps.Keys,
		sessions:    deps.Sessions,
		limiter:     deps.Limiter,
		publisher:   deps.Publisher,
		republisher: deps.Republisher,
		endpoints:   deps.Endpoints,
		limits:      limits,
		logger:      logger,
		metrics:     deps.Metrics,
		now:         time.Now,
	}
}

// AuthRequest is one inbound identity proof: the signed auth event plus what
// the server independently knows about the request that carried it.
type AuthRequest struct {
	Proof  *event.Event
	PubKey string
	URL    string
	Method string
}

// ProveIdentity verifies a signed HTTP auth proof and returns the proven
// identity, creating a self-held identity record on first successful proof.
// The operation is rate limited per asserted key before any cryptography
// runs; limiter storage failure denies, never allows.
func (s *Service) ProveIdentity(ctx context.Context, req AuthRequest) (*identity.Identity, error) {
	if err := s.allow(ctx, "prove_identity", "prove:"+req.PubKey, s.limits.ProveIdentity); err != nil {
		return nil, err
	}

	expect := event.AuthExpectation{
		PubKey: req.PubKey,
		URL:    req.URL,
		Method: req.Method,
		Now:    s.now(),
	}
	if err := event.VerifyAuthProof(req.Proof, expect); err != nil {
		reason := authReason(err)
		s.logger.Warn("identity proof rejected",
			"reason", reason,
			"pubkey", req.PubKey,
			"method", req.Method,
		)
		if s.metrics != nil {
			s.metrics.AuthFailures.WithLabelValues(reason).Inc()
		}
		return nil, ErrAuthenticationFailed
	}

	rec, err := s.repo.FindIdentityByPubKey(ctx, req.PubKey)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		rec = &storage.IdentityRecord{
			PubKey:  req.PubKey,
			Custody: string(identity.CustodySelfHeld),
		}
		if err := s.repo.CreateIdentity(ctx, rec); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, err
		}
		s.logger.Info("self-held identity created", "pubkey", req.PubKey)
	default:
		return nil, err
	}
	return identityView(rec), nil
}

// CreatePlatformIdentity generates a signing key on the user's behalf, seals
// it and stores a platform-held identity.
func (s *Service) CreatePlatformIdentity(ctx context.Context) (*identity.Identity, error) {
	secret, err := identity.GenerateSecret()
	if err != nil {
		return nil, err
	}
	pub, err := identity.DerivePublic(secret)
	if err != nil {
		return nil, err
	}
	ciphertext, err := s.keys.Seal(secret)
	if err != nil {
		return nil, err
	}
	rec := &storage.IdentityRecord{
		PubKey:           pub,
		Custody:          string(identity.CustodyPlatformHeld),
		SecretCiphertext: ciphertext,
	}
	if err := s.repo.CreateIdentity(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("platform-held identity created", "pubkey", pub)
	return identityView(rec), nil
}

// ExportRecoveryPhrase reveals a platform-held key as a 24-word mnemonic so
// the user can move it into their own custody.
func (s *Service) ExportRecoveryPhrase(ctx context.Context, pubkey string) (string, error) {
	rec, err := s.repo.FindIdentityByPubKey(ctx, pubkey)
	if err != nil {
		return "", err
	}
	if rec.Custody != string(identity.CustodyPlatformHeld) || rec.SecretCiphertext == "" {
		return "", ErrPrivateKeyRequired
	}
	secret, err := s.keys.Open(rec.SecretCiphertext)
	if err != nil {
		return "", err
	}
	return identity.RecoveryPhrase(secret)
}

// LinkSelfHeldKey supersedes a platform-held identity with a self-held key.
// The sealed secret is dropped and the stored public key changes; this is
// the only path that may change it.
func (s *Service) LinkSelfHeldKey(ctx context.Context, identityID uuid.UUID, newPubKey string) error {
	if err := identity.ValidatePublicKey(newPubKey); err != nil {
		return err
	}
	if err := s.repo.ReplaceIdentityKey(ctx, identityID, newPubKey, string(identity.CustodySelfHeld)); err != nil {
		return err
	}
	s.logger.Info("identity key replaced", "identity_id", identityID.String(), "pubkey", newPubKey)
	return nil
}

// PublishRequest asks to publish a new record. With SignedEvent the author
// signed it themselves; without one the platform signs using held custody.
type PublishRequest struct {
	AuthorPubKey string
	Kind         int
	Draft        event.Draft
	SignedEvent  *event.Event
}

// PublishMessage builds (or accepts) a signed record, persists it and fans it
// out to the configured relays. At least one relay acknowledgment is
// required; partial failure is metadata on the receipt, not an error.
func (s *Service) PublishMessage(ctx context.Context, req PublishRequest) (*event.Event, relay.Receipt, error) {
	ev, err := s.resolveSigned(ctx, req)
	if err != nil {
		return nil, relay.Receipt{}, err
	}

	receipt, err := s.publisher.Publish(ctx, s.endpoints, ev)
	if err != nil {
		return nil, receipt, err
	}

	rec := &storage.ResourceRecord{
		Identifier:  req.Draft.Identifier,
		OwnerPubKey: ev.PubKey,
		Kind:        req.Kind,
		Type:        req.Draft.Type,
		Price:       req.Draft.Price,
		Currency:    req.Draft.Currency,
		VideoURL:    req.Draft.VideoURL,
		NoteID:      ev.ID,
	}
	if err := s.repo.CreateResource(ctx, rec); err != nil {
		// Relays accepted but the record did not commit. That is a failure
		// to the caller, with the receipt kept for diagnostics.
		return nil, receipt, fmt.Errorf("service: persisting published record: %w", err)
	}
	if req.Kind == event.KindCourse && len(req.Draft.Lessons) > 0 {
		lessons := make([]storage.LessonRecord, 0, len(req.Draft.Lessons))
		for _, l := range req.Draft.Lessons {
			lessons = append(lessons, storage.LessonRecord{
				LessonKind:       l.Kind,
				AuthorPubKey:     l.AuthorPubKey,
				LessonIdentifier: l.Identifier,
			})
		}
		if err := s.repo.ReplaceCourseLessons(ctx, rec.ID, lessons); err != nil {
			return nil, receipt, fmt.Errorf("service: persisting course lessons: %w", err)
		}
	}
	return ev, receipt, nil
}

// resolveSigned returns the event to publish, either validating the caller's
// own signature or signing with the platform-held secret.
func (s *Service) resolveSigned(ctx context.Context, req PublishRequest) (*event.Event, error) {
	if req.SignedEvent != nil {
		ev := req.SignedEvent
		if err := ev.Verify(); err != nil {
			s.logger.Warn("pre-signed publish rejected", "event_id", ev.ID, "reason", err.Error())
			return nil, ErrAuthenticationFailed
		}
		if ev.PubKey != req.AuthorPubKey {
			return nil, ErrAuthenticationFailed
		}
		return ev, nil
	}

	rec, err := s.repo.FindIdentityByPubKey(ctx, req.AuthorPubKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrPrivateKeyRequired
		}
		return nil, err
	}
	if rec.SecretCiphertext == "" {
		return nil, ErrPrivateKeyRequired
	}
	secret, err := s.keys.Open(rec.SecretCiphertext)
	if err != nil {
		if errors.Is(err, keystore.ErrMissing) {
			return nil, ErrPrivateKeyRequired
		}
		return nil, err
	}
	ev, err := event.Build(req.Kind, req.Draft, s.now())
	if err != nil {
		return nil, err
	}
	if err := ev.Sign(secret); err != nil {
		return nil, err
	}
	return ev, nil
}

// Republish validates a superseding update against the existing record and
// applies it. All gate semantics live in the republish enforcer.
func (s *Service) Republish(ctx context.Context, identifier string, req republish.Request) (*event.Event, relay.Receipt, error) {
	return s.republisher.Execute(ctx, identifier, req)
}

// IssueReconnectToken mints a single-use resume token for an identity. The
// returned plaintext is shown once and never recoverable.
func (s *Service) IssueReconnectToken(ctx context.Context, identityID uuid.UUID) (string, error) {
	return s.sessions.Issue(ctx, identityID)
}

// ResumeFromToken exchanges a reconnect token for its identity and a rotated
// replacement token. Rate limited per presented token so an attacker cannot
// grind the token space.
func (s *Service) ResumeFromToken(ctx context.Context, token string) (*identity.Identity, string, error) {
	if err := s.allow(ctx, "resume_session", "resume:"+limiterKey(token), s.limits.ResumeSession); err != nil {
		return nil, "", err
	}
	rec, next, err := s.sessions.Resume(ctx, token)
	if err != nil {
		return nil, "", err
	}
	return identityView(rec), next, nil
}

// allow consumes one rate-limit unit. A limiter storage failure is a denial.
func (s *Service) allow(ctx context.Context, operation, key string, limit OperationLimit) error {
	if s.limiter == nil {
		return nil
	}
	res, err := s.limiter.Check(ctx, key, limit.Limit, limit.Window)
	if err != nil {
		s.logger.Error("rate limiter unavailable, denying", "operation", operation, "err", err.Error())
		return fmt.Errorf("service: %s: %w", operation, ratelimiter.ErrStorageUnavailable)
	}
	if !res.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimitRejects.WithLabelValues(operation).Inc()
		}
		return &RateLimitedError{Operation: operation, RetryAfter: res.RetryAfter}
	}
	return nil
}

func identityView(rec *storage.IdentityRecord) *identity.Identity {
	return &identity.Identity{
		PublicKey: rec.PubKey,
		Custody:   identity.Custody(rec.Custody),
		CreatedAt: rec.CreatedAt,
	}
}

// limiterKey hashes attacker-supplied material before it becomes a storage
// key.
func limiterKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// authReason maps a verification failure to a bounded metric label.
func authReason(err error) string {
	switch {
	case errors.Is(err, event.ErrWrongKind):
		return "wrong_kind"
	case errors.Is(err, event.ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, event.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, event.ErrAuthorMismatch):
		return "author_mismatch"
	case errors.Is(err, event.ErrTimestampFuture):
		return "timestamp_future"
	case errors.Is(err, event.ErrTimestampStale):
		return "timestamp_stale"
	case errors.Is(err, event.ErrURLMismatch):
		return "url_mismatch"
	case errors.Is(err, event.ErrMethodMismatch):
		return "method_mismatch"
	default:
		return "malformed"
	}
}
