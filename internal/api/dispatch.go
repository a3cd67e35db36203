package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devstr/go-backend/internal/event"
	"devstr/go-backend/internal/identity"
	"devstr/go-backend/internal/relay"
	"devstr/go-backend/internal/republish"
	"devstr/go-backend/internal/service"
	"devstr/go-backend/internal/session"
)

// RPC error codes beyond the JSON-RPC reserved range. Authentication stays a
// single generic code on purpose.
const (
	codeInternal             = -32000
	codeAuthenticationFailed = -32001
	codeRateLimited          = -32002
	codePrivateKeyRequired   = -32003
	codeRepublishRejected    = -32004
	codeInvalidToken         = -32005
	codeNoEndpointAccepted   = -32006
	codeInvalidInput         = -32007
)

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "identity_prove":
		return s.rpcProveIdentity(ctx, params)
	case "identity_create_platform":
		return s.rpcCreatePlatformIdentity(ctx)
	case "identity_export_phrase":
		return s.rpcExportRecoveryPhrase(ctx, params)
	case "identity_link_key":
		return s.rpcLinkSelfHeldKey(ctx, params)
	case "publish_message":
		return s.rpcPublishMessage(ctx, params)
	case "publish_republish":
		return s.rpcRepublish(ctx, params)
	case "session_issue_token":
		return s.rpcIssueToken(ctx, params)
	case "session_resume":
		return s.rpcResume(ctx, params)
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	}
}

type identityResult struct {
	PublicKey string    `json:"public_key"`
	Custody   string    `json:"custody"`
	CreatedAt time.Time `json:"created_at"`
}

func toIdentityResult(ident *identity.Identity) identityResult {
	return identityResult{
		PublicKey: ident.PublicKey,
		Custody:   string(ident.Custody),
		CreatedAt: ident.CreatedAt,
	}
}

type proveParams struct {
	Proof  *event.Event `json:"proof"`
	PubKey string       `json:"pubkey"`
	URL    string       `json:"url"`
	Method string       `json:"method"`
}

func (s *Server) rpcProveIdentity(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p proveParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ident, err := s.service.ProveIdentity(ctx, service.AuthRequest{
		Proof:  p.Proof,
		PubKey: p.PubKey,
		URL:    p.URL,
		Method: p.Method,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return toIdentityResult(ident), nil
}

func (s *Server) rpcCreatePlatformIdentity(ctx context.Context) (any, *rpcError) {
	ident, err := s.service.CreatePlatformIdentity(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return toIdentityResult(ident), nil
}

type pubkeyParams struct {
	PubKey string `json:"pubkey"`
}

func (s *Server) rpcExportRecoveryPhrase(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p pubkeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	phrase, err := s.service.ExportRecoveryPhrase(ctx, p.PubKey)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"recovery_phrase": phrase}, nil
}

type linkKeyParams struct {
	IdentityID string `json:"identity_id"`
	PubKey     string `json:"pubkey"`
}

func (s *Server) rpcLinkSelfHeldKey(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p linkKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.IdentityID)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidInput, Message: "identity_id is not a uuid"}
	}
	if err := s.service.LinkSelfHeldKey(ctx, id, p.PubKey); err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"status": "linked"}, nil
}

type draftParams struct {
	Identifier string       `json:"identifier"`
	Title      string       `json:"title"`
	Summary    string       `json:"summary"`
	Name       string       `json:"name"`
	About      string       `json:"about"`
	Image      string       `json:"image"`
	Price      int64        `json:"price"`
	Currency   string       `json:"currency"`
	Topics     []string     `json:"topics"`
	Type       string       `json:"type"`
	VideoURL   string       `json:"video_url"`
	Links      []string     `json:"links"`
	Body       string       `json:"body"`
	Lessons    []lessonItem `json:"lessons"`
}

type lessonItem struct {
	Kind         int    `json:"kind"`
	AuthorPubKey string `json:"author_pubkey"`
	Identifier   string `json:"identifier"`
}

func (p draftParams) toDraft() event.Draft {
	lessons := make([]event.LessonRef, 0, len(p.Lessons))
	for _, l := range p.Lessons {
		lessons = append(lessons, event.LessonRef{
			Kind:         l.Kind,
			AuthorPubKey: l.AuthorPubKey,
			Identifier:   l.Identifier,
		})
	}
	return event.Draft{
		Identifier: p.Identifier,
		Title:      p.Title,
		Summary:    p.Summary,
		Name:       p.Name,
		About:      p.About,
		Image:      p.Image,
		Price:      p.Price,
		Currency:   p.Currency,
		Topics:     p.Topics,
		Type:       p.Type,
		VideoURL:   p.VideoURL,
		Links:      p.Links,
		Body:       p.Body,
		Lessons:    lessons,
	}
}

type publishParams struct {
	AuthorPubKey string       `json:"author_pubkey"`
	Kind         int          `json:"kind"`
	Draft        draftParams  `json:"draft"`
	SignedEvent  *event.Event `json:"signed_event,omitempty"`
}

type publishResult struct {
	Event    *event.Event `json:"event"`
	Accepted []string     `json:"accepted_relays"`
	Partial  bool         `json:"partial_failure"`
}

func (s *Server) rpcPublishMessage(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p publishParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ev, receipt, err := s.service.PublishMessage(ctx, service.PublishRequest{
		AuthorPubKey: p.AuthorPubKey,
		Kind:         p.Kind,
		Draft:        p.Draft.toDraft(),
		SignedEvent:  p.SignedEvent,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return publishResult{Event: ev, Accepted: receipt.AcceptedEndpoints(), Partial: receipt.PartialFailure()}, nil
}

type republishParams struct {
	Identifier  string       `json:"identifier"`
	Price       int64        `json:"price"`
	Currency    string       `json:"currency"`
	Type        string       `json:"type"`
	VideoURL    string       `json:"video_url"`
	SignedEvent *event.Event `json:"signed_event,omitempty"`
}

func (s *Server) rpcRepublish(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p republishParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ev, receipt, err := s.service.Republish(ctx, p.Identifier, republish.Request{
		Identifier: p.Identifier,
		Fields: republish.DeclaredFields{
			Price:    p.Price,
			Currency: p.Currency,
			Type:     p.Type,
			VideoURL: p.VideoURL,
		},
		SignedEvent: p.SignedEvent,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return publishResult{Event: ev, Accepted: receipt.AcceptedEndpoints(), Partial: receipt.PartialFailure()}, nil
}

type issueTokenParams struct {
	IdentityID string `json:"identity_id"`
}

func (s *Server) rpcIssueToken(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p issueTokenParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(p.IdentityID)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidInput, Message: "identity_id is not a uuid"}
	}
	token, err := s.service.IssueReconnectToken(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]string{"token": token}, nil
}

type resumeParams struct {
	Token string `json:"token"`
}

func (s *Server) rpcResume(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p resumeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ident, next, err := s.service.ResumeFromToken(ctx, p.Token)
	if err != nil {
		return nil, mapError(err)
	}
	return map[string]any{
		"identity": toIdentityResult(ident),
		"token":    next,
	}, nil
}

func decodeParams(raw json.RawMessage, out any) *rpcError {
	if len(raw) == 0 {
		return &rpcError{Code: -32602, Message: "params required"}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &rpcError{Code: -32602, Message: "invalid params"}
	}
	return nil
}

// mapError translates the service error taxonomy to wire codes. The generic
// authentication error stays generic here too.
func mapError(err error) *rpcError {
	var limited *service.RateLimitedError
	if errors.As(err, &limited) {
		return &rpcError{
			Code:    codeRateLimited,
			Message: "rate limited",
			Data:    map[string]any{"retry_after_seconds": int(limited.RetryAfter.Seconds())},
		}
	}
	switch {
	case errors.Is(err, service.ErrAuthenticationFailed):
		return &rpcError{Code: codeAuthenticationFailed, Message: "authentication failed"}
	case errors.Is(err, service.ErrRateLimited):
		return &rpcError{Code: codeRateLimited, Message: "rate limited"}
	case errors.Is(err, republish.ErrPrivateKeyRequired):
		return &rpcError{Code: codePrivateKeyRequired, Message: "private key required"}
	case errors.Is(err, republish.ErrFieldMismatch),
		errors.Is(err, republish.ErrIdentifierMismatch),
		errors.Is(err, republish.ErrAuthorMismatch),
		errors.Is(err, republish.ErrInvalidProof):
		return &rpcError{Code: codeRepublishRejected, Message: err.Error()}
	case errors.Is(err, session.ErrInvalidToken):
		return &rpcError{Code: codeInvalidToken, Message: "invalid token"}
	case errors.Is(err, relay.ErrNoEndpointAccepted):
		return &rpcError{Code: codeNoEndpointAccepted, Message: "no relay accepted the event"}
	case errors.Is(err, identity.ErrInvalidPublicKey),
		errors.Is(err, identity.ErrInvalidEncoding),
		errors.Is(err, event.ErrMissingIdentifier),
		errors.Is(err, event.ErrMissingPrice):
		return &rpcError{Code: codeInvalidInput, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternal, Message: fmt.Sprintf("internal error: %s", errKind(err))}
	}
}

// errKind keeps internal failures out of responses while staying greppable.
func errKind(err error) string {
	if err == nil {
		return "unknown"
	}
	return fmt.Sprintf("%T", err)
}
