package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"devstr/go-backend/internal/event"
	"devstr/go-backend/internal/identity"
	"devstr/go-backend/internal/relay"
	"devstr/go-backend/internal/republish"
	"devstr/go-backend/internal/service"
)

type fakeOps struct {
	proveErr     error
	publishErr   error
	resumeErr    error
	republishErr error
	lastPublish  service.PublishRequest
}

func (f *fakeOps) ProveIdentity(_ context.Context, req service.AuthRequest) (*identity.Identity, error) {
	if f.proveErr != nil {
		return nil, f.proveErr
	}
	return &identity.Identity{PublicKey: req.PubKey, Custody: identity.CustodySelfHeld, CreatedAt: time.Now()}, nil
}

func (f *fakeOps) CreatePlatformIdentity(context.Context) (*identity.Identity, error) {
	return &identity.Identity{PublicKey: strings.Repeat("ab", 32), Custody: identity.CustodyPlatformHeld}, nil
}

func (f *fakeOps) ExportRecoveryPhrase(context.Context, string) (string, error) {
	return "abandon abandon ability", nil
}

func (f *fakeOps) LinkSelfHeldKey(context.Context, uuid.UUID, string) error { return nil }

func (f *fakeOps) PublishMessage(_ context.Context, req service.PublishRequest) (*event.Event, relay.Receipt, error) {
	f.lastPublish = req
	if f.publishErr != nil {
		return nil, relay.Receipt{}, f.publishErr
	}
	ev := &event.Event{ID: "event-id", PubKey: req.AuthorPubKey}
	return ev, relay.Receipt{EventID: "event-id", Results: []relay.Result{{Endpoint: "wss://a", Accepted: true}}}, nil
}

func (f *fakeOps) Republish(_ context.Context, _ string, _ republish.Request) (*event.Event, relay.Receipt, error) {
	if f.republishErr != nil {
		return nil, relay.Receipt{}, f.republishErr
	}
	return &event.Event{ID: "new-id"}, relay.Receipt{}, nil
}

func (f *fakeOps) IssueReconnectToken(context.Context, uuid.UUID) (string, error) {
	return "plaintext-token", nil
}

func (f *fakeOps) ResumeFromToken(context.Context, string) (*identity.Identity, string, error) {
	if f.resumeErr != nil {
		return nil, "", f.resumeErr
	}
	return &identity.Identity{PublicKey: strings.Repeat("cd", 32)}, "next-token", nil
}

func callRPC(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	srv.HandleRPC(rec, req)
	return rec
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHealthCheck(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeOps{}, nil)
	resp := decodeRPC(t, callRPC(t, srv, `{"jsonrpc":"2.0","id":1,"method":"health_check"}`))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestMalformedRequests(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeOps{}, nil)

	for name, tc := range map[string]struct {
		body string
		code int
	}{
		"garbage":        {"{not json", -32700},
		"wrong version":  {`{"jsonrpc":"1.0","id":1,"method":"health_check"}`, -32600},
		"missing method": {`{"jsonrpc":"2.0","id":1}`, -32600},
		"trailing junk":  {`{"jsonrpc":"2.0","id":1,"method":"health_check"}{}`, -32600},
		"unknown method": {`{"jsonrpc":"2.0","id":1,"method":"drop_tables"}`, -32601},
	} {
		t.Run(name, func(t *testing.T) {
			resp := decodeRPC(t, callRPC(t, srv, tc.body))
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %+v", tc.code, resp.Error)
			}
		})
	}
}

func TestRejectsNonPost(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeOps{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	srv.HandleRPC(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestProveIdentityErrorStaysGeneric(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeOps{proveErr: service.ErrAuthenticationFailed}, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"identity_prove","params":{"pubkey":"abc","url":"https://x","method":"POST"}}`
	resp := decodeRPC(t, callRPC(t, srv, body))
	if resp.Error == nil || resp.Error.Code != codeAuthenticationFailed {
		t.Fatalf("expected auth failure code, got %+v", resp.Error)
	}
	if resp.Error.Message != "authentication failed" {
		t.Fatalf("auth error must not carry a reason: %q", resp.Error.Message)
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeOps{
		proveErr: &service.RateLimitedError{Operation: "prove_identity", RetryAfter: 42 * time.Second},
	}, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"identity_prove","params":{"pubkey":"abc"}}`
	resp := decodeRPC(t, callRPC(t, srv, body))
	if resp.Error == nil || resp.Error.Code != codeRateLimited {
		t.Fatalf("expected rate limit code, got %+v", resp.Error)
	}
	data, ok := resp.Error.Data.(map[string]any)
	if !ok || data["retry_after_seconds"] != float64(42) {
		t.Fatalf("retry-after missing: %+v", resp.Error.Data)
	}
}

func TestPublishMessageMapsDraft(t *testing.T) {
	ops := &fakeOps{}
	srv := NewServer("127.0.0.1:0", ops, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"publish_message","params":{
		"author_pubkey":"abc","kind":30023,
		"draft":{"identifier":"res-1","title":"Intro","type":"video","video_url":"https://youtu.be/abc12345678",
			"lessons":[{"kind":30023,"author_pubkey":"abc","identifier":"l1"}]}}}`
	resp := decodeRPC(t, callRPC(t, srv, body))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if ops.lastPublish.Draft.Identifier != "res-1" || ops.lastPublish.Draft.VideoURL != "https://youtu.be/abc12345678" {
		t.Fatalf("draft not mapped: %+v", ops.lastPublish.Draft)
	}
	if len(ops.lastPublish.Draft.Lessons) != 1 || ops.lastPublish.Draft.Lessons[0].Identifier != "l1" {
		t.Fatalf("lessons not mapped: %+v", ops.lastPublish.Draft.Lessons)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	for name, tc := range map[string]struct {
		ops  *fakeOps
		body string
		code int
	}{
		"private key required": {
			&fakeOps{publishErr: republish.ErrPrivateKeyRequired},
			`{"jsonrpc":"2.0","id":1,"method":"publish_message","params":{"author_pubkey":"abc","draft":{"identifier":"x"}}}`,
			codePrivateKeyRequired,
		},
		"no endpoint accepted": {
			&fakeOps{publishErr: &relay.NoEndpointAcceptedError{}},
			`{"jsonrpc":"2.0","id":1,"method":"publish_message","params":{"author_pubkey":"abc","draft":{"identifier":"x"}}}`,
			codeNoEndpointAccepted,
		},
		"field mismatch": {
			&fakeOps{republishErr: republish.ErrFieldMismatch},
			`{"jsonrpc":"2.0","id":1,"method":"publish_republish","params":{"identifier":"x"}}`,
			codeRepublishRejected,
		},
		"invalid token": {
			&fakeOps{resumeErr: service.ErrInvalidToken},
			`{"jsonrpc":"2.0","id":1,"method":"session_resume","params":{"token":"nope"}}`,
			codeInvalidToken,
		},
	} {
		t.Run(name, func(t *testing.T) {
			srv := NewServer("127.0.0.1:0", tc.ops, nil)
			resp := decodeRPC(t, callRPC(t, srv, tc.body))
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %+v", tc.code, resp.Error)
			}
		})
	}
}

func TestBodySizeLimit(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeOps{}, nil)
	huge := `{"jsonrpc":"2.0","id":1,"method":"health_check","params":{"pad":"` +
		strings.Repeat("x", int(maxRPCBodyBytes)+1) + `"}}`
	rec := callRPC(t, srv, huge)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
