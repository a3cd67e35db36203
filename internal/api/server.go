// Package api exposes the platform operations over a local JSON-RPC 2.0
// endpoint. The transport is deliberately small: one POST route, bounded
// request bodies, and error codes that never leak more than the service
// layer's own taxonomy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"devstr/go-backend/internal/event"
	"devstr/go-backend/internal/identity"
	"devstr/go-backend/internal/relay"
	"devstr/go-backend/internal/republish"
	"devstr/go-backend/internal/service"
)

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

// Operations is the slice of the service layer the RPC surface dispatches to.
type Operations interface {
	ProveIdentity(ctx context.Context, req service.AuthRequest) (*identity.Identity, error)
	CreatePlatformIdentity(ctx context.Context) (*identity.Identity, error)
	ExportRecoveryPhrase(ctx context.Context, pubkey string) (string, error)
	LinkSelfHeldKey(ctx context.Context, identityID uuid.UUID, newPubKey string) error
	PublishMessage(ctx context.Context, req service.PublishRequest) (*event.Event, relay.Receipt, error)
	Republish(ctx context.Context, identifier string, req republish.Request) (*event.Event, relay.Receipt, error)
	IssueReconnectToken(ctx context.Context, identityID uuid.UUID) (string, error)
	ResumeFromToken(ctx context.Context, token string) (*identity.Identity, string, error)
}

type Server struct {
	addr    string
	service Operations
	logger  *slog.Logger
}

func NewServer(addr string, svc Operations, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, service: svc, logger: logger}
}

// Run serves the RPC endpoint until the context ends.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.HandleRPC)

	srv := &http.Server{Addr: s.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("rpc endpoint listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32600, Message: "invalid request"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32600, Message: "invalid request"}})
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Warn("rpc failed", "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.logger.Info("rpc ok", "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
