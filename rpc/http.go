package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deedvault/core/events"
	"deedvault/native/common"
	"deedvault/native/deed"
	"deedvault/native/escrow"
	"deedvault/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	authTokenEnv    = "DEEDVAULT_RPC_TOKEN"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeUnauthorized   = -32001
	codeServerError    = -32000

	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowNotReady      = -32024
	codeEscrowSettlement    = -32025
	codeEscrowPaused        = -32026
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Server exposes the escrow registry over JSON-RPC 2.0. State-changing
// methods require the bearer token from DEEDVAULT_RPC_TOKEN; accessors are
// open.
type Server struct {
	engine    *escrow.Engine
	deeds     *deed.Registry
	eventFeed *events.Buffer
	logger    *slog.Logger
	metrics   *observability.EscrowMetrics
	authToken string
}

func NewServer(engine *escrow.Engine, deeds *deed.Registry, feed *events.Buffer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		deeds:     deeds,
		eventFeed: feed,
		logger:    logger,
		metrics:   observability.Escrow(),
		authToken: strings.TrimSpace(os.Getenv(authTokenEnv)),
	}
}

// Router assembles the HTTP surface: the RPC endpoint plus health and metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/rpc", s.handle)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			slog.String("requestId", requestID),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(started)),
		)
	})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "read_error", err.Error())
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request_too_large", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "parse_error", err.Error())
		return
	}
	if req.JSONRPC != jsonRPCVersion || strings.TrimSpace(req.Method) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "invalid_request", nil)
		return
	}
	s.dispatch(w, r, &req)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	started := time.Now()
	handler, ok := s.handlers()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method_not_found", req.Method)
		return
	}
	outcome := handler(w, r, req)
	s.metrics.Observe(req.Method, outcome, time.Since(started))
}

type handlerFunc func(http.ResponseWriter, *http.Request, *RPCRequest) string

func (s *Server) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"escrow_list":             s.authorized(s.handleList),
		"escrow_depositEarnest":   s.authorized(s.handleDepositEarnest),
		"escrow_fund":             s.authorized(s.handleFund),
		"escrow_updateInspection": s.authorized(s.handleUpdateInspection),
		"escrow_approveSale":      s.authorized(s.handleApproveSale),
		"escrow_finalizeSale":     s.authorized(s.handleFinalizeSale),
		"escrow_cancelSale":       s.authorized(s.handleCancelSale),
		"escrow_get":              s.handleGet,
		"escrow_balance":          s.handleBalance,
		"escrow_roles":            s.handleRoles,
		"escrow_events":           s.authorized(s.handleEvents),
		"deed_mint":               s.authorized(s.handleDeedMint),
		"deed_approve":            s.authorized(s.handleDeedApprove),
		"deed_ownerOf":            s.handleDeedOwnerOf,
	}
}

func (s *Server) authorized(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, req *RPCRequest) string {
		if err := s.requireAuth(r); err != nil {
			writeError(w, http.StatusUnauthorized, req.ID, err.Code, err.Message, err.Data)
			s.metrics.RecordError(req.Method, err.Code)
			return "unauthorized"
		}
		return next(w, r, req)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "rpc auth token not configured"}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "unauthorized", Data: "invalid bearer token"}
	}
	return nil
}

// writeEngineError maps module errors onto the escrow RPC code space.
func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) string {
	var (
		status  = http.StatusInternalServerError
		code    = codeServerError
		message = "internal_error"
	)
	switch {
	case errors.Is(err, escrow.ErrNotAuthorized):
		status, code, message = http.StatusForbidden, codeEscrowForbidden, "forbidden"
	case errors.Is(err, escrow.ErrNoSuchListing), errors.Is(err, deed.ErrUnknownToken):
		status, code, message = http.StatusNotFound, codeEscrowNotFound, "not_found"
	case errors.Is(err, deed.ErrNotOwner), errors.Is(err, deed.ErrNotOperator):
		status, code, message = http.StatusForbidden, codeEscrowForbidden, "forbidden"
	case errors.Is(err, escrow.ErrNotReady):
		status, code, message = http.StatusConflict, codeEscrowNotReady, "not_ready"
	case errors.Is(err, escrow.ErrAssetTransferFailed), errors.Is(err, escrow.ErrSettlementFailed):
		status, code, message = http.StatusConflict, codeEscrowSettlement, "settlement_failed"
	case errors.Is(err, common.ErrModulePaused):
		status, code, message = http.StatusServiceUnavailable, codeEscrowPaused, "module_paused"
	}
	writeError(w, status, req.ID, code, message, err.Error())
	s.metrics.RecordError(req.Method, code)
	return message
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}
