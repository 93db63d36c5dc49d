package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"harvest/core"
	nativecommon "harvest/native/common"
	"harvest/native/farming"
	"harvest/native/flash"
	"harvest/native/oracle"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

// Server terminates the JSON-RPC surface over a single endpoint. Mutating
// methods require the bearer token; restricted methods additionally carry a
// signed admin envelope verified by the node.
type Server struct {
	node *core.Node

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	ratePerS  rate.Limit
	burst     int
	authToken string
}

// NewServer constructs a server over the node. The bearer token is read from
// HARVEST_RPC_TOKEN; an empty token disables the mutating surface.
func NewServer(node *core.Node) *Server {
	return &Server{
		node:      node,
		limiters:  make(map[string]*rate.Limiter),
		ratePerS:  rate.Limit(10),
		burst:     20,
		authToken: strings.TrimSpace(os.Getenv("HARVEST_RPC_TOKEN")),
	}
}

// SetRateLimit overrides the per-source request rate and burst.
func (s *Server) SetRateLimit(perSecond float64, burst int) {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratePerS = rate.Limit(perSecond)
	s.burst = burst
	s.limiters = make(map[string]*rate.Limiter)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Start serves the RPC endpoint until the listener fails.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Handler())
	return http.ListenAndServe(addr, mux)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeNodeError maps ledger sentinels onto RPC error codes.
func writeNodeError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, farming.ErrInvalidPool):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "unknown pool", err.Error())
	case errors.Is(err, farming.ErrInvalidAmount),
		errors.Is(err, farming.ErrInvalidRange),
		errors.Is(err, farming.ErrFeeTooHigh),
		errors.Is(err, flash.ErrInvalidAmount),
		errors.Is(err, flash.ErrFeeTooHigh),
		errors.Is(err, oracle.ErrInvalidPrice):
		writeError(w, http.StatusBadRequest, id, codeInvalidParams, "invalid parameters", err.Error())
	case errors.Is(err, core.ErrUnauthorized),
		errors.Is(err, core.ErrBadNonce),
		errors.Is(err, core.ErrBadSignature),
		errors.Is(err, core.ErrMethodMismatch):
		writeError(w, http.StatusUnauthorized, id, codeUnauthorized, "envelope rejected", err.Error())
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusConflict, id, codeServerError, "module paused", err.Error())
	default:
		writeError(w, http.StatusOK, id, codeServerError, "operation failed", err.Error())
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if !s.allowSource(clientSource(r)) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "farm_getPool":
		s.handleGetPool(w, req)
	case "farm_getPools":
		s.handleGetPools(w, req)
	case "farm_getPosition":
		s.handleGetPosition(w, req)
	case "farm_pendingReward":
		s.handlePendingReward(w, req)
	case "farm_getAccount":
		s.handleGetAccount(w, req)
	case "farm_settlePool":
		s.handleSettlePool(w, req)
	case "farm_settlePools":
		s.handleSettlePools(w, req)
	case "flash_getConfig":
		s.handleFlashGetConfig(w, req)
	case "flash_getFees":
		s.handleFlashGetFees(w, req)
	case "oracle_getPrice":
		s.handleOracleGetPrice(w, req)
	case "farm_deposit":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleDeposit(w, req)
	case "farm_withdraw":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleWithdraw(w, req)
	case "farm_emergencyWithdraw":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleEmergencyWithdraw(w, req)
	case "farm_liquidate":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleLiquidate(w, req)
	case core.MethodAddPool,
		core.MethodSetPool,
		core.MethodSetEmission,
		core.MethodSetLiquidationPrice,
		core.MethodSetAuthorizedCaller,
		core.MethodSetPaused,
		core.MethodSetFlashConfig,
		core.MethodWithdrawFlashFees,
		core.MethodSubmitPrice:
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleAdmin(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(s.ratePerS, s.burst)
		s.limiters[source] = limiter
	}
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
