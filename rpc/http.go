package rpc

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rentledger/core"
	"rentledger/native/common"
	"rentledger/native/market"
	"rentledger/native/rental"
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
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020

	codeInvalidBid     = -32030
	codeNotFound       = -32031
	codeConflict       = -32032
	codeInvalidState   = -32033
	codeCustodyFailure = -32034
)

// Server exposes the marketplace engines over JSON-RPC. Mutating methods
// require the bearer token when one is configured; read methods are open.
type Server struct {
	node *core.Node

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	burst     int
	authToken string
}

// NewServer constructs an RPC server around the node. An empty token
// disables authentication, which is only appropriate for local development.
func NewServer(node *core.Node, authToken string) *Server {
	return &Server{
		node:      node,
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rate.Every(time.Second / 20),
		burst:     40,
		authToken: strings.TrimSpace(authToken),
	}
}

// Handler returns the HTTP handler serving the RPC endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
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

// writeEngineError maps engine sentinel errors onto the RPC error codes so
// callers can distinguish retryable conflicts from terminal failures.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, market.ErrInvalidBid):
		writeError(w, http.StatusBadRequest, id, codeInvalidBid, err.Error(), nil)
	case errors.Is(err, market.ErrNotFound), errors.Is(err, rental.ErrNotFound):
		writeError(w, http.StatusNotFound, id, codeNotFound, err.Error(), nil)
	case errors.Is(err, market.ErrConflict), errors.Is(err, rental.ErrConflict):
		writeError(w, http.StatusConflict, id, codeConflict, err.Error(), nil)
	case errors.Is(err, rental.ErrInvalidState):
		writeError(w, http.StatusConflict, id, codeInvalidState, err.Error(), nil)
	case errors.Is(err, rental.ErrCustodyFailure):
		writeError(w, http.StatusBadGateway, id, codeCustodyFailure, err.Error(), nil)
	case errors.Is(err, common.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, id, codeConflict, err.Error(), nil)
	case errors.Is(err, common.ErrQuotaRequestsExceeded), errors.Is(err, common.ErrQuotaHoursExceeded):
		writeError(w, http.StatusTooManyRequests, id, codeRateLimited, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, err.Error(), nil)
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid bearer token"}
	}
	return nil
}

func (s *Server) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(s.rateLimit, s.burst)
		s.limiters[host] = limiter
	}
	return limiter.Allow()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	if !s.allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read request body", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC request", nil)
		return
	}

	switch req.Method {
	// Reads.
	case "market_getListing":
		s.handleGetListing(w, r, &req)
	case "market_rankedBids":
		s.handleRankedBids(w, r, &req)
	case "market_highestBid":
		s.handleHighestBid(w, r, &req)
	case "market_bidFor":
		s.handleBidFor(w, r, &req)
	case "rental_get":
		s.handleRentalGet(w, r, &req)
	case "rental_listEvents":
		s.handleListEvents(w, r, &req)
	// Writes.
	case "market_createListing":
		s.authed(w, r, &req, s.handleCreateListing)
	case "market_setListingStatus":
		s.authed(w, r, &req, s.handleSetListingStatus)
	case "market_placeBid":
		s.authed(w, r, &req, s.handlePlaceBid)
	case "market_withdrawBid":
		s.authed(w, r, &req, s.handleWithdrawBid)
	case "market_acceptBid":
		s.authed(w, r, &req, s.handleAcceptBid)
	case "market_rejectBid":
		s.authed(w, r, &req, s.handleRejectBid)
	case "rental_completeStep":
		s.authed(w, r, &req, s.handleCompleteStep)
	case "rental_forceSettle":
		s.authed(w, r, &req, s.handleForceSettle)
	case "rental_cancel":
		s.authed(w, r, &req, s.handleRentalCancel)
	case "rental_default":
		s.authed(w, r, &req, s.handleRentalDefault)
	case "rental_evaluate":
		s.authed(w, r, &req, s.handleRentalEvaluate)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func (s *Server) authed(w http.ResponseWriter, r *http.Request, req *RPCRequest, fn func(http.ResponseWriter, *http.Request, *RPCRequest)) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, nil)
		return
	}
	fn(w, r, req)
}

func decodeParams(req *RPCRequest, target interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	return json.Unmarshal(req.Params[0], target)
}

func parseHash(value string) ([32]byte, error) {
	var out [32]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(cleaned)
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("invalid 32-byte hex identifier")
	}
	copy(out[:], decoded)
	return out, nil
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	cleaned := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(cleaned)
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("invalid 20-byte hex address")
	}
	copy(out[:], decoded)
	return out, nil
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal amount")
	}
	return amount, nil
}

func hashHex(id [32]byte) string   { return "0x" + hex.EncodeToString(id[:]) }
func addrHex(addr [20]byte) string { return "0x" + hex.EncodeToString(addr[:]) }
