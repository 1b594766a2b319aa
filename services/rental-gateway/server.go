package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Server exposes the marketplace over REST, translating each route into a
// single node RPC call. The authenticated wallet address is always the actor
// the node sees; callers cannot act on behalf of other addresses.
type Server struct {
	auth   *Authenticator
	node   *NodeClient
	store  *Storage
	logger *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	ratePerS  float64
	burst     int
}

func NewServer(auth *Authenticator, node *NodeClient, store *Storage, logger *slog.Logger, ratePerSecond float64, burst int) *Server {
	return &Server{
		auth:     auth,
		node:     node,
		store:    store,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		ratePerS: ratePerSecond,
		burst:    burst,
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/listings", s.handleCreateListing)
		r.Get("/listings/{listingId}", s.handleGetListing)
		r.Post("/listings/{listingId}/status", s.handleSetListingStatus)
		r.Post("/listings/{listingId}/bids", s.handlePlaceBid)
		r.Get("/listings/{listingId}/bids", s.handleRankedBids)
		r.Get("/listings/{listingId}/bids/top", s.handleHighestBid)
		r.Get("/listings/{listingId}/bids/mine", s.handleOwnBid)
		r.Get("/listings/{listingId}/rental", s.handleGetRentalByListing)
		r.Delete("/bids/{bidId}", s.handleWithdrawBid)
		r.Post("/bids/{bidId}/accept", s.handleAcceptBid)
		r.Post("/bids/{bidId}/reject", s.handleRejectBid)

		r.Get("/rentals/{agreementId}", s.handleGetRental)
		r.Post("/rentals/{agreementId}/steps/{step}/complete", s.handleCompleteStep)
		r.Post("/rentals/{agreementId}/settle", s.handleForceSettle)
		r.Post("/rentals/{agreementId}/evaluate", s.handleEvaluate)
	})
	return r
}

type callerKeyType struct{}

var callerKey callerKeyType

func callerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, "", http.StatusUnauthorized, "authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerFrom(r.Context())
		s.limiterMu.Lock()
		limiter, ok := s.limiters[caller]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(s.ratePerS), s.burst)
			s.limiters[caller] = limiter
		}
		s.limiterMu.Unlock()
		if !limiter.Allow() {
			s.writeError(w, r, caller, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// proxy forwards a single node call, honouring the Idempotency-Key header for
// writes: a retried request with the same key and body replays the stored
// response, a reused key with a different body is rejected.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, method string, params map[string]interface{}) {
	caller := callerFrom(r.Context())
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	var requestHash string
	if key != "" {
		encoded, err := json.Marshal(params)
		if err != nil {
			s.writeError(w, r, caller, http.StatusInternalServerError, "encode request")
			return
		}
		sum := sha256.Sum256(append([]byte(method+"\n"), encoded...))
		requestHash = hex.EncodeToString(sum[:])
		if stored, err := s.store.LookupIdempotency(key); err == nil {
			if stored.Caller != caller || stored.RequestHash != requestHash {
				s.writeError(w, r, caller, http.StatusConflict, "idempotency key reused with a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(stored.StatusCode)
			w.Write(stored.Body)
			return
		} else if !errors.Is(err, errNoRecord) {
			s.writeError(w, r, caller, http.StatusInternalServerError, "idempotency lookup failed")
			return
		}
	}

	var result json.RawMessage
	err := s.node.Call(r.Context(), method, params, &result)
	status := http.StatusOK
	var body []byte
	if err != nil {
		status, body = nodeErrorResponse(err)
	} else {
		body = result
		if len(body) == 0 {
			body = []byte("null")
		}
	}
	if key != "" {
		rec := StoredResponse{Caller: caller, RequestHash: requestHash, StatusCode: status, Body: body}
		if err := s.store.SaveIdempotency(key, rec); err != nil {
			s.logger.Warn("persist idempotency record failed", "error", err)
		}
	}
	if err := s.store.Audit(caller, r.Method, r.URL.Path, status); err != nil {
		s.logger.Warn("audit append failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// nodeErrorResponse maps node RPC error codes onto HTTP statuses.
func nodeErrorResponse(err error) (int, []byte) {
	status := http.StatusBadGateway
	message := "node unavailable"
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		message = rpcErr.Message
		switch rpcErr.Code {
		case -32602, -32030:
			status = http.StatusBadRequest
		case -32031:
			status = http.StatusNotFound
		case -32032, -32033:
			status = http.StatusConflict
		case -32001:
			status = http.StatusBadGateway
			message = "node rejected gateway credentials"
		case -32020:
			status = http.StatusTooManyRequests
		default:
			status = http.StatusInternalServerError
		}
	}
	body, _ := json.Marshal(map[string]string{"error": message})
	return status, body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, caller string, status int, message string) {
	if caller != "" {
		if err := s.store.Audit(caller, r.Method, r.URL.Path, status); err != nil {
			s.logger.Warn("audit append failed", "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, callerFrom(r.Context()), http.StatusBadRequest, "read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		s.writeError(w, r, callerFrom(r.Context()), http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HourlyRate string `json:"hourlyRate"`
		Collateral string `json:"collateral"`
		Nonce      string `json:"nonce"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.proxy(w, r, "market_createListing", map[string]interface{}{
		"owner":      callerFrom(r.Context()),
		"hourlyRate": body.HourlyRate,
		"collateral": body.Collateral,
		"nonce":      body.Nonce,
	})
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "market_getListing", map[string]interface{}{
		"id": chi.URLParam(r, "listingId"),
	})
}

func (s *Server) handleSetListingStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.proxy(w, r, "market_setListingStatus", map[string]interface{}{
		"id":     chi.URLParam(r, "listingId"),
		"status": body.Status,
	})
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RatePerHour   string `json:"ratePerHour"`
		DurationHours uint64 `json:"durationHours"`
		Message       string `json:"message"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.proxy(w, r, "market_placeBid", map[string]interface{}{
		"bidder":        callerFrom(r.Context()),
		"listingId":     chi.URLParam(r, "listingId"),
		"ratePerHour":   body.RatePerHour,
		"durationHours": body.DurationHours,
		"message":       body.Message,
	})
}

func (s *Server) handleRankedBids(w http.ResponseWriter, r *http.Request) {
	params := map[string]interface{}{
		"listingId": chi.URLParam(r, "listingId"),
	}
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		params["cursor"] = cursor
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, r, callerFrom(r.Context()), http.StatusBadRequest, "invalid limit")
			return
		}
		params["limit"] = limit
	}
	s.proxy(w, r, "market_rankedBids", params)
}

func (s *Server) handleHighestBid(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "market_highestBid", map[string]interface{}{
		"id": chi.URLParam(r, "listingId"),
	})
}

func (s *Server) handleOwnBid(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "market_bidFor", map[string]interface{}{
		"listingId": chi.URLParam(r, "listingId"),
		"bidder":    callerFrom(r.Context()),
	})
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "market_withdrawBid", map[string]interface{}{
		"id":     chi.URLParam(r, "bidId"),
		"caller": callerFrom(r.Context()),
	})
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "market_acceptBid", map[string]interface{}{
		"id":     chi.URLParam(r, "bidId"),
		"caller": callerFrom(r.Context()),
	})
}

func (s *Server) handleRejectBid(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "market_rejectBid", map[string]interface{}{
		"id":     chi.URLParam(r, "bidId"),
		"caller": callerFrom(r.Context()),
	})
}

func (s *Server) handleGetRental(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "rental_get", map[string]interface{}{
		"id": chi.URLParam(r, "agreementId"),
	})
}

func (s *Server) handleGetRentalByListing(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "rental_get", map[string]interface{}{
		"listingId": chi.URLParam(r, "listingId"),
	})
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step <= 0 || step > 255 {
		s.writeError(w, r, callerFrom(r.Context()), http.StatusBadRequest, "invalid step number")
		return
	}
	var body struct {
		Evidence string `json:"evidence"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.proxy(w, r, "rental_completeStep", map[string]interface{}{
		"id":         chi.URLParam(r, "agreementId"),
		"stepNumber": step,
		"caller":     callerFrom(r.Context()),
		"evidence":   body.Evidence,
	})
}

func (s *Server) handleForceSettle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Evidence string `json:"evidence"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.proxy(w, r, "rental_forceSettle", map[string]interface{}{
		"id":       chi.URLParam(r, "agreementId"),
		"evidence": body.Evidence,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, "rental_evaluate", map[string]interface{}{
		"id": chi.URLParam(r, "agreementId"),
	})
}
