package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testWallet = "0xabababababababababababababababababababab"

// fakeNode stands in for rentledgerd: it answers JSON-RPC calls with canned
// results or errors and records what the gateway sent.
type fakeNode struct {
	mu      sync.Mutex
	calls   []rpcRequest
	respond func(method string, params map[string]interface{}) (interface{}, *RPCError)
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var params map[string]interface{}
	if len(req.Params) == 1 {
		params, _ = req.Params[0].(map[string]interface{})
	}
	n.mu.Lock()
	n.calls = append(n.calls, req)
	n.mu.Unlock()

	result, rpcErr := n.respond(req.Method, params)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, call := range n.calls {
		if call.Method == method {
			count++
		}
	}
	return count
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := OpenStorage(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, node *fakeNode) (*httptest.Server, *Storage) {
	t.Helper()
	nodeSrv := httptest.NewServer(node)
	t.Cleanup(nodeSrv.Close)
	store := newTestStorage(t)
	server := NewServer(NewAuthenticator(testSecret), NewNodeClient(nodeSrv.URL, ""), store, discardLogger(), 100, 100)
	gw := httptest.NewServer(server.Router())
	t.Cleanup(gw.Close)
	return gw, store
}

func bearerToken(t *testing.T) string {
	t.Helper()
	return "Bearer " + signedToken(t, testSecret, jwt.MapClaims{
		"sub": testWallet,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}

func gatewayRequest(t *testing.T, gw *httptest.Server, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, gw.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", bearerToken(t))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := gw.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestRoutesRequireAuthentication(t *testing.T) {
	node := &fakeNode{respond: func(string, map[string]interface{}) (interface{}, *RPCError) {
		return map[string]string{}, nil
	}}
	gw, _ := newTestGateway(t, node)

	resp, err := gw.Client().Post(gw.URL+"/listings", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if node.callCount("market_createListing") != 0 {
		t.Fatalf("node must not see unauthenticated requests")
	}
}

func TestIdempotentCreateReplaysStoredResponse(t *testing.T) {
	node := &fakeNode{respond: func(method string, params map[string]interface{}) (interface{}, *RPCError) {
		if method != "market_createListing" {
			return nil, &RPCError{Code: -32601, Message: "unexpected method"}
		}
		if params["owner"] != testWallet {
			return nil, &RPCError{Code: -32602, Message: "owner mismatch"}
		}
		return map[string]string{"id": "0x0101", "status": "available"}, nil
	}}
	gw, _ := newTestGateway(t, node)

	body := `{"hourlyRate":"100","collateral":"500","nonce":"0x01"}`
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := gatewayRequest(t, gw, http.MethodPost, "/listings", body, headers)
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first create: status %d body %s", first.StatusCode, firstBody)
	}
	if first.Header.Get("X-Idempotent-Replay") != "" {
		t.Fatalf("first response must not be a replay")
	}

	second := gatewayRequest(t, gw, http.MethodPost, "/listings", body, headers)
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()
	if second.StatusCode != http.StatusOK {
		t.Fatalf("replay: status %d", second.StatusCode)
	}
	if second.Header.Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("expected replay marker header")
	}
	if string(firstBody) != string(secondBody) {
		t.Fatalf("replayed body differs: %s vs %s", firstBody, secondBody)
	}
	if got := node.callCount("market_createListing"); got != 1 {
		t.Fatalf("expected one node call, got %d", got)
	}
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	node := &fakeNode{respond: func(string, map[string]interface{}) (interface{}, *RPCError) {
		return map[string]string{"id": "0x0101"}, nil
	}}
	gw, _ := newTestGateway(t, node)

	headers := map[string]string{"Idempotency-Key": "key-1"}
	first := gatewayRequest(t, gw, http.MethodPost, "/listings", `{"hourlyRate":"100","collateral":"500","nonce":"0x01"}`, headers)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first create: status %d", first.StatusCode)
	}

	second := gatewayRequest(t, gw, http.MethodPost, "/listings", `{"hourlyRate":"999","collateral":"500","nonce":"0x02"}`, headers)
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", second.StatusCode)
	}
	if got := node.callCount("market_createListing"); got != 1 {
		t.Fatalf("conflicting retry must not reach the node, got %d calls", got)
	}
}

func TestNodeErrorsMapToHTTPStatuses(t *testing.T) {
	cases := []struct {
		name       string
		code       int
		wantStatus int
	}{
		{"invalid params", -32602, http.StatusBadRequest},
		{"invalid bid", -32030, http.StatusBadRequest},
		{"not found", -32031, http.StatusNotFound},
		{"conflict", -32032, http.StatusConflict},
		{"invalid state", -32033, http.StatusConflict},
		{"node rate limited", -32020, http.StatusTooManyRequests},
		{"bad gateway credentials", -32001, http.StatusBadGateway},
		{"server error", -32000, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			node := &fakeNode{respond: func(string, map[string]interface{}) (interface{}, *RPCError) {
				return nil, &RPCError{Code: tc.code, Message: "node says no"}
			}}
			gw, _ := newTestGateway(t, node)

			resp := gatewayRequest(t, gw, http.MethodGet, "/listings/0x0101", "", nil)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("code %d: expected status %d, got %d (%s)", tc.code, tc.wantStatus, resp.StatusCode, body)
			}
		})
	}
}

func TestProxyAuditsCalls(t *testing.T) {
	node := &fakeNode{respond: func(string, map[string]interface{}) (interface{}, *RPCError) {
		return map[string]string{"id": "0x0101"}, nil
	}}
	gw, store := newTestGateway(t, node)

	resp := gatewayRequest(t, gw, http.MethodGet, "/listings/0x0101", "", nil)
	resp.Body.Close()

	row := store.db.QueryRow(`SELECT caller, method, path, status_code FROM audit_log`)
	var caller, method, path string
	var status int
	if err := row.Scan(&caller, &method, &path, &status); err != nil {
		t.Fatalf("read audit row: %v", err)
	}
	if caller != testWallet || method != http.MethodGet || path != "/listings/0x0101" || status != http.StatusOK {
		t.Fatalf("unexpected audit row: %s %s %s %d", caller, method, path, status)
	}
}

func TestWatcherPersistsAndForwardsEvents(t *testing.T) {
	events := []NodeEvent{}
	for i := int64(1); i <= 2; i++ {
		var evt NodeEvent
		evt.Sequence = i
		evt.Event.Type = "market.bid.placed"
		evt.Event.Attributes = map[string]string{"listingId": "0101"}
		events = append(events, evt)
	}
	node := &fakeNode{respond: func(method string, params map[string]interface{}) (interface{}, *RPCError) {
		if method != "rental_listEvents" {
			return nil, &RPCError{Code: -32601, Message: "unexpected method"}
		}
		after, _ := params["after"].(float64)
		batch := []NodeEvent{}
		for _, evt := range events {
			if evt.Sequence > int64(after) {
				batch = append(batch, evt)
			}
		}
		return batch, nil
	}}
	nodeSrv := httptest.NewServer(node)
	t.Cleanup(nodeSrv.Close)

	store := newTestStorage(t)
	queue := NewWebhookQueue("http://webhook.invalid/hook", 8, discardLogger())
	watcher := NewWatcher(NewNodeClient(nodeSrv.URL, ""), store, queue, time.Second, discardLogger())

	if err := watcher.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	cursor, err := store.LastEventSequence()
	if err != nil || cursor != 2 {
		t.Fatalf("expected cursor 2, got %d (%v)", cursor, err)
	}
	first, ok := queue.next()
	if !ok || first.Sequence != 1 || first.Type != "market.bid.placed" {
		t.Fatalf("unexpected first queued event: %+v", first)
	}
	second, ok := queue.next()
	if !ok || second.Sequence != 2 {
		t.Fatalf("unexpected second queued event: %+v", second)
	}

	// A second poll resumes from the stored cursor and finds nothing new.
	if err := watcher.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if _, ok := queue.next(); ok {
		t.Fatalf("expected no re-enqueued events after catch-up")
	}
}
