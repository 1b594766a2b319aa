package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rentledger/core"
	"rentledger/storage"
)

const testAuthToken = "test-token"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	node := core.NewNode(storage.NewMemDB(), core.Options{})
	server := NewServer(node, testAuthToken)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func rpcCall(t *testing.T, ts *httptest.Server, token, method string, params interface{}) (*RPCResponse, int) {
	t.Helper()
	req := map[string]interface{}{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, ts.URL, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpResp, err := ts.Client().Do(httpReq)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	defer httpResp.Body.Close()
	var resp RPCResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return &resp, httpResp.StatusCode
}

func decodeResult(t *testing.T, resp *RPCResponse, target interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("remarshal result: %v", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func testHexAddress(last byte) string {
	return "0x" + strings.Repeat("00", 19) + fmt.Sprintf("%02x", last)
}

func testHexNonce(last byte) string {
	return "0x" + strings.Repeat("00", 31) + fmt.Sprintf("%02x", last)
}

func TestHandleRejectsNonPost(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHandleRejectsMalformedJSON(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Post(ts.URL, "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", rpcResp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	ts := newTestServer(t)
	resp, status := rpcCall(t, ts, "", "market_unknown", map[string]string{})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestWriteMethodsRequireBearerToken(t *testing.T) {
	ts := newTestServer(t)
	params := map[string]interface{}{
		"owner":      testHexAddress(0x01),
		"hourlyRate": "100",
		"collateral": "500",
		"nonce":      testHexNonce(0x01),
	}

	resp, status := rpcCall(t, ts, "", "market_createListing", params)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", resp.Error)
	}

	resp, status = rpcCall(t, ts, "wrong-token", "market_createListing", params)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", resp.Error)
	}
}

func TestReadMethodsAreOpen(t *testing.T) {
	ts := newTestServer(t)
	resp, status := rpcCall(t, ts, "", "market_getListing", map[string]string{"id": testHexNonce(0x01)})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown listing, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeNotFound {
		t.Fatalf("expected not-found error, got %+v", resp.Error)
	}
}

func TestParamsMustBeSingleObject(t *testing.T) {
	ts := newTestServer(t)
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"market_getListing","params":[{"id":"%s"},{}]}`, testHexNonce(0x01))
	resp, err := ts.Client().Post(ts.URL, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid-params error, got %+v", rpcResp.Error)
	}
}

func TestCreateListingValidatesArguments(t *testing.T) {
	ts := newTestServer(t)
	cases := []struct {
		name   string
		params map[string]interface{}
	}{
		{"short owner", map[string]interface{}{"owner": "0xabcd", "hourlyRate": "100", "collateral": "500", "nonce": testHexNonce(0x01)}},
		{"negative rate", map[string]interface{}{"owner": testHexAddress(0x01), "hourlyRate": "-5", "collateral": "500", "nonce": testHexNonce(0x01)}},
		{"non-decimal collateral", map[string]interface{}{"owner": testHexAddress(0x01), "hourlyRate": "100", "collateral": "abc", "nonce": testHexNonce(0x01)}},
		{"bad nonce", map[string]interface{}{"owner": testHexAddress(0x01), "hourlyRate": "100", "collateral": "500", "nonce": "0x12"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := rpcCall(t, ts, testAuthToken, "market_createListing", tc.params)
			if resp.Error == nil || resp.Error.Code != codeInvalidParams {
				t.Fatalf("expected invalid-params error, got %+v", resp.Error)
			}
		})
	}
}

func TestMarketplaceFlow(t *testing.T) {
	ts := newTestServer(t)
	owner := testHexAddress(0x01)
	bidder := testHexAddress(0x02)

	var listing listingJSON
	resp, _ := rpcCall(t, ts, testAuthToken, "market_createListing", map[string]interface{}{
		"owner":      owner,
		"hourlyRate": "100",
		"collateral": "500",
		"nonce":      testHexNonce(0x01),
	})
	decodeResult(t, resp, &listing)
	if listing.Status != "available" {
		t.Fatalf("expected available listing, got %q", listing.Status)
	}

	var fetched listingJSON
	resp, _ = rpcCall(t, ts, "", "market_getListing", map[string]string{"id": listing.ID})
	decodeResult(t, resp, &fetched)
	if fetched.ID != listing.ID || fetched.Owner != owner {
		t.Fatalf("unexpected listing: %+v", fetched)
	}

	var bid bidJSON
	resp, _ = rpcCall(t, ts, testAuthToken, "market_placeBid", map[string]interface{}{
		"listingId":     listing.ID,
		"bidder":        bidder,
		"ratePerHour":   "120",
		"durationHours": 10,
		"message":       "weekend project",
	})
	decodeResult(t, resp, &bid)
	if bid.Total != "1200" {
		t.Fatalf("expected total 1200, got %s", bid.Total)
	}

	var highest bidJSON
	resp, _ = rpcCall(t, ts, "", "market_highestBid", map[string]string{"id": listing.ID})
	decodeResult(t, resp, &highest)
	if highest.ID != bid.ID {
		t.Fatalf("expected bid %s on top, got %s", bid.ID, highest.ID)
	}

	var accepted bidJSON
	resp, _ = rpcCall(t, ts, testAuthToken, "market_acceptBid", map[string]string{
		"id":     bid.ID,
		"caller": owner,
	})
	decodeResult(t, resp, &accepted)
	if !accepted.Accepted {
		t.Fatalf("expected accepted bid, got %+v", accepted)
	}

	var agreement agreementJSON
	resp, _ = rpcCall(t, ts, "", "rental_get", map[string]string{"listingId": listing.ID})
	decodeResult(t, resp, &agreement)
	if agreement.Status != "active" {
		t.Fatalf("expected active agreement, got %q", agreement.Status)
	}
	if agreement.BidID != bid.ID || agreement.Lender != owner || agreement.Renter != bidder {
		t.Fatalf("unexpected agreement parties: %+v", agreement)
	}
	if agreement.Fee != "1200" || agreement.Collateral != "500" {
		t.Fatalf("unexpected agreement amounts: fee=%s collateral=%s", agreement.Fee, agreement.Collateral)
	}
	if agreement.CurrentStep != 2 {
		t.Fatalf("expected delivery step active, got %d", agreement.CurrentStep)
	}
	if len(agreement.Steps) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(agreement.Steps))
	}
	if agreement.Steps[0].Status != "completed" {
		t.Fatalf("expected agreement step completed, got %q", agreement.Steps[0].Status)
	}

	resp, _ = rpcCall(t, ts, "", "market_getListing", map[string]string{"id": listing.ID})
	decodeResult(t, resp, &fetched)
	if fetched.Status != "rented" || fetched.Renter != bidder {
		t.Fatalf("expected rented listing for %s, got %+v", bidder, fetched)
	}
}

func TestAcceptBidConflictMapsToConflictCode(t *testing.T) {
	ts := newTestServer(t)
	owner := testHexAddress(0x01)

	var listing listingJSON
	resp, _ := rpcCall(t, ts, testAuthToken, "market_createListing", map[string]interface{}{
		"owner":      owner,
		"hourlyRate": "100",
		"collateral": "500",
		"nonce":      testHexNonce(0x02),
	})
	decodeResult(t, resp, &listing)

	var first, second bidJSON
	resp, _ = rpcCall(t, ts, testAuthToken, "market_placeBid", map[string]interface{}{
		"listingId":     listing.ID,
		"bidder":        testHexAddress(0x02),
		"ratePerHour":   "100",
		"durationHours": 5,
	})
	decodeResult(t, resp, &first)
	resp, _ = rpcCall(t, ts, testAuthToken, "market_placeBid", map[string]interface{}{
		"listingId":     listing.ID,
		"bidder":        testHexAddress(0x03),
		"ratePerHour":   "200",
		"durationHours": 5,
	})
	decodeResult(t, resp, &second)

	resp, _ = rpcCall(t, ts, testAuthToken, "market_acceptBid", map[string]string{"id": second.ID, "caller": owner})
	if resp.Error != nil {
		t.Fatalf("accept bid: %+v", resp.Error)
	}

	resp, status := rpcCall(t, ts, testAuthToken, "market_acceptBid", map[string]string{"id": first.ID, "caller": owner})
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if resp.Error == nil || resp.Error.Code != codeConflict {
		t.Fatalf("expected conflict error, got %+v", resp.Error)
	}
}

func TestListEventsReturnsFeedEntries(t *testing.T) {
	ts := newTestServer(t)

	var listing listingJSON
	resp, _ := rpcCall(t, ts, testAuthToken, "market_createListing", map[string]interface{}{
		"owner":      testHexAddress(0x01),
		"hourlyRate": "100",
		"collateral": "500",
		"nonce":      testHexNonce(0x03),
	})
	decodeResult(t, resp, &listing)

	var entries []struct {
		Sequence int64 `json:"sequence"`
		Event    struct {
			Type       string            `json:"type"`
			Attributes map[string]string `json:"attributes"`
		} `json:"event"`
	}
	resp, _ = rpcCall(t, ts, "", "rental_listEvents", map[string]interface{}{"after": 0, "limit": 10})
	decodeResult(t, resp, &entries)
	if len(entries) != 1 {
		t.Fatalf("expected one event, got %d", len(entries))
	}
	if entries[0].Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", entries[0].Sequence)
	}
	if entries[0].Event.Type != "market.listing.created" {
		t.Fatalf("unexpected event type: %q", entries[0].Event.Type)
	}
	if got := entries[0].Event.Attributes["id"]; got != strings.TrimPrefix(listing.ID, "0x") {
		t.Fatalf("unexpected event attributes: %+v", entries[0].Event.Attributes)
	}
}
