package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NodeClient speaks JSON-RPC to the rentledgerd node. Each gateway request is
// proxied as exactly one node call.
type NodeClient struct {
	url        string
	authToken  string
	httpClient *http.Client
}

func NewNodeClient(url, authToken string) *NodeClient {
	return &NodeClient{
		url:       url,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a node-side failure surfaced to the gateway caller.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method with a single params object and decodes the result into
// out when out is non-nil.
func (c *NodeClient) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload := rpcRequest{JSONRPC: "2.0", ID: time.Now().UnixNano(), Method: method}
	if params != nil {
		payload.Params = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call node: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read node response: %w", err)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decode node result: %w", err)
		}
	}
	return nil
}

// NodeEvent mirrors the rental_listEvents wire shape.
type NodeEvent struct {
	Sequence int64 `json:"sequence"`
	Event    struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}

// ListEvents fetches events with sequence greater than after.
func (c *NodeClient) ListEvents(ctx context.Context, after int64, limit int) ([]NodeEvent, error) {
	params := map[string]interface{}{"after": after, "limit": limit}
	var result []NodeEvent
	if err := c.Call(ctx, "rental_listEvents", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
