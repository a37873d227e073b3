// Package rpcpool implements a ranked, self-verifying pool of JSON-RPC
// endpoints per chain. Endpoints are scored from their error history,
// backup level and periodic verification results; calls are dispatched
// to the best-scoring allowed endpoint and demoted on transport failure.
package rpcpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
)

// Request is a single JSON-RPC 2.0 request.
type Request struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type wireRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Response is a single JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a single JSON-RPC HTTP endpoint.
type Client struct {
	Endpoint   string
	httpClient *http.Client
	requestID  atomic.Int64
}

// NewClient builds a Client for one HTTP(S) JSON-RPC endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		Endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Call issues a single JSON-RPC request and decodes its result into out.
// Errors are classified: a transport-level failure (dial, timeout,
// non-2xx, malformed body) is wrapped as chainerr.Transport so the pool
// demotes the endpoint; a well-formed JSON-RPC error object is wrapped as
// chainerr.Semantic since the endpoint behaved correctly in relaying it.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := c.requestID.Add(1)
	body, err := json.Marshal(wireRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return chainerr.Invariant(fmt.Sprintf("failed to marshal rpc request: %v", err), 0)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return chainerr.Transport("failed to build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return chainerr.Transport(fmt.Sprintf("rpc call %s to %s failed", method, c.Endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return chainerr.Transport(fmt.Sprintf("rpc endpoint %s returned status %d", c.Endpoint, resp.StatusCode), nil)
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return chainerr.Transport(fmt.Sprintf("rpc endpoint %s returned malformed body", c.Endpoint), err)
	}

	if rpcResp.Error != nil {
		return chainerr.Semantic(classifyRPCError(rpcResp.Error), rpcResp.Error.Error(), rpcResp.Error)
	}

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return chainerr.Transport(fmt.Sprintf("rpc endpoint %s returned unparsable result", c.Endpoint), err)
		}
	}
	return nil
}

// classifyRPCError maps well-known JSON-RPC error messages onto
// SemanticReason. Anything unrecognized is left as SemanticUnknown; the
// caller still treats it as non-penalizing since the endpoint correctly
// reported a chain-level rejection.
func classifyRPCError(e *RPCError) chainerr.SemanticReason {
	switch {
	case containsAny(e.Message, "nonce too low"):
		return chainerr.SemanticNonceTooLow
	case containsAny(e.Message, "already known"):
		return chainerr.SemanticAlreadyKnown
	case containsAny(e.Message, "replacement transaction underpriced", "underpriced"):
		return chainerr.SemanticUnderpriced
	case containsAny(e.Message, "insufficient funds"):
		return chainerr.SemanticInsufficientFunds
	case containsAny(e.Message, "revert", "execution reverted"):
		return chainerr.SemanticRevert
	default:
		return chainerr.SemanticUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexFold(s, sub) >= 0 {
			return true
		}
	}
	return false
}

// indexFold is a tiny case-insensitive substring search, avoiding a
// strings.ToLower allocation on the hot error path.
func indexFold(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		match := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], sub[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
