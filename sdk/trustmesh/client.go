// Package trustmesh provides a typed client for the trustmesh JSON-RPC
// surface. It covers the custody ledger, the receipt ledger and the
// combined event feed.
package trustmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client talks to a trustmesh node over JSON-RPC.
type Client struct {
	endpoint  string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// Option customises client construction.
type Option func(*Client)

// WithAuthToken attaches a bearer token to write methods.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.authToken = strings.TrimSpace(token) }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// NewClient builds a client for the given RPC endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RPCError is a structured error returned by the node.
type RPCError struct {
	Code    int
	Message string
	Detail  string
}

func (e *RPCError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rpc error %s: %s", e.Message, e.Detail)
	}
	return fmt.Sprintf("rpc error %s", e.Message)
}

// HasMessage reports whether err is an RPCError carrying the given
// message label, e.g. "not_found" or "soulbound".
func HasMessage(err error, message string) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Message == message
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	wrapped := []interface{}{}
	if params != nil {
		wrapped = append(wrapped, params)
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  wrapped,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode rpc response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		detail := ""
		if len(decoded.Error.Data) > 0 {
			var s string
			if err := json.Unmarshal(decoded.Error.Data, &s); err == nil {
				detail = s
			} else {
				detail = string(decoded.Error.Data)
			}
		}
		return &RPCError{Code: decoded.Error.Code, Message: decoded.Error.Message, Detail: detail}
	}
	if out == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return errors.New("rpc response missing result")
	}
	return json.Unmarshal(decoded.Result, out)
}
