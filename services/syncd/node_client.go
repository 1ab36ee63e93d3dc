package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// CustodyClient is the read side of the bridge. It tails the custody
// ledger's event feed.
type CustodyClient interface {
	FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, uint64, error)
}

// ReceiptClient is the write side of the bridge. Every mutation carries
// an oracle signature produced by the daemon's key.
type ReceiptClient interface {
	ReceiptMint(ctx context.Context, req ReceiptMintRequest) error
	ReceiptUpdateStatus(ctx context.Context, req ReceiptStatusRequest) error
	ReceiptGet(ctx context.Context, escrowID string) (*ReceiptState, error)
}

// RPCNodeClient implements both client sides against a trustmesh
// JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeError carries the structured error returned by the remote ledger
// so callers can distinguish permanent rejections from transient ones.
type NodeError struct {
	Code    int
	Message string
	Detail  string
}

func (e *NodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("node rpc error %s: %s", e.Message, e.Detail)
	}
	return fmt.Sprintf("node rpc error %s", e.Message)
}

// IsNodeCondition reports whether err is a NodeError with the supplied
// message, e.g. "conflict" or "not_found".
func IsNodeCondition(err error, message string) bool {
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) {
		return false
	}
	return nodeErr.Message == message
}

// NodeEvent mirrors an entry from the custody ledger's event feed.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

type syncEventsResult struct {
	Events []NodeEvent `json:"events"`
	Latest uint64      `json:"latest"`
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, afterSeq uint64, limit int) ([]NodeEvent, uint64, error) {
	params := map[string]interface{}{
		"after": afterSeq,
	}
	if limit > 0 {
		params["limit"] = limit
	}
	var result syncEventsResult
	if err := c.call(ctx, "sync_events", []interface{}{params}, &result); err != nil {
		return nil, 0, err
	}
	return result.Events, result.Latest, nil
}

// ReceiptMintRequest is the signed mint payload forwarded to the
// receipt ledger.
type ReceiptMintRequest struct {
	EscrowID    string `json:"escrowId"`
	PayerRef    string `json:"payerRef"`
	PayeeRef    string `json:"payeeRef"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Signature   string `json:"signature"`
}

// ReceiptStatusRequest is the signed status payload forwarded to the
// receipt ledger.
type ReceiptStatusRequest struct {
	EscrowID  string `json:"escrowId"`
	Status    string `json:"status"`
	Score     *uint8 `json:"score,omitempty"`
	Signature string `json:"signature"`
}

// ReceiptState mirrors the JSON returned by the receipt ledger.
type ReceiptState struct {
	EscrowID       string `json:"escrowId"`
	PayerRef       string `json:"payerRef"`
	PayeeRef       string `json:"payeeRef"`
	Owner          string `json:"owner"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status"`
	Score          *uint8 `json:"score,omitempty"`
	TransferLocked bool   `json:"transferLocked"`
	MintedAt       int64  `json:"mintedAt"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func (c *RPCNodeClient) ReceiptMint(ctx context.Context, req ReceiptMintRequest) error {
	return c.call(ctx, "receipt_mint", []interface{}{req}, nil)
}

func (c *RPCNodeClient) ReceiptUpdateStatus(ctx context.Context, req ReceiptStatusRequest) error {
	return c.call(ctx, "receipt_updateStatus", []interface{}{req}, nil)
}

func (c *RPCNodeClient) ReceiptGet(ctx context.Context, escrowID string) (*ReceiptState, error) {
	var result ReceiptState
	if err := c.call(ctx, "receipt_get", []interface{}{map[string]string{"escrowId": escrowID}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp jsonRPCResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&rpcResp); decodeErr != nil {
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
		}
		return decodeErr
	}
	if rpcResp.Error != nil {
		detail := ""
		if len(rpcResp.Error.Data) > 0 {
			var s string
			if err := json.Unmarshal(rpcResp.Error.Data, &s); err == nil {
				detail = s
			} else {
				detail = string(rpcResp.Error.Data)
			}
		}
		return &NodeError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message, Detail: detail}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
