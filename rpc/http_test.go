package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"trustmesh/core"
	"trustmesh/crypto"
	"trustmesh/native/receipt"
	"trustmesh/storage"
)

const testToken = "test-token"

type testHarness struct {
	server    *Server
	node      *core.Node
	oracleKey *crypto.PrivateKey
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	oracleKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate oracle key: %v", err)
	}
	node, err := core.NewNode(storage.NewMemDB(), core.Options{
		Oracle: oracleKey.PubKey().Address(crypto.ReceiptPrefix).Fixed(),
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	server := NewServer(node)
	server.SetAuthToken(testToken)
	return &testHarness{server: server, node: node, oracleKey: oracleKey}
}

func (h *testHarness) call(t *testing.T, method string, authed bool, params ...interface{}) (*RPCResponse, int) {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		rawParams = append(rawParams, raw)
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  rawParams,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.server.Handle(rec, req)

	resp := &RPCResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp, rec.Code
}

func TestSetAuthTokenConcurrentWithRequests(t *testing.T) {
	h := newTestHarness(t)
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"escrow_release","params":[]}`)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.server.SetAuthToken(testToken)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			req := httptest.NewRequest("POST", "/", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+testToken)
			h.server.Handle(httptest.NewRecorder(), req)
		}
	}()
	wg.Wait()

	// The token must still authenticate after the churn.
	resp, status := h.call(t, "escrow_release", true, map[string]interface{}{})
	if status == 401 {
		t.Fatalf("auth rejected after concurrent token updates: %+v", resp.Error)
	}
}

func decodeResult(t *testing.T, resp *RPCResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func custodyAddr(fill byte) string {
	var b [20]byte
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(crypto.CustodyPrefix, b[:]).String()
}

func receiptAddr(fill byte) string {
	var b [20]byte
	for i := range b {
		b[i] = fill
	}
	return crypto.NewAddress(crypto.ReceiptPrefix, b[:]).String()
}

func createEscrow(t *testing.T, h *testHarness) string {
	t.Helper()
	resp, status := h.call(t, "escrow_create", true, map[string]interface{}{
		"payer":       custodyAddr(0x01),
		"payee":       custodyAddr(0x02),
		"arbiter":     custodyAddr(0x03),
		"amount":      "1000",
		"deadline":    1_800_000_000,
		"description": "website build",
		"nonce":       "deal-1",
	})
	if resp.Error != nil || status != 200 {
		t.Fatalf("escrow_create failed: %+v (status %d)", resp.Error, status)
	}
	var result escrowCreateResult
	decodeResult(t, resp, &result)
	if len(result.ID) != 66 {
		t.Fatalf("unexpected escrow id %q", result.ID)
	}
	return result.ID
}

func TestWriteMethodsRequireAuth(t *testing.T) {
	h := newTestHarness(t)
	resp, status := h.call(t, "escrow_create", false, map[string]interface{}{})
	if status != 401 || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got status %d error %+v", status, resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newTestHarness(t)
	resp, status := h.call(t, "escrow_explode", false)
	if status != 404 || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got status %d error %+v", status, resp.Error)
	}
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	h := newTestHarness(t)
	id := createEscrow(t, h)

	resp, _ := h.call(t, "escrow_deposit", true, map[string]interface{}{
		"id": id, "caller": custodyAddr(0x01), "value": "1000",
	})
	if resp.Error != nil {
		t.Fatalf("deposit: %+v", resp.Error)
	}

	resp, _ = h.call(t, "escrow_balance", false, map[string]interface{}{"id": id})
	if resp.Error != nil {
		t.Fatalf("balance: %+v", resp.Error)
	}
	var balance escrowBalanceResult
	decodeResult(t, resp, &balance)
	if balance.Balance != "1000" {
		t.Fatalf("expected funded vault, got %q", balance.Balance)
	}

	resp, _ = h.call(t, "escrow_release", true, map[string]interface{}{
		"id": id, "caller": custodyAddr(0x01),
	})
	if resp.Error != nil {
		t.Fatalf("release: %+v", resp.Error)
	}

	resp, _ = h.call(t, "escrow_get", false, map[string]interface{}{"id": id})
	if resp.Error != nil {
		t.Fatalf("get: %+v", resp.Error)
	}
	var esc escrowJSON
	decodeResult(t, resp, &esc)
	if esc.Status != "released" {
		t.Fatalf("expected released escrow, got %q", esc.Status)
	}
}

func TestEscrowErrorMapping(t *testing.T) {
	h := newTestHarness(t)
	id := createEscrow(t, h)

	// Release before funding is a state conflict.
	resp, status := h.call(t, "escrow_release", true, map[string]interface{}{
		"id": id, "caller": custodyAddr(0x01),
	})
	if status != 409 || resp.Error == nil || resp.Error.Code != codeEscrowConflict {
		t.Fatalf("expected conflict, got status %d error %+v", status, resp.Error)
	}

	// Payee cannot release at all.
	if _, depositStatus := h.call(t, "escrow_deposit", true, map[string]interface{}{
		"id": id, "caller": custodyAddr(0x01), "value": "1000",
	}); depositStatus != 200 {
		t.Fatalf("deposit status %d", depositStatus)
	}
	resp, status = h.call(t, "escrow_release", true, map[string]interface{}{
		"id": id, "caller": custodyAddr(0x02),
	})
	if status != 403 || resp.Error == nil || resp.Error.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden, got status %d error %+v", status, resp.Error)
	}

	resp, status = h.call(t, "escrow_get", false, map[string]interface{}{
		"id": "0x" + string(bytes.Repeat([]byte{'f'}, 64)),
	})
	if status != 404 || resp.Error == nil || resp.Error.Code != codeEscrowNotFound {
		t.Fatalf("expected not found, got status %d error %+v", status, resp.Error)
	}
}

func (h *testHarness) signedMintParams(t *testing.T, escrowID string) map[string]interface{} {
	t.Helper()
	var payerRef, payeeRef [20]byte
	for i := range payerRef {
		payerRef[i] = 0x11
		payeeRef[i] = 0x22
	}
	digest := receipt.MintDigest(escrowID, payerRef, payeeRef, payeeRef, big.NewInt(1000), "website build")
	sig, err := h.oracleKey.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]interface{}{
		"escrowId":    escrowID,
		"payerRef":    crypto.NewAddress(crypto.ReceiptPrefix, payerRef[:]).String(),
		"payeeRef":    crypto.NewAddress(crypto.ReceiptPrefix, payeeRef[:]).String(),
		"amount":      "1000",
		"description": "website build",
		"signature":   "0x" + hex.EncodeToString(sig),
	}
}

func TestReceiptMintAndStatusOverRPC(t *testing.T) {
	h := newTestHarness(t)
	escrowID := "0xabc123"

	resp, status := h.call(t, "receipt_mint", true, h.signedMintParams(t, escrowID))
	if resp.Error != nil || status != 200 {
		t.Fatalf("mint: %+v (status %d)", resp.Error, status)
	}
	var rec receiptJSON
	decodeResult(t, resp, &rec)
	if rec.Status != "active" || !rec.TransferLocked {
		t.Fatalf("unexpected minted receipt: %+v", rec)
	}

	// Duplicate mint maps to conflict.
	resp, status = h.call(t, "receipt_mint", true, h.signedMintParams(t, escrowID))
	if status != 409 || resp.Error == nil || resp.Error.Code != codeReceiptConflict {
		t.Fatalf("expected conflict on duplicate mint, got status %d error %+v", status, resp.Error)
	}

	score := uint8(90)
	digest := receipt.StatusDigest(escrowID, receipt.StatusReleased, &score)
	sig, err := h.oracleKey.Sign(digest[:])
	if err != nil {
		t.Fatalf("sign status: %v", err)
	}
	resp, _ = h.call(t, "receipt_updateStatus", true, map[string]interface{}{
		"escrowId":  escrowID,
		"status":    "released",
		"score":     score,
		"signature": "0x" + hex.EncodeToString(sig),
	})
	if resp.Error != nil {
		t.Fatalf("updateStatus: %+v", resp.Error)
	}
	decodeResult(t, resp, &rec)
	if rec.Status != "released" || rec.TransferLocked || rec.Score == nil || *rec.Score != 90 {
		t.Fatalf("unexpected updated receipt: %+v", rec)
	}

	resp, _ = h.call(t, "receipt_transfer", true, map[string]interface{}{
		"escrowId": escrowID,
		"caller":   receiptAddr(0x22),
		"to":       receiptAddr(0x33),
	})
	if resp.Error != nil {
		t.Fatalf("transfer: %+v", resp.Error)
	}
	decodeResult(t, resp, &rec)
	if rec.Owner != receiptAddr(0x33) {
		t.Fatalf("ownership did not move: %+v", rec)
	}
}

func TestReceiptSoulboundMapping(t *testing.T) {
	h := newTestHarness(t)
	escrowID := "0xdef456"
	if resp, _ := h.call(t, "receipt_mint", true, h.signedMintParams(t, escrowID)); resp.Error != nil {
		t.Fatalf("mint: %+v", resp.Error)
	}

	resp, status := h.call(t, "receipt_transfer", true, map[string]interface{}{
		"escrowId": escrowID,
		"caller":   receiptAddr(0x22),
		"to":       receiptAddr(0x33),
	})
	if status != 409 || resp.Error == nil || resp.Error.Code != codeReceiptSoulbound {
		t.Fatalf("expected soulbound conflict, got status %d error %+v", status, resp.Error)
	}
}

func TestSyncEventsFeed(t *testing.T) {
	h := newTestHarness(t)
	id := createEscrow(t, h)
	if resp, _ := h.call(t, "escrow_deposit", true, map[string]interface{}{
		"id": id, "caller": custodyAddr(0x01), "value": "1000",
	}); resp.Error != nil {
		t.Fatalf("deposit: %+v", resp.Error)
	}

	resp, _ := h.call(t, "sync_events", false, map[string]interface{}{"after": 0})
	if resp.Error != nil {
		t.Fatalf("sync_events: %+v", resp.Error)
	}
	var feed syncEventsResult
	decodeResult(t, resp, &feed)
	if len(feed.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(feed.Events))
	}
	if feed.Events[0].Type != "escrow.created" || feed.Events[1].Type != "escrow.deposited" {
		t.Fatalf("unexpected event order: %+v", feed.Events)
	}
	if feed.Latest != feed.Events[1].Sequence {
		t.Fatalf("latest sequence mismatch: %+v", feed)
	}

	// Pagination from the cursor.
	resp, _ = h.call(t, "sync_events", false, map[string]interface{}{"after": feed.Events[0].Sequence})
	decodeResult(t, resp, &feed)
	if len(feed.Events) != 1 || feed.Events[0].Type != "escrow.deposited" {
		t.Fatalf("cursor paging broken: %+v", feed.Events)
	}
}
