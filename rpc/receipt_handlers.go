package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"trustmesh/crypto"
	"trustmesh/native/receipt"
)

const (
	codeReceiptInvalidParams = -32031
	codeReceiptNotFound      = -32032
	codeReceiptForbidden     = -32033
	codeReceiptConflict      = -32034
	codeReceiptSoulbound     = -32035
	codeReceiptInternal      = -32036
)

type receiptMintParams struct {
	EscrowID    string `json:"escrowId"`
	PayerRef    string `json:"payerRef"`
	PayeeRef    string `json:"payeeRef"`
	Owner       string `json:"owner,omitempty"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Signature   string `json:"signature"`
}

type receiptStatusParams struct {
	EscrowID  string `json:"escrowId"`
	Status    string `json:"status"`
	Score     *uint8 `json:"score,omitempty"`
	Signature string `json:"signature"`
}

type receiptTransferParams struct {
	EscrowID string `json:"escrowId"`
	Caller   string `json:"caller"`
	To       string `json:"to"`
}

type receiptIDParams struct {
	EscrowID string `json:"escrowId"`
}

type receiptJSON struct {
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

func (s *Server) handleReceiptMint(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params receiptMintParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	payerRef, err := parseReceiptRef(params.PayerRef)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	payeeRef, err := parseReceiptRef(params.PayeeRef)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	// Receipts default to the payee as initial owner.
	owner := payeeRef
	if strings.TrimSpace(params.Owner) != "" {
		if owner, err = parseReceiptRef(params.Owner); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	sig, err := parseSignature(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.node.Receipt().Mint(receipt.MintInstruction{
		EscrowID:    strings.TrimSpace(params.EscrowID),
		PayerRef:    payerRef,
		PayeeRef:    payeeRef,
		Owner:       owner,
		Amount:      amount,
		Description: params.Description,
		Signature:   sig,
	})
	if err != nil {
		writeReceiptError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatReceiptJSON(rec))
}

func (s *Server) handleReceiptUpdateStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params receiptStatusParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	status, err := receipt.ParseStatus(params.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	sig, err := parseSignature(params.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.node.Receipt().UpdateStatus(receipt.StatusInstruction{
		EscrowID:  strings.TrimSpace(params.EscrowID),
		Status:    status,
		Score:     params.Score,
		Signature: sig,
	})
	if err != nil {
		writeReceiptError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatReceiptJSON(rec))
}

func (s *Server) handleReceiptTransfer(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params receiptTransferParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	caller, err := parseReceiptRef(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	to, err := parseReceiptRef(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeReceiptInvalidParams, "invalid_params", err.Error())
		return
	}
	rec, err := s.node.Receipt().Transfer(strings.TrimSpace(params.EscrowID), caller, to)
	if err != nil {
		writeReceiptError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatReceiptJSON(rec))
}

func (s *Server) handleReceiptGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params receiptIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	rec, err := s.node.Receipt().Get(strings.TrimSpace(params.EscrowID))
	if err != nil {
		writeReceiptError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatReceiptJSON(rec))
}

func parseReceiptRef(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Fixed(), nil
}

func parseSignature(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("signature required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	sig, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	return sig, nil
}

func formatReceiptJSON(rec *receipt.Receipt) receiptJSON {
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	return receiptJSON{
		EscrowID:       rec.EscrowID,
		PayerRef:       crypto.NewAddress(crypto.ReceiptPrefix, rec.PayerRef[:]).String(),
		PayeeRef:       crypto.NewAddress(crypto.ReceiptPrefix, rec.PayeeRef[:]).String(),
		Owner:          crypto.NewAddress(crypto.ReceiptPrefix, rec.Owner[:]).String(),
		Amount:         amount,
		Description:    rec.Description,
		Status:         rec.Status.String(),
		Score:          rec.Score,
		TransferLocked: rec.TransferLocked(),
		MintedAt:       rec.MintedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func writeReceiptError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeReceiptInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, receipt.ErrNotFound):
		status = http.StatusNotFound
		code = codeReceiptNotFound
		message = "not_found"
	case errors.Is(err, receipt.ErrUnauthorizedOracle), errors.Is(err, receipt.ErrNotOwner):
		status = http.StatusForbidden
		code = codeReceiptForbidden
		message = "forbidden"
	case errors.Is(err, receipt.ErrStillSoulbound):
		status = http.StatusConflict
		code = codeReceiptSoulbound
		message = "soulbound"
	case errors.Is(err, receipt.ErrDuplicateMint),
		errors.Is(err, receipt.ErrIllegalStatusRegression),
		errors.Is(err, receipt.ErrScoreAlreadyFinalized):
		status = http.StatusConflict
		code = codeReceiptConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, data)
}
