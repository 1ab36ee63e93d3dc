package state

import (
	"math/big"
	"testing"

	"trustmesh/native/escrow"
	"trustmesh/native/receipt"
	"trustmesh/storage"
)

func testEscrow() *escrow.Escrow {
	return &escrow.Escrow{
		ID:          [32]byte{0xAA, 0xBB},
		Payer:       [20]byte{0x01},
		Payee:       [20]byte{0x02},
		Arbiter:     [20]byte{0x03},
		Amount:      big.NewInt(2500),
		Deadline:    1_700_100_000,
		Description: "api integration",
		Status:      escrow.StatusCreated,
		CreatedAt:   1_700_000_000,
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	esc := testEscrow()
	if err := mgr.EscrowPut(esc); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, ok := mgr.EscrowGet(esc.ID)
	if !ok {
		t.Fatalf("escrow not found after put")
	}
	if loaded.Payer != esc.Payer || loaded.Payee != esc.Payee || loaded.Arbiter != esc.Arbiter {
		t.Fatalf("party mismatch after round trip")
	}
	if loaded.Amount.Cmp(esc.Amount) != 0 {
		t.Fatalf("amount mismatch: %s", loaded.Amount)
	}
	if loaded.Status != escrow.StatusCreated || loaded.Disputed {
		t.Fatalf("status mismatch: %+v", loaded)
	}
	if loaded.Description != esc.Description || loaded.Deadline != esc.Deadline {
		t.Fatalf("metadata mismatch: %+v", loaded)
	}
}

func TestEscrowGetMissing(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	if _, ok := mgr.EscrowGet([32]byte{0xFF}); ok {
		t.Fatalf("expected missing escrow")
	}
}

func TestEscrowPutRejectsInvalid(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	esc := testEscrow()
	esc.Amount = big.NewInt(0)
	if err := mgr.EscrowPut(esc); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
}

func TestVaultBookkeeping(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	esc := testEscrow()
	if err := mgr.EscrowPut(esc); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := mgr.EscrowCredit([32]byte{0x99}, big.NewInt(100)); err == nil {
		t.Fatalf("credit against unknown escrow must fail")
	}

	if err := mgr.EscrowCredit(esc.ID, big.NewInt(2500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := mgr.EscrowBalance(esc.ID)
	if err != nil || balance.Cmp(big.NewInt(2500)) != 0 {
		t.Fatalf("balance after credit: %v %v", balance, err)
	}

	if err := mgr.EscrowDebit(esc.ID, big.NewInt(3000)); err == nil {
		t.Fatalf("overdraft must be rejected")
	}
	if err := mgr.EscrowDebit(esc.ID, big.NewInt(2500)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err = mgr.EscrowBalance(esc.ID)
	if err != nil || balance.Sign() != 0 {
		t.Fatalf("balance after debit: %v %v", balance, err)
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	score := uint8(88)
	rec := &receipt.Receipt{
		EscrowID:    "0xdeadbeef",
		PayerRef:    [20]byte{0x01},
		PayeeRef:    [20]byte{0x02},
		Owner:       [20]byte{0x02},
		Amount:      big.NewInt(2500),
		Description: "api integration",
		Status:      receipt.StatusReleased,
		Score:       &score,
		MintedAt:    1_700_000_000,
		UpdatedAt:   1_700_050_000,
	}
	if err := mgr.ReceiptPut(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	loaded, ok := mgr.ReceiptGet(rec.EscrowID)
	if !ok {
		t.Fatalf("receipt not found after put")
	}
	if loaded.Owner != rec.Owner || loaded.Status != receipt.StatusReleased {
		t.Fatalf("receipt mismatch: %+v", loaded)
	}
	if loaded.Score == nil || *loaded.Score != 88 {
		t.Fatalf("score mismatch: %+v", loaded.Score)
	}
	if loaded.TransferLocked() {
		t.Fatalf("released receipt must not be locked")
	}
}

func TestEnginesShareManager(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	engine := escrow.NewEngine()
	engine.SetState(mgr)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })

	esc, err := engine.Create([20]byte{0x01}, [20]byte{0x02}, [20]byte{0x03}, big.NewInt(500), 0, "audit", "n-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.Deposit(esc.ID, [20]byte{0x01}, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Release(esc.ID, [20]byte{0x01}); err != nil {
		t.Fatalf("release: %v", err)
	}

	stored, ok := mgr.EscrowGet(esc.ID)
	if !ok || stored.Status != escrow.StatusReleased {
		t.Fatalf("expected released escrow in manager, got %+v", stored)
	}
	balance, err := mgr.EscrowBalance(esc.ID)
	if err != nil || balance.Sign() != 0 {
		t.Fatalf("vault must be empty after release: %v %v", balance, err)
	}
}
