package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"trustmesh/crypto"
)

const mapperDomain = "trustmesh/syncd/address-map/v1"

// AddressMapper deterministically maps custody ledger parties onto
// receipt ledger references. The two ledgers share no key space, so the
// bridge derives a stable reference by hashing the custody address. The
// same custody address always lands on the same receipt reference.
type AddressMapper struct {
	mu    sync.RWMutex
	cache map[string]string
	store *SQLiteStore
}

func NewAddressMapper(store *SQLiteStore) *AddressMapper {
	return &AddressMapper{
		cache: make(map[string]string),
		store: store,
	}
}

// Map returns the receipt reference for a custody address given as the
// hex attribute value from the event feed.
func (m *AddressMapper) Map(custodyHex string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(custodyHex))
	if normalized == "" {
		return "", fmt.Errorf("mapper: empty custody address")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(normalized, "0x"))
	if err != nil || len(raw) != 20 {
		return "", fmt.Errorf("mapper: malformed custody address %q", custodyHex)
	}

	m.mu.RLock()
	if cached, ok := m.cache[normalized]; ok {
		m.mu.RUnlock()
		return cached, nil
	}
	m.mu.RUnlock()

	sum := sha256.Sum256(append([]byte(mapperDomain), raw...))
	var ref [20]byte
	copy(ref[:], sum[:20])
	mapped := crypto.NewAddress(crypto.ReceiptPrefix, ref[:]).String()

	m.mu.Lock()
	m.cache[normalized] = mapped
	m.mu.Unlock()

	if m.store != nil {
		// Persisted for operators auditing cross-ledger identities.
		_ = m.store.SaveMapping(normalized, mapped)
	}
	return mapped, nil
}
