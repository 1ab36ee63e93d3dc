package crypto

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	for _, prefix := range []AddressPrefix{CustodyPrefix, ReceiptPrefix} {
		addr := key.PubKey().Address(prefix)
		encoded := addr.String()
		if !strings.HasPrefix(encoded, string(prefix)+"1") {
			t.Fatalf("encoded address %q missing prefix %q", encoded, prefix)
		}

		decoded, err := DecodeAddress(encoded)
		if err != nil {
			t.Fatalf("decode %q: %v", encoded, err)
		}
		if decoded.Prefix() != prefix {
			t.Fatalf("expected prefix %q, got %q", prefix, decoded.Prefix())
		}
		if !bytes.Equal(decoded.Bytes(), addr.Bytes()) {
			t.Fatalf("address payload changed through encode/decode")
		}
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "notbech32", "tm1qqqq"} {
		if _, err := DecodeAddress(input); err == nil {
			t.Fatalf("expected decode of %q to fail", input)
		}
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := ethcrypto.Keccak256([]byte("payment settled"))

	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}

	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != key.PubKey().Address(ReceiptPrefix).Fixed() {
		t.Fatalf("recovered signer does not match key")
	}

	other := ethcrypto.Keccak256([]byte("different message"))
	recovered, err := RecoverSigner(other, sig)
	if err == nil && recovered == signer {
		t.Fatalf("signature verified against the wrong digest")
	}
}

func TestSignRejectsBadDigestLength(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if _, err := key.Sign([]byte("short")); err == nil {
		t.Fatalf("expected error for non-32-byte digest")
	}
	if _, err := RecoverSigner(make([]byte, 32), make([]byte, 10)); err == nil {
		t.Fatalf("expected error for truncated signature")
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "oracle.keystore")

	if err := SaveToKeystore(path, key, "passphrase"); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "passphrase")
	if err != nil {
		t.Fatalf("load keystore: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("keystore round trip altered the key")
	}

	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
