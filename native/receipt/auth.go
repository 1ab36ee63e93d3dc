package receipt

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	mintDomain   = "trustmesh/receipt/mint/v1"
	statusDomain = "trustmesh/receipt/status/v1"
)

// appendLenPrefixed writes a length-prefixed segment so that adjacent
// variable-length fields cannot be shifted into each other.
func appendLenPrefixed(buf []byte, segment []byte) []byte {
	var ln [4]byte
	binary.BigEndian.PutUint32(ln[:], uint32(len(segment)))
	buf = append(buf, ln[:]...)
	return append(buf, segment...)
}

// MintDigest is the message an oracle signs to authorise minting a
// receipt. Every field of the mint is bound into the digest.
func MintDigest(escrowID string, payerRef, payeeRef, owner [20]byte, amount *big.Int, description string) [32]byte {
	buf := appendLenPrefixed(nil, []byte(mintDomain))
	buf = appendLenPrefixed(buf, []byte(escrowID))
	buf = appendLenPrefixed(buf, payerRef[:])
	buf = appendLenPrefixed(buf, payeeRef[:])
	buf = appendLenPrefixed(buf, owner[:])
	if amount != nil {
		buf = appendLenPrefixed(buf, amount.Bytes())
	} else {
		buf = appendLenPrefixed(buf, nil)
	}
	buf = appendLenPrefixed(buf, []byte(description))
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

// StatusDigest is the message an oracle signs to authorise a status
// update. A nil score is encoded distinctly from a zero score.
func StatusDigest(escrowID string, status Status, score *uint8) [32]byte {
	buf := appendLenPrefixed(nil, []byte(statusDomain))
	buf = appendLenPrefixed(buf, []byte(escrowID))
	buf = appendLenPrefixed(buf, []byte{byte(status)})
	if score != nil {
		buf = appendLenPrefixed(buf, []byte{1, *score})
	} else {
		buf = appendLenPrefixed(buf, []byte{0})
	}
	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}
