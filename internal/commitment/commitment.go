// Package commitment implements the hash primitives shared by the mixer ledger:
// deposit commitments and the chained sibling-hash membership check.
package commitment

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// ProofChunkSize is the byte width of one sibling hash in a membership proof.
const ProofChunkSize = 32

var ErrMalformedProof = errors.New("commitment: malformed proof")

// Commit returns SHA-256(amount_le8 || secret).
func Commit(amount uint64, secret [32]byte) [32]byte {
	var buf [8 + 32]byte
	binary.LittleEndian.PutUint64(buf[:8], amount)
	copy(buf[8:], secret[:])
	return sha256.Sum256(buf[:])
}

// ChainRoot folds siblings onto H(leaf): h = H(h || sibling) for each sibling in order.
func ChainRoot(leaf [32]byte, siblings ...[32]byte) [32]byte {
	h := sha256.Sum256(leaf[:])
	for _, s := range siblings {
		h = hashPair(h, s)
	}
	return h
}

// EncodeProof concatenates siblings into the wire form accepted by VerifyMembership.
func EncodeProof(siblings ...[32]byte) []byte {
	out := make([]byte, 0, len(siblings)*ProofChunkSize)
	for _, s := range siblings {
		out = append(out, s[:]...)
	}
	return out
}

// VerifyMembership reports whether folding proof onto leaf reproduces root.
// The proof carries no left/right position metadata; every sibling is appended
// on the right.
func VerifyMembership(root [32]byte, proof []byte, leaf [32]byte) (bool, error) {
	if len(proof)%ProofChunkSize != 0 {
		return false, fmt.Errorf("%w: length %d is not a multiple of %d", ErrMalformedProof, len(proof), ProofChunkSize)
	}

	h := sha256.Sum256(leaf[:])
	for off := 0; off < len(proof); off += ProofChunkSize {
		var s [32]byte
		copy(s[:], proof[off:off+ProofChunkSize])
		h = hashPair(h, s)
	}
	return h == root, nil
}

func hashPair(a, b [32]byte) [32]byte {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return sha256.Sum256(buf[:])
}
