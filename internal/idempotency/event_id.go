package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const (
	depositEventPrefixV1    = "mixer.deposit"
	withdrawalEventPrefixV1 = "mixer.withdraw"
	routeEventPrefixV1      = "mixer.route"
)

// DepositEventIDV1 identifies a deposit event:
//
//	keccak256("mixer.deposit" || ledger || commitment || indexBE64)
func DepositEventIDV1(ledger, commitment [32]byte, index uint64) [32]byte {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return keccak([]byte(depositEventPrefixV1), ledger[:], commitment[:], idx[:])
}

// WithdrawalEventIDV1 identifies a withdrawal event. A nullifier is spent at
// most once per ledger, so the pair is unique.
//
//	keccak256("mixer.withdraw" || ledger || nullifier)
func WithdrawalEventIDV1(ledger, nullifier [32]byte) [32]byte {
	return keccak([]byte(withdrawalEventPrefixV1), ledger[:], nullifier[:])
}

// RouteLeg is the part of one routed transfer a route event id covers.
type RouteLeg struct {
	Intermediate [32]byte
	Destination  [32]byte
	Amount       uint64
	Funded       uint64
}

// RouteEventIDV1 identifies a mix batch by its program, nonce, the bank slot it
// committed at, and its legs in batch order. The slot separates repeated
// batches that reuse the same intermediates.
//
//	keccak256("mixer.route" || program || nonceBE64 || slotBE64 ||
//	          intermediate_0 || destination_0 || amountBE64_0 || fundedBE64_0 || ... )
func RouteEventIDV1(program [32]byte, nonce, slot uint64, legs []RouteLeg) [32]byte {
	parts := [][]byte{[]byte(routeEventPrefixV1), program[:], be64(nonce), be64(slot)}
	for i := range legs {
		parts = append(parts,
			legs[i].Intermediate[:],
			legs[i].Destination[:],
			be64(legs[i].Amount),
			be64(legs[i].Funded),
		)
	}
	return keccak(parts...)
}

func be64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func keccak(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
