package routing

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/solanon/mixer/internal/address"
)

// IntermediateSeed prefixes every intermediate account derivation.
const IntermediateSeed = "intermediate"

const (
	maxSeedLen    = 32
	maxSeeds      = 16
	derivedMarker = "ProgramDerivedAddress"
)

var (
	ErrInvalidSeeds = errors.New("routing: invalid seeds")
	ErrNoViableBump = errors.New("routing: no off-curve address for seeds")
	errOnCurve      = errors.New("routing: derived address is on curve")
)

// Authority is the capability to act for a derived address. It can only be
// produced by derivation and is checked by re-deriving.
type Authority struct {
	program address.Address
	seeds   [][]byte
	bump    uint8
	addr    address.Address
}

func (a Authority) Address() address.Address { return a.addr }
func (a Authority) Bump() uint8              { return a.bump }

func (a Authority) SignsFor(addr address.Address) bool {
	if len(a.seeds) == 0 || addr != a.addr {
		return false
	}
	got, err := createAddress(a.program, append(cloneSeeds(a.seeds), []byte{a.bump}))
	return err == nil && got == addr
}

// IntermediateSeeds returns the seed list for the index-th intermediate of a
// batch: "intermediate" || party || nonce_le8 || index_le8.
func IntermediateSeeds(party address.Address, nonce, index uint64) [][]byte {
	return [][]byte{
		[]byte(IntermediateSeed),
		append([]byte(nil), party[:]...),
		binary.LittleEndian.AppendUint64(nil, nonce),
		binary.LittleEndian.AppendUint64(nil, index),
	}
}

// DeriveIntermediate derives the intermediate account for (party, nonce, index)
// under program.
func DeriveIntermediate(program, party address.Address, nonce, index uint64) (address.Address, Authority, error) {
	return FindAddress(program, IntermediateSeeds(party, nonce, index))
}

// FindAddress searches bumps 255..1 for the first seed extension whose hash is
// not a valid ed25519 point, so no private key exists for the result.
func FindAddress(program address.Address, seeds [][]byte) (address.Address, Authority, error) {
	if len(seeds) >= maxSeeds {
		return address.Address{}, Authority{}, fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}
	for bump := 255; bump > 0; bump-- {
		addr, err := createAddress(program, append(cloneSeeds(seeds), []byte{byte(bump)}))
		if errors.Is(err, errOnCurve) {
			continue
		}
		if err != nil {
			return address.Address{}, Authority{}, err
		}
		return addr, Authority{
			program: program,
			seeds:   cloneSeeds(seeds),
			bump:    byte(bump),
			addr:    addr,
		}, nil
	}
	return address.Address{}, Authority{}, ErrNoViableBump
}

func createAddress(program address.Address, seeds [][]byte) (address.Address, error) {
	if len(seeds) > maxSeeds {
		return address.Address{}, fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}
	h := sha256.New()
	for i, s := range seeds {
		if len(s) > maxSeedLen {
			return address.Address{}, fmt.Errorf("%w: seed %d is %d bytes", ErrInvalidSeeds, i, len(s))
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(derivedMarker))

	var out address.Address
	copy(out[:], h.Sum(nil))
	if isOnCurve(out) {
		return address.Address{}, errOnCurve
	}
	return out, nil
}

func isOnCurve(a address.Address) bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}

func cloneSeeds(seeds [][]byte) [][]byte {
	out := make([][]byte, 0, len(seeds)+1)
	for _, s := range seeds {
		out = append(out, append([]byte(nil), s...))
	}
	return out
}
