package ledger

import (
	"encoding/binary"
	"fmt"
)

// MarshalBinary encodes the state as
// discriminator(8) || root(32) || u32le(n) || commitments || u32le(m) || nullifiers.
// Capacity is not part of the encoding.
func (s State) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, s.Size())
	out = append(out, discriminator[:]...)
	out = append(out, s.Root[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.Commitments)))
	for _, c := range s.Commitments {
		out = append(out, c[:]...)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.Nullifiers)))
	for _, n := range s.Nullifiers {
		out = append(out, n[:]...)
	}
	return out, nil
}

// Decode parses the MarshalBinary form and attaches capacityBytes.
func Decode(b []byte, capacityBytes int) (State, error) {
	if len(b) < HeaderBytes {
		return State{}, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(b))
	}
	if [discriminatorLen]byte(b[:discriminatorLen]) != discriminator {
		return State{}, fmt.Errorf("%w: bad discriminator", ErrCorrupt)
	}
	st := State{CapacityBytes: capacityBytes}
	copy(st.Root[:], b[discriminatorLen:discriminatorLen+32])
	rest := b[discriminatorLen+32:]

	var err error
	st.Commitments, rest, err = decodeVec(rest)
	if err != nil {
		return State{}, err
	}
	st.Nullifiers, rest, err = decodeVec(rest)
	if err != nil {
		return State{}, err
	}
	if len(rest) != 0 {
		return State{}, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(rest))
	}
	return st, nil
}

func decodeVec(b []byte) ([][32]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("%w: short length prefix", ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint32(b[:4]))
	b = b[4:]
	if n > len(b)/entryBytes {
		return nil, nil, fmt.Errorf("%w: vector length %d exceeds data", ErrCorrupt, n)
	}
	var out [][32]byte
	for i := 0; i < n; i++ {
		var v [32]byte
		copy(v[:], b[i*entryBytes:(i+1)*entryBytes])
		out = append(out, v)
	}
	return out, b[n*entryBytes:], nil
}
