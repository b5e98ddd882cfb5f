// Package ledger holds the mixer's persistent state: the commitment list, the
// spent-nullifier list, and the current root.
package ledger

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig = errors.New("ledger: invalid config")
	ErrNotFound      = errors.New("ledger: not found")
	ErrLedgerFull    = errors.New("ledger: full")
	ErrMismatch      = errors.New("ledger: mismatch")
	ErrCorrupt       = errors.New("ledger: corrupt encoding")
)

const (
	// DefaultCapacityBytes matches the account size the mixer state was first
	// deployed with.
	DefaultCapacityBytes = 1024

	// MaxCapacityBytes is the largest account the hosting ledger allocates.
	MaxCapacityBytes = 10 << 20

	// HeaderBytes is the encoded size of an empty ledger.
	HeaderBytes = discriminatorLen + 32 + 4 + 4

	entryBytes       = 32
	discriminatorLen = 8
)

var discriminator = func() [discriminatorLen]byte {
	h := sha256.Sum256([]byte("account:MixerState"))
	var out [discriminatorLen]byte
	copy(out[:], h[:discriminatorLen])
	return out
}()

// State is one mixer ledger. Commitments and Nullifiers are append-only and
// Root always equals the most recently appended commitment (zero while empty).
//
// State values share their nullifier index; use Clone before handing a State
// to another owner.
type State struct {
	Root          [32]byte
	Commitments   [][32]byte
	Nullifiers    [][32]byte
	CapacityBytes int

	spent   map[[32]byte]struct{}
	indexed int
}

// NewState returns an empty ledger bounded to capacityBytes of encoded state.
func NewState(capacityBytes int) (State, error) {
	if capacityBytes < HeaderBytes {
		return State{}, fmt.Errorf("%w: capacity %d below header size %d", ErrInvalidConfig, capacityBytes, HeaderBytes)
	}
	if capacityBytes > MaxCapacityBytes {
		return State{}, fmt.Errorf("%w: capacity %d above account limit %d", ErrInvalidConfig, capacityBytes, MaxCapacityBytes)
	}
	return State{CapacityBytes: capacityBytes}, nil
}

// MaxEntries is the total number of commitments plus nullifiers the capacity can hold.
func (s *State) MaxEntries() int {
	if s.CapacityBytes < HeaderBytes {
		return 0
	}
	return (s.CapacityBytes - HeaderBytes) / entryBytes
}

// Size is the encoded size of the state in bytes.
func (s *State) Size() int {
	return HeaderBytes + entryBytes*(len(s.Commitments)+len(s.Nullifiers))
}

func (s *State) ensureRoom() error {
	if s.Size()+entryBytes > s.CapacityBytes {
		return fmt.Errorf("%w: %d of %d bytes used", ErrLedgerFull, s.Size(), s.CapacityBytes)
	}
	return nil
}

// AddCommitment appends c and makes it the new root.
func (s *State) AddCommitment(c [32]byte) error {
	if err := s.ensureRoom(); err != nil {
		return err
	}
	s.Commitments = append(s.Commitments, c)
	s.Root = c
	return nil
}

// MarkNullifierSpent appends n to the spent list. Duplicates are not rejected
// here; callers check IsNullifierSpent first.
func (s *State) MarkNullifierSpent(n [32]byte) error {
	if err := s.ensureRoom(); err != nil {
		return err
	}
	s.syncIndex()
	s.Nullifiers = append(s.Nullifiers, n)
	s.spent[n] = struct{}{}
	s.indexed = len(s.Nullifiers)
	return nil
}

func (s *State) IsNullifierSpent(n [32]byte) bool {
	s.syncIndex()
	_, ok := s.spent[n]
	return ok
}

func (s *State) syncIndex() {
	if s.spent == nil || s.indexed > len(s.Nullifiers) {
		s.spent = make(map[[32]byte]struct{}, len(s.Nullifiers))
		s.indexed = 0
	}
	for _, n := range s.Nullifiers[s.indexed:] {
		s.spent[n] = struct{}{}
	}
	s.indexed = len(s.Nullifiers)
}

// Clone returns a deep copy with its own nullifier index.
func (s State) Clone() State {
	return State{
		Root:          s.Root,
		Commitments:   append([][32]byte(nil), s.Commitments...),
		Nullifiers:    append([][32]byte(nil), s.Nullifiers...),
		CapacityBytes: s.CapacityBytes,
	}
}

// fork is Clone that keeps s's nullifier index. The caller must either
// replace s with the fork or discard the index with dropIndex.
func (s *State) fork() State {
	next := s.Clone()
	next.spent, next.indexed = s.spent, s.indexed
	return next
}

func (s *State) dropIndex() {
	s.spent, s.indexed = nil, 0
}

// AppendedSince returns the commitments and nullifiers added to s after prev.
// It fails if s is not an append-only extension of prev.
func (s *State) AppendedSince(prev State) (commitments, nullifiers [][32]byte, err error) {
	if len(s.Commitments) < len(prev.Commitments) || len(s.Nullifiers) < len(prev.Nullifiers) {
		return nil, nil, fmt.Errorf("%w: ledger shrank", ErrMismatch)
	}
	for i, c := range prev.Commitments {
		if s.Commitments[i] != c {
			return nil, nil, fmt.Errorf("%w: commitment %d rewritten", ErrMismatch, i)
		}
	}
	for i, n := range prev.Nullifiers {
		if s.Nullifiers[i] != n {
			return nil, nil, fmt.Errorf("%w: nullifier %d rewritten", ErrMismatch, i)
		}
	}
	if s.CapacityBytes != prev.CapacityBytes {
		return nil, nil, fmt.Errorf("%w: capacity changed", ErrMismatch)
	}
	return s.Commitments[len(prev.Commitments):], s.Nullifiers[len(prev.Nullifiers):], nil
}
