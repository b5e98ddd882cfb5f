package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/solanon/mixer/internal/address"
)

type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[address.Address]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[address.Address]State),
	}
}

func (s *MemoryStore) Init(_ context.Context, id address.Address, capacityBytes int) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.ledgers[id]; ok {
		if st.CapacityBytes != capacityBytes {
			return State{}, false, fmt.Errorf("%w: capacity %d, have %d", ErrMismatch, capacityBytes, st.CapacityBytes)
		}
		return st.Clone(), false, nil
	}
	st, err := NewState(capacityBytes)
	if err != nil {
		return State{}, false, err
	}
	s.ledgers[id] = st
	return st.Clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id address.Address) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.ledgers[id]
	if !ok {
		return State{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id address.Address, fn UpdateFunc) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.ledgers[id]
	if !ok {
		return State{}, ErrNotFound
	}
	next := st.fork()
	err := fn(&next)
	if err == nil {
		_, _, err = next.AppendedSince(st)
	}
	if err != nil {
		if next.indexed != st.indexed || len(next.Nullifiers) != len(st.Nullifiers) {
			st.dropIndex()
			s.ledgers[id] = st
		}
		return State{}, err
	}
	s.ledgers[id] = next
	return next.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
