// Package bolt persists mixer ledgers in a single bbolt file. Each ledger is
// stored in its fixed binary layout keyed by ledger address.
package bolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/ledger"
	"go.etcd.io/bbolt"
)

var ErrInvalidConfig = errors.New("ledger/bolt: invalid config")

var (
	stateBucket    = []byte("ledger_state")
	capacityBucket = []byte("ledger_capacity")
)

type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger/bolt: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(stateBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(capacityBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger/bolt: create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init(_ context.Context, id address.Address, capacityBytes int) (ledger.State, bool, error) {
	fresh, err := ledger.NewState(capacityBytes)
	if err != nil {
		return ledger.State{}, false, err
	}

	var (
		out     ledger.State
		created bool
	)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		st, err := read(tx, id)
		switch {
		case err == nil:
			if st.CapacityBytes != capacityBytes {
				return fmt.Errorf("%w: capacity %d, have %d", ledger.ErrMismatch, capacityBytes, st.CapacityBytes)
			}
			out = st
			return nil
		case errors.Is(err, ledger.ErrNotFound):
			created = true
			out = fresh
			return write(tx, id, fresh)
		default:
			return err
		}
	})
	if err != nil {
		return ledger.State{}, false, err
	}
	return out, created, nil
}

func (s *Store) Get(_ context.Context, id address.Address) (ledger.State, error) {
	var out ledger.State
	err := s.db.View(func(tx *bbolt.Tx) error {
		st, err := read(tx, id)
		out = st
		return err
	})
	if err != nil {
		return ledger.State{}, err
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, id address.Address, fn ledger.UpdateFunc) (ledger.State, error) {
	var out ledger.State
	err := s.db.Update(func(tx *bbolt.Tx) error {
		prev, err := read(tx, id)
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		if _, _, err := next.AppendedSince(prev); err != nil {
			return err
		}
		out = next
		return write(tx, id, next)
	})
	if err != nil {
		return ledger.State{}, err
	}
	return out, nil
}

func read(tx *bbolt.Tx, id address.Address) (ledger.State, error) {
	capRaw := tx.Bucket(capacityBucket).Get(id[:])
	raw := tx.Bucket(stateBucket).Get(id[:])
	if capRaw == nil || raw == nil {
		return ledger.State{}, ledger.ErrNotFound
	}
	if len(capRaw) != 4 {
		return ledger.State{}, fmt.Errorf("%w: capacity record is %d bytes", ledger.ErrCorrupt, len(capRaw))
	}
	// Decode copies every entry out of the mmap'd page.
	return ledger.Decode(raw, int(binary.LittleEndian.Uint32(capRaw)))
}

func write(tx *bbolt.Tx, id address.Address, st ledger.State) error {
	raw, err := st.MarshalBinary()
	if err != nil {
		return err
	}
	if err := tx.Bucket(stateBucket).Put(id[:], raw); err != nil {
		return fmt.Errorf("ledger/bolt: put state: %w", err)
	}
	capRaw := binary.LittleEndian.AppendUint32(nil, uint32(st.CapacityBytes))
	if err := tx.Bucket(capacityBucket).Put(id[:], capRaw); err != nil {
		return fmt.Errorf("ledger/bolt: put capacity: %w", err)
	}
	return nil
}

var _ ledger.Store = (*Store)(nil)
