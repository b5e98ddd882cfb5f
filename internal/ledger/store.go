package ledger

import (
	"context"

	"github.com/solanon/mixer/internal/address"
)

// UpdateFunc mutates a private copy of a ledger. Returning an error discards
// every change it made.
type UpdateFunc func(*State) error

type Store interface {
	// Init creates the ledger if missing. An existing ledger with a different
	// capacity yields ErrMismatch.
	Init(ctx context.Context, id address.Address, capacityBytes int) (State, bool, error)
	Get(ctx context.Context, id address.Address) (State, error)
	// Update applies fn atomically. Updates to the same ledger are serialized.
	Update(ctx context.Context, id address.Address, fn UpdateFunc) (State, error)
}
