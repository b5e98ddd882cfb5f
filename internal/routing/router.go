// Package routing moves value from one party to many destinations through
// single-use intermediate accounts derived from (party, nonce, index).
package routing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
)

// DefaultIntermediateSpace is the data size allocated for each intermediate account.
const DefaultIntermediateSpace = 8

var (
	ErrInvalidConfig              = errors.New("routing: invalid config")
	ErrInvalidRemainingAccounts   = errors.New("routing: invalid remaining accounts")
	ErrInvalidIntermediateAccount = errors.New("routing: invalid intermediate account")
	ErrDestinationMismatch        = errors.New("routing: destination mismatch")
	ErrMathError                  = errors.New("routing: math error")
	ErrInsufficientFunds          = errors.New("routing: insufficient funds")
	ErrAllocationFailed           = errors.New("routing: intermediate allocation failed")
)

type Config struct {
	ProgramID address.Address

	// IntermediateSpace defaults to DefaultIntermediateSpace.
	IntermediateSpace uint64

	// EnforceDestinations rejects batches whose destination accounts differ
	// from the item destinations. Off by default: the destination account
	// list alone decides where value lands.
	EnforceDestinations bool
}

type Item struct {
	Destination address.Address
	Amount      uint64
}

// Request is one mix call. Accounts holds N intermediates followed by N
// destinations, aligned with Items.
type Request struct {
	Party    address.Address
	Nonce    uint64
	Items    []Item
	Accounts []address.Address
}

type Transfer struct {
	Index        int
	Intermediate address.Address
	Destination  address.Address
	Amount       uint64
	// Funded is the amount paid by the party to allocate the intermediate,
	// zero when the account already existed.
	Funded uint64
}

type Result struct {
	// Slot is the bank slot the batch committed at.
	Slot      uint64
	Transfers []Transfer
}

type Router struct {
	cfg  Config
	bank *accounts.Bank
	log  *slog.Logger
}

func New(cfg Config, bank *accounts.Bank, log *slog.Logger) (*Router, error) {
	if cfg.ProgramID.IsZero() {
		return nil, fmt.Errorf("%w: missing program id", ErrInvalidConfig)
	}
	if bank == nil {
		return nil, fmt.Errorf("%w: nil bank", ErrInvalidConfig)
	}
	if cfg.IntermediateSpace == 0 {
		cfg.IntermediateSpace = DefaultIntermediateSpace
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{cfg: cfg, bank: bank, log: log}, nil
}

func (r *Router) ProgramID() address.Address {
	return r.cfg.ProgramID
}

// Intermediates lists the intermediate addresses a party must pass for a batch
// of count items under nonce.
func (r *Router) Intermediates(party address.Address, nonce uint64, count int) ([]address.Address, error) {
	out := make([]address.Address, 0, count)
	for i := 0; i < count; i++ {
		addr, _, err := DeriveIntermediate(r.cfg.ProgramID, party, nonce, uint64(i))
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Mix funds and drains one intermediate per item. The whole batch applies
// atomically.
func (r *Router) Mix(ctx context.Context, req Request) (Result, error) {
	n := len(req.Items)
	if len(req.Accounts) != 2*n {
		return Result{}, fmt.Errorf("%w: got %d accounts for %d items", ErrInvalidRemainingAccounts, len(req.Accounts), n)
	}

	var res Result
	err := r.bank.Update(ctx, func(tx *accounts.Tx) error {
		res = Result{Slot: tx.Slot(), Transfers: make([]Transfer, 0, n)}
		for i, item := range req.Items {
			t, err := r.route(tx, req, i, item)
			if err != nil {
				return err
			}
			res.Transfers = append(res.Transfers, t)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	r.log.Info("mix complete", "nonce", req.Nonce, "items", n, "slot", res.Slot)
	return res, nil
}

func (r *Router) route(tx *accounts.Tx, req Request, i int, item Item) (Transfer, error) {
	n := len(req.Items)
	intermediate := req.Accounts[i]
	dest := req.Accounts[n+i]

	expected, auth, err := DeriveIntermediate(r.cfg.ProgramID, req.Party, req.Nonce, uint64(i))
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: index %d: %v", ErrInvalidIntermediateAccount, i, err)
	}
	if intermediate != expected {
		return Transfer{}, fmt.Errorf("%w: index %d: got %s want %s", ErrInvalidIntermediateAccount, i, intermediate, expected)
	}
	if r.cfg.EnforceDestinations && dest != item.Destination {
		return Transfer{}, fmt.Errorf("%w: index %d: account %s, item %s", ErrDestinationMismatch, i, dest, item.Destination)
	}

	t := Transfer{Index: i, Intermediate: intermediate, Destination: dest, Amount: item.Amount}

	if tx.Lamports(intermediate) == 0 {
		funding, overflow := math.SafeAdd(tx.Rent().MinimumBalance(r.cfg.IntermediateSpace), item.Amount)
		if overflow {
			return Transfer{}, fmt.Errorf("%w: index %d: rent plus amount %d overflows", ErrMathError, i, item.Amount)
		}
		if err := tx.CreateAccount(req.Party, intermediate, funding, r.cfg.IntermediateSpace, r.cfg.ProgramID, auth); err != nil {
			return Transfer{}, fmt.Errorf("%w: index %d: %w", ErrAllocationFailed, i, err)
		}
		t.Funded = funding
		r.log.Debug("intermediate allocated", "index", i, "intermediate", intermediate.String(), "bump", auth.Bump())
	}

	acct := tx.Account(intermediate)
	if acct.Owner != r.cfg.ProgramID {
		return Transfer{}, fmt.Errorf("%w: index %d: %s is not program-owned", ErrInvalidIntermediateAccount, i, intermediate)
	}
	if _, underflow := math.SafeSub(acct.Lamports, item.Amount); underflow {
		return Transfer{}, fmt.Errorf("%w: index %d: intermediate holds %d, need %d", ErrInsufficientFunds, i, acct.Lamports, item.Amount)
	}
	if _, overflow := math.SafeAdd(tx.Lamports(dest), item.Amount); overflow {
		return Transfer{}, fmt.Errorf("%w: index %d: destination balance overflows", ErrMathError, i)
	}
	if err := tx.Debit(r.cfg.ProgramID, intermediate, dest, item.Amount); err != nil {
		switch {
		case errors.Is(err, accounts.ErrInsufficientFunds), errors.Is(err, accounts.ErrBelowRentFloor):
			return Transfer{}, fmt.Errorf("%w: index %d: %v", ErrInsufficientFunds, i, err)
		case errors.Is(err, accounts.ErrOverflow):
			return Transfer{}, fmt.Errorf("%w: index %d: %v", ErrMathError, i, err)
		default:
			return Transfer{}, fmt.Errorf("routing: index %d: %w", i, err)
		}
	}

	r.log.Debug("intermediate drained", "index", i, "intermediate", intermediate.String(), "amount", item.Amount)
	return t, nil
}
