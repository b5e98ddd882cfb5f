// Package accounts models the hosting ledger the mixer runs on: lamport
// balances, rent-exempt minimums, account allocation, and owner-checked
// balance mutation. Every change goes through Bank.Update and is applied
// all-or-nothing.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/solanon/mixer/internal/address"
)

var (
	ErrInvalidConfig     = errors.New("accounts: invalid config")
	ErrInsufficientFunds = errors.New("accounts: insufficient funds")
	ErrOverflow          = errors.New("accounts: arithmetic overflow")
	ErrAccountExists     = errors.New("accounts: account already in use")
	ErrUnauthorized      = errors.New("accounts: missing authority")
	ErrBelowRentFloor    = errors.New("accounts: balance below rent-exempt minimum")
	ErrNotEmpty          = errors.New("accounts: bank is not empty")
)

// SystemOwner owns plain wallet accounts.
var SystemOwner = address.Zero

type Account struct {
	Lamports uint64          `json:"lamports"`
	Owner    address.Address `json:"owner"`
	Space    uint64          `json:"space"`
}

// Signer is a capability proving authority over an address.
type Signer interface {
	SignsFor(addr address.Address) bool
}

// Rent computes rent-exempt minimum balances.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionYears      uint64
	AccountOverhead     uint64
}

var DefaultRent = Rent{
	LamportsPerByteYear: 3480,
	ExemptionYears:      2,
	AccountOverhead:     128,
}

func (r Rent) MinimumBalance(space uint64) uint64 {
	return (r.AccountOverhead + space) * r.LamportsPerByteYear * r.ExemptionYears
}

type Bank struct {
	mu       sync.Mutex
	rent     Rent
	slot     uint64
	accounts map[address.Address]Account
}

func NewBank(rent Rent) (*Bank, error) {
	if rent.LamportsPerByteYear == 0 || rent.ExemptionYears == 0 {
		return nil, fmt.Errorf("%w: rent parameters must be > 0", ErrInvalidConfig)
	}
	return &Bank{
		rent:     rent,
		accounts: make(map[address.Address]Account),
	}, nil
}

func (b *Bank) Rent() Rent {
	return b.rent
}

// Get returns the account at addr. Missing accounts read as zero-valued.
func (b *Bank) Get(addr address.Address) Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts[addr]
}

// Slot is the number of committed updates.
func (b *Bank) Slot() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slot
}

// Update runs fn against a staged view of the bank. Staged changes are applied
// only if fn returns nil, and each applied update advances the slot by one.
// Updates are serialized.
func (b *Bank) Update(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tx := &Tx{
		rent:   b.rent,
		slot:   b.slot + 1,
		base:   b.accounts,
		staged: make(map[address.Address]Account),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for addr, acct := range tx.staged {
		b.accounts[addr] = acct
	}
	b.slot = tx.slot
	return nil
}

// Register marks addr as a data account of space bytes owned by owner. The
// address must be an unallocated wallet; its lamports are kept. Registering an
// account that already has the same owner and space is a no-op.
func (b *Bank) Register(ctx context.Context, addr, owner address.Address, space uint64) error {
	return b.Update(ctx, func(tx *Tx) error {
		a := tx.Account(addr)
		if a.Owner == owner && a.Space == space {
			return nil
		}
		if a.Owner != SystemOwner || a.Space != 0 {
			return fmt.Errorf("%w: %s is owned by %s with %d bytes", ErrAccountExists, addr, a.Owner, a.Space)
		}
		a.Owner = owner
		a.Space = space
		tx.put(addr, a)
		return nil
	})
}

// Snapshot is a point-in-time copy of every account and the slot it was taken at.
type Snapshot struct {
	Slot     uint64                      `json:"slot"`
	Accounts map[address.Address]Account `json:"accounts"`
}

// Capture runs fn while no update can commit and returns the bank state as of
// that moment. fn may read stores that are only written from inside Update.
func (b *Bank) Capture(ctx context.Context, fn func(context.Context) error) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return Snapshot{}, err
		}
	}
	snap := Snapshot{Slot: b.slot, Accounts: make(map[address.Address]Account, len(b.accounts))}
	for addr, a := range b.accounts {
		snap.Accounts[addr] = a
	}
	return snap, nil
}

// Restore loads snap into a bank that has never committed an update.
func (b *Bank) Restore(snap Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slot != 0 || len(b.accounts) != 0 {
		return fmt.Errorf("%w: slot %d, %d accounts", ErrNotEmpty, b.slot, len(b.accounts))
	}
	for addr, a := range snap.Accounts {
		b.accounts[addr] = a
	}
	b.slot = snap.Slot
	return nil
}

// Airdrop credits amount to addr outside any program flow.
func (b *Bank) Airdrop(ctx context.Context, addr address.Address, amount uint64) error {
	return b.Update(ctx, func(tx *Tx) error {
		return tx.Credit(addr, amount)
	})
}

type Tx struct {
	rent   Rent
	slot   uint64
	base   map[address.Address]Account
	staged map[address.Address]Account
}

func (tx *Tx) Rent() Rent {
	return tx.rent
}

// Slot is the slot this transaction commits at.
func (tx *Tx) Slot() uint64 {
	return tx.slot
}

func (tx *Tx) Account(addr address.Address) Account {
	if a, ok := tx.staged[addr]; ok {
		return a
	}
	return tx.base[addr]
}

func (tx *Tx) Lamports(addr address.Address) uint64 {
	return tx.Account(addr).Lamports
}

func (tx *Tx) put(addr address.Address, a Account) {
	tx.staged[addr] = a
}

// Transfer moves lamports between accounts. The source must be a wallet
// account owned by SystemOwner.
func (tx *Tx) Transfer(from, to address.Address, amount uint64) error {
	src := tx.Account(from)
	if src.Owner != SystemOwner {
		return fmt.Errorf("%w: transfer source %s is program-owned", ErrUnauthorized, from)
	}
	if src.Space != 0 {
		return fmt.Errorf("%w: transfer source %s carries data", ErrUnauthorized, from)
	}
	return tx.move(from, to, amount)
}

// Debit moves lamports out of an account owned by program into to. An account
// holding data must stay rent-exempt or be emptied completely.
func (tx *Tx) Debit(program, from, to address.Address, amount uint64) error {
	src := tx.Account(from)
	if src.Owner != program {
		return fmt.Errorf("%w: %s is not owned by %s", ErrUnauthorized, from, program)
	}
	if left, underflow := math.SafeSub(src.Lamports, amount); !underflow && src.Space > 0 && left != 0 {
		if floor := tx.rent.MinimumBalance(src.Space); left < floor {
			return fmt.Errorf("%w: %s would hold %d, floor %d", ErrBelowRentFloor, from, left, floor)
		}
	}
	return tx.move(from, to, amount)
}

// Credit adds lamports to addr.
func (tx *Tx) Credit(addr address.Address, amount uint64) error {
	a := tx.Account(addr)
	next, overflow := math.SafeAdd(a.Lamports, amount)
	if overflow {
		return fmt.Errorf("%w: credit %d to %s", ErrOverflow, amount, addr)
	}
	a.Lamports = next
	tx.put(addr, a)
	return nil
}

func (tx *Tx) move(from, to address.Address, amount uint64) error {
	src := tx.Account(from)
	left, underflow := math.SafeSub(src.Lamports, amount)
	if underflow {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, from, src.Lamports, amount)
	}
	src.Lamports = left
	tx.put(from, src)
	if err := tx.Credit(to, amount); err != nil {
		return err
	}
	return nil
}

// CreateAccount allocates addr with space bytes owned by owner and funds it
// with lamports taken from payer. signer must hold authority over addr.
func (tx *Tx) CreateAccount(payer, addr address.Address, lamports, space uint64, owner address.Address, signer Signer) error {
	if signer == nil || !signer.SignsFor(addr) {
		return fmt.Errorf("%w: create %s", ErrUnauthorized, addr)
	}
	existing := tx.Account(addr)
	if existing.Lamports != 0 || existing.Space != 0 || existing.Owner != SystemOwner {
		return fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}
	if err := tx.Transfer(payer, addr, lamports); err != nil {
		return err
	}
	a := tx.Account(addr)
	a.Owner = owner
	a.Space = space
	tx.put(addr, a)
	return nil
}
