package accounts

import (
	"context"
	"errors"
	stdmath "math"
	"testing"

	"github.com/solanon/mixer/internal/address"
)

type staticSigner address.Address

func (s staticSigner) SignsFor(addr address.Address) bool { return address.Address(s) == addr }

func newBank(t *testing.T) *Bank {
	t.Helper()
	b, err := NewBank(DefaultRent)
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	return b
}

func addr(b byte) address.Address {
	var a address.Address
	a[0] = b
	return a
}

func TestRent_MinimumBalance(t *testing.T) {
	t.Parallel()

	if got := DefaultRent.MinimumBalance(8); got != 946_560 {
		t.Fatalf("MinimumBalance(8): got %d want 946560", got)
	}
	if got := DefaultRent.MinimumBalance(0); got != 890_880 {
		t.Fatalf("MinimumBalance(0): got %d want 890880", got)
	}
}

func TestNewBank_RejectsZeroRent(t *testing.T) {
	t.Parallel()

	if _, err := NewBank(Rent{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestBank_TransferAndRollback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBank(t)
	if err := b.Airdrop(ctx, addr(1), 1_000); err != nil {
		t.Fatalf("Airdrop: %v", err)
	}

	if err := b.Update(ctx, func(tx *Tx) error { return tx.Transfer(addr(1), addr(2), 400) }); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := b.Get(addr(1)).Lamports; got != 600 {
		t.Fatalf("payer: got %d want 600", got)
	}
	if got := b.Get(addr(2)).Lamports; got != 400 {
		t.Fatalf("payee: got %d want 400", got)
	}

	err := b.Update(ctx, func(tx *Tx) error {
		if err := tx.Transfer(addr(1), addr(2), 100); err != nil {
			return err
		}
		return tx.Transfer(addr(1), addr(3), 10_000)
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := b.Get(addr(1)).Lamports; got != 600 {
		t.Fatalf("rolled back payer: got %d want 600", got)
	}
}

func TestBank_CreditOverflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBank(t)
	if err := b.Airdrop(ctx, addr(1), stdmath.MaxUint64); err != nil {
		t.Fatalf("Airdrop: %v", err)
	}
	if err := b.Airdrop(ctx, addr(1), 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestTx_CreateAccountRequiresAuthority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBank(t)
	program := addr(0xa0)
	if err := b.Airdrop(ctx, addr(1), 2_000_000); err != nil {
		t.Fatalf("Airdrop: %v", err)
	}

	err := b.Update(ctx, func(tx *Tx) error {
		return tx.CreateAccount(addr(1), addr(9), 1_000, 8, program, staticSigner(addr(8)))
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	err = b.Update(ctx, func(tx *Tx) error {
		return tx.CreateAccount(addr(1), addr(9), 1_000, 8, program, staticSigner(addr(9)))
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	got := b.Get(addr(9))
	if got.Lamports != 1_000 || got.Owner != program || got.Space != 8 {
		t.Fatalf("unexpected account: %+v", got)
	}

	err = b.Update(ctx, func(tx *Tx) error {
		return tx.CreateAccount(addr(1), addr(9), 1_000, 8, program, staticSigner(addr(9)))
	})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestTx_DebitRequiresOwnership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBank(t)
	program := addr(0xa0)
	floor := DefaultRent.MinimumBalance(8)
	_ = b.Airdrop(ctx, addr(1), floor+10_000)
	if err := b.Update(ctx, func(tx *Tx) error {
		return tx.CreateAccount(addr(1), addr(5), floor+5_000, 8, program, staticSigner(addr(5)))
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := b.Update(ctx, func(tx *Tx) error { return tx.Debit(addr(0xb0), addr(5), addr(6), 1) }); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := b.Update(ctx, func(tx *Tx) error { return tx.Transfer(addr(5), addr(6), 1) }); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for system transfer from program account, got %v", err)
	}
	if err := b.Update(ctx, func(tx *Tx) error { return tx.Debit(program, addr(5), addr(6), 2_000) }); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := b.Get(addr(6)).Lamports; got != 2_000 {
		t.Fatalf("destination: got %d want 2000", got)
	}
}

func TestBank_UpdateHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := newBank(t)
	if err := b.Update(ctx, func(*Tx) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTx_DebitKeepsRentFloor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBank(t)
	program := addr(0xa0)
	floor := DefaultRent.MinimumBalance(8)
	_ = b.Airdrop(ctx, addr(1), 10*floor)
	if err := b.Update(ctx, func(tx *Tx) error {
		return tx.CreateAccount(addr(1), addr(5), floor+100, 8, program, staticSigner(addr(5)))
	}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if err := b.Update(ctx, func(tx *Tx) error { return tx.Debit(program, addr(5), addr(6), 101) }); !errors.Is(err, ErrBelowRentFloor) {
		t.Fatalf("expected ErrBelowRentFloor, got %v", err)
	}
	if err := b.Update(ctx, func(tx *Tx) error { return tx.Debit(program, addr(5), addr(6), 100) }); err != nil {
		t.Fatalf("Debit to floor: %v", err)
	}
	if err := b.Update(ctx, func(tx *Tx) error { return tx.Debit(program, addr(5), addr(6), floor) }); err != nil {
		t.Fatalf("Debit to zero: %v", err)
	}
	if got := b.Get(addr(5)).Lamports; got != 0 {
		t.Fatalf("expected emptied account, got %d", got)
	}
}

func TestBank_RegisterMakesVaultProgramOwned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBank(t)
	program, vault := addr(0xa0), addr(0x10)
	_ = b.Airdrop(ctx, vault, 700)

	if err := b.Register(ctx, vault, program, 1024); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := b.Get(vault); got.Owner != program || got.Space != 1024 || got.Lamports != 700 {
		t.Fatalf("unexpected vault: %+v", got)
	}
	if err := b.Register(ctx, vault, program, 1024); err != nil {
		t.Fatalf("Register again: %v", err)
	}
	if err := b.Register(ctx, vault, addr(0xb0), 1024); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists for foreign owner, got %v", err)
	}
	if err := b.Update(ctx, func(tx *Tx) error { return tx.Transfer(vault, addr(2), 1) }); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for transfer out of vault, got %v", err)
	}
	if got := b.Get(vault).Lamports; got != 700 {
		t.Fatalf("vault balance moved: %d", got)
	}
}

func TestBank_SlotAdvancesOnCommitOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBank(t)
	var seen uint64
	if err := b.Update(ctx, func(tx *Tx) error {
		seen = tx.Slot()
		return tx.Credit(addr(1), 5)
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if seen != 1 || b.Slot() != 1 {
		t.Fatalf("slot: tx saw %d, bank at %d", seen, b.Slot())
	}
	_ = b.Update(ctx, func(tx *Tx) error { return tx.Transfer(addr(1), addr(2), 6) })
	if b.Slot() != 1 {
		t.Fatalf("failed update advanced slot to %d", b.Slot())
	}
}

func TestBank_CaptureAndRestore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newBank(t)
	_ = src.Airdrop(ctx, addr(1), 900)
	if err := src.Register(ctx, addr(0x10), addr(0xa0), 64); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ran := false
	snap, err := src.Capture(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("Capture: ran=%v err=%v", ran, err)
	}
	if snap.Slot != 2 || len(snap.Accounts) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	dst := newBank(t)
	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if dst.Slot() != 2 || dst.Get(addr(1)).Lamports != 900 || dst.Get(addr(0x10)).Owner != addr(0xa0) {
		t.Fatalf("restored bank differs")
	}
	if err := dst.Restore(snap); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}

	boom := errors.New("boom")
	if _, err := src.Capture(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected capture callback error, got %v", err)
	}
}
