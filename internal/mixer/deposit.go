package mixer

import (
	"context"
	"fmt"

	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/commitment"
	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/ledger"
)

type DepositRequest struct {
	Ledger address.Address
	Payer  address.Address
	Amount uint64
	Secret [32]byte
}

type DepositResult struct {
	Commitment [32]byte
	Root       [32]byte
	Index      uint64
}

// Deposit moves Amount from Payer into the ledger account and records
// Commit(Amount, Secret). Both effects apply or neither does.
func (p *Program) Deposit(ctx context.Context, req DepositRequest) (DepositResult, error) {
	cm := commitment.Commit(req.Amount, req.Secret)

	var st ledger.State
	err := p.bank.Update(ctx, func(tx *accounts.Tx) error {
		switch vault := tx.Account(req.Ledger); {
		case vault.Owner == p.cfg.ProgramID:
		case vault.Owner == accounts.SystemOwner && vault.Space == 0:
			return fmt.Errorf("%w: %s was never initialized", ErrUnknownLedger, req.Ledger)
		default:
			return fmt.Errorf("%w: %s is owned by %s", ErrInvalidLedgerAccount, req.Ledger, vault.Owner)
		}
		if err := tx.Transfer(req.Payer, req.Ledger, req.Amount); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		// The ledger commits first; the bank applies its staged transfer only
		// after this returns nil.
		var err error
		st, err = p.ledgers.Update(ctx, req.Ledger, func(s *ledger.State) error {
			return s.AddCommitment(cm)
		})
		return err
	})
	if err != nil {
		return DepositResult{}, err
	}

	res := DepositResult{
		Commitment: cm,
		Root:       st.Root,
		Index:      uint64(len(st.Commitments) - 1),
	}
	p.log.Info("deposit accepted", "ledger", req.Ledger.String(), "index", res.Index, "amount", req.Amount)

	if p.notifier != nil {
		ev := events.NewDeposit(req.Ledger, res.Commitment, res.Root, res.Index, req.Amount)
		if err := p.notifier.Deposited(ctx, ev); err != nil {
			p.log.Warn("deposit event not published", "ledger", req.Ledger.String(), "index", res.Index, "err", err)
		}
	}
	return res, nil
}
