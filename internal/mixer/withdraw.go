package mixer

import (
	"context"
	"fmt"

	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/commitment"
	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/ledger"
)

type WithdrawRequest struct {
	Ledger    address.Address
	Nullifier [32]byte
	// Proof is a concatenation of 32-byte sibling hashes.
	Proof []byte
}

type WithdrawResult struct {
	Root [32]byte
}

// Withdraw spends Nullifier once its proof chains to the ledger root. No value
// is paid out.
func (p *Program) Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error) {
	st, err := p.ledgers.Update(ctx, req.Ledger, func(s *ledger.State) error {
		if s.IsNullifierSpent(req.Nullifier) {
			return ErrNullifierAlreadySpent
		}
		ok, err := commitment.VerifyMembership(s.Root, req.Proof, req.Nullifier)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: chain of %d siblings does not reach root", ErrInvalidMerkleProof, len(req.Proof)/commitment.ProofChunkSize)
		}
		return s.MarkNullifierSpent(req.Nullifier)
	})
	if err != nil {
		return WithdrawResult{}, err
	}

	p.log.Info("withdrawal accepted", "ledger", req.Ledger.String(), "spent", len(st.Nullifiers))

	if p.notifier != nil {
		if err := p.notifier.Withdrawn(ctx, events.NewWithdrawal(req.Ledger, req.Nullifier, st.Root)); err != nil {
			p.log.Warn("withdrawal event not published", "ledger", req.Ledger.String(), "err", err)
		}
	}
	return WithdrawResult{Root: st.Root}, nil
}
