package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/archive"
	"github.com/solanon/mixer/internal/blobstore"
	"github.com/solanon/mixer/internal/ledger"
)

type snapshotSource interface {
	Snapshot(ctx context.Context, id address.Address) (ledger.State, accounts.Snapshot, error)
}

func runSnapshots(ctx context.Context, store blobstore.Store, src snapshotSource, id address.Address, every time.Duration, log *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := snapshotOnce(ctx, store, src, id, log); err != nil {
			log.Error("ledger snapshot", "err", err)
		}
	}
}

// snapshotOnce writes the ledger and the bank as captured at one instant.
func snapshotOnce(ctx context.Context, store blobstore.Store, src snapshotSource, id address.Address, log *slog.Logger) error {
	st, bank, err := src.Snapshot(ctx, id)
	if err != nil {
		return err
	}
	wrote, err := archive.WriteSnapshot(ctx, store, id, st)
	if err != nil {
		return err
	}
	if wrote {
		log.Info("ledger snapshot written", "ledger", id.String(), "commitments", len(st.Commitments), "nullifiers", len(st.Nullifiers))
	}
	wrote, err = archive.WriteBankSnapshot(ctx, store, id, bank)
	if err != nil {
		return err
	}
	if wrote {
		log.Info("bank snapshot written", "ledger", id.String(), "slot", bank.Slot, "accounts", len(bank.Accounts))
	}
	return nil
}

// restoreBank loads the latest bank snapshot into a bank that has not yet
// committed anything. It reports false when no snapshot exists.
func restoreBank(ctx context.Context, bank *accounts.Bank, snapshots blobstore.Store, id address.Address) (bool, error) {
	snap, err := archive.ReadBankSnapshot(ctx, snapshots, id)
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := bank.Restore(snap); err != nil {
		return false, err
	}
	return true, nil
}

// restoreLedger replays the latest snapshot into an empty ledger. It reports
// false when no snapshot exists.
func restoreLedger(ctx context.Context, store ledger.Store, snapshots blobstore.Store, id address.Address) (bool, error) {
	snap, err := archive.ReadSnapshot(ctx, snapshots, id)
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = store.Update(ctx, id, func(s *ledger.State) error {
		if len(s.Commitments) != 0 || len(s.Nullifiers) != 0 {
			return fmt.Errorf("%w: ledger is not empty", ledger.ErrMismatch)
		}
		if s.CapacityBytes != snap.CapacityBytes {
			return fmt.Errorf("%w: snapshot capacity %d, ledger capacity %d", ledger.ErrMismatch, snap.CapacityBytes, s.CapacityBytes)
		}
		for _, c := range snap.Commitments {
			if err := s.AddCommitment(c); err != nil {
				return err
			}
		}
		for _, n := range snap.Nullifiers {
			if err := s.MarkNullifierSpent(n); err != nil {
				return err
			}
		}
		if s.Root != snap.Root {
			return fmt.Errorf("%w: replayed root differs from snapshot", ledger.ErrCorrupt)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
