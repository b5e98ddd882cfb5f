// Package mixer ties the ledger, the hosting accounts, and the router into the
// three entry points the service exposes: deposit, withdraw, and mix.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/commitment"
	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/ledger"
	"github.com/solanon/mixer/internal/routing"
)

var (
	ErrInvalidConfig         = errors.New("mixer: invalid config")
	ErrTransferFailed        = errors.New("mixer: transfer failed")
	ErrNullifierAlreadySpent = errors.New("mixer: nullifier already spent")
	ErrInvalidMerkleProof    = errors.New("mixer: invalid merkle proof")
	ErrInvalidLedgerAccount  = errors.New("mixer: ledger account is not owned by the program")

	ErrLedgerFull     = ledger.ErrLedgerFull
	ErrUnknownLedger  = ledger.ErrNotFound
	ErrMalformedProof = commitment.ErrMalformedProof
)

// Notifier receives committed effects. Failures are logged, never returned to
// the caller, since the effect has already been applied.
type Notifier interface {
	Deposited(ctx context.Context, ev events.Deposit) error
	Withdrawn(ctx context.Context, ev events.Withdrawal) error
	Routed(ctx context.Context, ev events.Route) error
}

type Config struct {
	ProgramID address.Address

	IntermediateSpace   uint64
	EnforceDestinations bool
}

type Program struct {
	cfg      Config
	ledgers  ledger.Store
	bank     *accounts.Bank
	router   *routing.Router
	notifier Notifier
	log      *slog.Logger
}

// New builds a Program. notifier may be nil.
func New(cfg Config, ledgers ledger.Store, bank *accounts.Bank, notifier Notifier, log *slog.Logger) (*Program, error) {
	if ledgers == nil {
		return nil, fmt.Errorf("%w: nil ledger store", ErrInvalidConfig)
	}
	if bank == nil {
		return nil, fmt.Errorf("%w: nil bank", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	router, err := routing.New(routing.Config{
		ProgramID:           cfg.ProgramID,
		IntermediateSpace:   cfg.IntermediateSpace,
		EnforceDestinations: cfg.EnforceDestinations,
	}, bank, log.With("component", "router"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Program{
		cfg:      cfg,
		ledgers:  ledgers,
		bank:     bank,
		router:   router,
		notifier: notifier,
		log:      log,
	}, nil
}

func (p *Program) ProgramID() address.Address {
	return p.cfg.ProgramID
}

// InitLedger creates the ledger account state if it does not exist yet and
// registers the ledger address as a program-owned account of capacityBytes,
// so deposited value can only leave it through the program.
func (p *Program) InitLedger(ctx context.Context, id address.Address, capacityBytes int) (ledger.State, bool, error) {
	if id.IsZero() {
		return ledger.State{}, false, fmt.Errorf("%w: zero ledger address", ErrInvalidConfig)
	}
	st, created, err := p.ledgers.Init(ctx, id, capacityBytes)
	if err != nil {
		return ledger.State{}, false, err
	}
	if err := p.bank.Register(ctx, id, p.cfg.ProgramID, uint64(st.CapacityBytes)); err != nil {
		return ledger.State{}, false, fmt.Errorf("%w: ledger account: %w", ErrInvalidLedgerAccount, err)
	}
	if created {
		p.log.Info("ledger initialized", "ledger", id.String(), "capacity_bytes", capacityBytes, "max_entries", st.MaxEntries())
	}
	return st, created, nil
}

func (p *Program) Ledger(ctx context.Context, id address.Address) (ledger.State, error) {
	return p.ledgers.Get(ctx, id)
}

// Snapshot returns the ledger and the bank as of one instant. Deposits hold
// the bank while they write the ledger, so the two agree.
func (p *Program) Snapshot(ctx context.Context, id address.Address) (ledger.State, accounts.Snapshot, error) {
	var st ledger.State
	bank, err := p.bank.Capture(ctx, func(ctx context.Context) error {
		var err error
		st, err = p.ledgers.Get(ctx, id)
		return err
	})
	if err != nil {
		return ledger.State{}, accounts.Snapshot{}, err
	}
	return st, bank, nil
}

func (p *Program) Account(addr address.Address) accounts.Account {
	return p.bank.Get(addr)
}

func (p *Program) Rent() accounts.Rent {
	return p.bank.Rent()
}

func (p *Program) Airdrop(ctx context.Context, addr address.Address, amount uint64) error {
	if err := p.bank.Airdrop(ctx, addr, amount); err != nil {
		return err
	}
	p.log.Info("airdrop", "address", addr.String(), "amount", amount)
	return nil
}

func (p *Program) Intermediates(party address.Address, nonce uint64, count int) ([]address.Address, error) {
	return p.router.Intermediates(party, nonce, count)
}
