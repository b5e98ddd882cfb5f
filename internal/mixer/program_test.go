package mixer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/commitment"
	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/ledger"
	"github.com/solanon/mixer/internal/routing"
)

type recordingNotifier struct {
	mu          sync.Mutex
	deposits    []events.Deposit
	withdrawals []events.Withdrawal
	routes      []events.Route
	err         error
}

func (n *recordingNotifier) Deposited(_ context.Context, ev events.Deposit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deposits = append(n.deposits, ev)
	return n.err
}

func (n *recordingNotifier) Withdrawn(_ context.Context, ev events.Withdrawal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.withdrawals = append(n.withdrawals, ev)
	return n.err
}

func (n *recordingNotifier) Routed(_ context.Context, ev events.Route) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, ev)
	return n.err
}

func addr(b byte) address.Address {
	var a address.Address
	a[0] = b
	a[31] = 0x33
	return a
}

func secret(b byte) [32]byte {
	var s [32]byte
	s[0] = b
	s[31] = 0xee
	return s
}

type fixture struct {
	p        *Program
	store    *ledger.MemoryStore
	bank     *accounts.Bank
	notifier *recordingNotifier
	ledger   address.Address
	payer    address.Address
}

func newFixture(t *testing.T, capacity int, payerFunds uint64) fixture {
	t.Helper()
	ctx := context.Background()

	bank, err := accounts.NewBank(accounts.DefaultRent)
	if err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	store := ledger.NewMemoryStore()
	n := &recordingNotifier{}
	p, err := New(Config{ProgramID: addr(0xa0)}, store, bank, n, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := fixture{p: p, store: store, bank: bank, notifier: n, ledger: addr(0x10), payer: addr(0x01)}
	if _, created, err := p.InitLedger(ctx, f.ledger, capacity); err != nil || !created {
		t.Fatalf("InitLedger: created=%v err=%v", created, err)
	}
	if payerFunds > 0 {
		if err := p.Airdrop(ctx, f.payer, payerFunds); err != nil {
			t.Fatalf("Airdrop: %v", err)
		}
	}
	return f
}

// seedRoot appends a commitment directly so a nullifier chain can reach it.
func (f fixture) seedRoot(t *testing.T, root [32]byte) {
	t.Helper()
	if _, err := f.store.Update(context.Background(), f.ledger, func(s *ledger.State) error {
		return s.AddCommitment(root)
	}); err != nil {
		t.Fatalf("seed root: %v", err)
	}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	bank, _ := accounts.NewBank(accounts.DefaultRent)
	store := ledger.NewMemoryStore()
	if _, err := New(Config{ProgramID: addr(1)}, nil, bank, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{ProgramID: addr(1)}, store, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil bank: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{}, store, bank, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero program: expected ErrInvalidConfig, got %v", err)
	}
}

func TestDeposit_Monotonic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 10_000_000)

	for k := 1; k <= 4; k++ {
		res, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 1_000, Secret: secret(byte(k))})
		if err != nil {
			t.Fatalf("Deposit #%d: %v", k, err)
		}
		if res.Index != uint64(k-1) {
			t.Fatalf("index: got %d want %d", res.Index, k-1)
		}
		if res.Commitment != commitment.Commit(1_000, secret(byte(k))) || res.Root != res.Commitment {
			t.Fatalf("deposit #%d: root is not the new commitment", k)
		}
		st, err := f.p.Ledger(ctx, f.ledger)
		if err != nil {
			t.Fatalf("Ledger: %v", err)
		}
		if len(st.Commitments) != k || st.Root != st.Commitments[k-1] {
			t.Fatalf("deposit #%d: unexpected ledger %d commitments", k, len(st.Commitments))
		}
	}
	if got := f.p.Account(f.ledger).Lamports; got != 4_000 {
		t.Fatalf("vault: got %d want 4000", got)
	}
	if got := f.p.Account(f.payer).Lamports; got != 10_000_000-4_000 {
		t.Fatalf("payer: got %d", got)
	}
	if len(f.notifier.deposits) != 4 || f.notifier.deposits[3].Index != 3 {
		t.Fatalf("unexpected deposit events: %+v", f.notifier.deposits)
	}
}

func TestDeposit_EndToEndRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 2_000_000)
	s := secret(0x5e)

	res, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 1_000_000, Secret: s})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if res.Root != commitment.Commit(1_000_000, s) {
		t.Fatalf("root is not commit(1_000_000, S)")
	}

	// H(N1) differs from a commitment root, so an empty proof is rejected.
	_, err = f.p.Withdraw(ctx, WithdrawRequest{Ledger: f.ledger, Nullifier: secret(0x01)})
	if !errors.Is(err, ErrInvalidMerkleProof) {
		t.Fatalf("expected ErrInvalidMerkleProof, got %v", err)
	}
}

func TestDeposit_TransferFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 500)

	_, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 501, Secret: secret(1)})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if !errors.Is(err, accounts.ErrInsufficientFunds) {
		t.Fatalf("expected wrapped accounts.ErrInsufficientFunds, got %v", err)
	}
	st, _ := f.p.Ledger(ctx, f.ledger)
	if len(st.Commitments) != 0 {
		t.Fatalf("commitment recorded despite failed transfer")
	}
	if len(f.notifier.deposits) != 0 {
		t.Fatalf("event emitted for failed deposit")
	}
}

func TestDeposit_LedgerFullRollsBackTransfer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.HeaderBytes+32, 10_000)

	if _, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 100, Secret: secret(1)}); err != nil {
		t.Fatalf("Deposit #1: %v", err)
	}
	_, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 100, Secret: secret(2)})
	if !errors.Is(err, ErrLedgerFull) {
		t.Fatalf("expected ErrLedgerFull, got %v", err)
	}
	if got := f.p.Account(f.payer).Lamports; got != 9_900 {
		t.Fatalf("payer charged for rejected deposit: %d", got)
	}
	if got := f.p.Account(f.ledger).Lamports; got != 100 {
		t.Fatalf("vault: got %d want 100", got)
	}
}

func TestDeposit_ZeroAmountAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ledger.DefaultCapacityBytes, 0)
	res, err := f.p.Deposit(context.Background(), DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 0, Secret: secret(1)})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if res.Commitment != commitment.Commit(0, secret(1)) {
		t.Fatalf("unexpected commitment")
	}
}

func TestDeposit_UnknownLedger(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ledger.DefaultCapacityBytes, 1_000)
	_, err := f.p.Deposit(context.Background(), DepositRequest{Ledger: addr(0x99), Payer: f.payer, Amount: 10, Secret: secret(1)})
	if !errors.Is(err, ErrUnknownLedger) {
		t.Fatalf("expected ErrUnknownLedger, got %v", err)
	}
	if got := f.p.Account(f.payer).Lamports; got != 1_000 {
		t.Fatalf("payer charged: %d", got)
	}
}

func TestWithdraw_NullifierExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 0)
	n1 := secret(0x77)
	f.seedRoot(t, commitment.ChainRoot(n1))

	if _, err := f.p.Withdraw(ctx, WithdrawRequest{Ledger: f.ledger, Nullifier: n1, Proof: nil}); err != nil {
		t.Fatalf("Withdraw #1: %v", err)
	}
	_, err := f.p.Withdraw(ctx, WithdrawRequest{Ledger: f.ledger, Nullifier: n1, Proof: nil})
	if !errors.Is(err, ErrNullifierAlreadySpent) {
		t.Fatalf("expected ErrNullifierAlreadySpent, got %v", err)
	}

	st, _ := f.p.Ledger(ctx, f.ledger)
	if len(st.Nullifiers) != 1 {
		t.Fatalf("nullifiers: got %d want 1", len(st.Nullifiers))
	}
	if len(f.notifier.withdrawals) != 1 {
		t.Fatalf("withdrawal events: got %d want 1", len(f.notifier.withdrawals))
	}
}

func TestWithdraw_ChainedProof(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 0)
	n := secret(0x11)
	s1, s2 := secret(0x21), secret(0x22)
	f.seedRoot(t, commitment.ChainRoot(n, s1, s2))

	_, err := f.p.Withdraw(ctx, WithdrawRequest{Ledger: f.ledger, Nullifier: n, Proof: commitment.EncodeProof(s2, s1)})
	if !errors.Is(err, ErrInvalidMerkleProof) {
		t.Fatalf("swapped siblings: expected ErrInvalidMerkleProof, got %v", err)
	}
	if _, err := f.p.Withdraw(ctx, WithdrawRequest{Ledger: f.ledger, Nullifier: n, Proof: commitment.EncodeProof(s1, s2)}); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
}

func TestWithdraw_MalformedProofSpendsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 0)
	n := secret(0x11)
	f.seedRoot(t, commitment.ChainRoot(n))

	_, err := f.p.Withdraw(ctx, WithdrawRequest{Ledger: f.ledger, Nullifier: n, Proof: make([]byte, 31)})
	if !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("expected ErrMalformedProof, got %v", err)
	}
	st, _ := f.p.Ledger(ctx, f.ledger)
	if st.IsNullifierSpent(n) {
		t.Fatalf("malformed proof spent the nullifier")
	}
}

func TestWithdraw_LedgerFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ledger.HeaderBytes+32, 0)
	n := secret(0x11)
	f.seedRoot(t, commitment.ChainRoot(n))

	_, err := f.p.Withdraw(context.Background(), WithdrawRequest{Ledger: f.ledger, Nullifier: n})
	if !errors.Is(err, ErrLedgerFull) {
		t.Fatalf("expected ErrLedgerFull, got %v", err)
	}
}

func TestMix_PublishesRouteWithoutParty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 10_000_000)
	a, b := addr(0x0a), addr(0x0b)

	inter, err := f.p.Intermediates(f.payer, 7, 2)
	if err != nil {
		t.Fatalf("Intermediates: %v", err)
	}
	req := routing.Request{
		Party:    f.payer,
		Nonce:    7,
		Items:    []routing.Item{{Destination: a, Amount: 500}, {Destination: b, Amount: 300}},
		Accounts: []address.Address{inter[0], inter[1], a, b},
	}
	if _, err := f.p.Mix(ctx, req); err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if f.p.Account(a).Lamports != 500 || f.p.Account(b).Lamports != 300 {
		t.Fatalf("unexpected destination balances")
	}
	if len(f.notifier.routes) != 1 {
		t.Fatalf("route events: got %d want 1", len(f.notifier.routes))
	}
	ev := f.notifier.routes[0]
	if len(ev.Transfers) != 2 || ev.Transfers[1].Destination != b || ev.ProgramID != f.p.ProgramID() {
		t.Fatalf("unexpected route event: %+v", ev)
	}
}

func TestNotifierFailureDoesNotFailOperation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ledger.DefaultCapacityBytes, 1_000)
	f.notifier.err = errors.New("broker down")

	if _, err := f.p.Deposit(context.Background(), DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 1, Secret: secret(1)}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func TestInitLedger_RejectsZeroAddress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ledger.DefaultCapacityBytes, 0)
	if _, _, err := f.p.InitLedger(context.Background(), address.Zero, ledger.DefaultCapacityBytes); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestMix_LedgerVaultCannotFundIntermediates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 2_000_000)
	if _, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 1_000_000, Secret: secret(1)}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	thief := addr(0x66)
	inter, err := f.p.Intermediates(f.ledger, 1, 1)
	if err != nil {
		t.Fatalf("Intermediates: %v", err)
	}
	_, err = f.p.Mix(ctx, routing.Request{
		Party:    f.ledger,
		Nonce:    1,
		Items:    []routing.Item{{Destination: thief, Amount: 1_000_000 - accounts.DefaultRent.MinimumBalance(routing.DefaultIntermediateSpace)}},
		Accounts: []address.Address{inter[0], thief},
	})
	if !errors.Is(err, routing.ErrAllocationFailed) || !errors.Is(err, accounts.ErrUnauthorized) {
		t.Fatalf("expected ErrAllocationFailed wrapping ErrUnauthorized, got %v", err)
	}
	if got := f.p.Account(f.ledger).Lamports; got != 1_000_000 {
		t.Fatalf("vault balance changed: %d", got)
	}
	if got := f.p.Account(thief).Lamports; got != 0 {
		t.Fatalf("destination received %d", got)
	}
	if len(f.notifier.routes) != 0 {
		t.Fatalf("route event emitted for rejected mix")
	}
}

func TestDeposit_LedgerVaultCannotPay(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 1_000)
	if _, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 1_000, Secret: secret(1)}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	_, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.ledger, Amount: 1_000, Secret: secret(2)})
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, accounts.ErrUnauthorized) {
		t.Fatalf("expected ErrTransferFailed wrapping ErrUnauthorized, got %v", err)
	}
	st, _ := f.p.Ledger(ctx, f.ledger)
	if len(st.Commitments) != 1 {
		t.Fatalf("commitments: got %d want 1", len(st.Commitments))
	}
}

func TestInitLedger_RegistersVault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 0)
	vault := f.p.Account(f.ledger)
	if vault.Owner != f.p.ProgramID() || vault.Space != ledger.DefaultCapacityBytes {
		t.Fatalf("vault not program-owned: %+v", vault)
	}

	// Re-initializing an existing ledger keeps the registration.
	if _, created, err := f.p.InitLedger(ctx, f.ledger, ledger.DefaultCapacityBytes); err != nil || created {
		t.Fatalf("InitLedger again: created=%v err=%v", created, err)
	}

	other := addr(0x55)
	if err := f.bank.Register(ctx, other, addr(0xb0), 8); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, _, err := f.p.InitLedger(ctx, other, ledger.DefaultCapacityBytes); !errors.Is(err, ErrInvalidLedgerAccount) {
		t.Fatalf("expected ErrInvalidLedgerAccount, got %v", err)
	}
}

func TestDeposit_RejectsForeignOwnedVault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 1_000)
	other := addr(0x56)
	if _, _, err := f.store.Init(ctx, other, ledger.DefaultCapacityBytes); err != nil {
		t.Fatalf("store Init: %v", err)
	}
	if err := f.bank.Register(ctx, other, addr(0xb0), 8); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := f.p.Deposit(ctx, DepositRequest{Ledger: other, Payer: f.payer, Amount: 10, Secret: secret(1)})
	if !errors.Is(err, ErrInvalidLedgerAccount) {
		t.Fatalf("expected ErrInvalidLedgerAccount, got %v", err)
	}
	if got := f.p.Account(f.payer).Lamports; got != 1_000 {
		t.Fatalf("payer charged: %d", got)
	}
}

func TestSnapshot_LedgerAndBankAgree(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 5_000)
	for k := 1; k <= 3; k++ {
		if _, err := f.p.Deposit(ctx, DepositRequest{Ledger: f.ledger, Payer: f.payer, Amount: 100, Secret: secret(byte(k))}); err != nil {
			t.Fatalf("Deposit #%d: %v", k, err)
		}
	}

	st, bank, err := f.p.Snapshot(ctx, f.ledger)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(st.Commitments) != 3 || bank.Accounts[f.ledger].Lamports != 300 {
		t.Fatalf("snapshot disagrees: %d commitments, vault %d", len(st.Commitments), bank.Accounts[f.ledger].Lamports)
	}
	if bank.Slot != f.bank.Slot() {
		t.Fatalf("snapshot slot %d, bank slot %d", bank.Slot, f.bank.Slot())
	}
	if _, _, err := f.p.Snapshot(ctx, addr(0x99)); !errors.Is(err, ErrUnknownLedger) {
		t.Fatalf("expected ErrUnknownLedger, got %v", err)
	}
}

func TestMix_RepeatedZeroAmountBatchesPublishDistinctEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, ledger.DefaultCapacityBytes, 10_000_000)
	dest := addr(0x0c)
	inter, err := f.p.Intermediates(f.payer, 4, 1)
	if err != nil {
		t.Fatalf("Intermediates: %v", err)
	}
	req := routing.Request{
		Party:    f.payer,
		Nonce:    4,
		Items:    []routing.Item{{Destination: dest, Amount: 0}},
		Accounts: []address.Address{inter[0], dest},
	}
	for k := 0; k < 2; k++ {
		if _, err := f.p.Mix(ctx, req); err != nil {
			t.Fatalf("Mix #%d: %v", k+1, err)
		}
	}
	if len(f.notifier.routes) != 2 {
		t.Fatalf("route events: got %d want 2", len(f.notifier.routes))
	}
	if f.notifier.routes[0].EventID == f.notifier.routes[1].EventID {
		t.Fatalf("repeated batches share event id %s", f.notifier.routes[0].EventID)
	}
}
