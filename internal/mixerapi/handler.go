// Package mixerapi serves the mixer program over HTTP/JSON.
package mixerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/ledger"
	"github.com/solanon/mixer/internal/mixer"
	"github.com/solanon/mixer/internal/routing"
)

var ErrInvalidConfig = errors.New("mixerapi: invalid config")

// Program is the subset of *mixer.Program the API drives.
type Program interface {
	Deposit(ctx context.Context, req mixer.DepositRequest) (mixer.DepositResult, error)
	Withdraw(ctx context.Context, req mixer.WithdrawRequest) (mixer.WithdrawResult, error)
	Mix(ctx context.Context, req routing.Request) (routing.Result, error)
	Ledger(ctx context.Context, id address.Address) (ledger.State, error)
	Account(addr address.Address) accounts.Account
	Rent() accounts.Rent
	Airdrop(ctx context.Context, addr address.Address, amount uint64) error
	Intermediates(party address.Address, nonce uint64, count int) ([]address.Address, error)
}

type Config struct {
	// Ledger is used when a request does not name one.
	Ledger address.Address

	EnableAirdrop    bool
	MaxAirdrop       uint64
	MaxIntermediates int

	// TrustedCallers accepts unsigned deposit and mix requests. Without it the
	// payer or party must sign the request body (see SignatureHeader).
	TrustedCallers bool
	// MaxSignatureLifetime bounds how far ahead a signed request may expire.
	MaxSignatureLifetime  time.Duration
	ReplayCacheMaxEntries int

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	IntermediatesCacheTTL        time.Duration
	IntermediatesCacheMaxEntries int

	Now func() time.Time
}

func NewHandler(cfg Config, program Program) (http.Handler, error) {
	if cfg.Ledger.IsZero() {
		return nil, fmt.Errorf("%w: missing ledger address", ErrInvalidConfig)
	}
	if program == nil {
		return nil, fmt.Errorf("%w: nil program", ErrInvalidConfig)
	}
	if cfg.MaxAirdrop == 0 {
		cfg.MaxAirdrop = 10_000_000_000
	}
	if cfg.MaxIntermediates <= 0 {
		cfg.MaxIntermediates = 64
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.IntermediatesCacheTTL <= 0 {
		cfg.IntermediatesCacheTTL = 5 * time.Minute
	}
	if cfg.IntermediatesCacheMaxEntries <= 0 {
		cfg.IntermediatesCacheMaxEntries = 10_000
	}
	if cfg.MaxSignatureLifetime <= 0 {
		cfg.MaxSignatureLifetime = 2 * time.Minute
	}
	if cfg.ReplayCacheMaxEntries <= 0 {
		cfg.ReplayCacheMaxEntries = 100_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:     cfg,
		program: program,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
		derived:    newResponseCache(cfg.IntermediatesCacheTTL, cfg.IntermediatesCacheMaxEntries),
		signatures: newSignatureGuard(cfg.MaxSignatureLifetime, cfg.ReplayCacheMaxEntries),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /v1/deposit", h.handleDeposit)
	mux.HandleFunc("POST /v1/withdraw", h.handleWithdraw)
	mux.HandleFunc("POST /v1/mix", h.handleMix)
	mux.HandleFunc("GET /v1/ledger", h.handleLedger)
	mux.HandleFunc("GET /v1/accounts/{address}", h.handleAccount)
	mux.HandleFunc("GET /v1/intermediates", h.handleIntermediates)
	if cfg.EnableAirdrop {
		mux.HandleFunc("POST /v1/airdrop", h.handleAirdrop)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		allowed := h.limiter.Allow(clientIP(r), h.cfg.Now().UTC())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg        Config
	program    Program
	limiter    *ipRateLimiter
	derived    *responseCache
	signatures *signatureGuard
}

// authorize admits a request spending from signer. raw is the body exactly as
// received.
func (h *handler) authorize(w http.ResponseWriter, r *http.Request, signer address.Address, raw []byte, expiresAt string) bool {
	if h.cfg.TrustedCallers {
		return true
	}
	if e := h.signatures.Verify(signer, raw, r.Header.Get(SignatureHeader), expiresAt, h.cfg.Now().UTC()); e != nil {
		writeError(w, e.status, e.code)
		return false
	}
	return true
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type depositBody struct {
	Ledger    string `json:"ledger"`
	Payer     string `json:"payer"`
	Amount    string `json:"amount"`
	Secret    string `json:"secret"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	body, raw, ok := readJSONBody[depositBody](w, r)
	if !ok {
		return
	}
	ledgerID, ok := h.ledgerParam(w, body.Ledger)
	if !ok {
		return
	}
	payer, err := address.Parse(body.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payer")
		return
	}
	if !h.authorize(w, r, payer, raw, body.ExpiresAt) {
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	secret, err := parseHash(body.Secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_secret")
		return
	}

	res, err := h.program.Deposit(r.Context(), mixer.DepositRequest{
		Ledger: ledgerID,
		Payer:  payer,
		Amount: amount,
		Secret: secret,
	})
	if err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"ledger":     ledgerID,
		"commitment": common.Hash(res.Commitment),
		"root":       common.Hash(res.Root),
		"index":      res.Index,
	})
}

type withdrawBody struct {
	Ledger    string `json:"ledger"`
	Nullifier string `json:"nullifier"`
	Proof     string `json:"proof"`
}

func (h *handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[withdrawBody](w, r)
	if !ok {
		return
	}
	ledgerID, ok := h.ledgerParam(w, body.Ledger)
	if !ok {
		return
	}
	nullifier, err := parseHash(body.Nullifier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_nullifier")
		return
	}
	var proof []byte
	if raw := strings.TrimSpace(body.Proof); raw != "" {
		proof, err = hexutil.Decode(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_proof_encoding")
			return
		}
	}

	res, err := h.program.Withdraw(r.Context(), mixer.WithdrawRequest{
		Ledger:    ledgerID,
		Nullifier: nullifier,
		Proof:     proof,
	})
	if err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"ledger":    ledgerID,
		"nullifier": common.Hash(nullifier),
		"root":      common.Hash(res.Root),
	})
}

type mixItemBody struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

type mixBody struct {
	Party     string        `json:"party"`
	Nonce     string        `json:"nonce"`
	Items     []mixItemBody `json:"items"`
	Accounts  []string      `json:"accounts"`
	ExpiresAt string        `json:"expiresAt,omitempty"`
}

type transferJSON struct {
	Index        int             `json:"index"`
	Intermediate address.Address `json:"intermediate"`
	Destination  address.Address `json:"destination"`
	Amount       string          `json:"amount"`
	Funded       string          `json:"funded"`
}

func (h *handler) handleMix(w http.ResponseWriter, r *http.Request) {
	body, raw, ok := readJSONBody[mixBody](w, r)
	if !ok {
		return
	}
	party, err := address.Parse(body.Party)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_party")
		return
	}
	if !h.authorize(w, r, party, raw, body.ExpiresAt) {
		return
	}
	nonce, err := parseUint64BodyValue(body.Nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_nonce")
		return
	}
	items := make([]routing.Item, 0, len(body.Items))
	for _, it := range body.Items {
		dest, err := address.Parse(it.Destination)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_destination")
			return
		}
		amount, err := parseUint64BodyValue(it.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_amount")
			return
		}
		items = append(items, routing.Item{Destination: dest, Amount: amount})
	}
	accts := make([]address.Address, 0, len(body.Accounts))
	for _, raw := range body.Accounts {
		a, err := address.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_accounts")
			return
		}
		accts = append(accts, a)
	}

	res, err := h.program.Mix(r.Context(), routing.Request{
		Party:    party,
		Nonce:    nonce,
		Items:    items,
		Accounts: accts,
	})
	if err != nil {
		writeProgramError(w, err)
		return
	}
	transfers := make([]transferJSON, 0, len(res.Transfers))
	for _, t := range res.Transfers {
		transfers = append(transfers, transferJSON{
			Index:        t.Index,
			Intermediate: t.Intermediate,
			Destination:  t.Destination,
			Amount:       strconv.FormatUint(t.Amount, 10),
			Funded:       strconv.FormatUint(t.Funded, 10),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"nonce":     strconv.FormatUint(nonce, 10),
		"transfers": transfers,
	})
}

func (h *handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	ledgerID, ok := h.ledgerParam(w, r.URL.Query().Get("address"))
	if !ok {
		return
	}
	st, err := h.program.Ledger(r.Context(), ledgerID)
	if err != nil {
		writeProgramError(w, err)
		return
	}
	resp := map[string]any{
		"version":       "v1",
		"ledger":        ledgerID,
		"root":          common.Hash(st.Root),
		"commitments":   len(st.Commitments),
		"nullifiers":    len(st.Nullifiers),
		"capacityBytes": st.CapacityBytes,
		"sizeBytes":     st.Size(),
		"maxEntries":    st.MaxEntries(),
	}
	if r.URL.Query().Get("full") == "1" {
		resp["commitmentList"] = hashes(st.Commitments)
		resp["nullifierList"] = hashes(st.Nullifiers)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := address.Parse(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	acct := h.program.Account(addr)
	writeJSON(w, http.StatusOK, map[string]any{
		"version":           "v1",
		"address":           addr,
		"lamports":          strconv.FormatUint(acct.Lamports, 10),
		"owner":             acct.Owner,
		"space":             acct.Space,
		"rentExemptMinimum": strconv.FormatUint(h.program.Rent().MinimumBalance(acct.Space), 10),
	})
}

func (h *handler) handleIntermediates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	party, err := address.Parse(q.Get("party"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_party")
		return
	}
	nonce, err := parseUint64BodyValue(q.Get("nonce"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_nonce")
		return
	}
	count, err := strconv.Atoi(strings.TrimSpace(q.Get("count")))
	if err != nil || count < 0 || count > h.cfg.MaxIntermediates {
		writeError(w, http.StatusBadRequest, "invalid_count")
		return
	}

	key := party.String() + "|" + strconv.FormatUint(nonce, 10) + "|" + strconv.Itoa(count)
	now := h.cfg.Now().UTC()
	if body, ok := h.derived.Get(key, now); ok {
		writeJSONBytes(w, http.StatusOK, body)
		return
	}

	addrs, err := h.program.Intermediates(party, nonce, count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	body, err := json.Marshal(map[string]any{
		"version":       "v1",
		"party":         party,
		"nonce":         strconv.FormatUint(nonce, 10),
		"intermediates": addrs,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	body = append(body, '\n')
	h.derived.Set(key, body, now)
	writeJSONBytes(w, http.StatusOK, body)
}

type airdropBody struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func (h *handler) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[airdropBody](w, r)
	if !ok {
		return
	}
	addr, err := address.Parse(body.Address)
	if err != nil || addr.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_address")
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil || amount == 0 || amount > h.cfg.MaxAirdrop {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if err := h.program.Airdrop(r.Context(), addr, amount); err != nil {
		writeProgramError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"address":  addr,
		"lamports": strconv.FormatUint(h.program.Account(addr).Lamports, 10),
	})
}

func (h *handler) ledgerParam(w http.ResponseWriter, raw string) (address.Address, bool) {
	if strings.TrimSpace(raw) == "" {
		return h.cfg.Ledger, true
	}
	id, err := address.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_ledger")
		return address.Address{}, false
	}
	return id, true
}

// errorCodes maps program errors to API codes. Order matters where one
// sentinel wraps another.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{mixer.ErrTransferFailed, http.StatusBadRequest, "transfer_failed"},
	{mixer.ErrNullifierAlreadySpent, http.StatusConflict, "nullifier_already_spent"},
	{mixer.ErrInvalidMerkleProof, http.StatusBadRequest, "invalid_merkle_proof"},
	{mixer.ErrMalformedProof, http.StatusBadRequest, "malformed_proof"},
	{mixer.ErrLedgerFull, http.StatusConflict, "ledger_full"},
	{mixer.ErrUnknownLedger, http.StatusNotFound, "ledger_not_found"},
	{mixer.ErrInvalidLedgerAccount, http.StatusBadRequest, "invalid_ledger_account"},
	{routing.ErrInvalidRemainingAccounts, http.StatusBadRequest, "invalid_remaining_accounts"},
	{routing.ErrInvalidIntermediateAccount, http.StatusBadRequest, "invalid_intermediate_account"},
	{routing.ErrDestinationMismatch, http.StatusBadRequest, "destination_mismatch"},
	{routing.ErrMathError, http.StatusBadRequest, "math_error"},
	{routing.ErrAllocationFailed, http.StatusBadRequest, "allocation_failed"},
	{routing.ErrInsufficientFunds, http.StatusBadRequest, "insufficient_funds"},
	{accounts.ErrOverflow, http.StatusBadRequest, "math_error"},
}

func writeProgramError(w http.ResponseWriter, err error) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			writeError(w, c.status, c.code)
			return
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal")
}

func writeError(w http.ResponseWriter, code int, errCode string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   errCode,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONBytes(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	out, _, ok := readJSONBody[T](w, r)
	return out, ok
}

// readJSONBody decodes the body into T and also returns the raw bytes.
func readJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, []byte, bool) {
	var out T
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, nil, false
	}
	return out, raw, true
}

func parseUint64BodyValue(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func parseHash(raw string) ([32]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("got %d bytes, want 32", len(b))
	}
	return [32]byte(b), nil
}

func hashes(in [][32]byte) []common.Hash {
	out := make([]common.Hash, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
