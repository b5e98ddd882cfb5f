// Package events defines the mixer's outbound event payloads and publishes them
// to the queue, keyed by ledger so per-ledger order survives partitioning.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/idempotency"
	"github.com/solanon/mixer/internal/queue"
)

const (
	DefaultDepositTopic    = "mixer.deposits.v1"
	DefaultWithdrawalTopic = "mixer.withdrawals.v1"
	DefaultRouteTopic      = "mixer.routes.v1"

	VersionDeposit    = "mixer.deposit.v1"
	VersionWithdrawal = "mixer.withdrawal.v1"
	VersionRoute      = "mixer.route.v1"
)

var (
	ErrInvalidConfig = errors.New("events: invalid config")
	ErrInvalidEvent  = errors.New("events: invalid event")
)

type Deposit struct {
	Version    string          `json:"version"`
	EventID    common.Hash     `json:"eventId"`
	Ledger     address.Address `json:"ledger"`
	Commitment common.Hash     `json:"commitment"`
	Root       common.Hash     `json:"root"`
	Index      uint64          `json:"index"`
	Amount     uint64          `json:"amount"`
}

func NewDeposit(ledger address.Address, commitment, root [32]byte, index, amount uint64) Deposit {
	return Deposit{
		Version:    VersionDeposit,
		EventID:    idempotency.DepositEventIDV1(ledger, commitment, index),
		Ledger:     ledger,
		Commitment: common.Hash(commitment),
		Root:       common.Hash(root),
		Index:      index,
		Amount:     amount,
	}
}

type Withdrawal struct {
	Version   string          `json:"version"`
	EventID   common.Hash     `json:"eventId"`
	Ledger    address.Address `json:"ledger"`
	Nullifier common.Hash     `json:"nullifier"`
	Root      common.Hash     `json:"root"`
}

func NewWithdrawal(ledger address.Address, nullifier, root [32]byte) Withdrawal {
	return Withdrawal{
		Version:   VersionWithdrawal,
		EventID:   idempotency.WithdrawalEventIDV1(ledger, nullifier),
		Ledger:    ledger,
		Nullifier: common.Hash(nullifier),
		Root:      common.Hash(root),
	}
}

// Route omits the initiating party.
type Route struct {
	Version   string          `json:"version"`
	EventID   common.Hash     `json:"eventId"`
	ProgramID address.Address `json:"programId"`
	Slot      uint64          `json:"slot"`
	Transfers []RouteTransfer `json:"transfers"`
}

type RouteTransfer struct {
	Index        int             `json:"index"`
	Intermediate address.Address `json:"intermediate"`
	Destination  address.Address `json:"destination"`
	Amount       uint64          `json:"amount"`
	Funded       uint64          `json:"funded"`
}

func NewRoute(program address.Address, nonce, slot uint64, transfers []RouteTransfer) Route {
	legs := make([]idempotency.RouteLeg, 0, len(transfers))
	for _, t := range transfers {
		legs = append(legs, idempotency.RouteLeg{
			Intermediate: t.Intermediate,
			Destination:  t.Destination,
			Amount:       t.Amount,
			Funded:       t.Funded,
		})
	}
	return Route{
		Version:   VersionRoute,
		EventID:   idempotency.RouteEventIDV1(program, nonce, slot, legs),
		ProgramID: program,
		Slot:      slot,
		Transfers: append([]RouteTransfer(nil), transfers...),
	}
}

// Header is the part every event shares.
type Header struct {
	Version string      `json:"version"`
	EventID common.Hash `json:"eventId"`
}

// ParseHeader extracts the version and id from any event payload.
func ParseHeader(payload []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(payload, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !strings.HasPrefix(h.Version, "mixer.") {
		return Header{}, fmt.Errorf("%w: version %q", ErrInvalidEvent, h.Version)
	}
	if h.EventID == (common.Hash{}) {
		return Header{}, fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	return h, nil
}

type Topics struct {
	Deposits    string
	Withdrawals string
	Routes      string
}

func DefaultTopics() Topics {
	return Topics{
		Deposits:    DefaultDepositTopic,
		Withdrawals: DefaultWithdrawalTopic,
		Routes:      DefaultRouteTopic,
	}
}

type Publisher struct {
	producer queue.Producer
	topics   Topics
	log      *slog.Logger
}

func NewPublisher(producer queue.Producer, topics Topics, log *slog.Logger) (*Publisher, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	def := DefaultTopics()
	if strings.TrimSpace(topics.Deposits) == "" {
		topics.Deposits = def.Deposits
	}
	if strings.TrimSpace(topics.Withdrawals) == "" {
		topics.Withdrawals = def.Withdrawals
	}
	if strings.TrimSpace(topics.Routes) == "" {
		topics.Routes = def.Routes
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{producer: producer, topics: topics, log: log}, nil
}

func (p *Publisher) Deposited(ctx context.Context, ev Deposit) error {
	return p.publish(ctx, p.topics.Deposits, ev.Ledger[:], ev)
}

func (p *Publisher) Withdrawn(ctx context.Context, ev Withdrawal) error {
	return p.publish(ctx, p.topics.Withdrawals, ev.Ledger[:], ev)
}

func (p *Publisher) Routed(ctx context.Context, ev Route) error {
	return p.publish(ctx, p.topics.Routes, ev.ProgramID[:], ev)
}

func (p *Publisher) publish(ctx context.Context, topic string, key []byte, ev any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := p.producer.Publish(ctx, topic, key, payload); err != nil {
		return fmt.Errorf("events: publish %s: %w", topic, err)
	}
	p.log.Debug("event published", "topic", topic, "bytes", len(payload))
	return nil
}

// Republish decodes a previously published payload and sends it again on the
// topic and key its version maps to. It returns the version it routed.
func (p *Publisher) Republish(ctx context.Context, payload []byte) (string, error) {
	h, err := ParseHeader(payload)
	if err != nil {
		return "", err
	}
	switch h.Version {
	case VersionDeposit:
		var ev Deposit
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return h.Version, p.Deposited(ctx, ev)
	case VersionWithdrawal:
		var ev Withdrawal
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return h.Version, p.Withdrawn(ctx, ev)
	case VersionRoute:
		var ev Route
		if err := json.Unmarshal(payload, &ev); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return h.Version, p.Routed(ctx, ev)
	default:
		return "", fmt.Errorf("%w: unknown version %q", ErrInvalidEvent, h.Version)
	}
}
