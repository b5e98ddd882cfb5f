// Package archive copies mixer events and ledger snapshots into a blobstore.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/solanon/mixer/internal/accounts"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/blobstore"
	"github.com/solanon/mixer/internal/events"
	"github.com/solanon/mixer/internal/ledger"
	"github.com/solanon/mixer/internal/queue"
)

var ErrInvalidConfig = errors.New("archive: invalid config")

type Archiver struct {
	store      blobstore.Store
	ackTimeout time.Duration
	log        *slog.Logger
}

func NewArchiver(store blobstore.Store, ackTimeout time.Duration, log *slog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil blobstore", ErrInvalidConfig)
	}
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archiver{store: store, ackTimeout: ackTimeout, log: log}, nil
}

// EventKey is the object key for an archived event.
func EventKey(topic string, h events.Header) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = h.Version
	}
	return "events/" + topic + "/" + h.EventID.Hex() + ".json"
}

// Handle stores one event. It reports false for duplicates.
func (a *Archiver) Handle(ctx context.Context, msg queue.Message) (bool, error) {
	h, err := events.ParseHeader(msg.Value)
	if err != nil {
		return false, err
	}
	err = a.store.Create(ctx, EventKey(msg.Topic, h), msg.Value, blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"version": h.Version,
			"topic":   msg.Topic,
		},
	})
	if errors.Is(err, blobstore.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run archives messages until ctx ends or the consumer closes. Malformed events
// are acknowledged and skipped; storage failures stop the loop unacknowledged
// so the message is redelivered.
func (a *Archiver) Run(ctx context.Context, consumer queue.Consumer) error {
	msgCh := consumer.Messages()
	errCh := consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				a.log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			stored, err := a.Handle(ctx, msg)
			switch {
			case errors.Is(err, events.ErrInvalidEvent):
				a.log.Error("skip malformed event", "topic", msg.Topic, "err", err)
			case err != nil:
				return fmt.Errorf("archive: store event: %w", err)
			case stored:
				a.log.Info("event archived", "topic", msg.Topic)
			default:
				a.log.Debug("duplicate event", "topic", msg.Topic)
			}
			a.ack(msg)
		}
	}
}

func (a *Archiver) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), a.ackTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		a.log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}

// SnapshotKeys returns the immutable and latest-pointer keys for a snapshot.
func SnapshotKeys(id address.Address, st ledger.State) (versioned, latest string) {
	base := "snapshots/" + id.String() + "/"
	return fmt.Sprintf("%s%08d-%08d.bin", base, len(st.Commitments), len(st.Nullifiers)), base + "latest.bin"
}

// WriteSnapshot stores the ledger's binary encoding under a key derived from
// its entry counts and refreshes the latest pointer. Unchanged ledgers are
// skipped.
func WriteSnapshot(ctx context.Context, store blobstore.Store, id address.Address, st ledger.State) (bool, error) {
	raw, err := st.MarshalBinary()
	if err != nil {
		return false, err
	}
	versioned, latest := SnapshotKeys(id, st)
	opts := blobstore.PutOptions{
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"ledger":         id.String(),
			"capacity-bytes": fmt.Sprintf("%d", st.CapacityBytes),
		},
	}
	err = store.Create(ctx, versioned, raw, opts)
	if errors.Is(err, blobstore.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := store.Put(ctx, latest, raw, opts); err != nil {
		return false, err
	}
	return true, nil
}

// ReadSnapshot loads the latest snapshot of a ledger.
func ReadSnapshot(ctx context.Context, store blobstore.Store, id address.Address) (ledger.State, error) {
	_, latest := SnapshotKeys(id, ledger.State{})
	obj, err := store.Get(ctx, latest)
	if err != nil {
		return ledger.State{}, err
	}
	var capacity int
	if _, err := fmt.Sscanf(obj.Metadata["capacity-bytes"], "%d", &capacity); err != nil {
		return ledger.State{}, fmt.Errorf("archive: snapshot capacity: %w", err)
	}
	return ledger.Decode(obj.Data, capacity)
}

// BankSnapshotKeys returns the immutable and latest-pointer keys for the bank
// snapshot stored next to ledger id.
func BankSnapshotKeys(id address.Address, slot uint64) (versioned, latest string) {
	base := "snapshots/" + id.String() + "/bank/"
	return fmt.Sprintf("%s%016d.json", base, slot), base + "latest.json"
}

// WriteBankSnapshot stores snap unless a snapshot for its slot already exists.
func WriteBankSnapshot(ctx context.Context, store blobstore.Store, id address.Address, snap accounts.Snapshot) (bool, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("archive: encode bank snapshot: %w", err)
	}
	versioned, latest := BankSnapshotKeys(id, snap.Slot)
	opts := blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"ledger": id.String(),
			"slot":   fmt.Sprintf("%d", snap.Slot),
		},
	}
	err = store.Create(ctx, versioned, raw, opts)
	if errors.Is(err, blobstore.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := store.Put(ctx, latest, raw, opts); err != nil {
		return false, err
	}
	return true, nil
}

func ReadBankSnapshot(ctx context.Context, store blobstore.Store, id address.Address) (accounts.Snapshot, error) {
	_, latest := BankSnapshotKeys(id, 0)
	obj, err := store.Get(ctx, latest)
	if err != nil {
		return accounts.Snapshot{}, err
	}
	var snap accounts.Snapshot
	if err := json.Unmarshal(obj.Data, &snap); err != nil {
		return accounts.Snapshot{}, fmt.Errorf("archive: decode bank snapshot: %w", err)
	}
	return snap, nil
}
