package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/ledger"
)

var ErrInvalidConfig = errors.New("ledger/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("ledger/postgres: ensure schema: %w", err)
	}
	return nil
}

// Init bounds capacityBytes by ledger.MaxCapacityBytes, which keeps it within
// the int4 capacity column.
func (s *Store) Init(ctx context.Context, id address.Address, capacityBytes int) (ledger.State, bool, error) {
	st, err := ledger.NewState(capacityBytes)
	if err != nil {
		return ledger.State{}, false, err
	}
	if s == nil || s.pool == nil {
		return ledger.State{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO mixer_ledgers (ledger_id, root, capacity_bytes, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (ledger_id) DO NOTHING
	`, id[:], st.Root[:], int32(capacityBytes))
	if err != nil {
		return ledger.State{}, false, fmt.Errorf("ledger/postgres: insert ledger: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return st, true, nil
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return ledger.State{}, false, err
	}
	if existing.CapacityBytes != capacityBytes {
		return ledger.State{}, false, fmt.Errorf("%w: capacity %d, have %d", ledger.ErrMismatch, capacityBytes, existing.CapacityBytes)
	}
	return existing, false, nil
}

func (s *Store) Get(ctx context.Context, id address.Address) (ledger.State, error) {
	if s == nil || s.pool == nil {
		return ledger.State{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly, IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return ledger.State{}, fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	return load(ctx, tx, id, false)
}

func (s *Store) Update(ctx context.Context, id address.Address, fn ledger.UpdateFunc) (ledger.State, error) {
	if s == nil || s.pool == nil {
		return ledger.State{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.State{}, fmt.Errorf("ledger/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := load(ctx, tx, id, true)
	if err != nil {
		return ledger.State{}, err
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return ledger.State{}, err
	}
	cms, nfs, err := next.AppendedSince(prev)
	if err != nil {
		return ledger.State{}, err
	}

	if len(cms) > 0 {
		rows := make([][]any, 0, len(cms))
		for i, c := range cms {
			rows = append(rows, []any{id[:], int64(len(prev.Commitments) + i), append([]byte(nil), c[:]...)})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"mixer_commitments"}, []string{"ledger_id", "position", "commitment"}, pgx.CopyFromRows(rows)); err != nil {
			return ledger.State{}, fmt.Errorf("ledger/postgres: insert commitments: %w", err)
		}
	}
	if len(nfs) > 0 {
		rows := make([][]any, 0, len(nfs))
		for i, n := range nfs {
			rows = append(rows, []any{id[:], int64(len(prev.Nullifiers) + i), append([]byte(nil), n[:]...)})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"mixer_nullifiers"}, []string{"ledger_id", "position", "nullifier"}, pgx.CopyFromRows(rows)); err != nil {
			return ledger.State{}, fmt.Errorf("ledger/postgres: insert nullifiers: %w", err)
		}
	}
	if len(cms) > 0 || len(nfs) > 0 {
		_, err := tx.Exec(ctx, `
			UPDATE mixer_ledgers
			SET root = $2, updated_at = now()
			WHERE ledger_id = $1
		`, id[:], next.Root[:])
		if err != nil {
			return ledger.State{}, fmt.Errorf("ledger/postgres: update root: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.State{}, fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return next, nil
}

func load(ctx context.Context, tx pgx.Tx, id address.Address, forUpdate bool) (ledger.State, error) {
	q := `SELECT root, capacity_bytes FROM mixer_ledgers WHERE ledger_id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	var (
		rootRaw  []byte
		capacity int32
	)
	if err := tx.QueryRow(ctx, q, id[:]).Scan(&rootRaw, &capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.State{}, ledger.ErrNotFound
		}
		return ledger.State{}, fmt.Errorf("ledger/postgres: select ledger: %w", err)
	}
	root, err := to32(rootRaw)
	if err != nil {
		return ledger.State{}, err
	}

	cms, err := loadColumn(ctx, tx, `SELECT commitment FROM mixer_commitments WHERE ledger_id = $1 ORDER BY position`, id)
	if err != nil {
		return ledger.State{}, err
	}
	nfs, err := loadColumn(ctx, tx, `SELECT nullifier FROM mixer_nullifiers WHERE ledger_id = $1 ORDER BY position`, id)
	if err != nil {
		return ledger.State{}, err
	}

	return ledger.State{
		Root:          root,
		Commitments:   cms,
		Nullifiers:    nfs,
		CapacityBytes: int(capacity),
	}, nil
}

func loadColumn(ctx context.Context, tx pgx.Tx, q string, id address.Address) ([][32]byte, error) {
	rows, err := tx.Query(ctx, q, id[:])
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: query: %w", err)
	}
	defer rows.Close()

	var out [][32]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("ledger/postgres: scan: %w", err)
		}
		v, err := to32(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger/postgres: rows: %w", err)
	}
	return out, nil
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("ledger/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

var _ ledger.Store = (*Store)(nil)
