// Package postgres persists relay sender nonces. Nonces survive restarts so
// a burned envelope can never be replayed against a fresh process.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-fi/custodia/internal/relay"
)

var ErrInvalidConfig = errors.New("relay/postgres: invalid config")

// Store is a write-through relay.Store over postgres.
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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("relay/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) SaveNonce(ctx context.Context, sender common.Address, next uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if next > math.MaxInt64 {
		return fmt.Errorf("%w: nonce too large for bigint", ErrInvalidConfig)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_nonces (sender, next_nonce, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (sender) DO UPDATE SET
			next_nonce = EXCLUDED.next_nonce,
			updated_at = now()
	`, sender[:], int64(next))
	if err != nil {
		return fmt.Errorf("relay/postgres: upsert nonce: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (map[common.Address]uint64, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT sender, next_nonce
		FROM relay_nonces
		ORDER BY sender ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("relay/postgres: load nonces: %w", err)
	}
	defer rows.Close()

	out := make(map[common.Address]uint64)
	for rows.Next() {
		var (
			senderRaw []byte
			next      int64
		)
		if err := rows.Scan(&senderRaw, &next); err != nil {
			return nil, fmt.Errorf("relay/postgres: scan nonce: %w", err)
		}
		if next < 0 {
			return nil, fmt.Errorf("relay/postgres: negative nonce in db")
		}
		sender, err := toAddress(senderRaw)
		if err != nil {
			return nil, err
		}
		out[sender] = uint64(next)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay/postgres: nonce rows: %w", err)
	}
	return out, nil
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("relay/postgres: expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}

var _ relay.Store = (*Store)(nil)
