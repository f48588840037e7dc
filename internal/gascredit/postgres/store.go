package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-fi/custodia/internal/gascredit"
)

var ErrInvalidConfig = errors.New("gascredit/postgres: invalid config")

// Store is a write-through gascredit.Store over postgres.
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
		return fmt.Errorf("gascredit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) SaveCredit(ctx context.Context, c gascredit.Credit) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	for _, v := range []uint64{c.Balance, c.MaxPerTransaction, c.DailyLimit, c.DailyUsed, c.LifetimeUsed} {
		if v > math.MaxInt64 {
			return fmt.Errorf("%w: amount too large for bigint", ErrInvalidConfig)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO gas_credits (
			owner,
			balance,
			max_per_transaction,
			daily_limit,
			daily_used,
			daily_reset_at,
			lifetime_used,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (owner) DO UPDATE SET
			balance = EXCLUDED.balance,
			max_per_transaction = EXCLUDED.max_per_transaction,
			daily_limit = EXCLUDED.daily_limit,
			daily_used = EXCLUDED.daily_used,
			daily_reset_at = EXCLUDED.daily_reset_at,
			lifetime_used = EXCLUDED.lifetime_used,
			updated_at = now()
	`,
		c.Owner[:],
		int64(c.Balance),
		int64(c.MaxPerTransaction),
		int64(c.DailyLimit),
		int64(c.DailyUsed),
		timeOrNil(c.DailyResetAt),
		int64(c.LifetimeUsed),
	)
	if err != nil {
		return fmt.Errorf("gascredit/postgres: upsert credit: %w", err)
	}
	return nil
}

func (s *Store) SaveRelayerStats(ctx context.Context, st gascredit.RelayerStats) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if st.TransactionCount > math.MaxInt64 || st.TotalRefunded > math.MaxInt64 {
		return fmt.Errorf("%w: amount too large for bigint", ErrInvalidConfig)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO relayer_stats (relayer, transaction_count, total_refunded, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (relayer) DO UPDATE SET
			transaction_count = EXCLUDED.transaction_count,
			total_refunded = EXCLUDED.total_refunded,
			updated_at = now()
	`, st.Relayer[:], int64(st.TransactionCount), int64(st.TotalRefunded))
	if err != nil {
		return fmt.Errorf("gascredit/postgres: upsert stats: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (gascredit.Snapshot, error) {
	if s == nil || s.pool == nil {
		return gascredit.Snapshot{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var snap gascredit.Snapshot

	rows, err := s.pool.Query(ctx, `
		SELECT owner, balance, max_per_transaction, daily_limit, daily_used, daily_reset_at, lifetime_used
		FROM gas_credits
		ORDER BY owner ASC
	`)
	if err != nil {
		return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: load credits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ownerRaw []byte
			balance  int64
			maxPerTx int64
			limit    int64
			used     int64
			resetAt  *time.Time
			lifetime int64
		)
		if err := rows.Scan(&ownerRaw, &balance, &maxPerTx, &limit, &used, &resetAt, &lifetime); err != nil {
			return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: scan credit: %w", err)
		}
		if balance < 0 || maxPerTx < 0 || limit < 0 || used < 0 || lifetime < 0 {
			return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: negative values in db")
		}
		owner, err := toAddress(ownerRaw)
		if err != nil {
			return gascredit.Snapshot{}, err
		}
		c := gascredit.Credit{
			Owner:             owner,
			Balance:           uint64(balance),
			MaxPerTransaction: uint64(maxPerTx),
			DailyLimit:        uint64(limit),
			DailyUsed:         uint64(used),
			LifetimeUsed:      uint64(lifetime),
		}
		if resetAt != nil {
			c.DailyResetAt = *resetAt
		}
		snap.Credits = append(snap.Credits, c)
	}
	if err := rows.Err(); err != nil {
		return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: credit rows: %w", err)
	}

	statRows, err := s.pool.Query(ctx, `
		SELECT relayer, transaction_count, total_refunded
		FROM relayer_stats
		ORDER BY relayer ASC
	`)
	if err != nil {
		return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: load stats: %w", err)
	}
	defer statRows.Close()

	for statRows.Next() {
		var (
			relayerRaw []byte
			count      int64
			refunded   int64
		)
		if err := statRows.Scan(&relayerRaw, &count, &refunded); err != nil {
			return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: scan stats: %w", err)
		}
		if count < 0 || refunded < 0 {
			return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: negative values in db")
		}
		relayer, err := toAddress(relayerRaw)
		if err != nil {
			return gascredit.Snapshot{}, err
		}
		snap.Stats = append(snap.Stats, gascredit.RelayerStats{
			Relayer:          relayer,
			TransactionCount: uint64(count),
			TotalRefunded:    uint64(refunded),
		})
	}
	if err := statRows.Err(); err != nil {
		return gascredit.Snapshot{}, fmt.Errorf("gascredit/postgres: stats rows: %w", err)
	}
	return snap, nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("gascredit/postgres: expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}

var _ gascredit.Store = (*Store)(nil)
