// Package postgres persists emergency closure records. At most one
// non-terminal closure exists; the table keeps the full history so executed
// and cancelled closures stay auditable.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-fi/custodia/internal/closure"
)

var ErrInvalidConfig = errors.New("closure/postgres: invalid config")

// Store is a write-through closure.Store over postgres.
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
		return fmt.Errorf("closure/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) SaveClosure(ctx context.Context, c closure.Closure) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if c.ID == 0 {
		return fmt.Errorf("%w: zero closure id", ErrInvalidConfig)
	}
	if c.DrainedAmount > math.MaxInt64 {
		return fmt.Errorf("%w: amount too large for bigint", ErrInvalidConfig)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO emergency_closures (
			closure_id,
			initiator,
			return_address,
			reason,
			status,
			committee_approvers,
			director_approver,
			initiated_at,
			drained_amount,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		ON CONFLICT (closure_id) DO UPDATE SET
			status = EXCLUDED.status,
			committee_approvers = EXCLUDED.committee_approvers,
			director_approver = EXCLUDED.director_approver,
			drained_amount = EXCLUDED.drained_amount,
			updated_at = now()
	`,
		int64(c.ID),
		c.Initiator[:],
		c.ReturnAddress[:],
		c.Reason,
		int16(c.Status),
		packAddresses(c.CommitteeApprovers),
		addressOrNil(c.DirectorApprover),
		c.InitiatedAt,
		int64(c.DrainedAmount),
	)
	if err != nil {
		return fmt.Errorf("closure/postgres: upsert closure: %w", err)
	}
	return nil
}

func (s *Store) LoadClosures(ctx context.Context) ([]closure.Closure, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT
			closure_id,
			initiator,
			return_address,
			reason,
			status,
			committee_approvers,
			director_approver,
			initiated_at,
			drained_amount
		FROM emergency_closures
		ORDER BY closure_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("closure/postgres: load closures: %w", err)
	}
	defer rows.Close()

	var out []closure.Closure
	for rows.Next() {
		var (
			id          int64
			initRaw     []byte
			retRaw      []byte
			reason      string
			status      int16
			approvers   []byte
			dirRaw      []byte
			initiatedAt time.Time
			drained     int64
		)
		if err := rows.Scan(&id, &initRaw, &retRaw, &reason, &status,
			&approvers, &dirRaw, &initiatedAt, &drained); err != nil {
			return nil, fmt.Errorf("closure/postgres: scan closure: %w", err)
		}
		if id <= 0 || drained < 0 {
			return nil, fmt.Errorf("closure/postgres: negative values in db")
		}
		initiator, err := toAddress(initRaw)
		if err != nil {
			return nil, err
		}
		returnAddr, err := toAddress(retRaw)
		if err != nil {
			return nil, err
		}
		committee, err := unpackAddresses(approvers)
		if err != nil {
			return nil, err
		}
		director, err := toAddressOrZero(dirRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, closure.Closure{
			ID:                 uint64(id),
			Initiator:          initiator,
			ReturnAddress:      returnAddr,
			Reason:             reason,
			Status:             closure.Status(status),
			CommitteeApprovers: committee,
			DirectorApprover:   director,
			InitiatedAt:        initiatedAt,
			DrainedAmount:      uint64(drained),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("closure/postgres: closure rows: %w", err)
	}
	return out, nil
}

func addressOrNil(a common.Address) []byte {
	if a == (common.Address{}) {
		return nil
	}
	return a[:]
}

func packAddresses(addrs []common.Address) []byte {
	out := make([]byte, 0, len(addrs)*common.AddressLength)
	for _, a := range addrs {
		out = append(out, a[:]...)
	}
	return out
}

func unpackAddresses(b []byte) ([]common.Address, error) {
	if len(b)%common.AddressLength != 0 {
		return nil, fmt.Errorf("closure/postgres: malformed approver list length %d", len(b))
	}
	var out []common.Address
	for i := 0; i < len(b); i += common.AddressLength {
		out = append(out, common.BytesToAddress(b[i:i+common.AddressLength]))
	}
	return out, nil
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("closure/postgres: expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}

func toAddressOrZero(b []byte) (common.Address, error) {
	if len(b) == 0 {
		return common.Address{}, nil
	}
	return toAddress(b)
}

var _ closure.Store = (*Store)(nil)
