package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-fi/custodia/internal/request"
)

var ErrInvalidConfig = errors.New("request/postgres: invalid config")

// Store is a write-through request.Store over postgres. The engine keeps the
// authoritative in-memory state; this store exists so a restart can resume
// with Load.
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
		return fmt.Errorf("request/postgres: ensure schema: %w", err)
	}
	return nil
}

// SaveRequest upserts the request row, its recipient rows, and the
// accounting singleton in one transaction.
func (s *Store) SaveRequest(ctx context.Context, r request.Request, a request.Accounting) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if r.ID == 0 || len(r.Recipients) == 0 || len(r.Recipients) != len(r.Amounts) {
		return fmt.Errorf("%w: malformed request", ErrInvalidConfig)
	}
	if r.TotalAmount > math.MaxInt64 || a.TotalBalance > math.MaxInt64 || a.LockedAmount > math.MaxInt64 {
		return fmt.Errorf("%w: amount too large for bigint", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("request/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO reimbursement_requests (
			request_id,
			requester,
			total_amount,
			description,
			document_hash,
			status,
			secretary_approver,
			committee_approver,
			finance_approver,
			director_approver,
			additional_approvers,
			withdrawal_unlock_time,
			request_created_at,
			settled,
			settled_amount,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			secretary_approver = EXCLUDED.secretary_approver,
			committee_approver = EXCLUDED.committee_approver,
			finance_approver = EXCLUDED.finance_approver,
			director_approver = EXCLUDED.director_approver,
			additional_approvers = EXCLUDED.additional_approvers,
			withdrawal_unlock_time = EXCLUDED.withdrawal_unlock_time,
			settled = EXCLUDED.settled,
			settled_amount = EXCLUDED.settled_amount,
			updated_at = now()
	`,
		int64(r.ID),
		r.Requester[:],
		int64(r.TotalAmount),
		r.Description,
		r.DocumentHash[:],
		int16(r.Status),
		addressOrNil(r.SecretaryApprover),
		addressOrNil(r.CommitteeApprover),
		addressOrNil(r.FinanceApprover),
		addressOrNil(r.DirectorApprover),
		packAddresses(r.AdditionalApprovers),
		timeOrNil(r.WithdrawalUnlockTime),
		r.CreatedAt,
		int32(r.Settled),
		int64(r.SettledAmount),
	)
	if err != nil {
		return fmt.Errorf("request/postgres: upsert request: %w", err)
	}

	// Recipient rows are immutable after creation; rewriting them on every
	// save keeps the upsert simple and idempotent.
	if _, err := tx.Exec(ctx, `DELETE FROM reimbursement_recipients WHERE request_id = $1`, int64(r.ID)); err != nil {
		return fmt.Errorf("request/postgres: clear recipients: %w", err)
	}
	for i, rcpt := range r.Recipients {
		if r.Amounts[i] > math.MaxInt64 {
			return fmt.Errorf("%w: amount too large for bigint", ErrInvalidConfig)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO reimbursement_recipients (request_id, position, recipient, amount)
			VALUES ($1,$2,$3,$4)
		`, int64(r.ID), i, rcpt[:], int64(r.Amounts[i]))
		if err != nil {
			return fmt.Errorf("request/postgres: insert recipient: %w", err)
		}
	}

	if err := upsertAccounting(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("request/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) SaveAccounting(ctx context.Context, a request.Accounting) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if a.TotalBalance > math.MaxInt64 || a.LockedAmount > math.MaxInt64 {
		return fmt.Errorf("%w: amount too large for bigint", ErrInvalidConfig)
	}
	return upsertAccounting(ctx, s.pool, a)
}

// Load rebuilds the full engine snapshot.
func (s *Store) Load(ctx context.Context) (request.Snapshot, error) {
	if s == nil || s.pool == nil {
		return request.Snapshot{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var snap request.Snapshot
	err := s.pool.QueryRow(ctx, `
		SELECT total_balance, locked_amount, closed FROM custodial_accounting WHERE singleton
	`).Scan(&snap.Accounting.TotalBalance, &snap.Accounting.LockedAmount, &snap.Accounting.Closed)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return request.Snapshot{}, fmt.Errorf("request/postgres: load accounting: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT
			request_id,
			requester,
			total_amount,
			description,
			document_hash,
			status,
			secretary_approver,
			committee_approver,
			finance_approver,
			director_approver,
			additional_approvers,
			withdrawal_unlock_time,
			request_created_at,
			settled,
			settled_amount
		FROM reimbursement_requests
		ORDER BY request_id ASC
	`)
	if err != nil {
		return request.Snapshot{}, fmt.Errorf("request/postgres: load requests: %w", err)
	}
	defer rows.Close()

	byID := make(map[uint64]*request.Request)
	for rows.Next() {
		var (
			id            int64
			reqRaw        []byte
			total         int64
			description   string
			docHashRaw    []byte
			status        int16
			secRaw        []byte
			comRaw        []byte
			finRaw        []byte
			dirRaw        []byte
			extraRaw      []byte
			unlockAt      *time.Time
			reqCreatedAt  time.Time
			settled       int32
			settledAmount int64
		)
		if err := rows.Scan(&id, &reqRaw, &total, &description, &docHashRaw, &status,
			&secRaw, &comRaw, &finRaw, &dirRaw, &extraRaw, &unlockAt, &reqCreatedAt,
			&settled, &settledAmount); err != nil {
			return request.Snapshot{}, fmt.Errorf("request/postgres: scan request: %w", err)
		}
		if id <= 0 || total < 0 || settled < 0 || settledAmount < 0 {
			return request.Snapshot{}, fmt.Errorf("request/postgres: negative values in db")
		}
		requester, err := toAddress(reqRaw)
		if err != nil {
			return request.Snapshot{}, err
		}
		docHash, err := toHash(docHashRaw)
		if err != nil {
			return request.Snapshot{}, err
		}
		extra, err := unpackAddresses(extraRaw)
		if err != nil {
			return request.Snapshot{}, err
		}

		r := request.Request{
			ID:                  uint64(id),
			Requester:           requester,
			TotalAmount:         uint64(total),
			Description:         description,
			DocumentHash:        docHash,
			Status:              request.Status(status),
			AdditionalApprovers: extra,
			CreatedAt:           reqCreatedAt,
			Settled:             int(settled),
			SettledAmount:       uint64(settledAmount),
		}
		if r.SecretaryApprover, err = toAddressOrZero(secRaw); err != nil {
			return request.Snapshot{}, err
		}
		if r.CommitteeApprover, err = toAddressOrZero(comRaw); err != nil {
			return request.Snapshot{}, err
		}
		if r.FinanceApprover, err = toAddressOrZero(finRaw); err != nil {
			return request.Snapshot{}, err
		}
		if r.DirectorApprover, err = toAddressOrZero(dirRaw); err != nil {
			return request.Snapshot{}, err
		}
		if unlockAt != nil {
			r.WithdrawalUnlockTime = *unlockAt
		}
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return request.Snapshot{}, fmt.Errorf("request/postgres: request rows: %w", err)
	}

	if err := s.loadRecipients(ctx, byID); err != nil {
		return request.Snapshot{}, err
	}

	ids := make([]uint64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		snap.Requests = append(snap.Requests, *byID[id])
	}
	return snap, nil
}

func (s *Store) loadRecipients(ctx context.Context, byID map[uint64]*request.Request) error {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, recipient, amount
		FROM reimbursement_recipients
		ORDER BY request_id ASC, position ASC
	`)
	if err != nil {
		return fmt.Errorf("request/postgres: load recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      int64
			rcptRaw []byte
			amount  int64
		)
		if err := rows.Scan(&id, &rcptRaw, &amount); err != nil {
			return fmt.Errorf("request/postgres: scan recipient: %w", err)
		}
		if amount < 0 {
			return fmt.Errorf("request/postgres: negative values in db")
		}
		r, ok := byID[uint64(id)]
		if !ok {
			return fmt.Errorf("request/postgres: orphan recipient row for request %d", id)
		}
		rcpt, err := toAddress(rcptRaw)
		if err != nil {
			return err
		}
		r.Recipients = append(r.Recipients, rcpt)
		r.Amounts = append(r.Amounts, uint64(amount))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("request/postgres: recipient rows: %w", err)
	}
	return nil
}

// execer covers both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertAccounting(ctx context.Context, q execer, a request.Accounting) error {
	_, err := q.Exec(ctx, `
		INSERT INTO custodial_accounting (singleton, total_balance, locked_amount, closed, updated_at)
		VALUES (TRUE,$1,$2,$3,now())
		ON CONFLICT (singleton) DO UPDATE SET
			total_balance = EXCLUDED.total_balance,
			locked_amount = EXCLUDED.locked_amount,
			closed = EXCLUDED.closed,
			updated_at = now()
	`, int64(a.TotalBalance), int64(a.LockedAmount), a.Closed)
	if err != nil {
		return fmt.Errorf("request/postgres: upsert accounting: %w", err)
	}
	return nil
}

func addressOrNil(a common.Address) []byte {
	if a == (common.Address{}) {
		return nil
	}
	return a[:]
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
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
		return nil, fmt.Errorf("request/postgres: malformed approver list length %d", len(b))
	}
	var out []common.Address
	for i := 0; i < len(b); i += common.AddressLength {
		out = append(out, common.BytesToAddress(b[i:i+common.AddressLength]))
	}
	return out, nil
}

func toAddress(b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("request/postgres: expected 20 bytes, got %d", len(b))
	}
	return common.BytesToAddress(b), nil
}

func toAddressOrZero(b []byte) (common.Address, error) {
	if len(b) == 0 {
		return common.Address{}, nil
	}
	return toAddress(b)
}

func toHash(b []byte) (common.Hash, error) {
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("request/postgres: expected 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

var _ request.Store = (*Store)(nil)
