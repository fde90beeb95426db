package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Account is the replica row for one player. The chain owns the values;
// this row owns their storage plus the locally derived
// calculated_total_invested and the sync_version counter.
type Account struct {
	Address                 string
	TotalInvested           int64
	CalculatedTotalInvested int64
	TotalEarned             int64
	PendingEarnings         int64
	LastSettlementAt        *time.Time
	SettlementIntervalSec   int64
	SyncVersion             int64
	Active                  bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

const accountColumns = `address, total_invested, calculated_total_invested, total_earned,
	pending_earnings, last_settlement_at, settlement_interval_seconds, sync_version,
	active, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	var lastSettle sql.NullTime
	if err := row.Scan(
		&a.Address, &a.TotalInvested, &a.CalculatedTotalInvested, &a.TotalEarned,
		&a.PendingEarnings, &lastSettle, &a.SettlementIntervalSec, &a.SyncVersion,
		&a.Active, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.LastSettlementAt = nullableTime(lastSettle)
	return &a, nil
}

// GetAccount loads one account or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, address string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE address = $1`, address)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	return a, nil
}

// EligibleAddresses returns every active account holding at least one
// active business, in stable address order. One set-based query; this is
// the discovery step of a settlement run.
func (s *Store) EligibleAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.address
		FROM accounts a
		WHERE a.active
		  AND EXISTS (
			SELECT 1 FROM businesses b
			WHERE b.address = a.address AND b.active
		  )
		ORDER BY a.address
	`)
	if err != nil {
		return nil, fmt.Errorf("discover eligible accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// ApplySettlement records the chain's post-settlement account state after a
// confirmed accrual. last_settlement_at only advances; a replayed older
// read-back cannot move it backwards.
func (s *Store) ApplySettlement(ctx context.Context, address string, pendingEarnings, totalEarned int64, settledAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET pending_earnings = $2,
		    total_earned = $3,
		    last_settlement_at = GREATEST(last_settlement_at, $4),
		    sync_version = sync_version + 1,
		    updated_at = NOW()
		WHERE address = $1
	`, address, pendingEarnings, totalEarned, settledAt.UTC())
	if err != nil {
		return fmt.Errorf("apply settlement for %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// setCalculatedTotalTx stores the recomputed invested sum and bumps the
// sync version. Runs inside the reconciliation transaction.
func setCalculatedTotalTx(tx *sql.Tx, address string, calculated int64) error {
	_, err := tx.Exec(`
		UPDATE accounts
		SET calculated_total_invested = $2,
		    sync_version = sync_version + 1,
		    updated_at = NOW()
		WHERE address = $1
	`, address, calculated)
	return err
}

// EnsureAccountTx inserts a bare replica row for an address seen on chain.
// Existing rows are left untouched.
func (s *Store) EnsureAccountTx(tx *sql.Tx, address string, createdAt time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO accounts (address, created_at, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO NOTHING
	`, address, createdAt.UTC())
	return err
}

// AddInvestedTx shifts the chain-reported invested figure by delta. Used by
// the event applier for purchases and upgrades.
func (s *Store) AddInvestedTx(tx *sql.Tx, address string, delta int64) error {
	res, err := tx.Exec(`
		UPDATE accounts
		SET total_invested = total_invested + $2,
		    sync_version = sync_version + 1,
		    updated_at = NOW()
		WHERE address = $1
	`, address, delta)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyClaimTx zeroes pending earnings after an on-chain claim and stamps
// every active business with the claim time.
func (s *Store) ApplyClaimTx(tx *sql.Tx, address string, claimedAt time.Time) error {
	if _, err := tx.Exec(`
		UPDATE accounts
		SET pending_earnings = 0,
		    sync_version = sync_version + 1,
		    updated_at = NOW()
		WHERE address = $1
	`, address); err != nil {
		return err
	}
	_, err := tx.Exec(`
		UPDATE businesses
		SET last_claim_at = GREATEST(last_claim_at, $2),
		    updated_at = NOW()
		WHERE address = $1 AND active
	`, address, claimedAt.UTC())
	return err
}
