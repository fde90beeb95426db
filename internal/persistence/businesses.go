package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Business is the replica row for one owned business slot. total_earned is
// local-only bookkeeping the chain never reports; reconciliation must
// preserve it.
type Business struct {
	Address        string
	SlotIndex      int32
	Kind           string
	Level          int32
	BaseInvested   int64
	TotalInvested  int64
	RateBps        int32
	Active         bool
	ChainCreatedAt *time.Time
	LastClaimAt    *time.Time
	TotalEarned    int64
	UpdatedAt      time.Time
}

// BusinessesByAddress loads all business rows for an address in slot order,
// inactive ones included.
func (s *Store) BusinessesByAddress(ctx context.Context, address string) ([]Business, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, slot_index, kind, level, base_invested, total_invested,
		       rate_bps, active, chain_created_at, last_claim_at, total_earned, updated_at
		FROM businesses
		WHERE address = $1
		ORDER BY slot_index
	`, address)
	if err != nil {
		return nil, fmt.Errorf("load businesses for %s: %w", address, err)
	}
	defer rows.Close()

	var out []Business
	for rows.Next() {
		var b Business
		var created, claimed sql.NullTime
		if err := rows.Scan(
			&b.Address, &b.SlotIndex, &b.Kind, &b.Level, &b.BaseInvested,
			&b.TotalInvested, &b.RateBps, &b.Active, &created, &claimed,
			&b.TotalEarned, &b.UpdatedAt,
		); err != nil {
			return nil, err
		}
		b.ChainCreatedAt = nullableTime(created)
		b.LastClaimAt = nullableTime(claimed)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ApplyReconciliation applies one account's reconciliation diff atomically:
// batch-upserts added and changed slots, deactivates slots gone from the
// chain, and stores the recomputed invested sum. All-or-nothing; a failed
// write leaves prior local state untouched.
//
// The upsert never touches total_earned, and last_claim_at only moves
// forward, so replica-side bookkeeping survives a stale chain snapshot.
func (s *Store) ApplyReconciliation(ctx context.Context, address string, upserts []Business, deactivateSlots []int32, calculatedTotal int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reconciliation tx: %w", err)
	}
	defer tx.Rollback()

	// Accounts first seen on chain materialize here.
	if err := s.EnsureAccountTx(tx, address, time.Now().UTC()); err != nil {
		return fmt.Errorf("ensure account %s: %w", address, err)
	}

	rows := make([]Business, len(upserts))
	copy(rows, upserts)
	for i := range rows {
		rows[i].Address = address
	}
	if err := upsertBusinessesTx(tx, rows); err != nil {
		return fmt.Errorf("upsert businesses for %s: %w", address, err)
	}

	if len(deactivateSlots) > 0 {
		slots := make([]int64, len(deactivateSlots))
		for i, v := range deactivateSlots {
			slots[i] = int64(v)
		}
		if _, err := tx.Exec(`
			UPDATE businesses
			SET active = FALSE, updated_at = NOW()
			WHERE address = $1 AND slot_index = ANY($2)
		`, address, pq.Array(slots)); err != nil {
			return fmt.Errorf("deactivate businesses for %s: %w", address, err)
		}
	}

	if err := setCalculatedTotalTx(tx, address, calculatedTotal); err != nil {
		return fmt.Errorf("store calculated total for %s: %w", address, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reconciliation for %s: %w", address, err)
	}
	return nil
}

// upsertBusinessesTx writes rows with a multi-row INSERT ... ON CONFLICT
// keyed by (address, slot_index).
func upsertBusinessesTx(tx *sql.Tx, rows []Business) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO businesses
		(address, slot_index, kind, level, base_invested, total_invested, rate_bps,
		 active, chain_created_at, last_claim_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*10)

	for i, b := range rows {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			b.Address, b.SlotIndex, b.Kind, b.Level, b.BaseInvested,
			b.TotalInvested, b.RateBps, b.Active,
			timeOrNil(b.ChainCreatedAt), timeOrNil(b.LastClaimAt),
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (address, slot_index) DO UPDATE SET
		kind = EXCLUDED.kind,
		level = EXCLUDED.level,
		base_invested = EXCLUDED.base_invested,
		total_invested = EXCLUDED.total_invested,
		rate_bps = EXCLUDED.rate_bps,
		active = EXCLUDED.active,
		chain_created_at = COALESCE(businesses.chain_created_at, EXCLUDED.chain_created_at),
		last_claim_at = GREATEST(businesses.last_claim_at, EXCLUDED.last_claim_at),
		updated_at = NOW()`

	_, err := tx.Exec(query, args...)
	return err
}

// UpsertBusinessTx writes one slot from a chain event.
func (s *Store) UpsertBusinessTx(tx *sql.Tx, b Business) error {
	return upsertBusinessesTx(tx, []Business{b})
}

// UpgradeBusinessTx applies a level upgrade to one slot from a chain event.
// The added investment stacks on the slot's running total. ErrNotFound when
// the slot has not been seen yet; the purchase event or the next
// reconciliation pass materializes it.
func (s *Store) UpgradeBusinessTx(tx *sql.Tx, address string, slotIndex, newLevel int32, addedInvested int64, newRateBps int32) error {
	res, err := tx.Exec(`
		UPDATE businesses
		SET level = $3,
		    total_invested = total_invested + $4,
		    rate_bps = $5,
		    updated_at = NOW()
		WHERE address = $1 AND slot_index = $2
	`, address, slotIndex, newLevel, addedInvested, newRateBps)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
