package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChainEvent is the dedup ledger row for one ingested chain event.
type ChainEvent struct {
	EventID   string
	EventType string
	Address   string
	Height    uint64
	AppliedAt time.Time
}

// ApplyChainEvent runs apply inside a transaction that also claims the
// event id. The claim is an INSERT ... ON CONFLICT DO NOTHING, so a replay
// of an already-applied event claims zero rows and apply never runs:
// marking the event and mutating the replica commit or roll back together.
// Returns true when the event was applied, false when it was a duplicate.
func (s *Store) ApplyChainEvent(ctx context.Context, eventID, eventType, address string, height uint64, apply func(*sql.Tx) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chain_events (event_id, event_type, address, height, applied_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, address, int64(height))
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := apply(tx); err != nil {
		return false, fmt.Errorf("apply event %s: %w", eventID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit event %s: %w", eventID, err)
	}
	return true, nil
}

// SeenEvent reports whether the event id is already in the dedup ledger.
// The in-memory LRU answers most replays; this is the slow tier behind it.
func (s *Store) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chain_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return exists, nil
}

// LastAppliedHeight returns the highest applied event height for the
// address, or 0 when none has been applied.
func (s *Store) LastAppliedHeight(ctx context.Context, address string) (uint64, error) {
	var height int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(height), 0) FROM chain_events WHERE address = $1
	`, address).Scan(&height)
	if err != nil {
		return 0, fmt.Errorf("last height for %s: %w", address, err)
	}
	return uint64(height), nil
}

// PruneEvents drops dedup rows older than the retention window and returns
// the number removed. Consumer redelivery windows are far shorter than any
// sane retention, so pruned ids cannot come back around.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chain_events WHERE applied_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
