package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Settlement run statuses. STARTED/IN_PROGRESS/RETRYING are resumable;
// COMPLETED/FAILED are terminal and never leave.
const (
	RunStarted    = "STARTED"
	RunInProgress = "IN_PROGRESS"
	RunCompleted  = "COMPLETED"
	RunFailed     = "FAILED"
	RunRetrying   = "RETRYING"
)

// Per-account settlement statuses within a period.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
	StatusRetried    = "RETRIED"
	StatusSkipped    = "SKIPPED"
	StatusManualFix  = "MANUAL_FIX_NEEDED"
)

// Run trigger sources.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerRetry     = "retry"
)

var (
	ErrNotFound  = errors.New("persistence: not found")
	ErrRunActive = errors.New("persistence: a non-terminal run already exists for this period")
)

// Store is the replica store: player accounts, businesses, settlement runs
// and per-account settlement statuses, plus the applied chain-event ledger.
// Every write is a single row or a small transaction; nothing spans a run.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStore wraps an existing connection (tests, migrations).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for the migrator and test helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
