package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// SettlementRun is one period's durable run record. Terminal runs are
// retained forever for audit; only an explicit purge removes them.
type SettlementRun struct {
	ID           string
	Period       string
	Status       string
	Trigger      string
	BatchSize    int
	RetryRounds  int
	TotalFound   int
	Processed    int
	Failed       int
	Skipped      int
	ManualFix    int
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// Terminal reports whether the run has finished; COMPLETED and FAILED
// never leave those states.
func (r *SettlementRun) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

// RunCounters aggregates a run's outcome counts.
type RunCounters struct {
	TotalFound  int
	Processed   int
	Failed      int
	Skipped     int
	ManualFix   int
	RetryRounds int
}

// AccountStatus is the per-(address, period) settlement record. Exactly one
// row exists per pair; every run touching the period upserts the same row.
type AccountStatus struct {
	Address           string
	Period            string
	RunID             string
	Status            string
	BusinessCount     int
	ActiveBusinesses  int
	ExpectedEarnings  int64
	ActualEarnings    int64
	ChainEarnedBefore int64
	DiscrepancyMicros int64
	RequestID         string
	Attempts          int
	FirstAttemptAt    *time.Time
	LastAttemptAt     *time.Time
	ErrorDetail       string
	ChainError        bool
	NeedsReview       bool
	ManuallyResolved  bool
	ResolutionNote    string
	ResolvedAt        *time.Time
	ResolvedBy        string
	UpdatedAt         time.Time
}

const runColumns = `id, period::text, status, trigger_source, batch_size, retry_rounds,
	total_found, processed, failed, skipped, manual_fix,
	COALESCE(error_message, ''), started_at, completed_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*SettlementRun, error) {
	var r SettlementRun
	var completed sql.NullTime
	if err := row.Scan(
		&r.ID, &r.Period, &r.Status, &r.Trigger, &r.BatchSize, &r.RetryRounds,
		&r.TotalFound, &r.Processed, &r.Failed, &r.Skipped, &r.ManualFix,
		&r.ErrorMessage, &r.StartedAt, &completed,
	); err != nil {
		return nil, err
	}
	r.CompletedAt = nullableTime(completed)
	return &r, nil
}

// CreateRun opens a new run for the period. A partial unique index rejects
// a second non-terminal run, mapped to ErrRunActive; at most one active
// run per period, across processes.
func (s *Store) CreateRun(ctx context.Context, period, trigger string, batchSize int) (*SettlementRun, error) {
	id := uuid.NewString()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO settlement_runs (id, period, status, trigger_source, batch_size, started_at)
		VALUES ($1, $2::date, $3, $4, $5, NOW())
		RETURNING `+runColumns,
		id, period, RunStarted, trigger, batchSize)

	run, err := scanRun(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrRunActive
		}
		return nil, fmt.Errorf("create run for %s: %w", period, err)
	}
	return run, nil
}

// RunByPeriod returns the most recent run for the period, or ErrNotFound.
func (s *Store) RunByPeriod(ctx context.Context, period string) (*SettlementRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM settlement_runs
		WHERE period = $1::date
		ORDER BY started_at DESC
		LIMIT 1
	`, period)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("run for period %s: %w", period, err)
	}
	return run, nil
}

// ActiveRuns lists every non-terminal run, oldest first. Startup recovery
// walks this list; it must come back empty on a clean shutdown.
func (s *Store) ActiveRuns(ctx context.Context) ([]SettlementRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM settlement_runs
		WHERE status NOT IN ($1, $2)
		ORDER BY started_at
	`, RunCompleted, RunFailed)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var out []SettlementRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetRunStatus moves a non-terminal run between working states. Terminal
// rows are immutable; use FinalizeRun to reach them.
func (s *Store) SetRunStatus(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE settlement_runs
		SET status = $2
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, runID, status, RunCompleted, RunFailed)
	if err != nil {
		return fmt.Errorf("set run %s status %s: %w", runID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunCounters refreshes a run's aggregate counts mid-flight.
func (s *Store) UpdateRunCounters(ctx context.Context, runID string, c RunCounters) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_runs
		SET total_found = $2, processed = $3, failed = $4, skipped = $5,
		    manual_fix = $6, retry_rounds = $7
		WHERE id = $1
	`, runID, c.TotalFound, c.Processed, c.Failed, c.Skipped, c.ManualFix, c.RetryRounds)
	if err != nil {
		return fmt.Errorf("update run %s counters: %w", runID, err)
	}
	return nil
}

// FinalizeRun stamps the terminal status, final counters and completion
// time. Idempotent: an already-terminal run is left as it first finished.
func (s *Store) FinalizeRun(ctx context.Context, runID, status string, c RunCounters, errorMessage string) error {
	if status != RunCompleted && status != RunFailed {
		return fmt.Errorf("finalize run %s: %q is not a terminal status", runID, status)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE settlement_runs
		SET status = $2, total_found = $3, processed = $4, failed = $5, skipped = $6,
		    manual_fix = $7, retry_rounds = $8,
		    error_message = NULLIF($9, ''), completed_at = NOW()
		WHERE id = $1 AND status NOT IN ($10, $11)
	`, runID, status, c.TotalFound, c.Processed, c.Failed, c.Skipped, c.ManualFix,
		c.RetryRounds, errorMessage, RunCompleted, RunFailed)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	return nil
}

// PurgeRun deletes the period's runs; status rows cascade. Explicit
// administrative destruction only; nothing calls this during settlement.
func (s *Store) PurgeRun(ctx context.Context, period string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM settlement_runs WHERE period = $1::date`, period)
	if err != nil {
		return fmt.Errorf("purge period %s: %w", period, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================
// Per-account status rows
// ============================================================

// SeedPending upserts a PENDING row per address for the run. Rows already
// settled this period (SUCCESS, SKIPPED) and manually resolved rows are
// left untouched, so a re-run of a finished period never re-credits anyone.
func (s *Store) SeedPending(ctx context.Context, runID, period string, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}

	const chunk = 500
	for start := 0; start < len(addresses); start += chunk {
		end := start + chunk
		if end > len(addresses) {
			end = len(addresses)
		}
		if err := s.seedPendingChunk(ctx, runID, period, addresses[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) seedPendingChunk(ctx context.Context, runID, period string, addresses []string) error {
	query := `INSERT INTO account_settlement_status (address, period, run_id, status, updated_at)
		VALUES `

	values := make([]string, 0, len(addresses))
	args := make([]interface{}, 0, len(addresses)+2)
	args = append(args, period, runID)

	for i, addr := range addresses {
		values = append(values, fmt.Sprintf("($%d, $1::date, $2, 'PENDING', NOW())", i+3))
		args = append(args, addr)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (address, period) DO UPDATE SET
		run_id = EXCLUDED.run_id,
		status = 'PENDING',
		updated_at = NOW()
		WHERE account_settlement_status.status NOT IN ('SUCCESS', 'SKIPPED')
		  AND NOT account_settlement_status.manually_resolved`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("seed pending rows for %s: %w", period, err)
	}
	return nil
}

// ClaimProcessing atomically moves one row PENDING/RETRIED -> PROCESSING
// and counts the attempt. Exactly one worker wins; everyone else sees
// false. Manually resolved rows are never claimable.
func (s *Store) ClaimProcessing(ctx context.Context, runID, period, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE account_settlement_status
		SET status = $4, run_id = $1, attempts = attempts + 1,
		    first_attempt_at = COALESCE(first_attempt_at, NOW()),
		    last_attempt_at = NOW(), updated_at = NOW()
		WHERE address = $2 AND period = $3::date
		  AND status IN ($5, $6)
		  AND NOT manually_resolved
	`, runID, address, period, StatusProcessing, StatusPending, StatusRetried)
	if err != nil {
		return false, fmt.Errorf("claim %s for processing: %w", address, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// OutcomeParams carries one account's terminal result for a round.
type OutcomeParams struct {
	RunID             string
	Period            string
	Address           string
	Status            string
	BusinessCount     int
	ActiveBusinesses  int
	ExpectedEarnings  int64
	ActualEarnings    int64
	ChainEarnedBefore int64
	DiscrepancyMicros int64
	RequestID         string
	ErrorDetail       string
	ChainError        bool
	NeedsReview       bool
}

// RecordOutcome writes a terminal SUCCESS or SKIPPED result onto the
// claimed PROCESSING row. A row no longer PROCESSING (crash replay, manual
// resolution) is left alone.
func (s *Store) RecordOutcome(ctx context.Context, p OutcomeParams) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account_settlement_status
		SET status = $4, business_count = $5, active_businesses = $6,
		    expected_earnings = $7, actual_earnings = $8, chain_earned_before = $9,
		    discrepancy_micros = $10, request_id = NULLIF($11, ''),
		    error_detail = NULLIF($12, ''), chain_error = $13, needs_review = $14,
		    last_attempt_at = NOW(), updated_at = NOW()
		WHERE address = $1 AND period = $2::date AND run_id = $3
		  AND status = $15
		  AND NOT manually_resolved
	`, p.Address, p.Period, p.RunID, p.Status, p.BusinessCount, p.ActiveBusinesses,
		p.ExpectedEarnings, p.ActualEarnings, p.ChainEarnedBefore, p.DiscrepancyMicros,
		p.RequestID, p.ErrorDetail, p.ChainError, p.NeedsReview, StatusProcessing)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", p.Address, err)
	}
	return nil
}

// FailureParams carries one failed attempt's detail.
type FailureParams struct {
	RunID             string
	Period            string
	Address           string
	BusinessCount     int
	ActiveBusinesses  int
	DiscrepancyMicros int64
	ErrorDetail       string
	ChainError        bool
}

// RecordFailure marks the claimed PROCESSING row FAILED. Unlike
// RecordOutcome it leaves expected_earnings and chain_earned_before
// untouched: a timed-out submission may still have landed, and those two
// staged values are what the next attempt's verification reads.
func (s *Store) RecordFailure(ctx context.Context, p FailureParams) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account_settlement_status
		SET status = $4, business_count = $5, active_businesses = $6,
		    discrepancy_micros = $7, error_detail = NULLIF($8, ''),
		    chain_error = $9, last_attempt_at = NOW(), updated_at = NOW()
		WHERE address = $1 AND period = $2::date AND run_id = $3
		  AND status = $10
		  AND NOT manually_resolved
	`, p.Address, p.Period, p.RunID, StatusFailed, p.BusinessCount,
		p.ActiveBusinesses, p.DiscrepancyMicros, p.ErrorDetail, p.ChainError,
		StatusProcessing)
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", p.Address, err)
	}
	return nil
}

// StageAccrualSubmit stamps the pre-submit chain earned total and the
// expected amount on the PROCESSING row, before the submit call leaves the
// process. After a crash or timeout these two values are what proves or
// disproves that the request landed.
func (s *Store) StageAccrualSubmit(ctx context.Context, runID, period, address string, chainEarnedBefore, expectedEarnings int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account_settlement_status
		SET chain_earned_before = $4, expected_earnings = $5, updated_at = NOW()
		WHERE address = $1 AND period = $2::date AND run_id = $3 AND status = $6
	`, address, period, runID, chainEarnedBefore, expectedEarnings, StatusProcessing)
	if err != nil {
		return fmt.Errorf("stage accrual submit for %s: %w", address, err)
	}
	return nil
}

// FlipFailedToRetried moves the period's FAILED rows to RETRIED ahead of a
// retry round and returns their addresses sorted for deterministic batching.
func (s *Store) FlipFailedToRetried(ctx context.Context, runID, period string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE account_settlement_status
		SET status = $3, run_id = $1, updated_at = NOW()
		WHERE period = $2::date AND status = $4 AND NOT manually_resolved
		RETURNING address
	`, runID, period, StatusRetried, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("flip failed rows for %s: %w", period, err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// PromoteExhaustedToManualFix flags rows still FAILED after the retry
// budget. They leave the automatic path until an operator resolves them.
func (s *Store) PromoteExhaustedToManualFix(ctx context.Context, runID, period string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE account_settlement_status
		SET status = $3, run_id = $1, needs_review = TRUE, updated_at = NOW()
		WHERE period = $2::date AND status = $4 AND NOT manually_resolved
		RETURNING address
	`, runID, period, StatusManualFix, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("promote manual-fix rows for %s: %w", period, err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ResetProcessing returns crashed PROCESSING rows to PENDING. The caller
// re-verifies rows with an in-flight request first; this sweeps the rest.
func (s *Store) ResetProcessing(ctx context.Context, period string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE account_settlement_status
		SET status = $2, updated_at = NOW()
		WHERE period = $1::date AND status = $3
	`, period, StatusPending, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("reset processing rows for %s: %w", period, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingAddresses lists the period's unprocessed addresses in stable order.
func (s *Store) PendingAddresses(ctx context.Context, period string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM account_settlement_status
		WHERE period = $1::date AND status = $2
		ORDER BY address
	`, period, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("pending addresses for %s: %w", period, err)
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

const statusColumns = `address, period::text, run_id, status, business_count, active_businesses,
	expected_earnings, actual_earnings, chain_earned_before, discrepancy_micros,
	COALESCE(request_id, ''), attempts, first_attempt_at, last_attempt_at,
	COALESCE(error_detail, ''), chain_error, needs_review, manually_resolved,
	COALESCE(resolution_note, ''), resolved_at, COALESCE(resolved_by, ''), updated_at`

func scanStatus(row interface{ Scan(...interface{}) error }) (*AccountStatus, error) {
	var st AccountStatus
	var first, last, resolved sql.NullTime
	if err := row.Scan(
		&st.Address, &st.Period, &st.RunID, &st.Status, &st.BusinessCount,
		&st.ActiveBusinesses, &st.ExpectedEarnings, &st.ActualEarnings,
		&st.ChainEarnedBefore, &st.DiscrepancyMicros, &st.RequestID, &st.Attempts,
		&first, &last, &st.ErrorDetail, &st.ChainError, &st.NeedsReview,
		&st.ManuallyResolved, &st.ResolutionNote, &resolved, &st.ResolvedBy, &st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	st.FirstAttemptAt = nullableTime(first)
	st.LastAttemptAt = nullableTime(last)
	st.ResolvedAt = nullableTime(resolved)
	return &st, nil
}

// AccountStatusRow loads one (address, period) row or ErrNotFound.
func (s *Store) AccountStatusRow(ctx context.Context, address, period string) (*AccountStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+statusColumns+`
		FROM account_settlement_status
		WHERE address = $1 AND period = $2::date
	`, address, period)
	st, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("status row %s/%s: %w", address, period, err)
	}
	return st, nil
}

// LatestStatus loads the address's most recent period row or ErrNotFound.
func (s *Store) LatestStatus(ctx context.Context, address string) (*AccountStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+statusColumns+`
		FROM account_settlement_status
		WHERE address = $1
		ORDER BY period DESC
		LIMIT 1
	`, address)
	st, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest status for %s: %w", address, err)
	}
	return st, nil
}

// StatusesByPeriod lists the period's rows, optionally filtered by status,
// in address order.
func (s *Store) StatusesByPeriod(ctx context.Context, period, statusFilter string) ([]AccountStatus, error) {
	query := `SELECT ` + statusColumns + `
		FROM account_settlement_status
		WHERE period = $1::date`
	args := []interface{}{period}
	if statusFilter != "" {
		query += ` AND status = $2`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY address`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statuses for %s: %w", period, err)
	}
	defer rows.Close()

	var out []AccountStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ProcessingStatuses returns the period's PROCESSING rows with enough
// detail to re-verify in-flight requests after a crash.
func (s *Store) ProcessingStatuses(ctx context.Context, period string) ([]AccountStatus, error) {
	return s.StatusesByPeriod(ctx, period, StatusProcessing)
}

// StatusCounts groups the period's rows by status.
func (s *Store) StatusCounts(ctx context.Context, period string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM account_settlement_status
		WHERE period = $1::date
		GROUP BY status
	`, period)
	if err != nil {
		return nil, fmt.Errorf("status counts for %s: %w", period, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ReviewQueue lists MANUAL_FIX_NEEDED rows across all periods, newest
// period first, for the operator dashboard.
func (s *Store) ReviewQueue(ctx context.Context) ([]AccountStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+statusColumns+`
		FROM account_settlement_status
		WHERE status = $1 AND NOT manually_resolved
		ORDER BY period DESC, address
	`, StatusManualFix)
	if err != nil {
		return nil, fmt.Errorf("review queue: %w", err)
	}
	defer rows.Close()

	var out []AccountStatus
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// MarkManuallyResolved records an operator's resolution. Idempotent
// (resolved_at keeps its first value) and permanent: every automated write
// path skips manually_resolved rows, so no later retry round can undo it.
func (s *Store) MarkManuallyResolved(ctx context.Context, address, period, note, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE account_settlement_status
		SET manually_resolved = TRUE, needs_review = FALSE,
		    resolution_note = $3, resolved_by = $4,
		    resolved_at = COALESCE(resolved_at, NOW()), updated_at = NOW()
		WHERE address = $1 AND period = $2::date
	`, address, period, note, resolvedBy)
	if err != nil {
		return fmt.Errorf("mark %s/%s resolved: %w", address, period, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
