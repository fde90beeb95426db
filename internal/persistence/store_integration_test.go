package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"EmpireSync/internal/persistence"
	"EmpireSync/internal/testutil"
)

// --- Test helpers ---

func newTestStore(t *testing.T) (*persistence.Store, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	return persistence.NewStore(db), cleanup
}

func seedAccount(t *testing.T, store *persistence.Store, address string) {
	t.Helper()
	_, err := store.DB().Exec(`
		INSERT INTO accounts (address) VALUES ($1)
		ON CONFLICT (address) DO NOTHING
	`, address)
	if err != nil {
		t.Fatalf("seed account %s: %v", address, err)
	}
}

func seedBusiness(t *testing.T, store *persistence.Store, address string, slot int32, invested int64, active bool) {
	t.Helper()
	_, err := store.DB().Exec(`
		INSERT INTO businesses (address, slot_index, kind, level, base_invested, total_invested, rate_bps, active)
		VALUES ($1, $2, 'lemonade_stand', 1, $3, $3, 150, $4)
		ON CONFLICT (address, slot_index) DO UPDATE SET total_invested = EXCLUDED.total_invested, active = EXCLUDED.active
	`, address, slot, invested, active)
	if err != nil {
		t.Fatalf("seed business %s/%d: %v", address, slot, err)
	}
}

func mustCreateRun(t *testing.T, store *persistence.Store, period string) *persistence.SettlementRun {
	t.Helper()
	run, err := store.CreateRun(context.Background(), period, persistence.TriggerManual, 100)
	if err != nil {
		t.Fatalf("create run for %s: %v", period, err)
	}
	return run
}

func finalizeRun(t *testing.T, store *persistence.Store, runID string) {
	t.Helper()
	err := store.FinalizeRun(context.Background(), runID, persistence.RunCompleted, persistence.RunCounters{}, "")
	if err != nil {
		t.Fatalf("finalize run %s: %v", runID, err)
	}
}

// ============================================================================
// Test: Run lifecycle
// ============================================================================

func TestCreateRun_SecondActiveRunRejected(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run, err := store.CreateRun(ctx, "2025-11-01", persistence.TriggerScheduled, 100)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if run.Status != persistence.RunStarted {
		t.Errorf("expected status STARTED, got %s", run.Status)
	}

	if _, err := store.CreateRun(ctx, "2025-11-01", persistence.TriggerManual, 100); !errors.Is(err, persistence.ErrRunActive) {
		t.Fatalf("expected ErrRunActive for concurrent run, got %v", err)
	}

	// A different period is unaffected.
	if _, err := store.CreateRun(ctx, "2025-11-02", persistence.TriggerScheduled, 100); err != nil {
		t.Fatalf("run for other period: %v", err)
	}
}

func TestCreateRun_AllowedAfterTerminal(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	finalizeRun(t, store, run.ID)

	rerun, err := store.CreateRun(ctx, "2025-11-01", persistence.TriggerRetry, 50)
	if err != nil {
		t.Fatalf("re-run after completion: %v", err)
	}
	if rerun.ID == run.ID {
		t.Error("re-run should be a fresh row")
	}

	latest, err := store.RunByPeriod(ctx, "2025-11-01")
	if err != nil {
		t.Fatalf("run by period: %v", err)
	}
	if latest.ID != rerun.ID {
		t.Errorf("expected latest run %s, got %s", rerun.ID, latest.ID)
	}
}

func TestFinalizeRun_TerminalRowsImmutable(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	err := store.FinalizeRun(ctx, run.ID, persistence.RunCompleted,
		persistence.RunCounters{TotalFound: 5, Processed: 5}, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// A second finalize with different counters must not overwrite the first.
	err = store.FinalizeRun(ctx, run.ID, persistence.RunFailed,
		persistence.RunCounters{TotalFound: 99}, "late failure")
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}

	got, err := store.RunByPeriod(ctx, "2025-11-01")
	if err != nil {
		t.Fatalf("run by period: %v", err)
	}
	if got.Status != persistence.RunCompleted {
		t.Errorf("expected COMPLETED to stick, got %s", got.Status)
	}
	if got.TotalFound != 5 {
		t.Errorf("expected total_found 5, got %d", got.TotalFound)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestActiveRuns_EmptyAfterFinalize(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")

	active, err := store.ActiveRuns(ctx)
	if err != nil {
		t.Fatalf("active runs: %v", err)
	}
	if len(active) != 1 || active[0].ID != run.ID {
		t.Fatalf("expected one active run %s, got %+v", run.ID, active)
	}

	finalizeRun(t, store, run.ID)

	active, err = store.ActiveRuns(ctx)
	if err != nil {
		t.Fatalf("active runs after finalize: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active runs, got %d", len(active))
	}
}

// ============================================================================
// Test: Status rows, one row per (address, period)
// ============================================================================

func TestSeedPending_OneRowPerAccountPeriod(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	addrs := []string{"addr_a", "addr_b", "addr_c"}
	if err := store.SeedPending(ctx, run.ID, "2025-11-01", addrs); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Seeding again must not create extra rows.
	if err := store.SeedPending(ctx, run.ID, "2025-11-01", addrs); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	counts, err := store.StatusCounts(ctx, "2025-11-01")
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts[persistence.StatusPending] != 3 {
		t.Errorf("expected 3 PENDING rows, got %d", counts[persistence.StatusPending])
	}
}

func TestSeedPending_PreservesSettledRows(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run1 := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run1.ID, "2025-11-01", []string{"addr_done", "addr_open"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// addr_done settles successfully in run 1.
	claimed, err := store.ClaimProcessing(ctx, run1.ID, "2025-11-01", "addr_done")
	if err != nil || !claimed {
		t.Fatalf("claim addr_done: claimed=%v err=%v", claimed, err)
	}
	err = store.RecordOutcome(ctx, persistence.OutcomeParams{
		RunID: run1.ID, Period: "2025-11-01", Address: "addr_done",
		Status: persistence.StatusSuccess, ExpectedEarnings: 42_000_000, ActualEarnings: 42_000_000,
	})
	if err != nil {
		t.Fatalf("record success: %v", err)
	}
	finalizeRun(t, store, run1.ID)

	// A re-run of the period seeds both addresses again.
	run2 := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run2.ID, "2025-11-01", []string{"addr_done", "addr_open"}); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	done, err := store.AccountStatusRow(ctx, "addr_done", "2025-11-01")
	if err != nil {
		t.Fatalf("load addr_done: %v", err)
	}
	if done.Status != persistence.StatusSuccess {
		t.Errorf("settled row must survive a re-run, got status %s", done.Status)
	}
	if done.ActualEarnings != 42_000_000 {
		t.Errorf("settled earnings must survive a re-run, got %d", done.ActualEarnings)
	}

	open, err := store.AccountStatusRow(ctx, "addr_open", "2025-11-01")
	if err != nil {
		t.Fatalf("load addr_open: %v", err)
	}
	if open.Status != persistence.StatusPending {
		t.Errorf("unsettled row should be PENDING again, got %s", open.Status)
	}
	if open.RunID != run2.ID {
		t.Errorf("unsettled row should point at run 2, got %s", open.RunID)
	}
}

func TestClaimProcessing_SingleWinner(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run.ID, "2025-11-01", []string{"addr_a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := store.ClaimProcessing(ctx, run.ID, "2025-11-01", "addr_a")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := store.ClaimProcessing(ctx, run.ID, "2025-11-01", "addr_a")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !first || second {
		t.Errorf("expected exactly one winning claim, got first=%v second=%v", first, second)
	}

	st, err := store.AccountStatusRow(ctx, "addr_a", "2025-11-01")
	if err != nil {
		t.Fatalf("status row: %v", err)
	}
	if st.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", st.Attempts)
	}
	if st.FirstAttemptAt == nil {
		t.Error("expected first_attempt_at to be set")
	}
}

func TestRetryFlow_FailedFlipsToRetriedThenManualFix(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run.ID, "2025-11-01", []string{"addr_a", "addr_b"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for _, addr := range []string{"addr_a", "addr_b"} {
		if _, err := store.ClaimProcessing(ctx, run.ID, "2025-11-01", addr); err != nil {
			t.Fatalf("claim %s: %v", addr, err)
		}
		err := store.RecordFailure(ctx, persistence.FailureParams{
			RunID: run.ID, Period: "2025-11-01", Address: addr,
			ErrorDetail: "chain timeout", ChainError: true,
		})
		if err != nil {
			t.Fatalf("record failure %s: %v", addr, err)
		}
	}

	retried, err := store.FlipFailedToRetried(ctx, run.ID, "2025-11-01")
	if err != nil {
		t.Fatalf("flip failed: %v", err)
	}
	if len(retried) != 2 || retried[0] != "addr_a" || retried[1] != "addr_b" {
		t.Fatalf("expected sorted [addr_a addr_b], got %v", retried)
	}

	// RETRIED rows are claimable again.
	claimed, err := store.ClaimProcessing(ctx, run.ID, "2025-11-01", "addr_a")
	if err != nil || !claimed {
		t.Fatalf("re-claim after retry flip: claimed=%v err=%v", claimed, err)
	}
	err = store.RecordFailure(ctx, persistence.FailureParams{
		RunID: run.ID, Period: "2025-11-01", Address: "addr_a",
		ErrorDetail: "still failing", ChainError: true,
	})
	if err != nil {
		t.Fatalf("record second failure: %v", err)
	}

	promoted, err := store.PromoteExhaustedToManualFix(ctx, run.ID, "2025-11-01")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if len(promoted) != 1 || promoted[0] != "addr_a" {
		t.Fatalf("expected [addr_a] promoted, got %v", promoted)
	}

	st, err := store.AccountStatusRow(ctx, "addr_a", "2025-11-01")
	if err != nil {
		t.Fatalf("status row: %v", err)
	}
	if st.Status != persistence.StatusManualFix {
		t.Errorf("expected MANUAL_FIX_NEEDED, got %s", st.Status)
	}
	if !st.NeedsReview {
		t.Error("expected needs_review flag")
	}
	if st.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", st.Attempts)
	}
}

func TestRecordFailure_PreservesStagedVerificationData(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run.ID, "2025-11-01", []string{"addr_a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.ClaimProcessing(ctx, run.ID, "2025-11-01", "addr_a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.StageAccrualSubmit(ctx, run.ID, "2025-11-01", "addr_a", 7_500_000, 250_000); err != nil {
		t.Fatalf("stage: %v", err)
	}

	// Confirmation timed out: the attempt fails but the staged values must
	// survive so the next attempt can tell whether the submission landed.
	err := store.RecordFailure(ctx, persistence.FailureParams{
		RunID: run.ID, Period: "2025-11-01", Address: "addr_a",
		ErrorDetail: "confirm timed out", ChainError: true,
	})
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}

	st, err := store.AccountStatusRow(ctx, "addr_a", "2025-11-01")
	if err != nil {
		t.Fatalf("status row: %v", err)
	}
	if st.Status != persistence.StatusFailed {
		t.Errorf("status: got %s, want FAILED", st.Status)
	}
	if st.ChainEarnedBefore != 7_500_000 {
		t.Errorf("chain_earned_before: got %d, want 7_500_000", st.ChainEarnedBefore)
	}
	if st.ExpectedEarnings != 250_000 {
		t.Errorf("expected_earnings: got %d, want 250_000", st.ExpectedEarnings)
	}
	if !st.ChainError {
		t.Error("chain_error should be set")
	}
}

func TestManualResolution_NeverOverwritten(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run1 := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run1.ID, "2025-11-01", []string{"addr_a"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.ClaimProcessing(ctx, run1.ID, "2025-11-01", "addr_a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := store.RecordFailure(ctx, persistence.FailureParams{
		RunID: run1.ID, Period: "2025-11-01", Address: "addr_a",
		ErrorDetail: "rejected",
	})
	if err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if _, err := store.PromoteExhaustedToManualFix(ctx, run1.ID, "2025-11-01"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := store.MarkManuallyResolved(ctx, "addr_a", "2025-11-01", "credited by hand", "ops@empire"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	finalizeRun(t, store, run1.ID)

	// A later run must not pick the resolved row back up.
	run2 := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run2.ID, "2025-11-01", []string{"addr_a"}); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	claimed, err := store.ClaimProcessing(ctx, run2.ID, "2025-11-01", "addr_a")
	if err != nil {
		t.Fatalf("claim resolved row: %v", err)
	}
	if claimed {
		t.Fatal("manually resolved row must not be claimable")
	}

	st, err := store.AccountStatusRow(ctx, "addr_a", "2025-11-01")
	if err != nil {
		t.Fatalf("status row: %v", err)
	}
	if !st.ManuallyResolved {
		t.Error("manually_resolved must survive a re-run")
	}
	if st.ResolutionNote != "credited by hand" {
		t.Errorf("resolution note lost: %q", st.ResolutionNote)
	}
	if st.RunID != run1.ID {
		t.Errorf("resolved row should keep run %s, got %s", run1.ID, st.RunID)
	}

	// Resolving again keeps the original resolved_at.
	firstResolvedAt := st.ResolvedAt
	if err := store.MarkManuallyResolved(ctx, "addr_a", "2025-11-01", "second note", "ops@empire"); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	st, _ = store.AccountStatusRow(ctx, "addr_a", "2025-11-01")
	if firstResolvedAt == nil || st.ResolvedAt == nil || !st.ResolvedAt.Equal(*firstResolvedAt) {
		t.Error("resolved_at should keep its first value")
	}
}

func TestResetProcessing_ReturnsCrashedRowsToPending(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run.ID, "2025-11-01", []string{"addr_a", "addr_b"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.ClaimProcessing(ctx, run.ID, "2025-11-01", "addr_a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := store.ResetProcessing(ctx, "2025-11-01")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset row, got %d", n)
	}

	pending, err := store.PendingAddresses(ctx, "2025-11-01")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected both addresses pending again, got %v", pending)
	}
}

// ============================================================================
// Test: Accounts and businesses
// ============================================================================

func TestEligibleAddresses_RequiresActiveBusiness(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedAccount(t, store, "addr_active")
	seedBusiness(t, store, "addr_active", 0, 10_000_000, true)

	seedAccount(t, store, "addr_dormant")
	seedBusiness(t, store, "addr_dormant", 0, 10_000_000, false)

	seedAccount(t, store, "addr_empty")

	got, err := store.EligibleAddresses(ctx)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(got) != 1 || got[0] != "addr_active" {
		t.Errorf("expected [addr_active], got %v", got)
	}
}

func TestApplyReconciliation_UpsertDeactivateAndTotal(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedAccount(t, store, "addr_a")
	seedBusiness(t, store, "addr_a", 0, 5_000_000, true) // will be updated
	seedBusiness(t, store, "addr_a", 1, 3_000_000, true) // will be deactivated

	upserts := []persistence.Business{
		{Address: "addr_a", SlotIndex: 0, Kind: "car_wash", Level: 2, BaseInvested: 5_000_000, TotalInvested: 9_000_000, RateBps: 220, Active: true},
		{Address: "addr_a", SlotIndex: 2, Kind: "arcade", Level: 1, BaseInvested: 4_000_000, TotalInvested: 4_000_000, RateBps: 180, Active: true},
	}
	if err := store.ApplyReconciliation(ctx, "addr_a", upserts, []int32{1}, 13_000_000); err != nil {
		t.Fatalf("apply reconciliation: %v", err)
	}

	businesses, err := store.BusinessesByAddress(ctx, "addr_a")
	if err != nil {
		t.Fatalf("load businesses: %v", err)
	}
	if len(businesses) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(businesses))
	}
	bySlot := map[int32]persistence.Business{}
	for _, b := range businesses {
		bySlot[b.SlotIndex] = b
	}
	if got := bySlot[0]; got.Level != 2 || got.TotalInvested != 9_000_000 || got.Kind != "car_wash" {
		t.Errorf("slot 0 not updated: %+v", got)
	}
	if bySlot[1].Active {
		t.Error("slot 1 should be deactivated")
	}
	if got := bySlot[2]; !got.Active || got.RateBps != 180 {
		t.Errorf("slot 2 not inserted: %+v", got)
	}

	acct, err := store.GetAccount(ctx, "addr_a")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.CalculatedTotalInvested != 13_000_000 {
		t.Errorf("expected calculated total 13_000_000, got %d", acct.CalculatedTotalInvested)
	}
	if acct.SyncVersion == 0 {
		t.Error("sync_version should have advanced")
	}
}

func TestApplySettlement_TimestampOnlyAdvances(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedAccount(t, store, "addr_a")

	newer := time.Date(2025, 11, 2, 5, 0, 0, 0, time.UTC)
	older := time.Date(2025, 11, 1, 5, 0, 0, 0, time.UTC)

	if err := store.ApplySettlement(ctx, "addr_a", 0, 50_000_000, newer); err != nil {
		t.Fatalf("apply newer: %v", err)
	}
	// A replayed older read-back must not rewind the settlement time.
	if err := store.ApplySettlement(ctx, "addr_a", 10, 60_000_000, older); err != nil {
		t.Fatalf("apply older: %v", err)
	}

	acct, err := store.GetAccount(ctx, "addr_a")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.LastSettlementAt == nil || !acct.LastSettlementAt.Equal(newer) {
		t.Errorf("expected last_settlement_at %v, got %v", newer, acct.LastSettlementAt)
	}
	if acct.TotalEarned != 60_000_000 {
		t.Errorf("value columns still apply, got total_earned %d", acct.TotalEarned)
	}
}

// ============================================================================
// Test: Chain event dedup ledger
// ============================================================================

func TestApplyChainEvent_ExactlyOnce(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seedAccount(t, store, "addr_a")

	applies := 0
	apply := func(tx *sql.Tx) error {
		applies++
		return store.AddInvestedTx(tx, "addr_a", 7_000_000)
	}

	applied, err := store.ApplyChainEvent(ctx, "evt-1", "business_purchased", "addr_a", 100, apply)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if !applied {
		t.Fatal("first apply should land")
	}

	applied, err = store.ApplyChainEvent(ctx, "evt-1", "business_purchased", "addr_a", 100, apply)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if applied {
		t.Fatal("replay must be reported as duplicate")
	}
	if applies != 1 {
		t.Fatalf("apply func ran %d times, want 1", applies)
	}

	acct, err := store.GetAccount(ctx, "addr_a")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.TotalInvested != 7_000_000 {
		t.Errorf("expected single credit 7_000_000, got %d", acct.TotalInvested)
	}
}

func TestApplyChainEvent_FailedApplyRollsBackClaim(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := store.ApplyChainEvent(ctx, "evt-2", "claim_settled", "addr_a", 101, func(tx *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}

	// The claim must have rolled back with the mutation: a retry applies.
	applied, err := store.ApplyChainEvent(ctx, "evt-2", "claim_settled", "addr_a", 101, func(tx *sql.Tx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !applied {
		t.Fatal("retry after failed apply should land")
	}

	seen, err := store.SeenEvent(ctx, "evt-2")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Error("event should be in the dedup ledger after the retry")
	}
}

func TestLastAppliedHeight(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	noop := func(tx *sql.Tx) error { return nil }
	for i, h := range []uint64{5, 9, 7} {
		id := string(rune('a' + i))
		if _, err := store.ApplyChainEvent(ctx, "evt-h-"+id, "claim_settled", "addr_a", h, noop); err != nil {
			t.Fatalf("apply %d: %v", h, err)
		}
	}

	h, err := store.LastAppliedHeight(ctx, "addr_a")
	if err != nil {
		t.Fatalf("last height: %v", err)
	}
	if h != 9 {
		t.Errorf("expected height 9, got %d", h)
	}

	h, err = store.LastAppliedHeight(ctx, "addr_unknown")
	if err != nil {
		t.Fatalf("last height unknown: %v", err)
	}
	if h != 0 {
		t.Errorf("expected 0 for unseen address, got %d", h)
	}
}

// ============================================================================
// Test: Purge
// ============================================================================

func TestPurgeRun_CascadesStatusRows(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	run := mustCreateRun(t, store, "2025-11-01")
	if err := store.SeedPending(ctx, run.ID, "2025-11-01", []string{"addr_a", "addr_b"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	finalizeRun(t, store, run.ID)

	if err := store.PurgeRun(ctx, "2025-11-01"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if _, err := store.RunByPeriod(ctx, "2025-11-01"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
	counts, err := store.StatusCounts(ctx, "2025-11-01")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("expected no status rows after purge, got %v", counts)
	}

	if err := store.PurgeRun(ctx, "2025-11-01"); !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("second purge should be ErrNotFound, got %v", err)
	}
}
